package ws

import (
	"context"
	"errors"
	"sync"

	"alatele/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Join(clientID string) chan models.ServerMessage
	Leave(clientID string)
	Dispatch(clientID string, msg models.ClientMessage)
}

// Connection pumps frames between one websocket and the hub.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	clientID   string
	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	clientID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		clientID:   clientID,
		fromClient: make(chan models.ClientMessage),
		fromServer: hub.Join(clientID),
		errorCh:    make(chan error, 2),
	}
}

// Handle runs until the socket fails or ctx is done. The client always
// leaves the hub before Handle returns.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.clientID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(msg)
		case msg, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientMessageTypeJoin,
		models.ClientMessageTypeLeave,
		models.ClientMessageTypeSend:
		c.hub.Dispatch(c.clientID, msg)
	}
}
