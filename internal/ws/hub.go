package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/content"
	"alatele/internal/models"
	"alatele/internal/send"
)

const outboxSize = 100

type scopeWatcher interface {
	Watch(scope models.Scope) (release func())
	SubscribeConversations() (<-chan []models.ConversationSummary, func())
}

type sender interface {
	Send(ctx context.Context, req send.Request) (int64, error)
}

type HubConfig struct {
	Cache     *cache.Store
	Session   scopeWatcher
	Sender    sender
	Principal auth.Principal
}

// client is one connected UI tab.
type client struct {
	out  chan models.ServerMessage
	done chan struct{}

	mu     sync.Mutex
	scopes map[models.Scope]chan struct{}

	// wg tracks every goroutine that may write to out.
	wg sync.WaitGroup
}

func (c *client) push(msg models.ServerMessage) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// Hub fans cache and conversation updates out to connected UI clients and
// turns their send frames into coordinator sends.
type Hub struct {
	cache     *cache.Store
	session   scopeWatcher
	sender    sender
	principal auth.Principal

	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(config HubConfig) *Hub {
	return &Hub{
		cache:     config.Cache,
		session:   config.Session,
		sender:    config.Sender,
		principal: config.Principal,
		clients:   make(map[string]*client),
	}
}

// Join registers a client and starts streaming conversation updates to it.
// Scope updates start once the client joins a scope.
func (h *Hub) Join(clientID string) chan models.ServerMessage {
	c := &client{
		out:    make(chan models.ServerMessage, outboxSize),
		done:   make(chan struct{}),
		scopes: make(map[models.Scope]chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		h.mu.Unlock()
		slog.Error("client joined twice", "client", clientID)
		return old.out
	}
	h.clients[clientID] = c
	c.wg.Go(func() { h.forwardConversations(c) })
	h.mu.Unlock()

	return c.out
}

// Leave unregisters the client. Its channel is closed once nothing can
// write to it anymore.
func (h *Hub) Leave(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()
	if !ok {
		return
	}

	close(c.done)
	c.mu.Lock()
	for scope, stop := range c.scopes {
		close(stop)
		delete(c.scopes, scope)
	}
	c.mu.Unlock()

	c.wg.Wait()
	close(c.out)
}

func (h *Hub) Dispatch(clientID string, msg models.ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return
	}

	scope, ok := models.ParseScope(msg.Scope)
	if !ok {
		c.wg.Go(func() {
			c.push(errorFrame(msg, models.ErrInvalidMessage))
		})
		return
	}

	switch msg.Type {
	case models.ClientMessageTypeJoin:
		c.mu.Lock()
		if _, joined := c.scopes[scope]; !joined {
			stop := make(chan struct{})
			c.scopes[scope] = stop
			c.wg.Go(func() { h.forwardScope(c, scope, stop) })
		}
		c.mu.Unlock()
	case models.ClientMessageTypeLeave:
		c.mu.Lock()
		if stop, joined := c.scopes[scope]; joined {
			close(stop)
			delete(c.scopes, scope)
		}
		c.mu.Unlock()
	case models.ClientMessageTypeSend:
		c.wg.Go(func() { h.send(c, scope, msg) })
	}
}

// send stops waiting once the client leaves. The coordinator keeps the send
// itself going and reconciles the cache without us.
func (h *Hub) send(c *client, scope models.Scope, msg models.ClientMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	id, err := h.sender.Send(ctx, send.Request{
		Scope:   scope,
		Content: msg.Content,
		Sender:  h.principal.Identity,
		OnProgress: func(index, percent int) {
			c.push(models.ServerMessage{
				Type:       models.ServerMessageTypeProgress,
				Scope:      scope.String(),
				RequestID:  msg.RequestID,
				Attachment: index,
				Percent:    percent,
			})
		},
	})
	if err != nil {
		c.push(errorFrame(msg, err))
		return
	}
	c.push(models.ServerMessage{
		Type:      models.ServerMessageTypeSent,
		Scope:     scope.String(),
		RequestID: msg.RequestID,
		ID:        id,
	})
}

func (h *Hub) forwardScope(c *client, scope models.Scope, stop <-chan struct{}) {
	sub := h.cache.Subscribe(scope)
	defer sub.Close()
	release := h.session.Watch(scope)
	defer release()

	for {
		select {
		case list := <-sub.C:
			c.push(models.ServerMessage{
				Type:     models.ServerMessageTypeMessages,
				Scope:    scope.String(),
				Messages: content.Views(list),
			})
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

func (h *Hub) forwardConversations(c *client) {
	updates, cancel := h.session.SubscribeConversations()
	defer cancel()

	for {
		select {
		case list, ok := <-updates:
			if !ok {
				return
			}
			c.push(models.ServerMessage{
				Type:          models.ServerMessageTypeConversations,
				Conversations: list,
			})
		case <-c.done:
			return
		}
	}
}

func errorFrame(msg models.ClientMessage, err error) models.ServerMessage {
	text := err.Error()
	var sendErr *models.SendError
	if errors.As(err, &sendErr) {
		text = sendErr.Cause.Error()
	}
	return models.ServerMessage{
		Type:      models.ServerMessageTypeError,
		Scope:     msg.Scope,
		RequestID: msg.RequestID,
		Error:     text,
	}
}
