package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"alatele/internal/auth"
	"alatele/internal/models"
	"alatele/internal/send"

	"github.com/go-resty/resty/v2"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the chat backend.
type Client struct {
	http *resty.Client

	mu    sync.RWMutex
	token string
}

func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	c := resty.New().
		SetBaseURL(config.BaseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(config.Timeout).
		SetError(&ErrorResponse{})

	return &Client{http: c}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) request(ctx context.Context) *resty.Request {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	r := c.http.R().SetContext(ctx)
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

// check maps a failed call onto the error taxonomy: network failures are
// ErrTransport (or ErrTimeout), 4xx responses ErrRemoteRejected and 5xx
// responses ErrTransport.
func check(resp *resty.Response, err error) error {
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: %w", models.ErrTimeout, err)
		case errors.As(err, &netErr) && netErr.Timeout():
			return fmt.Errorf("%w: %w", models.ErrTimeout, err)
		case errors.Is(err, context.Canceled):
			return err
		}
		return fmt.Errorf("%w: %w", models.ErrTransport, err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := resp.Status()
	if e, ok := resp.Error().(*ErrorResponse); ok && e.Error != "" {
		msg = fmt.Sprintf("%s: %s", resp.Status(), e.Error)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", models.ErrRemoteRejected, models.ErrNotFound, msg)
	case code >= 500:
		return fmt.Errorf("%w: %s", models.ErrTransport, msg)
	}
	return fmt.Errorf("%w: %s", models.ErrRemoteRejected, msg)
}

func (c *Client) login(ctx context.Context, path string, req LoginRequest) (auth.Session, error) {
	var session auth.Session
	resp, err := c.request(ctx).SetBody(req).SetResult(&session).Post(path)
	if err := check(resp, err); err != nil {
		return auth.Session{}, err
	}
	c.SetToken(session.Token)
	return session, nil
}

func (c *Client) AuthenticateAdmin(ctx context.Context, username, password string) (auth.Session, error) {
	return c.login(ctx, PathAdminLogin, LoginRequest{Username: username, Password: password})
}

func (c *Client) AuthenticateGuest(ctx context.Context, username string) (auth.Session, error) {
	return c.login(ctx, PathGuestLogin, LoginRequest{Username: username})
}

func (c *Client) AuthenticateFederated(ctx context.Context, token string) (auth.Session, error) {
	return c.login(ctx, PathFederatedLogin, LoginRequest{Token: token})
}

func (c *Client) fetch(ctx context.Context, r *resty.Request, path string) ([]models.Message, error) {
	var messages []models.Message
	resp, err := r.SetResult(&messages).Get(path)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

func (c *Client) FetchPublicMessages(ctx context.Context) ([]models.Message, error) {
	return c.fetch(ctx, c.request(ctx), PathPublicMessages)
}

func (c *Client) FetchPrivateMessages(ctx context.Context, counterparty models.Identity) ([]models.Message, error) {
	return c.fetch(ctx, c.request(ctx).SetPathParam("identity", counterparty.String()), PathPrivateMessage)
}

// FetchAllMessages returns every message visible to the caller, public and
// private.
func (c *Client) FetchAllMessages(ctx context.Context) ([]models.Message, error) {
	return c.fetch(ctx, c.request(ctx), PathMessages)
}

func (c *Client) SendMessage(ctx context.Context, msg send.Outgoing) (int64, error) {
	var out SendResponse
	r := c.request(ctx).
		SetBody(SendRequest{Content: msg.Content, Attachments: msg.Attachments, Recipient: msg.Recipient}).
		SetResult(&out)
	if msg.IdempotencyKey != "" {
		r.SetHeader(IdempotencyKeyHeader, msg.IdempotencyKey)
	}
	resp, err := r.Post(PathMessages)
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) EditMessage(ctx context.Context, id int64, content string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetBody(EditRequest{Content: content}).
		Patch(PathMessage)
	return check(resp, err)
}

func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Delete(PathMessage)
	return check(resp, err)
}

// progressReader reports how much of the body has been consumed.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(percent int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.onProgress != nil && p.total > 0 {
		p.onProgress(int(p.read * 100 / p.total))
	}
	return n, err
}

// UploadAttachment stores the bytes of a as a blob and returns its reference.
func (c *Client) UploadAttachment(ctx context.Context, a models.OutgoingAttachment, onProgress func(percent int)) (models.Attachment, error) {
	body := &progressReader{
		r:          bytes.NewReader(a.Data),
		total:      int64(len(a.Data)),
		onProgress: onProgress,
	}

	var out models.Attachment
	resp, err := c.request(ctx).
		SetHeader("Content-Type", a.MimeType).
		SetHeader(FileNameHeader, a.Name).
		SetBody(body).
		SetResult(&out).
		Post(PathBlobs)
	if err := check(resp, err); err != nil {
		return models.Attachment{}, fmt.Errorf("%w: %w", models.ErrUploadFailed, err)
	}
	if out.Ref == "" {
		return models.Attachment{}, fmt.Errorf("%w: backend returned no reference", models.ErrUploadFailed)
	}
	return out, nil
}

// FetchAttachment downloads a blob and returns its bytes and MIME type.
func (c *Client) FetchAttachment(ctx context.Context, ref string) ([]byte, string, error) {
	resp, err := c.request(ctx).
		SetHeader("Accept", "*/*").
		SetPathParam("ref", ref).
		Get(PathBlob)
	if err := check(resp, err); err != nil {
		return nil, "", err
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

func (c *Client) GetUserProfile(ctx context.Context, id models.Identity) (models.UserProfile, error) {
	var p models.UserProfile
	resp, err := c.request(ctx).
		SetPathParam("identity", id.String()).
		SetResult(&p).
		Get(PathUserProfile)
	if err := check(resp, err); err != nil {
		return models.UserProfile{}, err
	}
	return p, nil
}

func (c *Client) GetCallerUserProfile(ctx context.Context) (models.UserProfile, error) {
	var p models.UserProfile
	resp, err := c.request(ctx).SetResult(&p).Get(PathProfile)
	if err := check(resp, err); err != nil {
		return models.UserProfile{}, err
	}
	return p, nil
}

func (c *Client) SaveCallerUserProfile(ctx context.Context, p models.UserProfile) error {
	resp, err := c.request(ctx).SetBody(p).Put(PathProfile)
	return check(resp, err)
}

func (c *Client) Contacts(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	resp, err := c.request(ctx).SetResult(&contacts).Get(PathContacts)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) AddContact(ctx context.Context, contact models.Contact) error {
	resp, err := c.request(ctx).SetBody(contact).Post(PathContacts)
	return check(resp, err)
}
