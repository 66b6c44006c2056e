package send

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/content"
	"alatele/internal/metrics"
	"alatele/internal/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 30 * time.Second

// Remote is the part of the backend the coordinator writes to.
type Remote interface {
	Fetcher
	SendMessage(ctx context.Context, msg Outgoing) (int64, error)
	UploadAttachment(ctx context.Context, a models.OutgoingAttachment, onProgress func(percent int)) (models.Attachment, error)
	EditMessage(ctx context.Context, id int64, content string) error
	DeleteMessage(ctx context.Context, id int64) error
}

// Outgoing is the final message handed to the backend once every attachment
// has a stable reference.
type Outgoing struct {
	Content     string
	Attachments []models.Attachment
	Recipient   *models.Identity
	// IdempotencyKey lets the backend drop a retried duplicate.
	IdempotencyKey string
}

// Progress reports the upload progress of the attachment at index.
type Progress func(index int, percent int)

type Request struct {
	Scope       models.Scope
	Content     string
	Attachments []models.OutgoingAttachment
	Sender      models.Identity
	OnProgress  Progress
	// Timeout overrides the coordinator's default for this send.
	Timeout time.Duration
}

type Config struct {
	Cache   *cache.Store
	Remote  Remote
	Clock   models.Clock
	Timeout time.Duration
	// OnSettled runs after every confirmed send, edit or delete, once the
	// scope has been refetched. Derived state of the scope hangs off it.
	OnSettled func(scope models.Scope)
}

// Coordinator drives outgoing messages through optimistic append, upload,
// remote call and reconciliation.
type Coordinator struct {
	cache     *cache.Store
	remote    Remote
	clock     models.Clock
	timeout   time.Duration
	onSettled func(scope models.Scope)

	lastProvisional atomic.Int64
}

func New(config Config) *Coordinator {
	if config.Clock == nil {
		config.Clock = models.SystemClock{}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Coordinator{
		cache:     config.Cache,
		remote:    config.Remote,
		clock:     config.Clock,
		timeout:   config.Timeout,
		onSettled: config.OnSettled,
	}
}

type result struct {
	id  int64
	err error
}

// Send appends a provisional message to the cache, uploads the attachments
// concurrently, sends the message and reconciles the cache with the server.
//
// The work is detached from ctx: if the caller goes away, the send still
// completes in the background and the cache is reconciled or rolled back,
// but Send itself returns ctx.Err() right away.
func (c *Coordinator) Send(ctx context.Context, req Request) (int64, error) {
	text := strings.TrimSpace(req.Content)
	if text == "" && len(req.Attachments) == 0 {
		return 0, models.ErrInvalidMessage
	}
	for _, a := range req.Attachments {
		if len(a.Data) == 0 {
			return 0, fmt.Errorf("%w: empty attachment %q", models.ErrInvalidMessage, a.Name)
		}
	}

	var recipient *models.Identity
	if other, ok := req.Scope.Counterparty(); ok {
		recipient = &other
	} else if req.Scope != models.PublicScope {
		return 0, fmt.Errorf("%w: unknown scope %q", models.ErrInvalidMessage, req.Scope)
	}

	now := c.clock.Now()
	provisional := models.Message{
		ID:        c.provisionalID(now),
		Sender:    req.Sender,
		Recipient: recipient,
		Content:   text,
		Timestamp: now.UnixNano(),
	}
	for _, a := range req.Attachments {
		a = content.Prepare(a)
		provisional.Attachments = append(provisional.Attachments, models.Attachment{
			Kind:     a.Kind,
			Name:     a.Name,
			MimeType: a.MimeType,
			Size:     int64(len(a.Data)),
		})
	}

	token := c.cache.Begin(req.Scope, provisional)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	done := make(chan result, 1)
	go func() {
		defer cancel()
		start := time.Now()
		id, err := c.run(opCtx, token, text, recipient, req)
		metrics.SendDuration.WithLabelValues("send").Observe(time.Since(start).Seconds())
		done <- result{id: id, err: err}
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, token cache.Token, text string, recipient *models.Identity, req Request) (int64, error) {
	refs, err := c.upload(ctx, req.Attachments, req.OnProgress)
	if err != nil {
		return 0, c.fail("send", token, err)
	}

	id, err := c.remote.SendMessage(ctx, Outgoing{
		Content:        text,
		Attachments:    refs,
		Recipient:      recipient,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return 0, c.fail("send", token, err)
	}

	c.cache.Settle(token)
	metrics.SendsTotal.WithLabelValues("send", "ok").Inc()
	c.settled(ctx, req.Scope)
	return id, nil
}

// upload converts every attachment into a stable reference. Uploads run
// concurrently; the first failure cancels the others.
func (c *Coordinator) upload(ctx context.Context, attachments []models.OutgoingAttachment, onProgress Progress) ([]models.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	refs := make([]models.Attachment, len(attachments))
	g, gCtx := errgroup.WithContext(ctx)
	for i, a := range attachments {
		a = content.Prepare(a)
		report := monotonic(i, onProgress)
		g.Go(func() error {
			ref, err := c.remote.UploadAttachment(gCtx, a, report)
			if err != nil {
				if errors.Is(err, models.ErrUploadFailed) {
					return err
				}
				return fmt.Errorf("%w: %q: %w", models.ErrUploadFailed, a.Name, err)
			}
			if ref.Kind == "" {
				ref.Kind = a.Kind
			}
			if ref.Name == "" {
				ref.Name = a.Name
			}
			if ref.MimeType == "" {
				ref.MimeType = a.MimeType
			}
			report(100)
			metrics.UploadedBytesTotal.Add(float64(len(a.Data)))
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// fail rolls the token back and wraps err into a SendError.
func (c *Coordinator) fail(op string, token cache.Token, err error) error {
	c.cache.Rollback(token)
	metrics.SendsTotal.WithLabelValues(op, "failed").Inc()
	metrics.RollbacksTotal.WithLabelValues(metrics.ScopeKind(token.Scope().String())).Inc()
	return &models.SendError{Scope: token.Scope(), Cause: classify(err)}
}

// settled refetches scope so provisional entries are superseded by the
// authoritative ones. A failed refetch leaves the cache stale, not the send
// failed: the poller catches up later.
func (c *Coordinator) settled(ctx context.Context, scope models.Scope) {
	if err := Refetch(ctx, c.remote, c.cache, scope); err != nil {
		slog.Error("refetch after send failed", "scope", scope, "error", err)
	}
	if c.onSettled != nil {
		c.onSettled(scope)
	}
}

// provisionalID derives a negative id from the clock. Server ids are never
// negative, and two sends within one clock tick still get distinct ids.
func (c *Coordinator) provisionalID(now time.Time) int64 {
	id := -now.UnixNano()
	if id >= 0 {
		id = -1
	}
	for {
		last := c.lastProvisional.Load()
		next := id
		if last != 0 && next >= last {
			next = last - 1
		}
		if c.lastProvisional.CompareAndSwap(last, next) {
			return next
		}
	}
}

// monotonic clamps reported progress to 0..100 and drops regressions.
func monotonic(index int, onProgress Progress) func(percent int) {
	var last atomic.Int64
	last.Store(-1)
	return func(percent int) {
		if onProgress == nil {
			return
		}
		percent = max(0, min(100, percent))
		for {
			prev := last.Load()
			if int64(percent) <= prev {
				return
			}
			if last.CompareAndSwap(prev, int64(percent)) {
				onProgress(index, percent)
				return
			}
		}
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, models.ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	case errors.Is(err, models.ErrUploadFailed),
		errors.Is(err, models.ErrRemoteRejected),
		errors.Is(err, models.ErrTransport):
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrTransport, err)
}

// Edit changes the text of a confirmed message. Only its sender or an admin
// may do so.
func (c *Coordinator) Edit(ctx context.Context, scope models.Scope, actor auth.Principal, id int64, text string) error {
	text = strings.TrimSpace(text)
	target, err := c.authorize(scope, actor, id)
	if err != nil {
		return err
	}
	if text == "" && len(target.Attachments) == 0 {
		return models.ErrInvalidMessage
	}

	token := c.cache.Mutate(scope, func(list []models.Message) []models.Message {
		for i := range list {
			if list[i].ID == id {
				list[i].Content = text
			}
		}
		return list
	})
	return c.modify(ctx, "edit", token, func(ctx context.Context) error {
		return c.remote.EditMessage(ctx, id, text)
	})
}

// Delete removes a confirmed message. Only its sender or an admin may do so.
func (c *Coordinator) Delete(ctx context.Context, scope models.Scope, actor auth.Principal, id int64) error {
	if _, err := c.authorize(scope, actor, id); err != nil {
		return err
	}

	token := c.cache.Mutate(scope, func(list []models.Message) []models.Message {
		out := list[:0]
		for _, m := range list {
			if m.ID != id {
				out = append(out, m)
			}
		}
		return out
	})
	return c.modify(ctx, "delete", token, func(ctx context.Context) error {
		return c.remote.DeleteMessage(ctx, id)
	})
}

func (c *Coordinator) authorize(scope models.Scope, actor auth.Principal, id int64) (models.Message, error) {
	if id < 0 {
		return models.Message{}, fmt.Errorf("%w: message %d is not confirmed yet", models.ErrInvalidMessage, id)
	}
	for _, m := range c.cache.Get(scope) {
		if m.ID != id {
			continue
		}
		if !actor.CanModify(m) {
			return models.Message{}, fmt.Errorf("%w: %s may not modify message %d", models.ErrForbidden, actor.Identity, id)
		}
		return m, nil
	}
	return models.Message{}, fmt.Errorf("message %d in %s: %w", id, scope, models.ErrNotFound)
}

func (c *Coordinator) modify(ctx context.Context, op string, token cache.Token, call func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		start := time.Now()
		defer func() {
			metrics.SendDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}()

		if err := call(opCtx); err != nil {
			done <- c.fail(op, token, err)
			return
		}
		metrics.SendsTotal.WithLabelValues(op, "ok").Inc()
		c.settled(opCtx, token.Scope())
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
