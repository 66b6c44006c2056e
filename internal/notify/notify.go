package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"alatele/internal/models"
	"alatele/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	pushTTL      = 60
	previewRunes = 120
)

type Store interface {
	UpsertSubscription(sub storage.DBSubscription) error
	DeleteSubscription(endpoint string) error
	ListSubscriptions() ([]storage.DBSubscription, error)
}

// Subscription is what a browser hands out from PushManager.subscribe.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Scope string `json:"scope"`
}

type Config struct {
	Store           Store
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact (mailto: or https:) sent to push services.
	Subscriber string
	HTTPClient webpush.HTTPClient
}

// Notifier sends web push notifications for new incoming private messages.
type Notifier struct {
	config Config

	mu     sync.Mutex
	primed bool
	seen   map[models.Identity]int64
}

func New(config Config) *Notifier {
	return &Notifier{
		config: config,
		seen:   make(map[models.Identity]int64),
	}
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool {
	return n.config.VAPIDPublicKey != "" && n.config.VAPIDPrivateKey != ""
}

func (n *Notifier) PublicKey() string {
	return n.config.VAPIDPublicKey
}

func (n *Notifier) Subscribe(sub Subscription) error {
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("%w: incomplete push subscription", models.ErrInvalidMessage)
	}
	return n.config.Store.UpsertSubscription(storage.DBSubscription{
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256dh,
		Auth:     sub.Keys.Auth,
	})
}

func (n *Notifier) Unsubscribe(endpoint string) error {
	return n.config.Store.DeleteSubscription(endpoint)
}

// Observe compares a fresh conversation list with the previous one and
// pushes a notification for every thread whose last message is newer and
// was not sent by current. The first call only records the state.
func (n *Notifier) Observe(ctx context.Context, current models.Identity, summaries []models.ConversationSummary) {
	n.mu.Lock()
	fresh := incoming(n.seen, n.primed, current, summaries)
	n.primed = true
	n.mu.Unlock()

	if len(fresh) == 0 || !n.Enabled() {
		return
	}

	subs, err := n.config.Store.ListSubscriptions()
	if err != nil {
		slog.Error("failed to list push subscriptions", "error", err)
		return
	}
	for _, s := range fresh {
		payload := Payload{
			Title: s.Name,
			Body:  preview(s.LastMessage),
			Scope: models.PrivateScope(s.Counterparty).String(),
		}
		for _, sub := range subs {
			if err := n.push(ctx, sub, payload); err != nil {
				slog.Error("failed to send push notification", "endpoint", sub.Endpoint, "error", err)
			}
		}
	}
}

// incoming updates seen and returns the summaries that carry news.
func incoming(seen map[models.Identity]int64, primed bool, current models.Identity, summaries []models.ConversationSummary) []models.ConversationSummary {
	var fresh []models.ConversationSummary
	for _, s := range summaries {
		last := s.LastMessage
		prev, ok := seen[s.Counterparty]
		if ok && last.Timestamp <= prev {
			continue
		}
		seen[s.Counterparty] = last.Timestamp
		if !primed || last.Sender == current || last.Provisional() {
			continue
		}
		fresh = append(fresh, s)
	}
	return fresh
}

func preview(m models.Message) string {
	text := []rune(m.Content)
	if len(text) > previewRunes {
		return string(text[:previewRunes]) + "…"
	}
	if len(text) == 0 && len(m.Attachments) > 0 {
		return fmt.Sprintf("[%s]", m.Attachments[0].Kind)
	}
	return string(text)
}

func (n *Notifier) push(ctx context.Context, sub storage.DBSubscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      n.config.HTTPClient,
		Subscriber:      n.config.Subscriber,
		VAPIDPublicKey:  n.config.VAPIDPublicKey,
		VAPIDPrivateKey: n.config.VAPIDPrivateKey,
		TTL:             pushTTL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The browser dropped the subscription.
		return n.config.Store.DeleteSubscription(sub.Endpoint)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service answered %s", resp.Status)
	}
	return nil
}
