package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/conversation"
	"alatele/internal/metrics"
	"alatele/internal/models"
	"alatele/internal/send"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval          = 2 * time.Second
	DefaultConversationsInterval = 3 * time.Second
	maxBackoff                   = 30 * time.Second
)

type Source interface {
	send.Fetcher
	FetchAllMessages(ctx context.Context) ([]models.Message, error)
}

type NameResolver interface {
	Name(ctx context.Context, id models.Identity) (string, bool)
}

// Observer is told about every recomputed conversation list.
type Observer interface {
	Observe(ctx context.Context, current models.Identity, summaries []models.ConversationSummary)
}

type Config struct {
	Cache     *cache.Store
	Source    Source
	Names     NameResolver
	Principal auth.Principal
	Observer  Observer

	PollInterval          time.Duration
	ConversationsInterval time.Duration
}

// Session keeps the cache of a signed-in user fresh. The public scope and
// every watched scope are refetched on a fixed interval; the conversation
// list is derived from the full message set on its own interval.
type Session struct {
	cache     *cache.Store
	source    Source
	names     NameResolver
	principal auth.Principal
	observer  Observer

	pollInterval          time.Duration
	conversationsInterval time.Duration

	pollKick          chan struct{}
	conversationsKick chan struct{}

	mu            sync.Mutex
	watched       map[models.Scope]int
	all           []models.Message
	conversations []models.ConversationSummary
	nextSub       uint64
	subs          map[uint64]chan []models.ConversationSummary
}

func New(config Config) *Session {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ConversationsInterval <= 0 {
		config.ConversationsInterval = DefaultConversationsInterval
	}
	return &Session{
		cache:                 config.Cache,
		source:                config.Source,
		names:                 config.Names,
		principal:             config.Principal,
		observer:              config.Observer,
		pollInterval:          config.PollInterval,
		conversationsInterval: config.ConversationsInterval,
		pollKick:              make(chan struct{}, 1),
		conversationsKick:     make(chan struct{}, 1),
		watched:               make(map[models.Scope]int),
		conversations:         []models.ConversationSummary{},
		subs:                  make(map[uint64]chan []models.ConversationSummary),
	}
}

func (s *Session) Principal() auth.Principal {
	return s.principal
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Watch adds scope to the polled set until release is called. Watching is
// reference counted; the public scope is always polled.
func (s *Session) Watch(scope models.Scope) (release func()) {
	s.mu.Lock()
	s.watched[scope]++
	s.mu.Unlock()
	kick(s.pollKick)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.watched[scope]--; s.watched[scope] <= 0 {
				delete(s.watched, scope)
			}
		})
	}
}

// Scopes returns the polled scopes, public first.
func (s *Session) Scopes() []models.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := []models.Scope{models.PublicScope}
	for scope := range s.watched {
		if scope != models.PublicScope {
			scopes = append(scopes, scope)
		}
	}
	slices.Sort(scopes[1:])
	return scopes
}

// Refresh refetches one scope. On failure the cache keeps its last contents.
func (s *Session) Refresh(ctx context.Context, scope models.Scope) error {
	if err := send.Refetch(ctx, s.source, s.cache, scope); err != nil {
		metrics.RefetchFailuresTotal.WithLabelValues(metrics.ScopeKind(scope.String())).Inc()
		return err
	}
	return nil
}

func (s *Session) refreshScopes(ctx context.Context) error {
	scopes := s.Scopes()
	metrics.ActiveScopes.Set(float64(len(scopes)))

	var errs []error
	for _, scope := range scopes {
		if err := s.Refresh(ctx, scope); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate schedules an immediate refresh of the conversation list. It is
// the send coordinator's settle hook.
func (s *Session) Invalidate(models.Scope) {
	kick(s.conversationsKick)
}

// Resync schedules an immediate refresh of the polled scopes and of the
// conversation list. It is the cache's rollback hook: an operation that
// failed locally may still have reached the backend.
func (s *Session) Resync(models.Scope) {
	kick(s.pollKick)
	kick(s.conversationsKick)
}

// RefreshConversations fetches every message visible to the principal and
// rederives the conversation list. Subscribers are only told about changes.
func (s *Session) RefreshConversations(ctx context.Context) error {
	all, err := s.source.FetchAllMessages(ctx)
	if err != nil {
		metrics.RefetchFailuresTotal.WithLabelValues("all").Inc()
		return err
	}

	var names conversation.Names
	if s.names != nil {
		names = func(id models.Identity) (string, bool) {
			return s.names.Name(ctx, id)
		}
	}
	summaries := conversation.Derive(all, s.principal.Identity, names)

	s.mu.Lock()
	s.all = all
	changed := !slices.EqualFunc(s.conversations, summaries, sameSummary)
	s.conversations = summaries
	if changed {
		for _, ch := range s.subs {
			deliver(ch, summaries)
		}
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.Observe(ctx, s.principal.Identity, summaries)
	}
	return nil
}

func sameSummary(a, b models.ConversationSummary) bool {
	return a.Counterparty == b.Counterparty &&
		a.Name == b.Name &&
		a.LastMessage.ID == b.LastMessage.ID &&
		a.LastMessage.Timestamp == b.LastMessage.Timestamp &&
		a.LastMessage.Content == b.LastMessage.Content
}

// Conversations returns the last derived conversation list.
func (s *Session) Conversations() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

// SubscribeConversations delivers the current list and every changed one.
// Slow readers only see the latest list.
func (s *Session) SubscribeConversations() (<-chan []models.ConversationSummary, func()) {
	ch := make(chan []models.ConversationSummary, 1)

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	deliver(ch, s.conversations)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func deliver(ch chan []models.ConversationSummary, list []models.ConversationSummary) {
	list = slices.Clone(list)
	for {
		select {
		case ch <- list:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Users returns everyone who sent a message visible to the principal, except
// the principal, sorted by name.
func (s *Session) Users(ctx context.Context) []models.Contact {
	s.mu.Lock()
	all := s.all
	s.mu.Unlock()

	seen := make(map[models.Identity]bool)
	users := []models.Contact{}
	for _, m := range all {
		if m.Sender == s.principal.Identity || seen[m.Sender] {
			continue
		}
		seen[m.Sender] = true

		name := m.Sender.Short()
		if s.names != nil {
			if n, ok := s.names.Name(ctx, m.Sender); ok {
				name = n
			}
		}
		users = append(users, models.Contact{Identity: m.Sender, Name: name})
	}
	slices.SortFunc(users, func(a, b models.Contact) int {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return users
}

// Run polls until ctx is done. Consecutive failures of a loop stretch its
// interval exponentially up to maxBackoff.
func (s *Session) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poll(gCtx, "scopes", s.pollInterval, s.pollKick, s.refreshScopes)
	})
	g.Go(func() error {
		return poll(gCtx, "conversations", s.conversationsInterval, s.conversationsKick, s.RefreshConversations)
	})
	return g.Wait()
}

func poll(ctx context.Context, name string, interval time.Duration, kicked <-chan struct{}, tick func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.Multiplier = 2
	b.MaxInterval = max(maxBackoff, interval)
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-kicked:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := interval
		if err := tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = b.NextBackOff()
			slog.Error("refresh failed", "loop", name, "retry_in", wait, "error", err)
		} else {
			b.Reset()
		}
		timer.Reset(wait)
	}
}
