package profile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"alatele/internal/models"

	"github.com/c-pro/geche"
)

const DefaultTTL = 5 * time.Minute

type Source interface {
	GetUserProfile(ctx context.Context, id models.Identity) (models.UserProfile, error)
}

type Config struct {
	Source Source
	// TTL bounds how long a fetched profile is trusted.
	TTL time.Duration
}

// Lookup resolves display names. Address book names win over profile names;
// profiles are fetched lazily and cached for TTL.
type Lookup struct {
	source   Source
	profiles geche.Geche[models.Identity, models.UserProfile]

	mu       sync.RWMutex
	contacts map[models.Identity]string
}

func New(ctx context.Context, config Config) *Lookup {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Lookup{
		source:   config.Source,
		profiles: geche.NewMapTTLCache[models.Identity, models.UserProfile](ctx, config.TTL, time.Minute),
		contacts: make(map[models.Identity]string),
	}
}

// SetContacts replaces the known address book.
func (l *Lookup) SetContacts(contacts []models.Contact) {
	m := make(map[models.Identity]string, len(contacts))
	for _, c := range contacts {
		if name := strings.TrimSpace(c.Name); name != "" {
			m[c.Identity] = name
		}
	}

	l.mu.Lock()
	l.contacts = m
	l.mu.Unlock()
}

// Profile returns the profile of id, fetching it on a cache miss. Identities
// without a profile are cached as empty profiles so they are not refetched
// until the entry expires.
func (l *Lookup) Profile(ctx context.Context, id models.Identity) (models.UserProfile, error) {
	if p, err := l.profiles.Get(id); err == nil {
		return p, nil
	}
	if l.source == nil {
		return models.UserProfile{}, models.ErrNotFound
	}

	p, err := l.source.GetUserProfile(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.UserProfile{}, err
	}
	l.profiles.Set(id, p)
	if err != nil {
		return models.UserProfile{}, err
	}
	return p, nil
}

// Name returns the display name of id. ok is false when neither the address
// book nor the profile has one.
func (l *Lookup) Name(ctx context.Context, id models.Identity) (string, bool) {
	l.mu.RLock()
	name, ok := l.contacts[id]
	l.mu.RUnlock()
	if ok {
		return name, true
	}

	p, err := l.Profile(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("failed to fetch profile", "identity", id, "error", err)
		}
		return "", false
	}
	if p.DisplayName != "" {
		return p.DisplayName, true
	}
	if p.Name != "" {
		return p.Name, true
	}
	return "", false
}

// DisplayName is Name with the short identity as fallback.
func (l *Lookup) DisplayName(ctx context.Context, id models.Identity) string {
	if name, ok := l.Name(ctx, id); ok {
		return name
	}
	return id.Short()
}

// Names binds Name to ctx.
func (l *Lookup) Names(ctx context.Context) func(models.Identity) (string, bool) {
	return func(id models.Identity) (string, bool) {
		return l.Name(ctx, id)
	}
}

// Invalidate drops the cached profile of id.
func (l *Lookup) Invalidate(id models.Identity) {
	_ = l.profiles.Del(id)
}
