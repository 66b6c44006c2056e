package send

import (
	"context"
	"fmt"

	"alatele/internal/cache"
	"alatele/internal/models"
)

// Fetcher reads authoritative message lists from the backend.
type Fetcher interface {
	FetchPublicMessages(ctx context.Context) ([]models.Message, error)
	FetchPrivateMessages(ctx context.Context, counterparty models.Identity) ([]models.Message, error)
}

// Fetch returns the authoritative list of scope.
func Fetch(ctx context.Context, f Fetcher, scope models.Scope) ([]models.Message, error) {
	if scope == models.PublicScope {
		return f.FetchPublicMessages(ctx)
	}
	if other, ok := scope.Counterparty(); ok {
		return f.FetchPrivateMessages(ctx, other)
	}
	return nil, fmt.Errorf("unknown scope %q", scope)
}

// Refetch replaces the cached list of scope with the server's. On error the
// cache keeps its last contents.
func Refetch(ctx context.Context, f Fetcher, store *cache.Store, scope models.Scope) error {
	messages, err := Fetch(ctx, f, scope)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", scope, err)
	}
	store.Replace(scope, messages)
	return nil
}
