package cache

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"alatele/internal/models"

	"github.com/stretchr/testify/require"
)

func msg(id int64, ts int64, content string) models.Message {
	return models.Message{ID: id, Sender: "alice", Content: content, Timestamp: ts}
}

func ids(list []models.Message) []int64 {
	out := make([]int64, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

type recordingPersister struct {
	mu     sync.Mutex
	saved  map[models.Scope][]models.Message
	failed error
}

func (p *recordingPersister) SaveScope(scope models.Scope, messages []models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return p.failed
	}
	if p.saved == nil {
		p.saved = make(map[models.Scope][]models.Message)
	}
	p.saved[scope] = messages
	return nil
}

func TestStore_GetUnknownScope(t *testing.T) {
	s := New(Config{})
	got := s.Get(models.PublicScope)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestStore_ReplaceIdempotent(t *testing.T) {
	s := New(Config{})
	list := []models.Message{msg(2, 20, "b"), msg(1, 10, "a")}

	s.Replace(models.PublicScope, list)
	first := s.Get(models.PublicScope)
	s.Replace(models.PublicScope, list)

	require.Equal(t, first, s.Get(models.PublicScope))
	require.Equal(t, []int64{1, 2}, ids(first), "replace sorts by timestamp")
}

func TestStore_ReplaceSortsTiesByID(t *testing.T) {
	s := New(Config{})
	s.Replace(models.PublicScope, []models.Message{msg(9, 5, ""), msg(3, 5, ""), msg(1, 7, "")})
	require.Equal(t, []int64{3, 9, 1}, ids(s.Get(models.PublicScope)))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New(Config{})
	s.Replace(models.PublicScope, []models.Message{msg(1, 1, "a")})

	got := s.Get(models.PublicScope)
	got[0].Content = "mutated"

	require.Equal(t, "a", s.Get(models.PublicScope)[0].Content)
}

func TestStore_RollbackExact(t *testing.T) {
	s := New(Config{})
	scope := models.PrivateScope("bob")
	s.Replace(scope, []models.Message{msg(1, 1, "a"), msg(2, 2, "b")})
	before := s.Get(scope)

	token := s.Snapshot(scope)
	s.AppendOptimistic(scope, msg(-100, 3, "pending"))
	require.Len(t, s.Get(scope), 3)

	s.Rollback(token)
	require.Equal(t, before, s.Get(scope))
}

func TestStore_SnapshotIsDeep(t *testing.T) {
	s := New(Config{})
	r := models.Identity("bob")
	m := msg(1, 1, "a")
	m.Recipient = &r
	s.Replace(models.PrivateScope(r), []models.Message{m})

	token := s.Snapshot(models.PrivateScope(r))
	s.Mutate(models.PrivateScope(r), func(list []models.Message) []models.Message {
		list[0].Content = "edited"
		*list[0].Recipient = "eve"
		return list
	})
	s.Rollback(token)

	got := s.Get(models.PrivateScope(r))
	require.Equal(t, "a", got[0].Content)
	require.Equal(t, models.Identity("bob"), *got[0].Recipient)
}

func TestStore_ReplacePreservesInFlight(t *testing.T) {
	s := New(Config{})
	s.Replace(models.PublicScope, []models.Message{msg(1, 1, "a")})

	token := s.Begin(models.PublicScope, msg(-50, 2, "sending"))
	s.Replace(models.PublicScope, []models.Message{msg(1, 1, "a"), msg(2, 3, "other")})

	require.Equal(t, []int64{1, 2, -50}, ids(s.Get(models.PublicScope)))
	require.Equal(t, 1, s.InFlight(models.PublicScope))

	s.Settle(token)
	s.Replace(models.PublicScope, []models.Message{msg(1, 1, "a"), msg(2, 3, "other"), msg(3, 2, "sending")})
	require.Equal(t, []int64{1, 3, 2}, ids(s.Get(models.PublicScope)))
	require.Equal(t, 0, s.InFlight(models.PublicScope))
}

func TestStore_ReplaceDropsUntrackedAppend(t *testing.T) {
	s := New(Config{})
	s.AppendOptimistic(models.PublicScope, msg(-1, 1, "x"))
	s.Replace(models.PublicScope, nil)
	require.Empty(t, s.Get(models.PublicScope))
}

func TestStore_RollbackKeepsOtherInFlight(t *testing.T) {
	s := New(Config{})
	scope := models.PublicScope
	s.Replace(scope, []models.Message{msg(1, 1, "a")})

	failing := s.Begin(scope, msg(-10, 2, "will fail"))
	_ = s.Begin(scope, msg(-20, 3, "still sending"))

	s.Rollback(failing)
	require.Equal(t, []int64{1, -20}, ids(s.Get(scope)))

	// Reverse order: the failing send started after the other one.
	s2 := New(Config{})
	_ = s2.Begin(scope, msg(-20, 3, "still sending"))
	failing = s2.Begin(scope, msg(-10, 4, "will fail"))
	s2.Rollback(failing)
	require.Equal(t, []int64{-20}, ids(s2.Get(scope)))
}

func TestStore_RollbackAfterReplace(t *testing.T) {
	s := New(Config{})
	scope := models.PublicScope

	other := s.Begin(scope, msg(-20, 1, "b"))
	failing := s.Begin(scope, msg(-10, 2, "a"))

	// The other send succeeds and a refetch brings its authoritative copy.
	s.Settle(other)
	s.Replace(scope, []models.Message{msg(5, 1, "b")})
	require.Equal(t, []int64{5, -10}, ids(s.Get(scope)))

	// The stale snapshot holds the provisional -20; it must not come back.
	s.Rollback(failing)
	require.Equal(t, []int64{5}, ids(s.Get(scope)))
}

func TestStore_FailedSendKeepsConcurrentEdit(t *testing.T) {
	s := New(Config{})
	scope := models.PublicScope
	s.Replace(scope, []models.Message{msg(1, 1, "original")})

	sending := s.Begin(scope, msg(-10, 2, "will fail"))
	s.Mutate(scope, func(list []models.Message) []models.Message {
		list[0].Content = "edited"
		return list
	})
	s.Rollback(sending)

	got := s.Get(scope)
	require.Equal(t, []int64{1}, ids(got))
	require.Equal(t, "edited", got[0].Content)
}

func TestStore_FailedMutateRestoresOnlyItsMessages(t *testing.T) {
	s := New(Config{})
	scope := models.PublicScope
	s.Replace(scope, []models.Message{msg(1, 1, "a"), msg(2, 2, "b"), msg(3, 3, "c")})

	deleting := s.Mutate(scope, func(list []models.Message) []models.Message {
		return slices.DeleteFunc(list, func(m models.Message) bool { return m.ID == 2 })
	})
	editing := s.Mutate(scope, func(list []models.Message) []models.Message {
		list[0].Content = "a2"
		return list
	})
	_ = s.Begin(scope, msg(-5, 4, "sending"))

	s.Rollback(deleting)
	got := s.Get(scope)
	require.Equal(t, []int64{1, 2, 3, -5}, ids(got))
	require.Equal(t, "a2", got[0].Content)

	s.Rollback(editing)
	got = s.Get(scope)
	require.Equal(t, []int64{1, 2, 3, -5}, ids(got))
	require.Equal(t, "a", got[0].Content)
}

func TestStore_MutateRollbackAfterReplace(t *testing.T) {
	s := New(Config{})
	scope := models.PublicScope
	s.Replace(scope, []models.Message{msg(1, 1, "a")})

	token := s.Mutate(scope, func(list []models.Message) []models.Message {
		return list[:0]
	})
	s.Replace(scope, []models.Message{msg(2, 2, "b")})
	s.Rollback(token)

	require.Equal(t, []int64{2}, ids(s.Get(scope)))
}

func TestStore_RollbackCallback(t *testing.T) {
	var rolledBack []models.Scope
	s := New(Config{OnRollback: func(scope models.Scope) { rolledBack = append(rolledBack, scope) }})

	s.Rollback(s.Begin(models.PublicScope, msg(-1, 1, "x")))
	require.Equal(t, []models.Scope{models.PublicScope}, rolledBack)
}

func TestStore_Persist(t *testing.T) {
	p := &recordingPersister{}
	s := New(Config{Persister: p})

	_ = s.Begin(models.PublicScope, msg(-1, 9, "optimistic"))
	s.Replace(models.PublicScope, []models.Message{msg(2, 2, "b"), msg(1, 1, "a")})

	require.Equal(t, []int64{1, 2}, ids(p.saved[models.PublicScope]), "only the authoritative list is persisted")

	p.failed = errors.New("disk full")
	s.Replace(models.PublicScope, nil)
	require.Equal(t, []int64{-1}, ids(s.Get(models.PublicScope)), "persist failures do not affect the cache")
}

func TestStore_Warm(t *testing.T) {
	s := New(Config{})
	s.Replace(models.PublicScope, []models.Message{msg(7, 7, "fresh")})

	s.Warm(map[models.Scope][]models.Message{
		models.PublicScope:        {msg(1, 1, "stale")},
		models.PrivateScope("bob"): {msg(3, 3, "c"), msg(2, 2, "b")},
	})

	require.Equal(t, []int64{7}, ids(s.Get(models.PublicScope)))
	require.Equal(t, []int64{2, 3}, ids(s.Get(models.PrivateScope("bob"))))
}

func TestStore_Subscribe(t *testing.T) {
	s := New(Config{})
	s.Replace(models.PublicScope, []models.Message{msg(1, 1, "a")})

	sub := s.Subscribe(models.PublicScope)
	defer sub.Close()

	require.Equal(t, []int64{1}, ids(receive(t, sub)))

	s.AppendOptimistic(models.PublicScope, msg(-1, 2, "b"))
	s.Replace(models.PublicScope, []models.Message{msg(1, 1, "a"), msg(2, 2, "b")})

	// Intermediate states may be skipped, the last one never is.
	require.Equal(t, []int64{1, 2}, ids(receive(t, sub)))

	s.Replace(models.PrivateScope("bob"), []models.Message{msg(9, 9, "x")})
	select {
	case got := <-sub.C:
		t.Fatalf("unexpected update from another scope: %v", got)
	default:
	}
}

func TestStore_SubscriptionClose(t *testing.T) {
	s := New(Config{})
	sub := s.Subscribe(models.PublicScope)
	<-sub.C
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	require.False(t, ok)

	// Mutations after close must not panic.
	s.AppendOptimistic(models.PublicScope, msg(-1, 1, "x"))
}

func TestStore_ConcurrentBeginRollback(t *testing.T) {
	s := New(Config{})
	scope := models.PublicScope
	s.Replace(scope, []models.Message{msg(1, 1, "a")})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Go(func() {
			token := s.Begin(scope, msg(int64(-i), int64(i), "x"))
			if i%2 == 0 {
				s.Rollback(token)
			} else {
				s.Settle(token)
			}
		})
	}
	wg.Wait()

	got := s.Get(scope)
	require.Equal(t, int64(1), got[0].ID)
	for _, m := range got[1:] {
		require.Equal(t, int64(1), -m.ID%2, "rolled back message %d is still visible", m.ID)
	}
	require.Len(t, got, 26)
}

func receive(t *testing.T, sub *Subscription) []models.Message {
	t.Helper()
	var last []models.Message
	timeout := time.After(time.Second)
	for {
		select {
		case list := <-sub.C:
			last = list
		case <-timeout:
			t.Fatal("timeout waiting for subscription update")
		default:
			if last != nil {
				return last
			}
			time.Sleep(time.Millisecond)
		}
	}
}
