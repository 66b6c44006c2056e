package cache

import (
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"alatele/internal/models"

	"github.com/c-pro/geche"
)

// Persister receives every authoritative list written by Replace.
type Persister interface {
	SaveScope(scope models.Scope, messages []models.Message) error
}

type Config struct {
	Persister Persister
	// OnRollback is called after a token has been rolled back.
	OnRollback func(scope models.Scope)
}

// pending is an optimistic message whose send is still in flight.
type pending struct {
	owner uint64
	msg   models.Message
}

type entry struct {
	messages []models.Message
	// version is bumped by every authoritative Replace.
	version uint64
	pending []pending
	// settled holds provisional ids confirmed by the server but not yet
	// superseded by a Replace.
	settled []int64
}

func (e *entry) tracked(id int64) bool {
	return slices.Contains(e.settled, id) || slices.ContainsFunc(e.pending, func(p pending) bool {
		return p.msg.ID == id
	})
}

// Token captures a scope's list so a later Rollback can restore it.
// A token returned by Begin also owns the optimistic message appended with it.
// A token returned by Mutate remembers the ids its mutation changed.
type Token struct {
	id       uint64
	scope    models.Scope
	version  uint64
	messages []models.Message
	owned    int64
	// touched is non-nil only for Mutate tokens.
	touched map[int64]struct{}
}

func (t Token) Scope() models.Scope {
	return t.scope
}

// Owned returns the provisional id appended together with the token, or 0.
func (t Token) Owned() int64 {
	return t.owned
}

// Store is the per-scope message cache. Every operation runs under one lock,
// so a caller never observes a half-applied mutation. Subscribers are
// notified while the lock is held, which keeps notifications in mutation order.
type Store struct {
	entries *geche.Locker[models.Scope, *entry]

	subsMu sync.Mutex
	subs   map[models.Scope]map[uint64]chan []models.Message

	persist    Persister
	onRollback func(scope models.Scope)

	nextID atomic.Uint64
}

func New(config Config) *Store {
	return &Store{
		entries:    geche.NewLocker[models.Scope, *entry](geche.NewMapCache[models.Scope, *entry]()),
		subs:       make(map[models.Scope]map[uint64]chan []models.Message),
		persist:    config.Persister,
		onRollback: config.OnRollback,
	}
}

// Get returns the cached list for scope, or an empty list if the scope was
// never loaded.
func (s *Store) Get(scope models.Scope) []models.Message {
	tx := s.entries.Lock()
	defer tx.Unlock()

	e, err := tx.Get(scope)
	if err != nil {
		return []models.Message{}
	}
	return cloneMessages(e.messages)
}

// Warm seeds scopes from persisted lists. Scopes already present are left
// untouched and nothing is written back to the persister.
func (s *Store) Warm(lists map[models.Scope][]models.Message) {
	tx := s.entries.Lock()
	defer tx.Unlock()

	for scope, messages := range lists {
		if _, err := tx.Get(scope); err == nil {
			continue
		}
		e := &entry{messages: sortMessages(messages)}
		tx.Set(scope, e)
		s.notify(scope, e.messages)
	}
}

// Replace overwrites scope with an authoritative list, sorted by timestamp.
// Optimistic messages still in flight whose provisional id is absent from the
// list are appended after it, so a refetch never hides an unconfirmed send.
func (s *Store) Replace(scope models.Scope, messages []models.Message) {
	authoritative := sortMessages(messages)

	tx := s.entries.Lock()
	e := s.entry(tx, scope)
	e.version++
	e.settled = nil
	e.messages = cloneMessages(authoritative)
	for _, p := range e.pending {
		if !containsID(e.messages, p.msg.ID) {
			e.messages = append(e.messages, p.msg.Clone())
		}
	}
	s.notify(scope, e.messages)
	tx.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveScope(scope, authoritative); err != nil {
			slog.Error("failed to persist scope", "scope", scope, "error", err)
		}
	}
}

// Snapshot captures the current list of scope for a later Rollback.
func (s *Store) Snapshot(scope models.Scope) Token {
	tx := s.entries.Lock()
	defer tx.Unlock()

	return s.snapshot(scope, s.entry(tx, scope))
}

// AppendOptimistic appends m to the end of scope. The message is not tracked
// as in flight: a following Replace drops it unless the server returned it.
// Use Begin for sends that must survive refetches.
func (s *Store) AppendOptimistic(scope models.Scope, m models.Message) {
	tx := s.entries.Lock()
	defer tx.Unlock()

	e := s.entry(tx, scope)
	e.messages = append(e.messages, m.Clone())
	s.notify(scope, e.messages)
}

// Begin takes a snapshot of scope and appends m in one step. The returned
// token owns m: m stays visible across Replace until Settle or Rollback.
func (s *Store) Begin(scope models.Scope, m models.Message) Token {
	tx := s.entries.Lock()
	defer tx.Unlock()

	e := s.entry(tx, scope)
	token := s.snapshot(scope, e)
	token.owned = m.ID

	e.messages = append(e.messages, m.Clone())
	e.pending = append(e.pending, pending{owner: token.id, msg: m.Clone()})
	s.notify(scope, e.messages)
	return token
}

// Mutate snapshots scope and replaces its list with fn's result.
// fn receives a copy it may modify freely.
func (s *Store) Mutate(scope models.Scope, fn func([]models.Message) []models.Message) Token {
	tx := s.entries.Lock()
	defer tx.Unlock()

	e := s.entry(tx, scope)
	token := s.snapshot(scope, e)
	e.messages = fn(cloneMessages(e.messages))
	token.touched = changedIDs(token.messages, e.messages)
	s.notify(scope, e.messages)
	return token
}

// Settle marks the token's message as confirmed by the server. The message
// stays in the list until the next Replace supersedes it.
func (s *Store) Settle(token Token) {
	tx := s.entries.Lock()
	defer tx.Unlock()

	e, err := tx.Get(token.scope)
	if err != nil {
		return
	}
	before := len(e.pending)
	e.pending = dropOwner(e.pending, token.id)
	if token.owned != 0 && len(e.pending) < before {
		e.settled = append(e.settled, token.owned)
	}
}

// Rollback undoes the change the token was taken for and nothing else.
//
// A Begin token removes its own optimistic message. A Mutate token restores
// the messages its mutation changed, unless an authoritative Replace has
// superseded them since. A plain Snapshot token restores the snapshot,
// keeping the optimistic messages of other sends that are still visible.
func (s *Store) Rollback(token Token) {
	tx := s.entries.Lock()

	e := s.entry(tx, token.scope)
	e.pending = dropOwner(e.pending, token.id)

	switch {
	case token.owned != 0:
		e.messages = slices.DeleteFunc(e.messages, func(m models.Message) bool {
			return m.ID == token.owned
		})
	case e.version != token.version:
		// The server's list has superseded the snapshot.
	case token.touched != nil:
		e.messages = restoreTouched(e.messages, token.messages, token.touched)
	default:
		restored := make([]models.Message, 0, len(token.messages))
		for _, m := range token.messages {
			// Another send rolled this one back already.
			if m.Provisional() && !containsID(e.messages, m.ID) {
				continue
			}
			restored = append(restored, m.Clone())
		}
		for _, m := range e.messages {
			if containsID(restored, m.ID) || !e.tracked(m.ID) {
				continue
			}
			restored = append(restored, m)
		}
		e.messages = restored
	}
	s.notify(token.scope, e.messages)
	tx.Unlock()

	if s.onRollback != nil {
		s.onRollback(token.scope)
	}
}

// InFlight returns the number of optimistic messages of scope still waiting
// for the server.
func (s *Store) InFlight(scope models.Scope) int {
	tx := s.entries.Lock()
	defer tx.Unlock()

	e, err := tx.Get(scope)
	if err != nil {
		return 0
	}
	return len(e.pending)
}

func (s *Store) entry(tx *geche.Tx[models.Scope, *entry], scope models.Scope) *entry {
	e, err := tx.Get(scope)
	if err != nil {
		e = &entry{messages: []models.Message{}}
		tx.Set(scope, e)
	}
	return e
}

func (s *Store) snapshot(scope models.Scope, e *entry) Token {
	return Token{
		id:       s.nextID.Add(1),
		scope:    scope,
		version:  e.version,
		messages: cloneMessages(e.messages),
	}
}

// changedIDs returns the ids that were edited, removed or added between
// before and after.
func changedIDs(before, after []models.Message) map[int64]struct{} {
	touched := make(map[int64]struct{})
	for _, b := range before {
		i := slices.IndexFunc(after, func(a models.Message) bool { return a.ID == b.ID })
		if i < 0 || !reflect.DeepEqual(b, after[i]) {
			touched[b.ID] = struct{}{}
		}
	}
	for _, a := range after {
		if !containsID(before, a.ID) {
			touched[a.ID] = struct{}{}
		}
	}
	return touched
}

// restoreTouched puts the snapshot version of every touched id back into
// current. Edited messages are restored in place, added ones are removed
// and removed ones go back in front of their snapshot successor.
func restoreTouched(current, snapshot []models.Message, touched map[int64]struct{}) []models.Message {
	isTouched := func(id int64) bool {
		_, ok := touched[id]
		return ok
	}

	out := make([]models.Message, 0, len(current))
	for _, m := range current {
		if !isTouched(m.ID) {
			out = append(out, m)
			continue
		}
		if i := slices.IndexFunc(snapshot, func(o models.Message) bool { return o.ID == m.ID }); i >= 0 {
			out = append(out, snapshot[i].Clone())
		}
	}

	for i, m := range snapshot {
		if !isTouched(m.ID) || containsID(out, m.ID) {
			continue
		}
		at := len(out)
		for _, next := range snapshot[i+1:] {
			if j := slices.IndexFunc(out, func(o models.Message) bool { return o.ID == next.ID }); j >= 0 {
				at = j
				break
			}
		}
		out = slices.Insert(out, at, m.Clone())
	}
	return out
}

func dropOwner(list []pending, owner uint64) []pending {
	return slices.DeleteFunc(list, func(p pending) bool {
		return p.owner == owner
	})
}

func containsID(list []models.Message, id int64) bool {
	return slices.ContainsFunc(list, func(m models.Message) bool {
		return m.ID == id
	})
}

func cloneMessages(list []models.Message) []models.Message {
	out := make([]models.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

func sortMessages(list []models.Message) []models.Message {
	out := cloneMessages(list)
	slices.SortStableFunc(out, func(a, b models.Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
