package cache

import (
	"alatele/internal/models"
)

// Subscription delivers the latest list of one scope. Only the most recent
// list is buffered: a slow reader skips intermediate states, never the last one.
type Subscription struct {
	C <-chan []models.Message

	scope models.Scope
	id    uint64
	store *Store
}

// Subscribe registers for updates of scope. The current list is delivered
// immediately.
func (s *Store) Subscribe(scope models.Scope) *Subscription {
	tx := s.entries.Lock()
	defer tx.Unlock()

	ch := make(chan []models.Message, 1)
	id := s.nextID.Add(1)

	s.subsMu.Lock()
	if s.subs[scope] == nil {
		s.subs[scope] = make(map[uint64]chan []models.Message)
	}
	s.subs[scope][id] = ch
	s.subsMu.Unlock()

	current := []models.Message{}
	if e, err := tx.Get(scope); err == nil {
		current = cloneMessages(e.messages)
	}
	ch <- current

	return &Subscription{C: ch, scope: scope, id: id, store: s}
}

// Close unregisters the subscription and closes its channel.
func (sub *Subscription) Close() {
	s := sub.store
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	ch, ok := s.subs[sub.scope][sub.id]
	if !ok {
		return
	}
	delete(s.subs[sub.scope], sub.id)
	if len(s.subs[sub.scope]) == 0 {
		delete(s.subs, sub.scope)
	}
	close(ch)
}

func (s *Store) notify(scope models.Scope, messages []models.Message) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs[scope] {
		deliver(ch, cloneMessages(messages))
	}
}

// deliver replaces whatever is buffered in ch with list.
// Only notify sends on ch and it holds subsMu, so this loop ends in two rounds.
func deliver(ch chan []models.Message, list []models.Message) {
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
