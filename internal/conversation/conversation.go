package conversation

import (
	"slices"

	"alatele/internal/models"
)

// Names resolves a display name for an identity. ok is false when none is
// known.
type Names func(id models.Identity) (name string, ok bool)

// Derive groups the private messages visible to current by counterparty and
// returns one summary per thread, most recent activity first. Public
// messages and messages current is not part of are skipped.
func Derive(messages []models.Message, current models.Identity, names Names) []models.ConversationSummary {
	latest := make(map[models.Identity]models.Message)
	for _, m := range messages {
		other, ok := m.Counterparty(current)
		if !ok {
			continue
		}
		last, seen := latest[other]
		if !seen || newer(m, last) {
			latest[other] = m
		}
	}

	out := make([]models.ConversationSummary, 0, len(latest))
	for other, last := range latest {
		out = append(out, models.ConversationSummary{
			Counterparty: other,
			Name:         displayName(other, names),
			LastMessage:  last.Clone(),
		})
	}

	slices.SortFunc(out, func(a, b models.ConversationSummary) int {
		switch {
		case newer(a.LastMessage, b.LastMessage):
			return -1
		case newer(b.LastMessage, a.LastMessage):
			return 1
		}
		// Same last message ordering; keep the output deterministic.
		switch {
		case a.Counterparty < b.Counterparty:
			return -1
		case a.Counterparty > b.Counterparty:
			return 1
		}
		return 0
	})
	return out
}

// newer reports whether a is more recent than b. Equal timestamps are
// decided by the larger id.
func newer(a, b models.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID > b.ID
}

func displayName(id models.Identity, names Names) string {
	if names != nil {
		if name, ok := names(id); ok && name != "" {
			return name
		}
	}
	return id.Short()
}
