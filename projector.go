package chatsync

import (
	"sort"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation list projection
// ============================================================================

// Projector folds raw conversation rows into the deduplicated, sorted list
// the UI shows. Rows from different sources (cache scan, push traffic,
// directory) may describe the same conversation under different identity
// subsets; the resolver collapses them onto one canonical key.
type Projector struct {
	selfID   string
	resolver *Resolver
	log      *zap.Logger
}

func NewProjector(selfID string, resolver *Resolver, log *zap.Logger) *Projector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Projector{selfID: selfID, resolver: resolver, log: log}
}

// keyFor resolves the canonical key for a row, deriving it from the row's
// identity fields when the row does not carry one.
func (p *Projector) keyFor(row ConversationSummary) (ConversationKey, bool) {
	if row.Key != "" && !row.Key.isPair() {
		// Weak keys still go through the resolver so an alias bound to a
		// pair key later collapses onto it.
		key, _, err := p.resolver.Resolve(PartialIdentity{
			LegacyKey:   string(row.Key),
			OtherID:     row.OtherPartyID,
			Email:       row.OtherPartyEmail,
			DisplayName: row.OtherPartyName,
			SelfID:      p.selfID,
		})
		if err == nil {
			return key, true
		}
	}
	if row.Key != "" {
		return row.Key, true
	}
	key, _, err := p.resolver.Resolve(PartialIdentity{
		SelfID:      p.selfID,
		OtherID:     row.OtherPartyID,
		Email:       row.OtherPartyEmail,
		DisplayName: row.OtherPartyName,
	})
	if err != nil {
		p.log.Debug("dropping unkeyable conversation row", zap.Error(err))
		return "", false
	}
	return key, true
}

// Project deduplicates rows by canonical key and returns them sorted by
// recency, newest first. When two rows collide the one with the newer
// lastMessageAt wins; identity fields the winner is missing are filled from
// the loser, so a row observed only by email does not erase a name learned
// elsewhere.
func (p *Projector) Project(rows []ConversationSummary) []ConversationSummary {
	byKey := make(map[ConversationKey]ConversationSummary)
	order := make([]ConversationKey, 0, len(rows))

	for _, row := range rows {
		key, ok := p.keyFor(row)
		if !ok {
			continue
		}
		row.Key = key

		existing, seen := byKey[key]
		if !seen {
			byKey[key] = row
			order = append(order, key)
			continue
		}
		byKey[key] = mergeSummaries(existing, row)
	}

	out := make([]ConversationSummary, 0, len(byKey))
	for _, key := range order {
		row := byKey[key]
		if row.OtherPartyName == "" {
			if row.OtherPartyEmail != "" {
				row.OtherPartyName = row.OtherPartyEmail
			} else {
				row.OtherPartyName = "Unknown"
			}
		}
		out = append(out, row)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return parseTime(out[i].LastMessageAt).After(parseTime(out[j].LastMessageAt))
	})
	return out
}

// mergeSummaries combines two rows for the same conversation: the newer
// lastMessageAt wins and the loser donates whatever identity fields the
// winner is missing. Unread counts are summed because each source counted
// disjoint arrivals.
func mergeSummaries(a, b ConversationSummary) ConversationSummary {
	winner, loser := a, b
	if parseTime(b.LastMessageAt).After(parseTime(a.LastMessageAt)) {
		winner, loser = b, a
	}
	if winner.OtherPartyID == "" {
		winner.OtherPartyID = loser.OtherPartyID
	}
	if winner.OtherPartyName == "" {
		winner.OtherPartyName = loser.OtherPartyName
	}
	if winner.OtherPartyEmail == "" {
		winner.OtherPartyEmail = loser.OtherPartyEmail
	}
	winner.UnreadCount += loser.UnreadCount
	return winner
}
