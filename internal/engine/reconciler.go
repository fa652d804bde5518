package engine

import (
	"Deskwire/internal/model"
	"sort"
	"time"
)

// ApplyOutcome describes what ApplyInbound did with a message.
type ApplyOutcome int

const (
	// ApplyMerged: a message with the same id existed; fields were merged.
	ApplyMerged ApplyOutcome = iota
	// ApplyConfirmedProvisional: the inbound message resolved one or more
	// provisional entries and took their place.
	ApplyConfirmedProvisional
	// ApplyAppended: the message was new and inserted in sorted position.
	ApplyAppended
)

// ApplyResult reports the outcome of one reconciliation step.
type ApplyResult struct {
	Outcome ApplyOutcome
	// Changed is false when the application was a no-op (e.g. the same
	// confirmed message applied twice).
	Changed bool
}

// Reconciler merges locally-originated provisional messages, server-echoed
// confirmations and externally-originated inbound messages into one ordered,
// duplicate-free sequence per conversation. All operations are synchronous
// and in-memory; the engine serializes access.
type Reconciler struct {
	selfID      int64
	selfIsAgent bool
	seqs        map[int64][]model.Message
}

// NewReconciler builds a reconciler for the given local sender identity. The
// identity is what makes a server echo recognizable as self-originated.
func NewReconciler(selfID int64, selfIsAgent bool) *Reconciler {
	return &Reconciler{
		selfID:      selfID,
		selfIsAgent: selfIsAgent,
		seqs:        make(map[int64][]model.Message),
	}
}

// Messages returns a copy of the conversation's ordered sequence.
func (r *Reconciler) Messages(conversationID int64) []model.Message {
	seq := r.seqs[conversationID]
	out := make([]model.Message, len(seq))
	copy(out, seq)
	return out
}

// SetSequence replaces a conversation's confirmed messages from an
// authoritative load. Provisional entries survive the reload: they belong to
// sends still awaiting their push-channel echo.
func (r *Reconciler) SetSequence(conversationID int64, msgs []model.Message) {
	var kept []model.Message
	for _, m := range r.seqs[conversationID] {
		if m.Provisional() {
			kept = append(kept, m)
		}
	}

	seq := make([]model.Message, 0, len(msgs)+len(kept))
	seen := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		seq = append(seq, m)
	}
	seq = append(seq, kept...)
	sortSequence(seq)
	r.seqs[conversationID] = seq
}

// AppendProvisional inserts a locally-originated message immediately so the
// UI shows it before the server confirms it.
func (r *Reconciler) AppendProvisional(m model.Message) {
	seq := append(r.seqs[m.ConversationID], m)
	sortSequence(seq)
	r.seqs[m.ConversationID] = seq
}

// DropProvisionals removes every provisional entry for a conversation and
// returns their ids. Used when a send fails so no dangling entry remains.
func (r *Reconciler) DropProvisionals(conversationID int64) []int64 {
	seq := r.seqs[conversationID]
	var dropped []int64
	kept := seq[:0]
	for _, m := range seq {
		if m.Provisional() {
			dropped = append(dropped, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	r.seqs[conversationID] = kept
	return dropped
}

// HasProvisional reports whether any provisional entry exists for the
// conversation.
func (r *Reconciler) HasProvisional(conversationID int64) bool {
	for _, m := range r.seqs[conversationID] {
		if m.Provisional() {
			return true
		}
	}
	return false
}

// HasUnreadFromOther reports whether the conversation holds an unread message
// authored by the other party relative to the local viewer. In test-mode
// conversations the other party is the AI specifically.
func (r *Reconciler) HasUnreadFromOther(conversationID int64, testMode bool) bool {
	for i := range r.seqs[conversationID] {
		m := &r.seqs[conversationID][i]
		if !m.IsRead && m.CountsTowardUnread() && r.authoredByOther(m, testMode) {
			return true
		}
	}
	return false
}

func (r *Reconciler) authoredByOther(m *model.Message, testMode bool) bool {
	if testMode {
		return m.ChatMode == model.ChatModeAI
	}
	return m.SenderIsAgent != r.selfIsAgent
}

// ApplyInbound reconciles one push-channel message into its conversation's
// sequence. It is idempotent: applying the same confirmed message twice is a
// no-op beyond the first application.
//
// Three cases, in order:
//  1. a message with the same id exists: merge fields without regressing
//     locally-advanced read state;
//  2. the message is a self-originated echo and provisional entries exist for
//     the conversation: all provisionals are removed and the confirmed
//     message takes their place;
//  3. otherwise: insert in sorted position.
func (r *Reconciler) ApplyInbound(m model.Message) ApplyResult {
	seq := r.seqs[m.ConversationID]

	for i := range seq {
		if seq[i].ID == m.ID {
			changed := mergeMessage(&seq[i], &m)
			return ApplyResult{Outcome: ApplyMerged, Changed: changed}
		}
	}

	selfEcho := m.SenderID == r.selfID && m.SenderIsAgent == r.selfIsAgent
	if selfEcho && r.HasProvisional(m.ConversationID) {
		kept := make([]model.Message, 0, len(seq))
		for _, existing := range seq {
			if !existing.Provisional() {
				kept = append(kept, existing)
			}
		}
		kept = append(kept, m)
		sortSequence(kept)
		r.seqs[m.ConversationID] = kept
		return ApplyResult{Outcome: ApplyConfirmedProvisional, Changed: true}
	}

	seq = append(seq, m)
	sortSequence(seq)
	r.seqs[m.ConversationID] = seq
	return ApplyResult{Outcome: ApplyAppended, Changed: true}
}

// FlipReadOnOwn flips IsRead/ReadAt on the named messages when they are
// authored by the local viewer, returning the ids actually flipped. This is
// the other party's read action landing on our outgoing messages; our own
// read action never touches these flags.
func (r *Reconciler) FlipReadOnOwn(conversationID int64, messageIDs []int64, readAt time.Time) []int64 {
	seq := r.seqs[conversationID]
	wanted := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	var flipped []int64
	for i := range seq {
		m := &seq[i]
		if _, ok := wanted[m.ID]; !ok {
			continue
		}
		if m.SenderID != r.selfID || m.SenderIsAgent != r.selfIsAgent {
			continue
		}
		if m.IsRead {
			continue
		}
		m.IsRead = true
		t := readAt
		m.ReadAt = &t
		flipped = append(flipped, m.ID)
	}
	return flipped
}

// FlipReadOnOther flips IsRead/ReadAt on the named messages authored by the
// other party. Applied from the markRead response, which is the source of
// truth for the local viewer's own read action.
func (r *Reconciler) FlipReadOnOther(conversationID int64, messageIDs []int64, readAt time.Time) []int64 {
	seq := r.seqs[conversationID]
	wanted := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	var flipped []int64
	for i := range seq {
		m := &seq[i]
		if _, ok := wanted[m.ID]; !ok {
			continue
		}
		if m.SenderID == r.selfID && m.SenderIsAgent == r.selfIsAgent {
			continue
		}
		if m.IsRead {
			continue
		}
		m.IsRead = true
		t := readAt
		m.ReadAt = &t
		flipped = append(flipped, m.ID)
	}
	return flipped
}

func sortSequence(seq []model.Message) {
	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].Before(&seq[j])
	})
}

func mergeMessage(existing, inbound *model.Message) bool {
	changed := false

	if inbound.Content != "" && inbound.Content != existing.Content {
		existing.Content = inbound.Content
		changed = true
	}
	if inbound.MessageType != "" && inbound.MessageType != existing.MessageType {
		existing.MessageType = inbound.MessageType
		changed = true
	}
	if inbound.ChatMode != "" && inbound.ChatMode != existing.ChatMode {
		existing.ChatMode = inbound.ChatMode
		changed = true
	}
	if inbound.File != nil {
		if existing.File == nil || *existing.File != *inbound.File {
			f := *inbound.File
			existing.File = &f
			changed = true
		}
	}

	// Read state only moves forward. An older echo that does not yet reflect
	// a local read never regresses it; a newer ReadAt wins.
	if inbound.IsRead {
		newer := existing.ReadAt == nil ||
			(inbound.ReadAt != nil && inbound.ReadAt.After(*existing.ReadAt))
		if !existing.IsRead || (newer && inbound.ReadAt != nil) {
			existing.IsRead = true
			if inbound.ReadAt != nil {
				t := *inbound.ReadAt
				existing.ReadAt = &t
			}
			changed = true
		}
	}

	return changed
}
