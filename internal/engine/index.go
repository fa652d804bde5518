package engine

import (
	"Deskwire/internal/model"
	"sort"
	"strings"
)

// Index maintains the canonical set of conversation summaries, their sort
// order (most recently updated first), derived unread totals and the filtered
// view. It owns the serializable view state; summaries are mutated only
// through its entry points. The engine serializes access.
type Index struct {
	agentID int64

	byID  map[int64]*model.ConversationSummary
	order []int64

	view          model.ViewState
	searchResults []model.ConversationSummary
	searchActive  bool
}

// NewIndex builds an index for the acting viewer identity. The identity
// drives the mine/others filter split.
func NewIndex(agentID int64) *Index {
	return &Index{
		agentID: agentID,
		byID:    make(map[int64]*model.ConversationSummary),
		view:    model.ViewState{Filter: model.FilterAll},
	}
}

// IngestSnapshot replaces the full known set from a refresh.
func (x *Index) IngestSnapshot(list []model.ConversationSummary) {
	x.byID = make(map[int64]*model.ConversationSummary, len(list))
	x.order = x.order[:0]
	for i := range list {
		c := list[i]
		if _, dup := x.byID[c.ID]; dup {
			continue
		}
		x.byID[c.ID] = &c
		x.order = append(x.order, c.ID)
	}
	x.resort()
}

// Update applies a pure transformation to one summary. When resort is false
// the list order is left alone; used for trailing read-state flips so a
// non-ordering-relevant change does not reshuffle the list.
func (x *Index) Update(conversationID int64, fn func(*model.ConversationSummary), resort bool) bool {
	c, ok := x.byID[conversationID]
	if !ok {
		return false
	}
	fn(c)
	if resort {
		x.resort()
	}
	return true
}

// Upsert inserts a summary for a conversation the index has not seen yet, or
// applies fn to the existing one. Used when an inbound message references an
// unknown conversation: it must still surface at the summary level.
func (x *Index) Upsert(c model.ConversationSummary, fn func(*model.ConversationSummary)) {
	if existing, ok := x.byID[c.ID]; ok {
		fn(existing)
	} else {
		x.byID[c.ID] = &c
		x.order = append(x.order, c.ID)
		fn(x.byID[c.ID])
	}
	x.resort()
}

// Get returns the summary for a conversation, or nil.
func (x *Index) Get(conversationID int64) *model.ConversationSummary {
	return x.byID[conversationID]
}

// Len returns the canonical set size.
func (x *Index) Len() int {
	return len(x.byID)
}

// TotalUnread sums unread counts across the canonical set.
func (x *Index) TotalUnread() int {
	total := 0
	for _, c := range x.byID {
		total += c.UnreadCount
	}
	return total
}

// ViewState returns a copy of the current view state.
func (x *Index) ViewState() model.ViewState {
	return x.view
}

// SetSelected records the active conversation in the view state.
func (x *Index) SetSelected(conversationID int64) {
	x.view.SelectedID = conversationID
}

// SetFilter switches the derived filter view. No refetch happens: the view is
// recomputed from the canonical set.
func (x *Index) SetFilter(filter string) {
	switch filter {
	case model.FilterAll, model.FilterMine, model.FilterOthers:
		x.view.Filter = filter
	}
}

// SetSearchQuery records the live query. An empty query deactivates search
// and the filtered view applies again immediately.
func (x *Index) SetSearchQuery(query string) {
	x.view.SearchQuery = strings.TrimSpace(query)
	if x.view.SearchQuery == "" {
		x.searchActive = false
		x.searchResults = nil
	}
}

// SetSearchResults installs the outcome of a search call. Ignored when the
// query was cleared while the search was in flight.
func (x *Index) SetSearchResults(query string, results []model.ConversationSummary) {
	if x.view.SearchQuery == "" || x.view.SearchQuery != query {
		return
	}
	x.searchActive = true
	x.searchResults = results
}

// SearchActive reports whether a search result currently supersedes the
// filtered view.
func (x *Index) SearchActive() bool {
	return x.searchActive
}

// Visible returns the displayed list: the latest search result while a
// non-empty query is active, otherwise the canonical set filtered by the
// view's filter, in UpdatedAt-descending order.
func (x *Index) Visible() []model.ConversationSummary {
	if x.searchActive {
		out := make([]model.ConversationSummary, len(x.searchResults))
		copy(out, x.searchResults)
		return out
	}

	out := make([]model.ConversationSummary, 0, len(x.order))
	for _, id := range x.order {
		c := x.byID[id]
		if x.matchesFilter(c) {
			out = append(out, *c)
		}
	}
	return out
}

func (x *Index) matchesFilter(c *model.ConversationSummary) bool {
	switch x.view.Filter {
	case model.FilterMine:
		// HasParticipated is server-computed; the client's partial message
		// view cannot reconstruct it.
		return c.HasParticipated && c.AgentID == x.agentID
	case model.FilterOthers:
		return !c.HasParticipated || c.AgentID != x.agentID
	default:
		return true
	}
}

func (x *Index) resort() {
	sort.SliceStable(x.order, func(i, j int) bool {
		return x.byID[x.order[i]].UpdatedAt.After(x.byID[x.order[j]].UpdatedAt)
	})
}
