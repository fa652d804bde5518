package model

// Conversation list filters
const (
	FilterAll    = "all"
	FilterMine   = "mine"
	FilterOthers = "others"
)

// ViewState is the explicit, serializable UI state owned by the conversation
// index. Filters, search and selection are mutated only through the index
// entry points, never as ambient shared variables.
type ViewState struct {
	Filter      string `json:"filter"`
	SearchQuery string `json:"searchQuery"`
	SelectedID  int64  `json:"selectedId"`
}
