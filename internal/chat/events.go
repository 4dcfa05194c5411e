package chat

// EventType identifies one event on a turn stream.
type EventType string

const (
	EventFragment EventType = "fragment"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Event is one item on a turn stream. Type selects which payload field is
// meaningful. The channel carrying events closes when the turn is over,
// whatever the outcome.
type Event struct {
	Type     EventType
	Fragment string
	Err      string
	Done     *DoneInfo
}

// DoneInfo is the terminal payload of a committed turn.
type DoneInfo struct {
	// Title is set only when this turn was the chat's first exchange and a
	// title was saved.
	Title string `json:"title,omitempty"`
	// Remaining is the quota left after this turn; -1 means uncapped.
	Remaining int `json:"remaining"`
	// Partial marks a turn cut short by the client but persisted anyway.
	Partial bool `json:"partial,omitempty"`
}
