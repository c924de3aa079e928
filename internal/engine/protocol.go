// Package engine owns one external media player process per zone purpose
// and its control-channel connection, translating high-level playback
// operations into correlated JSON requests over a local socket.
package engine

import "encoding/json"

// request is one outbound control-channel frame.
type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// message is one inbound control-channel frame: either a correlated reply
// (RequestID set) or an unsolicited event (Event set).
type message struct {
	RequestID int64           `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Event     string          `json:"event,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        int64           `json:"id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// replyOK is the success marker in the player protocol's error field.
const replyOK = "success"

// EventKind names a player or session event.
type EventKind string

const (
	// Player-originated events.
	EventEndFile         EventKind = "end-file"
	EventFileLoaded      EventKind = "file-loaded"
	EventPlaybackRestart EventKind = "playback-restart"
	EventPropertyChange  EventKind = "property-change"

	// Session-originated events.
	EventRestarted     EventKind = "restarted"
	EventRestartFailed EventKind = "restart-failed"
)

// End-file reasons reported by the player.
const (
	EndReasonEOF   = "eof"
	EndReasonStop  = "stop"
	EndReasonQuit  = "quit"
	EndReasonError = "error"
)

// Event is one notification delivered to registered handlers.
type Event struct {
	Kind      EventKind
	Reason    string
	Property  string
	Value     any
	ObserveID int64
}
