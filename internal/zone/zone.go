// Package zone contains the per-zone controllers: the presentation queue,
// speech queue, sound-effect registry, playback completion tracking, and
// the state machines that drive the media engine sessions.
package zone

import (
	"context"

	"mediazones/internal/command"
	"mediazones/internal/volume"
)

// Controller is one live zone. Implementations serialize all command
// handling internally, so every method is safe to call from any goroutine.
type Controller interface {
	Name() string
	// Initialize spawns the zone's engine processes and brings the zone to
	// an idle, command-ready state.
	Initialize(ctx context.Context) error
	// HandleCommand runs one command to completion and returns its outcome.
	HandleCommand(ctx context.Context, cmd command.Command) command.Outcome
	// AddDuckTrigger and RemoveDuckTrigger manage cross-zone ducking. Both
	// re-apply the zone's background volume after the change.
	AddDuckTrigger(id string, kind volume.TriggerKind)
	RemoveDuckTrigger(id string)
	// Snapshot reports the zone's current state for status publication.
	Snapshot() Status
	Shutdown(ctx context.Context) error
}

// Status is a full state snapshot of one zone.
type Status struct {
	Zone              string               `json:"zone"`
	Kind              string               `json:"kind"`
	State             string               `json:"state"`
	CurrentMedia      string               `json:"current_media,omitempty"`
	QueueLength       int                  `json:"queue_length"`
	SpeechQueueLength int                  `json:"speech_queue_length"`
	Volumes           map[volume.Class]int `json:"volumes"`
	DuckingAdjust     int                  `json:"ducking_adjust"`
	Ducked            bool                 `json:"ducked"`
	DuckTriggers      int                  `json:"duck_triggers"`
	BackgroundPlaying bool                 `json:"background_playing"`
	EffectsInFlight   int                  `json:"effects_in_flight"`
	EngineStates      map[string]string    `json:"engine_states,omitempty"`
}

// Publisher delivers zone output to the messaging layer.
type Publisher interface {
	PublishStatus(zone string, status Status)
	PublishOutcome(outcome command.Outcome)
	PublishWarning(zone, message string)
}

// NopPublisher discards everything. Useful for tests and headless runs.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(string, Status)   {}
func (NopPublisher) PublishOutcome(command.Outcome) {}
func (NopPublisher) PublishWarning(string, string)  {}
