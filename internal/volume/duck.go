package volume

import "time"

// TriggerKind tags the reason behind a duck trigger. Kinds are tracked
// separately so clearing every manual trigger cannot clobber a speech or
// video duck that happens to be in flight at the same moment.
type TriggerKind string

const (
	TriggerSpeech TriggerKind = "speech"
	TriggerVideo  TriggerKind = "video"
	TriggerManual TriggerKind = "manual"
	TriggerOther  TriggerKind = "other"
)

type duckTrigger struct {
	kind      TriggerKind
	createdAt time.Time
}

// DuckSnapshot is a diagnostic view of the active trigger set.
type DuckSnapshot struct {
	Active bool                `json:"active"`
	Count  int                 `json:"count"`
	Kinds  map[TriggerKind]int `json:"kinds,omitempty"`
}

// DuckLifecycle tracks the set of concurrently active duck triggers for one
// zone. Ducking is active while at least one trigger exists; there is no
// priority between kinds. Like the volume model it is owned by a single
// zone's command loop and needs no lock.
type DuckLifecycle struct {
	triggers map[string]duckTrigger
	now      func() time.Time
}

// NewDuckLifecycle creates an empty lifecycle.
func NewDuckLifecycle() *DuckLifecycle {
	return &DuckLifecycle{
		triggers: make(map[string]duckTrigger),
		now:      time.Now,
	}
}

// AddTrigger registers a trigger. Adding an id that is already present is a
// no-op; presence is all that matters for correctness.
func (d *DuckLifecycle) AddTrigger(id string, kind TriggerKind) {
	if _, ok := d.triggers[id]; ok {
		return
	}
	d.triggers[id] = duckTrigger{kind: kind, createdAt: d.now()}
}

// RemoveTrigger drops a trigger if present. Removing an unknown id is a
// no-op, never an error.
func (d *DuckLifecycle) RemoveTrigger(id string) {
	delete(d.triggers, id)
}

// Active reports whether any trigger is currently registered.
func (d *DuckLifecycle) Active() bool {
	return len(d.triggers) > 0
}

// Clear drops every trigger regardless of kind.
func (d *DuckLifecycle) Clear() {
	d.triggers = make(map[string]duckTrigger)
}

// ClearKind drops every trigger of one kind, leaving the others untouched.
// This serves the id-less "unduck all manual" command without interrupting
// concurrent speech or video ducks.
func (d *DuckLifecycle) ClearKind(kind TriggerKind) {
	for id, t := range d.triggers {
		if t.kind == kind {
			delete(d.triggers, id)
		}
	}
}

// Snapshot returns a diagnostic view of the trigger set.
func (d *DuckLifecycle) Snapshot() DuckSnapshot {
	snap := DuckSnapshot{
		Active: len(d.triggers) > 0,
		Count:  len(d.triggers),
	}
	if snap.Count > 0 {
		snap.Kinds = make(map[TriggerKind]int)
		for _, t := range d.triggers {
			snap.Kinds[t.kind]++
		}
	}
	return snap
}
