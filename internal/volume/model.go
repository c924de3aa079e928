// Package volume holds the per-zone volume state and the pure resolution
// logic that turns base volumes, command overrides and ducking into the one
// effective value sent to the player engine.
package volume

import "fmt"

// Class is an audio class with its own configured base volume.
type Class string

const (
	ClassBackground Class = "background"
	ClassSpeech     Class = "speech"
	ClassEffects    Class = "effects"
	ClassVideo      Class = "video"
)

// DefaultMaxVolume is the ceiling used when a zone does not configure one.
// mpv accepts volumes above 100 for soft amplification, hence > 100.
const DefaultMaxVolume = 150

// WarningCode identifies a clamp or precedence warning raised while
// mutating the model or resolving a volume.
type WarningCode string

const (
	WarnClampBaseVolumeLow    WarningCode = "clamp_base_volume_low"
	WarnClampBaseVolumeHigh   WarningCode = "clamp_base_volume_high"
	WarnClampDuckingAdjustLow WarningCode = "clamp_ducking_adjust_low"
	WarnClampDuckingAdjustHi  WarningCode = "clamp_ducking_adjust_high"
	WarnClampAbsLow           WarningCode = "clamp_abs_low"
	WarnClampAbsHigh          WarningCode = "clamp_abs_high"
	WarnBothVolumeAndAdjust   WarningCode = "both_volume_and_adjust"
)

// Warning records one clamped or overridden value.
type Warning struct {
	Code     WarningCode `json:"code"`
	Original int         `json:"original"`
	Clamped  int         `json:"clamped"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %d -> %d", w.Code, w.Original, w.Clamped)
}

// SetStatus is the aggregate result of a mutation.
type SetStatus string

const (
	SetSuccess SetStatus = "success"
	SetWarning SetStatus = "warning"
	SetFailed  SetStatus = "failed"
)

// SetResult reports one mutation: the value actually stored plus an optional
// clamp warning.
type SetResult struct {
	Status  SetStatus
	Value   int
	Warning *Warning
}

// BulkResult aggregates a multi-class mutation.
type BulkResult struct {
	Status   SetStatus
	Applied  map[Class]int
	Warnings []Warning
	Invalid  []string
}

// Model is the mutable per-zone volume record. It is owned by exactly one
// zone controller and mutated only from that zone's command loop, so it
// carries no lock. Classes absent from the zone's configuration are
// undefined: reads report absence and mutations are rejected.
type Model struct {
	base          map[Class]int
	duckingAdjust int
	maxVolume     int
}

// NewModel builds a model from the zone's configured classes. Out-of-range
// configured values are clamped up front so the invariant (every stored base
// volume within [0, maxVolume]) holds from the first read.
func NewModel(base map[Class]int, duckingAdjust, maxVolume int) *Model {
	if maxVolume <= 0 {
		maxVolume = DefaultMaxVolume
	}
	m := &Model{
		base:      make(map[Class]int, len(base)),
		maxVolume: maxVolume,
	}
	for class, v := range base {
		m.base[class] = clamp(v, 0, maxVolume)
	}
	m.duckingAdjust = clamp(duckingAdjust, -100, 0)
	return m
}

// Base returns the stored base volume for class, and whether the class is
// defined for this zone.
func (m *Model) Base(class Class) (int, bool) {
	v, ok := m.base[class]
	return v, ok
}

// DuckingAdjust returns the percentage reduction ([-100, 0]) applied to
// background while ducking is active.
func (m *Model) DuckingAdjust() int { return m.duckingAdjust }

// MaxVolume returns the zone's configured volume ceiling.
func (m *Model) MaxVolume() int { return m.maxVolume }

// Classes returns a copy of every defined class and its base volume.
func (m *Model) Classes() map[Class]int {
	out := make(map[Class]int, len(m.base))
	for class, v := range m.base {
		out[class] = v
	}
	return out
}

// SetBaseVolume validates and stores a base volume for one class, clamping
// to [0, maxVolume]. Undefined classes are rejected with an error rather
// than silently created.
func (m *Model) SetBaseVolume(class Class, value int) (SetResult, error) {
	if _, ok := m.base[class]; !ok {
		return SetResult{Status: SetFailed}, fmt.Errorf("volume class %q is not defined for this zone", class)
	}
	res := SetResult{Status: SetSuccess, Value: value}
	switch {
	case value < 0:
		res.Value = 0
		res.Status = SetWarning
		res.Warning = &Warning{Code: WarnClampBaseVolumeLow, Original: value, Clamped: 0}
	case value > m.maxVolume:
		res.Value = m.maxVolume
		res.Status = SetWarning
		res.Warning = &Warning{Code: WarnClampBaseVolumeHigh, Original: value, Clamped: m.maxVolume}
	}
	m.base[class] = res.Value
	return res, nil
}

// SetBaseVolumes applies SetBaseVolume per entry. The aggregate is failed
// when no entry was valid, warning when any entry clamped or was skipped as
// invalid, success otherwise.
func (m *Model) SetBaseVolumes(values map[Class]int) BulkResult {
	result := BulkResult{Applied: make(map[Class]int)}
	for class, v := range values {
		res, err := m.SetBaseVolume(class, v)
		if err != nil {
			result.Invalid = append(result.Invalid, string(class))
			continue
		}
		result.Applied[class] = res.Value
		if res.Warning != nil {
			result.Warnings = append(result.Warnings, *res.Warning)
		}
	}
	switch {
	case len(result.Applied) == 0:
		result.Status = SetFailed
	case len(result.Warnings) > 0 || len(result.Invalid) > 0:
		result.Status = SetWarning
	default:
		result.Status = SetSuccess
	}
	return result
}

// SetDuckingAdjust stores the ducking percentage, clamping to [-100, 0].
func (m *Model) SetDuckingAdjust(value int) SetResult {
	res := SetResult{Status: SetSuccess, Value: value}
	switch {
	case value > 0:
		res.Value = 0
		res.Status = SetWarning
		res.Warning = &Warning{Code: WarnClampDuckingAdjustHi, Original: value, Clamped: 0}
	case value < -100:
		res.Value = -100
		res.Status = SetWarning
		res.Warning = &Warning{Code: WarnClampDuckingAdjustLow, Original: value, Clamped: -100}
	}
	m.duckingAdjust = res.Value
	return res
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
