package volume

import (
	"fmt"
	"math"
)

// Overrides carries the per-command volume inputs. Volume is absolute and
// wins over AdjustVolume when both are present. AdjustVolume is a
// percentage adjustment of the stored base: base * (1 + adjust/100).
type Overrides struct {
	Volume       *int
	AdjustVolume *int
	SkipDucking  bool
}

// UsedInputs echoes the inputs that produced a resolution, for diagnostics
// and outcome reporting.
type UsedInputs struct {
	Base         int  `json:"base"`
	Volume       *int `json:"volume,omitempty"`
	AdjustVolume *int `json:"adjustVolume,omitempty"`
	DuckActive   bool `json:"duckActive"`
}

// Resolution is the result of resolving one effective volume.
//
// Ducked reports that the ducking path was eligible and taken (background
// class, duck active, not skipped), independent of whether duckingAdjust
// actually changed the number.
type Resolution struct {
	Final      int
	PreDuck    int
	Ducked     bool
	Warnings   []Warning
	UsedInputs UsedInputs
}

// WarningStrings renders the warnings as human-readable messages.
func (r Resolution) WarningStrings() []string {
	if len(r.Warnings) == 0 {
		return nil
	}
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = w.String()
	}
	return out
}

// Resolve reconciles the zone's stored base volume for class with the
// command overrides and the ducking state into one effective value.
//
// Resolution order: an absolute Volume wins (warning when AdjustVolume is
// also set); else AdjustVolume scales the base; else the base is used
// directly. The pre-duck value is clamped to [0, maxVolume] with a warning
// when clamping changed it. Ducking then applies only to the background
// class, multiplying by (1 + duckingAdjust/100) and re-clamping.
//
// Resolve is pure: it never mutates the model and performs no I/O.
func Resolve(class Class, m *Model, ov Overrides, duckActive bool) (Resolution, error) {
	base, ok := m.Base(class)
	if !ok {
		return Resolution{}, fmt.Errorf("cannot resolve volume: class %q is not defined for this zone", class)
	}

	res := Resolution{
		UsedInputs: UsedInputs{
			Base:         base,
			Volume:       ov.Volume,
			AdjustVolume: ov.AdjustVolume,
			DuckActive:   duckActive,
		},
	}

	preDuck := base
	switch {
	case ov.Volume != nil:
		preDuck = *ov.Volume
		if ov.AdjustVolume != nil {
			res.Warnings = append(res.Warnings, Warning{
				Code:     WarnBothVolumeAndAdjust,
				Original: *ov.AdjustVolume,
				Clamped:  *ov.Volume,
			})
		}
	case ov.AdjustVolume != nil:
		preDuck = int(math.Round(float64(base) * (1 + float64(*ov.AdjustVolume)/100)))
	}

	preDuck = clampWarn(preDuck, m.MaxVolume(), &res.Warnings)
	res.PreDuck = preDuck
	res.Final = preDuck

	if class == ClassBackground && duckActive && !ov.SkipDucking {
		res.Ducked = true
		ducked := int(math.Round(float64(preDuck) * (1 + float64(m.DuckingAdjust())/100)))
		res.Final = clampWarn(ducked, m.MaxVolume(), &res.Warnings)
	}

	return res, nil
}

func clampWarn(v, max int, warnings *[]Warning) int {
	switch {
	case v < 0:
		*warnings = append(*warnings, Warning{Code: WarnClampAbsLow, Original: v, Clamped: 0})
		return 0
	case v > max:
		*warnings = append(*warnings, Warning{Code: WarnClampAbsHigh, Original: v, Clamped: max})
		return max
	}
	return v
}
