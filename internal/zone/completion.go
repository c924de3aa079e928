package zone

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mediazones/internal/clock"
)

// CompletionReason says how the tracker decided a video had finished.
type CompletionReason string

const (
	ReasonNaturalEnd    CompletionReason = "natural_end"
	ReasonDurationTimer CompletionReason = "duration_timer"
	ReasonPositionStall CompletionReason = "position_stall"
)

const (
	// completionSafetyMargin is subtracted from the known duration so the
	// timer fires just before the nominal end, then re-validates.
	completionSafetyMargin = 500 * time.Millisecond
	// completionPollInterval paces the position-stall fallback.
	completionPollInterval = time.Second
	// completionStallTicks is how many unchanged position reads in a row
	// count as end-of-stream.
	completionStallTicks = 3
)

// CompletionTracker emits exactly one completion notification for one
// played video, preferring a native end event, then a duration timer with
// a safety margin, then position-stall polling. Cancel wins over complete:
// once either has happened the other can never fire.
type CompletionTracker struct {
	clk      clock.Clock
	logger   *zap.Logger
	position func(ctx context.Context) (float64, error)
	complete func(reason CompletionReason)

	mu          sync.Mutex
	completed   bool
	interrupted bool
	timer       clock.Timer
	pollTimer   clock.Timer

	duration  time.Duration // 0 means unknown
	startedAt time.Time
	elapsed   time.Duration // accumulated before the current pause
	paused    bool

	lastPos    float64
	posValid   bool
	stallCount int
}

// NewCompletionTracker builds a tracker for one video item. position reads
// the engine's playback position; complete is invoked at most once, from a
// timer goroutine.
func NewCompletionTracker(clk clock.Clock, position func(ctx context.Context) (float64, error), complete func(CompletionReason), logger *zap.Logger) *CompletionTracker {
	return &CompletionTracker{
		clk:      clk,
		logger:   logger.Named("completion"),
		position: position,
		complete: complete,
	}
}

// Start arms the tracker. A positive duration schedules the timer path;
// zero falls back to position polling.
func (t *CompletionTracker) Start(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed || t.interrupted {
		return
	}
	t.duration = duration
	t.startedAt = t.clk.Now()
	if duration > 0 {
		wait := duration - completionSafetyMargin
		if wait < 0 {
			wait = 0
		}
		t.logger.Debug("Scheduling completion timer",
			zap.Duration("duration", duration), zap.Duration("wait", wait))
		t.timer = t.clk.AfterFunc(wait, t.timerFired)
		return
	}
	t.logger.Debug("No duration known, polling position")
	t.pollTimer = t.clk.AfterFunc(completionPollInterval, t.pollTick)
}

// NotifyNaturalEnd handles the engine's own end-of-file signal. It always
// wins over the fallback paths.
func (t *CompletionTracker) NotifyNaturalEnd() {
	t.fire(ReasonNaturalEnd)
}

// Pause suspends the timer while playback is paused, remembering how much
// of the file has already played.
func (t *CompletionTracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || t.completed || t.interrupted {
		return
	}
	t.paused = true
	t.elapsed += t.clk.Since(t.startedAt)
	t.stopTimersLocked()
}

// Resume re-arms the timer with the remaining time.
func (t *CompletionTracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused || t.completed || t.interrupted {
		return
	}
	t.paused = false
	t.startedAt = t.clk.Now()
	if t.duration > 0 {
		remaining := t.duration - t.elapsed - completionSafetyMargin
		if remaining < 0 {
			remaining = 0
		}
		t.timer = t.clk.AfterFunc(remaining, t.timerFired)
		return
	}
	t.stallCount = 0
	t.posValid = false
	t.pollTimer = t.clk.AfterFunc(completionPollInterval, t.pollTick)
}

// Cancel interrupts tracking for a superseded or stopped item. After
// Cancel no completion will ever fire. Reports whether the item was still
// pending.
func (t *CompletionTracker) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed || t.interrupted {
		return false
	}
	t.interrupted = true
	t.stopTimersLocked()
	return true
}

func (t *CompletionTracker) stopTimersLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.pollTimer != nil {
		t.pollTimer.Stop()
		t.pollTimer = nil
	}
}

// timerFired re-validates elapsed time before declaring completion, so a
// timer that ran early reschedules instead of firing short.
func (t *CompletionTracker) timerFired() {
	t.mu.Lock()
	if t.completed || t.interrupted || t.paused {
		t.mu.Unlock()
		return
	}
	played := t.elapsed + t.clk.Since(t.startedAt)
	if remaining := t.duration - completionSafetyMargin - played; remaining > 10*time.Millisecond {
		t.timer = t.clk.AfterFunc(remaining, t.timerFired)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.fire(ReasonDurationTimer)
}

func (t *CompletionTracker) pollTick() {
	t.mu.Lock()
	if t.completed || t.interrupted || t.paused {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), completionPollInterval)
	pos, err := t.position(ctx)
	cancel()

	t.mu.Lock()
	if t.completed || t.interrupted || t.paused {
		t.mu.Unlock()
		return
	}
	if err != nil {
		// Position unavailable usually means nothing is loaded anymore.
		t.stallCount++
		t.logger.Debug("Position read failed", zap.Error(err), zap.Int("stalls", t.stallCount))
	} else if t.posValid && pos == t.lastPos {
		t.stallCount++
	} else {
		t.stallCount = 0
	}
	t.lastPos = pos
	t.posValid = err == nil

	if t.stallCount >= completionStallTicks {
		t.mu.Unlock()
		t.fire(ReasonPositionStall)
		return
	}
	t.pollTimer = t.clk.AfterFunc(completionPollInterval, t.pollTick)
	t.mu.Unlock()
}

func (t *CompletionTracker) fire(reason CompletionReason) {
	t.mu.Lock()
	if t.completed || t.interrupted {
		t.mu.Unlock()
		return
	}
	t.completed = true
	t.stopTimersLocked()
	t.mu.Unlock()

	t.logger.Debug("Playback complete", zap.String("reason", string(reason)))
	t.complete(reason)
}
