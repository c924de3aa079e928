package zone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediazones/internal/engine"
)

// DefaultEffectsMax bounds concurrently playing sound effects per zone.
const DefaultEffectsMax = 16

// EffectRegistry tracks fire-and-forget sound-effect processes so shutdown
// can positively confirm none are leaked. When the bound is hit the oldest
// effect is killed to make room.
type EffectRegistry struct {
	zone   string
	max    int
	logger *zap.Logger
	spawn  func(path string, volumePercent int) (engine.Process, error)

	mu       sync.Mutex
	inflight map[string]engine.Process
	order    []string
	closed   bool
}

// EffectSpawner builds the default process launcher for a player binary.
func EffectSpawner(binary string, extraArgs []string) func(string, int) (engine.Process, error) {
	return func(path string, volumePercent int) (engine.Process, error) {
		args := append(append([]string{}, extraArgs...),
			"--no-video",
			fmt.Sprintf("--volume=%d", volumePercent),
			path)
		return engine.StartProcess(binary, args)
	}
}

func NewEffectRegistry(zone string, max int, spawn func(string, int) (engine.Process, error), logger *zap.Logger) *EffectRegistry {
	if max <= 0 {
		max = DefaultEffectsMax
	}
	return &EffectRegistry{
		zone:     zone,
		max:      max,
		logger:   logger.Named("effects"),
		spawn:    spawn,
		inflight: make(map[string]engine.Process),
	}
}

// Play launches one effect and returns its handle id.
func (r *EffectRegistry) Play(path string, volumePercent int) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("effects: registry shut down")
	}
	if len(r.order) >= r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		if proc, ok := r.inflight[oldest]; ok {
			delete(r.inflight, oldest)
			proc.Kill()
			r.logger.Warn("Effect bound reached, killed oldest", zap.String("id", oldest))
		}
	}
	r.mu.Unlock()

	proc, err := r.spawn(path, volumePercent)
	if err != nil {
		return "", fmt.Errorf("spawning effect: %w", err)
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.inflight[id] = proc
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Debug("Effect started",
		zap.String("id", id), zap.String("path", path), zap.Int("volume", volumePercent))

	go func() {
		<-proc.Done()
		r.mu.Lock()
		delete(r.inflight, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		r.logger.Debug("Effect finished", zap.String("id", id))
	}()
	return id, nil
}

// Count reports effects still playing.
func (r *EffectRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Shutdown kills every in-flight effect and waits briefly for the
// processes to reap.
func (r *EffectRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	procs := make([]engine.Process, 0, len(r.inflight))
	for _, proc := range r.inflight {
		procs = append(procs, proc)
	}
	r.inflight = make(map[string]engine.Process)
	r.order = nil
	r.mu.Unlock()

	for _, proc := range procs {
		proc.Kill()
	}
	for _, proc := range procs {
		select {
		case <-proc.Done():
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			return
		}
	}
}
