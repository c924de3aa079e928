package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds one ffprobe invocation.
const DefaultProbeTimeout = 10 * time.Second

// Prober reports media durations via a command-line inspector (ffprobe),
// consulting the cache first. A probe failure means "duration unknown" to
// callers, never a fatal error for the zone.
type Prober struct {
	binary  string
	timeout time.Duration
	cache   *DurationCache
	logger  *zap.Logger

	// run is swapped in tests to avoid shelling out.
	run func(ctx context.Context, binary string, args ...string) ([]byte, error)
}

// NewProber creates a prober using binary (default "ffprobe"). cache may be
// nil to disable persistence.
func NewProber(binary string, cache *DurationCache, logger *zap.Logger) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{
		binary:  binary,
		timeout: DefaultProbeTimeout,
		cache:   cache,
		logger:  logger.Named("prober"),
		run: func(ctx context.Context, binary string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, binary, args...).Output()
		},
	}
}

// Duration returns the duration in seconds for the media at absPath.
func (p *Prober) Duration(ctx context.Context, absPath string) (float64, error) {
	if seconds, ok, err := p.cache.Get(absPath); err != nil {
		p.logger.Warn("Duration cache read failed", zap.String("path", absPath), zap.Error(err))
	} else if ok {
		return seconds, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, p.binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		absPath,
	)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", absPath, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: unparseable duration %q", absPath, strings.TrimSpace(string(out)))
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("probe %s: non-positive duration %f", absPath, seconds)
	}

	if err := p.cache.Put(absPath, seconds); err != nil {
		p.logger.Warn("Duration cache write failed", zap.String("path", absPath), zap.Error(err))
	}
	return seconds, nil
}
