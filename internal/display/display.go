// Package display controls physical display power for screen zones.
package display

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// Power sleeps and wakes one physical display.
type Power interface {
	Sleep(ctx context.Context) error
	Wake(ctx context.Context) error
}

// Noop is for audio-only zones and headless tests.
type Noop struct{}

func (Noop) Sleep(context.Context) error { return nil }
func (Noop) Wake(context.Context) error  { return nil }

// DPMS drives display power through the X11 xset utility.
type DPMS struct {
	// DisplayEnv is the X display to target, e.g. ":0".
	DisplayEnv string
	logger     *zap.Logger
	run        func(ctx context.Context, name string, args ...string) error
}

func NewDPMS(displayEnv string, logger *zap.Logger) *DPMS {
	return &DPMS{
		DisplayEnv: displayEnv,
		logger:     logger.Named("display"),
		run: func(ctx context.Context, name string, args ...string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("%s: %w (%s)", name, err, out)
			}
			return nil
		},
	}
}

func (d *DPMS) Sleep(ctx context.Context) error {
	d.logger.Info("Sleeping display", zap.String("display", d.DisplayEnv))
	return d.run(ctx, "xset", "-display", d.DisplayEnv, "dpms", "force", "off")
}

func (d *DPMS) Wake(ctx context.Context) error {
	d.logger.Info("Waking display", zap.String("display", d.DisplayEnv))
	if err := d.run(ctx, "xset", "-display", d.DisplayEnv, "dpms", "force", "on"); err != nil {
		return err
	}
	// Kick the screensaver too, some compositors ignore the dpms call.
	return d.run(ctx, "xset", "-display", d.DisplayEnv, "s", "reset")
}
