// Package schedule fires attraction open/close actions on cron
// expressions and sun-relative times.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mediazones/internal/clock"
	"mediazones/internal/command"
	"mediazones/internal/config"
)

// Scheduled actions.
const (
	ActionWakeScreens    = "wake_screens"
	ActionSleepScreens   = "sleep_screens"
	ActionStopAll        = "stop_all"
	ActionPlayBackground = "play_background"
	ActionStopBackground = "stop_background"
)

// Router delivers a scheduled action's commands. Implemented by the zone
// registry.
type Router interface {
	Route(ctx context.Context, cmd command.Command) command.Outcome
	Names() []string
}

// Scheduler runs the configured schedule entries: cron entries through a
// cron runner, sun-relative entries through a timer re-armed daily.
type Scheduler struct {
	latitude  float64
	longitude float64
	entries   []config.ScheduleEntry
	router    Router
	clk       clock.Clock
	logger    *zap.Logger

	cron *cron.Cron
}

func New(cfg *config.Config, router Router, clk clock.Clock, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		latitude:  cfg.Location.Latitude,
		longitude: cfg.Location.Longitude,
		entries:   cfg.Schedule,
		router:    router,
		clk:       clk,
		logger:    logger.Named("schedule"),
		cron:      cron.New(),
	}
	for i, entry := range cfg.Schedule {
		if !validAction(entry.Action) {
			return nil, fmt.Errorf("schedule entry %d: unknown action %q", i, entry.Action)
		}
		if entry.Cron == "" {
			continue
		}
		entry := entry
		if _, err := s.cron.AddFunc(entry.Cron, func() { s.fire(entry) }); err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i, err)
		}
	}
	return s, nil
}

func validAction(action string) bool {
	switch action {
	case ActionWakeScreens, ActionSleepScreens, ActionStopAll,
		ActionPlayBackground, ActionStopBackground:
		return true
	}
	return false
}

// Run starts the cron entries and loops the sun-relative ones until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	defer s.cron.Stop()
	s.logger.Info("Schedule running", zap.Int("entries", len(s.entries)))

	for {
		entry, at, ok := s.nextSunFiring(s.clk.Now())
		if !ok {
			<-ctx.Done()
			return ctx.Err()
		}
		s.logger.Debug("Next sun-relative action",
			zap.String("action", entry.Action), zap.Time("at", at))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(at.Sub(s.clk.Now())):
			s.fire(entry)
		}
	}
}

// nextSunFiring finds the soonest sun-relative entry after now. The scan
// starts one calendar day back: at western longitudes sunset crosses UTC
// midnight, so the next event can belong to the previous UTC date.
func (s *Scheduler) nextSunFiring(now time.Time) (config.ScheduleEntry, time.Time, bool) {
	var bestEntry config.ScheduleEntry
	var bestAt time.Time
	found := false

	for dayOffset := -1; dayOffset <= 2; dayOffset++ {
		day := now.AddDate(0, 0, dayOffset)
		for _, entry := range s.entries {
			if entry.Sun == "" {
				continue
			}
			rise, set := sunrise.SunriseSunset(s.latitude, s.longitude,
				day.Year(), day.Month(), day.Day())
			at := rise
			if entry.Sun == "sunset" {
				at = set
			}
			at = at.Add(entry.Offset.Std())
			if !at.After(now) {
				continue
			}
			if !found || at.Before(bestAt) {
				bestEntry, bestAt, found = entry, at, true
			}
		}
		if found {
			return bestEntry, bestAt, true
		}
	}
	return config.ScheduleEntry{}, time.Time{}, false
}

// fire translates one entry into commands and routes them.
func (s *Scheduler) fire(entry config.ScheduleEntry) {
	zones := entry.Zones
	if len(zones) == 0 {
		zones = s.router.Names()
	}
	s.logger.Info("Scheduled action firing",
		zap.String("action", entry.Action), zap.Strings("zones", zones))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, zoneName := range zones {
		for _, cmd := range commandsFor(entry, zoneName) {
			out := s.router.Route(ctx, cmd)
			if out.Status == command.StatusFailed {
				s.logger.Warn("Scheduled command failed",
					zap.String("zone", zoneName),
					zap.String("command", string(cmd.Name)),
					zap.String("error", out.Message))
			}
		}
	}
}

// commandsFor maps one action to the command sequence for one zone.
func commandsFor(entry config.ScheduleEntry, zoneName string) []command.Command {
	switch entry.Action {
	case ActionWakeScreens:
		return []command.Command{{Name: command.NameWakeScreen, Zone: zoneName}}
	case ActionSleepScreens:
		return []command.Command{{Name: command.NameSleepScreen, Zone: zoneName}}
	case ActionStopAll:
		return []command.Command{
			{Name: command.NameStopVideo, Zone: zoneName},
			{Name: command.NameStopBackgroundMusic, Zone: zoneName},
		}
	case ActionPlayBackground:
		return []command.Command{{Name: command.NamePlayBackgroundMusic, Zone: zoneName, File: entry.File}}
	case ActionStopBackground:
		return []command.Command{{Name: command.NameStopBackgroundMusic, Zone: zoneName}}
	}
	return nil
}
