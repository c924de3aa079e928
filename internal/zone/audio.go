package zone

import (
	"context"

	"go.uber.org/zap"

	"mediazones/internal/command"
)

// AudioZone drives a speaker-only output: background music, queued
// speech, and sound effects, with no screen engine.
type AudioZone struct {
	*base
}

func NewAudioZone(cfg Config, deps Deps) *AudioZone {
	a := &AudioZone{base: newBase("audio", cfg, deps)}
	a.snapshotExtra = func(st *Status) {
		if a.musicPlaying {
			st.State = "playing_audio"
		} else {
			st.State = stateIdle
		}
		if a.lastMusic != nil {
			st.CurrentMedia = a.lastMusic.File
		}
	}
	return a
}

func (a *AudioZone) Initialize(ctx context.Context) error {
	if err := a.initAudio(ctx); err != nil {
		return err
	}
	go a.runLoop(a.dispatch)
	a.logger.Info("Audio zone ready", zap.String("media_dir", a.cfg.MediaDir))
	a.post(func() { a.publishStatus() })
	return nil
}

func (a *AudioZone) HandleCommand(ctx context.Context, cmd command.Command) command.Outcome {
	return a.submit(ctx, cmd)
}

func (a *AudioZone) dispatch(ctx context.Context, cmd command.Command) command.Outcome {
	if out, ok := a.handleAudioCommand(ctx, cmd); ok {
		return out
	}
	switch cmd.Name {
	case command.NameSetImage, command.NamePlayVideo, command.NamePauseVideo,
		command.NameResumeVideo, command.NameStopVideo,
		command.NameSleepScreen, command.NameWakeScreen:
		return command.Failedf(cmd, command.ErrorCodeValidation,
			"%s is a screen command, zone %s is audio-only", cmd.Name, a.name)
	}
	return command.Failedf(cmd, command.ErrorCodeValidation, "unknown command %q", cmd.Name)
}

func (a *AudioZone) Shutdown(ctx context.Context) error {
	a.stopLoop()
	a.shutdownAudio(ctx)
	a.logger.Info("Audio zone stopped")
	return nil
}
