package zone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediazones/internal/clock"
	"mediazones/internal/command"
	"mediazones/internal/display"
	"mediazones/internal/engine"
	"mediazones/internal/media"
	"mediazones/internal/volume"
)

// Ducker relays cross-zone ducking requests. Implemented by the Registry.
type Ducker interface {
	DuckAllExcept(exceptZone, triggerID string, kind volume.TriggerKind)
	Unduck(triggerID string)
}

// Config is the per-zone configuration shared by both zone variants.
type Config struct {
	Name          string
	MediaDir      string
	MaxVolume     int
	Volumes       map[volume.Class]int
	DuckingAdjust int
	VideoQueueMax int
	EffectsMax    int
	// DuckOthersOnVideo ducks background music in every other zone while
	// this zone plays a video, unless the command says otherwise.
	DuckOthersOnVideo bool
}

// Deps are the collaborators a zone controller is built from.
type Deps struct {
	Publisher Publisher
	Ducker    Ducker
	Clock     clock.Clock
	Resolver  *media.Resolver
	Prober    *media.Prober
	Display   display.Power
	Logger    *zap.Logger
	// NewSession builds one engine session per purpose ("screen",
	// "music", "speech").
	NewSession func(purpose string) *engine.Session
	// EffectSpawn launches one short-lived sound-effect player.
	EffectSpawn func(path string, volumePercent int) (engine.Process, error)
}

func (d *Deps) withDefaults() {
	if d.Publisher == nil {
		d.Publisher = NopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Display == nil {
		d.Display = display.Noop{}
	}
}

// opTimeout bounds one engine round trip issued from the command loop.
const opTimeout = 10 * time.Second

// task is one unit of work for the zone's command loop: either an
// external command wanting a reply, or an internal function.
type task struct {
	ctx   context.Context
	cmd   *command.Command
	fn    func()
	reply chan command.Outcome
}

// base carries the mechanics every zone variant shares: the serializing
// command loop, the volume model and duck lifecycle, and the audio
// subsystem (background music, speech queue, sound effects).
type base struct {
	name   string
	kind   string
	cfg    Config
	deps   Deps
	logger *zap.Logger

	model *volume.Model
	ducks *volume.DuckLifecycle

	tasks    chan task
	stopped  chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	music      *engine.Session
	speechSess *engine.Session
	speech     *speechRunner
	effects    *EffectRegistry

	musicPlaying bool
	lastMusic    *command.Command

	// snapshotExtra lets the screen variant add its fields to Status.
	snapshotExtra func(*Status)
}

func newBase(kind string, cfg Config, deps Deps) *base {
	deps.withDefaults()
	logger := deps.Logger.Named("zone").With(zap.String("zone", cfg.Name))
	b := &base{
		name:     cfg.Name,
		kind:     kind,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		model:    volume.NewModel(cfg.Volumes, cfg.DuckingAdjust, cfg.MaxVolume),
		ducks:    volume.NewDuckLifecycle(),
		tasks:    make(chan task, 64),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	return b
}

func (b *base) Name() string { return b.name }

// initAudio spawns the audio-side engine sessions and workers. Called
// from the variant's Initialize.
func (b *base) initAudio(ctx context.Context) error {
	b.music = b.deps.NewSession("music")
	if err := b.music.Start(ctx); err != nil {
		return fmt.Errorf("starting music engine: %w", err)
	}
	b.music.OnEvent(b.onMusicEvent)

	b.speechSess = b.deps.NewSession("speech")
	if err := b.speechSess.Start(ctx); err != nil {
		b.music.Shutdown(ctx)
		return fmt.Errorf("starting speech engine: %w", err)
	}

	b.speech = newSpeechRunner(b.name, b.speechSess, b.beginSpeechDuck, b.endSpeechDuck, b.logger)

	spawn := b.deps.EffectSpawn
	if spawn == nil {
		spawn = EffectSpawner("mpv", nil)
	}
	b.effects = NewEffectRegistry(b.name, b.cfg.EffectsMax, spawn, b.logger)
	return nil
}

// runLoop serializes all state mutation for the zone. handle is the
// variant's command dispatcher.
func (b *base) runLoop(handle func(context.Context, command.Command) command.Outcome) {
	defer close(b.loopDone)
	for {
		select {
		case <-b.stopped:
			b.rejectPending()
			return
		case t := <-b.tasks:
			if t.fn != nil {
				t.fn()
				continue
			}
			out := b.safeHandle(handle, t.ctx, *t.cmd)
			if t.reply != nil {
				t.reply <- out
			}
		}
	}
}

func (b *base) rejectPending() {
	for {
		select {
		case t := <-b.tasks:
			if t.reply != nil {
				t.reply <- command.Failedf(*t.cmd, command.ErrorCodeSubsystemUnavailable, "zone %s shutting down", b.name)
			}
		default:
			return
		}
	}
}

// safeHandle keeps a panicking handler from taking the zone down.
func (b *base) safeHandle(handle func(context.Context, command.Command) command.Outcome, ctx context.Context, cmd command.Command) (out command.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Command handler panicked",
				zap.String("command", string(cmd.Name)), zap.Any("panic", r))
			out = command.Failedf(cmd, command.ErrorCodeExecution, "internal error handling %s: %v", cmd.Name, r)
		}
	}()
	return handle(ctx, cmd)
}

// submit runs one command on the loop and waits for its outcome.
func (b *base) submit(ctx context.Context, cmd command.Command) command.Outcome {
	t := task{ctx: ctx, cmd: &cmd, reply: make(chan command.Outcome, 1)}
	select {
	case b.tasks <- t:
	case <-b.stopped:
		return command.Failedf(cmd, command.ErrorCodeSubsystemUnavailable, "zone %s is shut down", b.name)
	case <-ctx.Done():
		return command.Failedf(cmd, command.ErrorCodeTimeout, "zone %s queue full", b.name)
	}
	select {
	case out := <-t.reply:
		return out
	case <-ctx.Done():
		return command.Failedf(cmd, command.ErrorCodeTimeout, "command %s timed out waiting for zone %s", cmd.Name, b.name)
	}
}

// post schedules fn on the command loop without waiting.
func (b *base) post(fn func()) {
	select {
	case b.tasks <- task{fn: fn}:
	case <-b.stopped:
	}
}

func (b *base) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// --- duck lifecycle -----------------------------------------------------

// AddDuckTrigger registers a duck trigger and re-applies background volume.
func (b *base) AddDuckTrigger(id string, kind volume.TriggerKind) {
	b.post(func() {
		b.ducks.AddTrigger(id, kind)
		b.applyBackgroundVolume()
		b.publishStatus()
	})
}

// RemoveDuckTrigger drops a trigger and re-applies background volume.
func (b *base) RemoveDuckTrigger(id string) {
	b.post(func() {
		b.ducks.RemoveTrigger(id)
		b.applyBackgroundVolume()
		b.publishStatus()
	})
}

// beginSpeechDuck registers the speech trigger and waits until the reduced
// background volume has been applied, so the clip never starts over
// unducked music.
func (b *base) beginSpeechDuck(triggerID string) {
	applied := make(chan struct{})
	b.post(func() {
		b.ducks.AddTrigger(triggerID, volume.TriggerSpeech)
		b.applyBackgroundVolume()
		close(applied)
	})
	select {
	case <-applied:
	case <-b.stopped:
	}
}

func (b *base) endSpeechDuck(triggerID string) {
	b.post(func() {
		b.ducks.RemoveTrigger(triggerID)
		b.applyBackgroundVolume()
		b.publishStatus()
	})
}

// applyBackgroundVolume recomputes the effective background volume and
// pushes it to the music engine. Loop-owned.
func (b *base) applyBackgroundVolume() {
	if !b.musicPlaying || b.music == nil {
		return
	}
	res, err := volume.Resolve(volume.ClassBackground, b.model, volume.Overrides{}, b.ducks.Active())
	if err != nil {
		b.logger.Error("Background volume resolution failed", zap.Error(err))
		return
	}
	ctx, cancel := b.opCtx()
	defer cancel()
	if err := b.music.SetVolume(ctx, res.Final); err != nil {
		b.logger.Warn("Applying background volume failed",
			zap.Int("volume", res.Final), zap.Error(err))
		return
	}
	b.logger.Debug("Background volume applied",
		zap.Int("volume", res.Final), zap.Bool("ducked", res.Ducked))
}

// --- audio command handlers (loop-owned) --------------------------------

// handleAudioCommand dispatches the commands both zone variants support.
// The second return is false when the command is not an audio concern.
func (b *base) handleAudioCommand(ctx context.Context, cmd command.Command) (command.Outcome, bool) {
	switch cmd.Name {
	case command.NamePlayBackgroundMusic:
		return b.handlePlayBackgroundMusic(cmd), true
	case command.NameStopBackgroundMusic:
		return b.handleStopBackgroundMusic(cmd), true
	case command.NamePlaySpeech:
		return b.handlePlaySpeech(cmd), true
	case command.NamePlaySoundEffect:
		return b.handlePlaySoundEffect(cmd), true
	case command.NameSetVolume:
		return b.handleSetVolume(cmd), true
	case command.NameSetVolumes:
		return b.handleSetVolumes(cmd), true
	case command.NameSetDuckingAdjust:
		return b.handleSetDuckingAdjust(cmd), true
	case command.NameDuck:
		return b.handleDuck(cmd), true
	case command.NameUnduck:
		return b.handleUnduck(cmd), true
	case command.NameStatus:
		b.publishStatus()
		return command.Success(cmd), true
	default:
		return command.Outcome{}, false
	}
}

func (b *base) handlePlayBackgroundMusic(cmd command.Command) command.Outcome {
	res, out, ok := b.resolveMedia(cmd)
	if !ok {
		return out
	}
	vol, verr := volume.Resolve(volume.ClassBackground, b.model, overridesFrom(cmd), b.ducks.Active())
	if verr != nil {
		return command.Failedf(cmd, command.ErrorCodeVolumeResolution, "%v", verr)
	}

	ctx, cancel := b.opCtx()
	defer cancel()
	// Background music loops until explicitly stopped.
	if err := b.music.LoadMedia(ctx, res.Path, engine.LoadOptions{Loop: true}); err != nil {
		return command.Failedf(cmd, mapEngineError(err), "loading music %s: %v", res.Path, err)
	}
	if err := b.music.SetVolume(ctx, vol.Final); err != nil {
		b.logger.Warn("Setting music volume failed", zap.Error(err))
	}
	b.musicPlaying = true
	b.lastMusic = &cmd
	b.logger.Info("Background music playing",
		zap.String("path", res.Path), zap.Int("volume", vol.Final), zap.Bool("ducked", vol.Ducked))
	b.publishStatus()
	return command.Success(cmd).WithWarnings(vol.WarningStrings()...)
}

func (b *base) handleStopBackgroundMusic(cmd command.Command) command.Outcome {
	ctx, cancel := b.opCtx()
	defer cancel()
	if err := b.music.Stop(ctx); err != nil {
		return command.Failedf(cmd, mapEngineError(err), "stopping music: %v", err)
	}
	b.musicPlaying = false
	b.lastMusic = nil
	b.publishStatus()
	return command.Success(cmd)
}

func (b *base) handlePlaySpeech(cmd command.Command) command.Outcome {
	res, out, ok := b.resolveMedia(cmd)
	if !ok {
		return out
	}
	vol, verr := volume.Resolve(volume.ClassSpeech, b.model, overridesFrom(cmd), b.ducks.Active())
	if verr != nil {
		return command.Failedf(cmd, command.ErrorCodeVolumeResolution, "%v", verr)
	}

	done, err := b.speech.enqueue(cmd, res.Path, vol.Final)
	if err != nil {
		return command.Failedf(cmd, command.ErrorCodePlayError, "%v", err)
	}
	// The queued clip resolves later; surface a late failure through the
	// publisher so it is not silently lost.
	go func() {
		final := <-done
		if final.Status == command.StatusFailed {
			b.deps.Publisher.PublishOutcome(final)
		}
	}()
	b.publishStatus()
	return command.Success(cmd).WithWarnings(vol.WarningStrings()...)
}

func (b *base) handlePlaySoundEffect(cmd command.Command) command.Outcome {
	res, out, ok := b.resolveMedia(cmd)
	if !ok {
		return out
	}
	vol, verr := volume.Resolve(volume.ClassEffects, b.model, overridesFrom(cmd), b.ducks.Active())
	if verr != nil {
		return command.Failedf(cmd, command.ErrorCodeVolumeResolution, "%v", verr)
	}
	id, err := b.effects.Play(res.Path, vol.Final)
	if err != nil {
		return command.Failedf(cmd, command.ErrorCodePlayError, "%v", err)
	}
	b.logger.Info("Sound effect fired",
		zap.String("path", res.Path), zap.String("effect_id", id), zap.Int("volume", vol.Final))
	return command.Success(cmd).WithWarnings(vol.WarningStrings()...)
}

func (b *base) handleSetVolume(cmd command.Command) command.Outcome {
	if cmd.Volume == nil {
		return command.Failedf(cmd, command.ErrorCodeValidation, "setVolume requires a volume value")
	}
	class := volume.Class(cmd.Class)
	result, err := b.model.SetBaseVolume(class, *cmd.Volume)
	if err != nil {
		return command.Failedf(cmd, command.ErrorCodeValidation, "%v", err)
	}
	if class == volume.ClassBackground {
		b.applyBackgroundVolume()
	}
	b.publishStatus()
	out := command.Success(cmd)
	if result.Warning != nil {
		out = out.WithWarnings(result.Warning.String())
	}
	return out
}

func (b *base) handleSetVolumes(cmd command.Command) command.Outcome {
	if len(cmd.Volumes) == 0 {
		return command.Failedf(cmd, command.ErrorCodeValidation, "setVolumes requires a volumes map")
	}
	values := make(map[volume.Class]int, len(cmd.Volumes))
	for class, v := range cmd.Volumes {
		values[volume.Class(class)] = v
	}
	result := b.model.SetBaseVolumes(values)
	if result.Status == volume.SetFailed {
		return command.Failedf(cmd, command.ErrorCodeValidation, "no valid volume entries in %v", cmd.Volumes)
	}
	b.applyBackgroundVolume()
	b.publishStatus()
	out := command.Success(cmd)
	for _, w := range result.Warnings {
		out = out.WithWarnings(w.String())
	}
	for _, skipped := range result.Invalid {
		out = out.WithWarnings(fmt.Sprintf("ignored unknown audio class %q", skipped))
	}
	return out
}

func (b *base) handleSetDuckingAdjust(cmd command.Command) command.Outcome {
	if cmd.AdjustVolume == nil {
		return command.Failedf(cmd, command.ErrorCodeValidation, "setDuckingAdjust requires adjustVolume")
	}
	result := b.model.SetDuckingAdjust(*cmd.AdjustVolume)
	b.applyBackgroundVolume()
	b.publishStatus()
	out := command.Success(cmd)
	if result.Warning != nil {
		out = out.WithWarnings(result.Warning.String())
	}
	return out
}

func (b *base) handleDuck(cmd command.Command) command.Outcome {
	id := cmd.TriggerID
	if id == "" {
		id = "manual-" + uuid.NewString()
	}
	b.ducks.AddTrigger(id, volume.TriggerManual)
	b.applyBackgroundVolume()
	b.publishStatus()
	return command.Success(cmd)
}

// handleUnduck removes one trigger by id, or every manual trigger when no
// id is given. Speech and video triggers are never clobbered by an id-less
// unduck.
func (b *base) handleUnduck(cmd command.Command) command.Outcome {
	if cmd.TriggerID != "" {
		b.ducks.RemoveTrigger(cmd.TriggerID)
	} else {
		b.ducks.ClearKind(volume.TriggerManual)
	}
	b.applyBackgroundVolume()
	b.publishStatus()
	return command.Success(cmd)
}

// --- helpers ------------------------------------------------------------

// resolveMedia maps the command's file reference to an absolute existing
// path. A missing file is a warning outcome, not a failure: it blocks the
// action but leaves zone state untouched.
func (b *base) resolveMedia(cmd command.Command) (media.Resolution, command.Outcome, bool) {
	if cmd.File == "" {
		return media.Resolution{}, command.Failedf(cmd, command.ErrorCodeValidation, "%s requires a file", cmd.Name), false
	}
	res := b.deps.Resolver.Resolve(cmd.File)
	if !res.Exists {
		msg := fmt.Sprintf("media file not found: %s", res.Path)
		b.logger.Warn("Media file not found", zap.String("path", res.Path))
		b.deps.Publisher.PublishWarning(b.name, msg)
		return res, command.Warningf(cmd, command.ErrorCodeFileNotFound, "%s", msg), false
	}
	return res, command.Outcome{}, true
}

func overridesFrom(cmd command.Command) volume.Overrides {
	return volume.Overrides{
		Volume:       cmd.Volume,
		AdjustVolume: cmd.AdjustVolume,
		SkipDucking:  cmd.SkipDucking,
	}
}

// snapshotLocked builds the status record. Loop-owned.
func (b *base) snapshotLocked() Status {
	ducks := b.ducks.Snapshot()
	st := Status{
		Zone:              b.name,
		Kind:              b.kind,
		Volumes:           b.model.Classes(),
		DuckingAdjust:     b.model.DuckingAdjust(),
		Ducked:            ducks.Active,
		DuckTriggers:      ducks.Count,
		BackgroundPlaying: b.musicPlaying,
		EngineStates:      map[string]string{},
	}
	if b.speech != nil {
		st.SpeechQueueLength = b.speech.pending()
	}
	if b.effects != nil {
		st.EffectsInFlight = b.effects.Count()
	}
	if b.music != nil {
		st.EngineStates["music"] = string(b.music.State())
	}
	if b.speechSess != nil {
		st.EngineStates["speech"] = string(b.speechSess.State())
	}
	if b.snapshotExtra != nil {
		b.snapshotExtra(&st)
	}
	return st
}

func (b *base) publishStatus() {
	b.deps.Publisher.PublishStatus(b.name, b.snapshotLocked())
}

// Snapshot runs on the command loop so it sees a consistent state. Falls
// back to a minimal record when the loop is unavailable.
func (b *base) Snapshot() Status {
	reply := make(chan Status, 1)
	select {
	case b.tasks <- task{fn: func() { reply <- b.snapshotLocked() }}:
		select {
		case st := <-reply:
			return st
		case <-time.After(2 * time.Second):
		case <-b.stopped:
		}
	case <-b.stopped:
	}
	return Status{Zone: b.name, Kind: b.kind, State: "unavailable"}
}

// --- engine event plumbing ----------------------------------------------

func (b *base) onMusicEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventRestarted:
		// The engine never resumes playback on its own after a restart.
		b.post(func() {
			if b.musicPlaying && b.lastMusic != nil {
				b.logger.Info("Re-issuing background music after engine restart")
				b.handlePlayBackgroundMusic(*b.lastMusic)
			}
		})
	case engine.EventRestartFailed:
		b.post(func() {
			b.musicPlaying = false
			msg := fmt.Sprintf("music engine failed permanently: %s", ev.Reason)
			b.logger.Error("Music engine gave up", zap.String("reason", ev.Reason))
			b.deps.Publisher.PublishWarning(b.name, msg)
			b.publishStatus()
		})
	}
}

// shutdownAudio tears down the audio subsystem. Called after the loop has
// stopped.
func (b *base) shutdownAudio(ctx context.Context) {
	if b.speech != nil {
		b.speech.stop()
	}
	if b.effects != nil {
		b.effects.Shutdown(ctx)
	}
	if b.speechSess != nil {
		b.speechSess.Shutdown(ctx)
	}
	if b.music != nil {
		b.music.Shutdown(ctx)
	}
}

// stopLoop closes the loop and waits for it to drain.
func (b *base) stopLoop() {
	b.stopOnce.Do(func() { close(b.stopped) })
	<-b.loopDone
}
