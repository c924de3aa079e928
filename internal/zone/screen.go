package zone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediazones/internal/command"
	"mediazones/internal/engine"
	"mediazones/internal/media"
	"mediazones/internal/volume"
)

// Screen zone presentation states.
const (
	stateIdle         = "idle"
	stateShowingImage = "showing_image"
	statePlayingVideo = "playing_video"
	stateVideoPaused  = "video_paused"
	stateScreenAsleep = "screen_asleep"
)

// ScreenZone drives a display: an image/video presentation queue on a
// dedicated screen engine, plus the shared audio subsystem. All state
// below the embedded base is owned by the command loop.
type ScreenZone struct {
	*base

	screen *engine.Session
	queue  *PresentationQueue

	state   string
	current *QueueItem
	// poster remembers a video loaded paused on its first frame via
	// setImage, for resume-in-place when playVideo asks for the same path.
	poster      *QueueItem
	tracker     *CompletionTracker
	videoDuckID string

	// posObserveID is nonzero while the engine streams time-pos changes
	// for stall detection. The cache has its own lock because property
	// events and tracker timers arrive off the command loop.
	posObserveID int64
	posMu        sync.Mutex
	obsPos       float64
	obsValid     bool
}

// NewScreenZone builds a screen zone controller. Call Initialize before
// sending commands.
func NewScreenZone(cfg Config, deps Deps) *ScreenZone {
	s := &ScreenZone{
		base:  newBase("screen", cfg, deps),
		queue: NewPresentationQueue(cfg.VideoQueueMax),
		state: stateIdle,
	}
	s.snapshotExtra = func(st *Status) {
		st.State = s.state
		st.QueueLength = s.queue.Len()
		if s.current != nil {
			st.CurrentMedia = s.current.Path
		}
		if s.screen != nil {
			st.EngineStates["screen"] = string(s.screen.State())
		}
	}
	return s
}

func (s *ScreenZone) Initialize(ctx context.Context) error {
	s.screen = s.deps.NewSession("screen")
	if err := s.screen.Start(ctx); err != nil {
		return fmt.Errorf("starting screen engine: %w", err)
	}
	s.screen.OnEvent(s.onScreenEvent)

	if err := s.initAudio(ctx); err != nil {
		s.screen.Shutdown(ctx)
		return err
	}

	go s.runLoop(s.dispatch)
	s.logger.Info("Screen zone ready", zap.String("media_dir", s.cfg.MediaDir))
	s.publishStatusAsync()
	return nil
}

func (s *ScreenZone) publishStatusAsync() {
	s.post(func() { s.publishStatus() })
}

func (s *ScreenZone) HandleCommand(ctx context.Context, cmd command.Command) command.Outcome {
	return s.submit(ctx, cmd)
}

// dispatch runs on the command loop.
func (s *ScreenZone) dispatch(ctx context.Context, cmd command.Command) command.Outcome {
	switch cmd.Name {
	case command.NameSetImage:
		return s.handleSetImage(cmd)
	case command.NamePlayVideo:
		return s.handlePlayVideo(cmd)
	case command.NamePauseVideo:
		return s.handlePauseVideo(cmd)
	case command.NameResumeVideo:
		return s.handleResumeVideo(cmd)
	case command.NameStopVideo:
		return s.handleStopVideo(cmd)
	case command.NameSleepScreen:
		return s.handleSleepScreen(cmd)
	case command.NameWakeScreen:
		return s.handleWakeScreen(cmd)
	}
	if out, ok := s.handleAudioCommand(ctx, cmd); ok {
		return out
	}
	return command.Failedf(cmd, command.ErrorCodeValidation, "unknown command %q", cmd.Name)
}

// --- queue ingestion ----------------------------------------------------

func (s *ScreenZone) handleSetImage(cmd command.Command) command.Outcome {
	res, out, ok := s.resolveMedia(cmd)
	if !ok {
		return out
	}
	return s.enqueuePresentation(QueueItem{
		Name: command.NameSetImage,
		Path: res.Path,
		Kind: res.Kind,
		Cmd:  cmd,
	})
}

func (s *ScreenZone) handlePlayVideo(cmd command.Command) command.Outcome {
	res, out, ok := s.resolveMedia(cmd)
	if !ok {
		return out
	}
	if res.Kind != media.KindVideo {
		return command.Failedf(cmd, command.ErrorCodeValidation,
			"playVideo requires a video file, got %s (%s)", res.Kind, res.Path)
	}
	return s.enqueuePresentation(QueueItem{
		Name: command.NamePlayVideo,
		Path: res.Path,
		Kind: res.Kind,
		Cmd:  cmd,
	})
}

func (s *ScreenZone) enqueuePresentation(item QueueItem) command.Outcome {
	// An identical consecutive request for what is already presented (and
	// nothing queued behind it) is a no-op.
	if s.queue.Len() == 0 && s.current != nil && s.current.equal(item) {
		s.logger.Debug("Request matches current presentation, ignoring", zap.String("path", item.Path))
		return command.Success(item.Cmd)
	}
	result := s.queue.Push(item)
	switch {
	case result.Deduped:
		s.logger.Debug("Duplicate presentation request dropped", zap.String("path", item.Path))
		return command.Success(item.Cmd)
	case result.Replaced:
		s.logger.Debug("Static queue tail replaced", zap.String("path", item.Path))
	case result.DroppedOldest:
		s.logger.Warn("Presentation queue full, dropped oldest item")
	}

	out := command.Success(item.Cmd)
	if result.DroppedOldest {
		out = out.WithWarnings("presentation queue full, oldest request dropped")
	}
	if warnings := s.drainQueue(); len(warnings) > 0 {
		out = out.WithWarnings(warnings...)
	}
	s.publishStatus()
	return out
}

// drainQueue presents queued items until a true video occupies the head
// or the queue empties. Static items complete immediately.
func (s *ScreenZone) drainQueue() []string {
	var warnings []string
	for {
		if s.videoInFlight() {
			return warnings
		}
		item, ok := s.queue.Pop()
		if !ok {
			return warnings
		}
		if err := s.present(item); err != nil {
			msg := fmt.Sprintf("presenting %s: %v", item.Path, err)
			s.logger.Error("Presentation failed", zap.String("path", item.Path), zap.Error(err))
			s.deps.Publisher.PublishWarning(s.name, msg)
			warnings = append(warnings, msg)
			continue
		}
		if s.videoInFlight() {
			return warnings
		}
	}
}

func (s *ScreenZone) videoInFlight() bool {
	return s.state == statePlayingVideo || s.state == stateVideoPaused
}

// present loads one queue item into the screen engine.
func (s *ScreenZone) present(item QueueItem) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if s.state == stateScreenAsleep {
		if err := s.deps.Display.Wake(ctx); err != nil {
			s.logger.Warn("Waking display failed", zap.Error(err))
		}
		s.state = stateIdle
	}

	if item.Name == command.NameSetImage {
		return s.presentStatic(ctx, item)
	}
	return s.presentVideo(ctx, item)
}

// presentStatic shows an image, or loads a video paused on its first frame
// as a poster.
func (s *ScreenZone) presentStatic(ctx context.Context, item QueueItem) error {
	asPoster := item.Kind == media.KindVideo
	if err := s.screen.LoadMedia(ctx, item.Path, engine.LoadOptions{Paused: asPoster}); err != nil {
		return err
	}
	s.state = stateShowingImage
	s.current = &item
	if asPoster {
		s.poster = &item
		s.logger.Info("Video poster shown", zap.String("path", item.Path))
	} else {
		s.poster = nil
		s.logger.Info("Image shown", zap.String("path", item.Path))
	}
	return nil
}

func (s *ScreenZone) presentVideo(ctx context.Context, item QueueItem) error {
	// Resume in place when the same video is already paused on its poster
	// frame, avoiding a visible reload flicker.
	resume := s.poster != nil && s.poster.Path == item.Path && s.state == stateShowingImage
	if resume {
		if err := s.screen.Play(ctx); err != nil {
			return err
		}
		s.logger.Info("Resuming poster video in place", zap.String("path", item.Path))
	} else {
		if err := s.screen.LoadMedia(ctx, item.Path, engine.LoadOptions{Loop: item.Cmd.Loop}); err != nil {
			return err
		}
		s.logger.Info("Video playing", zap.String("path", item.Path), zap.Bool("loop", item.Cmd.Loop))
	}
	s.poster = nil

	vol, verr := volume.Resolve(volume.ClassVideo, s.model, overridesFrom(item.Cmd), s.ducks.Active())
	if verr != nil {
		s.logger.Warn("Video volume resolution failed", zap.Error(verr))
	} else {
		if err := s.screen.SetVolume(ctx, vol.Final); err != nil {
			s.logger.Warn("Setting video volume failed", zap.Error(err))
		}
	}

	// A re-present (engine restart) reaches here with the previous video's
	// trigger still registered; release it so other zones do not stay
	// ducked under an orphaned id.
	s.releaseVideoDuck()
	if s.shouldDuckOthers(item.Cmd) && s.deps.Ducker != nil {
		s.videoDuckID = "video-" + s.name + "-" + uuid.NewString()[:8]
		s.deps.Ducker.DuckAllExcept(s.name, s.videoDuckID, volume.TriggerVideo)
	}

	s.state = statePlayingVideo
	s.current = &item
	if !item.Cmd.Loop {
		s.startTracker(item)
	}
	return nil
}

func (s *ScreenZone) shouldDuckOthers(cmd command.Command) bool {
	return cmd.DuckOthers || s.cfg.DuckOthersOnVideo
}

// startTracker arms completion detection for the in-flight video, reading
// the duration from the engine first and the prober second.
func (s *ScreenZone) startTracker(item QueueItem) {
	var duration time.Duration
	ctx, cancel := s.opCtx()
	if seconds, err := s.screen.Duration(ctx); err == nil && seconds > 0 {
		duration = time.Duration(seconds * float64(time.Second))
	} else if s.deps.Prober != nil {
		if seconds, perr := s.deps.Prober.Duration(ctx, item.Path); perr == nil {
			duration = time.Duration(seconds * float64(time.Second))
		}
	}

	// Without a duration the tracker falls back to position polling; feed
	// it from observed time-pos changes instead of a get_property round
	// trip per tick.
	position := s.screen.Position
	if duration == 0 {
		if id, err := s.screen.ObserveProperty(ctx, "time-pos"); err == nil {
			s.posObserveID = id
			position = s.observedPosition
		} else {
			s.logger.Debug("Observing position failed, polling instead",
				zap.String("path", item.Path), zap.Error(err))
		}
	}
	cancel()

	s.tracker = NewCompletionTracker(s.deps.Clock, position, func(reason CompletionReason) {
		s.post(func() { s.onVideoComplete(reason) })
	}, s.logger)
	s.tracker.Start(duration)
}

// observedPosition reports the last time-pos change the engine pushed.
func (s *ScreenZone) observedPosition(context.Context) (float64, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	if !s.obsValid {
		return 0, errors.New("no position reported yet")
	}
	return s.obsPos, nil
}

// stopPositionObserve tears down the time-pos subscription, if any. Unobserve
// is best effort; after an engine restart the id is gone with the process.
func (s *ScreenZone) stopPositionObserve() {
	if s.posObserveID == 0 {
		return
	}
	ctx, cancel := s.opCtx()
	if err := s.screen.UnobserveProperty(ctx, s.posObserveID); err != nil {
		s.logger.Debug("Unobserving position failed", zap.Error(err))
	}
	cancel()
	s.posObserveID = 0
	s.posMu.Lock()
	s.obsValid = false
	s.posMu.Unlock()
}

// onVideoComplete advances past a finished video. Loop-owned.
func (s *ScreenZone) onVideoComplete(reason CompletionReason) {
	if !s.videoInFlight() {
		return
	}
	path := ""
	if s.current != nil {
		path = s.current.Path
	}
	s.logger.Info("Video finished",
		zap.String("path", path), zap.String("reason", string(reason)))
	s.releaseVideoDuck()
	s.stopPositionObserve()
	s.tracker = nil
	s.current = nil
	s.state = stateIdle
	s.drainQueue()
	s.publishStatus()
}

func (s *ScreenZone) releaseVideoDuck() {
	if s.videoDuckID != "" && s.deps.Ducker != nil {
		s.deps.Ducker.Unduck(s.videoDuckID)
	}
	s.videoDuckID = ""
}

// --- playback control ---------------------------------------------------

func (s *ScreenZone) handlePauseVideo(cmd command.Command) command.Outcome {
	if s.state != statePlayingVideo {
		return command.Warningf(cmd, command.ErrorCodeValidation, "no video playing in zone %s", s.name)
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.screen.Pause(ctx); err != nil {
		return command.Failedf(cmd, mapEngineError(err), "pausing video: %v", err)
	}
	if s.tracker != nil {
		s.tracker.Pause()
	}
	s.state = stateVideoPaused
	s.publishStatus()
	return command.Success(cmd)
}

func (s *ScreenZone) handleResumeVideo(cmd command.Command) command.Outcome {
	if s.state != stateVideoPaused {
		return command.Warningf(cmd, command.ErrorCodeValidation, "no paused video in zone %s", s.name)
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.screen.Play(ctx); err != nil {
		return command.Failedf(cmd, mapEngineError(err), "resuming video: %v", err)
	}
	if s.tracker != nil {
		s.tracker.Resume()
	}
	s.state = statePlayingVideo
	s.publishStatus()
	return command.Success(cmd)
}

func (s *ScreenZone) handleStopVideo(cmd command.Command) command.Outcome {
	if !s.videoInFlight() {
		return command.Warningf(cmd, command.ErrorCodeValidation, "no video playing in zone %s", s.name)
	}
	s.interruptVideo()
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.screen.Stop(ctx); err != nil {
		return command.Failedf(cmd, mapEngineError(err), "stopping video: %v", err)
	}
	s.state = stateIdle
	s.current = nil
	out := command.Success(cmd)
	if warnings := s.drainQueue(); len(warnings) > 0 {
		out = out.WithWarnings(warnings...)
	}
	s.publishStatus()
	return out
}

// interruptVideo cancels completion tracking and releases cross-zone
// ducking for the in-flight video. No stale completion may fire after it.
func (s *ScreenZone) interruptVideo() {
	if s.tracker != nil {
		s.tracker.Cancel()
		s.tracker = nil
	}
	s.stopPositionObserve()
	s.releaseVideoDuck()
	s.poster = nil
}

func (s *ScreenZone) handleSleepScreen(cmd command.Command) command.Outcome {
	ctx, cancel := s.opCtx()
	defer cancel()
	if s.videoInFlight() {
		s.interruptVideo()
		if err := s.screen.Stop(ctx); err != nil {
			s.logger.Warn("Stopping video before sleep failed", zap.Error(err))
		}
	}
	s.current = nil
	if err := s.deps.Display.Sleep(ctx); err != nil {
		return command.Failedf(cmd, command.ErrorCodeExecution, "sleeping display: %v", err)
	}
	s.state = stateScreenAsleep
	s.publishStatus()
	return command.Success(cmd)
}

func (s *ScreenZone) handleWakeScreen(cmd command.Command) command.Outcome {
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.deps.Display.Wake(ctx); err != nil {
		return command.Failedf(cmd, command.ErrorCodeExecution, "waking display: %v", err)
	}
	if s.state == stateScreenAsleep {
		s.state = stateIdle
	}
	out := command.Success(cmd)
	if warnings := s.drainQueue(); len(warnings) > 0 {
		out = out.WithWarnings(warnings...)
	}
	s.publishStatus()
	return out
}

// --- engine events ------------------------------------------------------

func (s *ScreenZone) onScreenEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventEndFile:
		if ev.Reason != engine.EndReasonEOF {
			return
		}
		s.post(func() {
			if s.tracker != nil {
				s.tracker.NotifyNaturalEnd()
			}
		})
	case engine.EventPropertyChange:
		if ev.Property != "time-pos" {
			return
		}
		if pos, ok := ev.Value.(float64); ok {
			s.posMu.Lock()
			s.obsPos, s.obsValid = pos, true
			s.posMu.Unlock()
		}
	case engine.EventRestarted:
		s.post(s.reissueAfterRestart)
	case engine.EventRestartFailed:
		s.post(func() {
			msg := fmt.Sprintf("screen engine failed permanently: %s", ev.Reason)
			s.logger.Error("Screen engine gave up", zap.String("reason", ev.Reason))
			s.deps.Publisher.PublishWarning(s.name, msg)
			s.publishStatus()
		})
	}
}

// reissueAfterRestart reloads the last intended media state, since the
// engine comes back empty after a restart.
func (s *ScreenZone) reissueAfterRestart() {
	item := s.current
	if item == nil {
		return
	}
	s.logger.Info("Re-presenting media after engine restart", zap.String("path", item.Path))
	if s.tracker != nil {
		s.tracker.Cancel()
		s.tracker = nil
	}
	s.stopPositionObserve()
	s.poster = nil
	s.state = stateIdle
	if err := s.present(*item); err != nil {
		s.logger.Error("Re-presenting after restart failed",
			zap.String("path", item.Path), zap.Error(err))
		s.current = nil
		s.drainQueue()
	}
	s.publishStatus()
}

func (s *ScreenZone) Shutdown(ctx context.Context) error {
	s.stopLoop()
	if s.tracker != nil {
		s.tracker.Cancel()
	}
	s.shutdownAudio(ctx)
	if s.screen != nil {
		s.screen.Shutdown(ctx)
	}
	s.logger.Info("Screen zone stopped")
	return nil
}
