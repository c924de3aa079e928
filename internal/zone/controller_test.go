package zone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediazones/internal/clock"
	"mediazones/internal/command"
	"mediazones/internal/engine"
	"mediazones/internal/engine/enginetest"
	"mediazones/internal/media"
	"mediazones/internal/volume"
)

// recordingPublisher captures everything a zone publishes.
type recordingPublisher struct {
	mu       sync.Mutex
	statuses []Status
	outcomes []command.Outcome
	warnings []string
}

func (p *recordingPublisher) PublishStatus(_ string, st Status) {
	p.mu.Lock()
	p.statuses = append(p.statuses, st)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishOutcome(out command.Outcome) {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, out)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishWarning(_ string, msg string) {
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
}

func (p *recordingPublisher) warningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warnings)
}

// fakeDucker records cross-zone ducking requests.
type fakeDucker struct {
	mu      sync.Mutex
	ducked  []string
	unducks []string
}

func (d *fakeDucker) DuckAllExcept(_, triggerID string, _ volume.TriggerKind) {
	d.mu.Lock()
	d.ducked = append(d.ducked, triggerID)
	d.mu.Unlock()
}

func (d *fakeDucker) Unduck(triggerID string) {
	d.mu.Lock()
	d.unducks = append(d.unducks, triggerID)
	d.mu.Unlock()
}

// zoneHarness wires a controller to per-purpose fake engines.
type zoneHarness struct {
	t         *testing.T
	mediaDir  string
	publisher *recordingPublisher
	ducker    *fakeDucker

	mu      sync.Mutex
	servers map[string]*enginetest.Server
	procs   map[string]*enginetest.FakeProcess
	spawns  map[string]int
}

func newZoneHarness(t *testing.T) *zoneHarness {
	t.Helper()
	return &zoneHarness{
		t:         t,
		mediaDir:  t.TempDir(),
		publisher: &recordingPublisher{},
		ducker:    &fakeDucker{},
		servers:   make(map[string]*enginetest.Server),
		procs:     make(map[string]*enginetest.FakeProcess),
		spawns:    make(map[string]int),
	}
}

func (h *zoneHarness) newSession(purpose string) *engine.Session {
	opts := engine.Options{
		SocketDir:          h.t.TempDir(),
		SettleDelay:        time.Millisecond,
		SocketPollInterval: time.Millisecond,
		RequestTimeout:     time.Second,
		RestartBaseDelay:   time.Millisecond,
		AutoRestart:        true,
		StartProcess: func(_ string, args []string) (engine.Process, error) {
			path, err := enginetest.SocketPath(args)
			if err != nil {
				return nil, err
			}
			srv, err := enginetest.Start(path)
			if err != nil {
				return nil, err
			}
			proc := enginetest.NewFakeProcess()
			h.mu.Lock()
			h.servers[purpose] = srv
			h.procs[purpose] = proc
			h.spawns[purpose]++
			h.mu.Unlock()
			return proc, nil
		},
	}
	return engine.NewSession(purpose, opts, zap.NewNop())
}

func (h *zoneHarness) server(purpose string) *enginetest.Server {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.servers[purpose]
}

func (h *zoneHarness) deps() Deps {
	return Deps{
		Publisher:  h.publisher,
		Ducker:     h.ducker,
		Resolver:   media.NewResolver(h.mediaDir),
		Logger:     zap.NewNop(),
		NewSession: h.newSession,
		EffectSpawn: func(string, int) (engine.Process, error) {
			return enginetest.NewFakeProcess(), nil
		},
	}
}

// writeMedia creates a fixture file and returns its relative name.
func (h *zoneHarness) writeMedia(name string) string {
	h.t.Helper()
	path := filepath.Join(h.mediaDir, name)
	require.NoError(h.t, os.WriteFile(path, []byte("media"), 0o644))
	return name
}

func testZoneConfig(name string) Config {
	return Config{
		Name:      name,
		MediaDir:  "",
		MaxVolume: 150,
		Volumes: map[volume.Class]int{
			volume.ClassBackground: 90,
			volume.ClassSpeech:     110,
			volume.ClassEffects:    100,
			volume.ClassVideo:      100,
		},
		DuckingAdjust: -40,
	}
}

func newTestScreenZone(t *testing.T) (*ScreenZone, *zoneHarness) {
	t.Helper()
	h := newZoneHarness(t)
	z := NewScreenZone(testZoneConfig("lobby"), h.deps())
	require.NoError(t, z.Initialize(context.Background()))
	t.Cleanup(func() { z.Shutdown(context.Background()) })
	return z, h
}

func newTestAudioZone(t *testing.T) (*AudioZone, *zoneHarness) {
	t.Helper()
	h := newZoneHarness(t)
	z := NewAudioZone(testZoneConfig("garden"), h.deps())
	require.NoError(t, z.Initialize(context.Background()))
	t.Cleanup(func() { z.Shutdown(context.Background()) })
	return z, h
}

func waitForState(t *testing.T, c Controller, want string) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		return c.Snapshot().State == want
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func countCommands(srv *enginetest.Server, name string) int {
	n := 0
	for _, got := range srv.CommandNames() {
		if got == name {
			n++
		}
	}
	return n
}

func TestScreenZoneShowsImage(t *testing.T) {
	z, h := newTestScreenZone(t)
	file := h.writeMedia("welcome.png")

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NameSetImage, Zone: "lobby", File: file,
	})

	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, stateShowingImage, z.Snapshot().State)
	assert.Equal(t, 1, countCommands(h.server("screen"), "loadfile"))
}

func TestScreenZoneMissingFileIsWarning(t *testing.T) {
	z, h := newTestScreenZone(t)

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NameSetImage, Zone: "lobby", File: "nope.png",
	})

	assert.Equal(t, command.StatusWarning, out.Status)
	assert.Equal(t, command.ErrorCodeFileNotFound, out.Code)
	// Zone state untouched, warning published with the resolved path.
	assert.Equal(t, stateIdle, z.Snapshot().State)
	waitFor(t, time.Second, func() bool { return h.publisher.warningCount() == 1 })
}

func TestScreenZoneDedupesRepeatedImage(t *testing.T) {
	z, h := newTestScreenZone(t)
	file := h.writeMedia("loop.png")
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{Name: command.NameSetImage, Zone: "lobby", File: file})
	loads := countCommands(h.server("screen"), "loadfile")

	z.HandleCommand(ctx, command.Command{Name: command.NameSetImage, Zone: "lobby", File: file})
	assert.Equal(t, loads, countCommands(h.server("screen"), "loadfile"),
		"identical consecutive request must not reload")
}

func TestScreenZoneSmartResume(t *testing.T) {
	z, h := newTestScreenZone(t)
	file := h.writeMedia("intro.mp4")
	h.server("screen").SetProperty("duration", 30.0)
	ctx := context.Background()

	// setImage with a video path loads it paused on the first frame.
	out := z.HandleCommand(ctx, command.Command{Name: command.NameSetImage, Zone: "lobby", File: file})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, stateShowingImage, z.Snapshot().State)
	require.Equal(t, 1, countCommands(h.server("screen"), "loadfile"))

	// playVideo for the same path resumes in place without reloading.
	out = z.HandleCommand(ctx, command.Command{Name: command.NamePlayVideo, Zone: "lobby", File: file})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, statePlayingVideo, z.Snapshot().State)
	assert.Equal(t, 1, countCommands(h.server("screen"), "loadfile"),
		"resume in place must not reload the file")
}

func TestScreenZoneVideoCompletionAdvancesQueue(t *testing.T) {
	z, h := newTestScreenZone(t)
	videoFile := h.writeMedia("show.mp4")
	imageFile := h.writeMedia("after.png")
	h.server("screen").SetProperty("duration", 30.0)
	ctx := context.Background()

	require.Equal(t, command.StatusSuccess, z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayVideo, Zone: "lobby", File: videoFile,
	}).Status)
	assert.Equal(t, statePlayingVideo, z.Snapshot().State)

	// A follow-up image waits behind the in-flight video.
	z.HandleCommand(ctx, command.Command{Name: command.NameSetImage, Zone: "lobby", File: imageFile})
	assert.Equal(t, 1, z.Snapshot().QueueLength)

	// Natural end advances the queue to the image.
	require.NoError(t, h.server("screen").SendEvent(map[string]any{
		"event": "end-file", "reason": "eof",
	}))
	waitForState(t, z, stateShowingImage)
	assert.Equal(t, 0, z.Snapshot().QueueLength)
}

func TestScreenZoneVideoDucksOtherZones(t *testing.T) {
	z, h := newTestScreenZone(t)
	file := h.writeMedia("loud.mp4")
	h.server("screen").SetProperty("duration", 30.0)
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayVideo, Zone: "lobby", File: file, DuckOthers: true,
	})

	h.ducker.mu.Lock()
	require.Len(t, h.ducker.ducked, 1)
	trigger := h.ducker.ducked[0]
	h.ducker.mu.Unlock()

	require.NoError(t, h.server("screen").SendEvent(map[string]any{
		"event": "end-file", "reason": "eof",
	}))
	waitFor(t, 2*time.Second, func() bool {
		h.ducker.mu.Lock()
		defer h.ducker.mu.Unlock()
		return len(h.ducker.unducks) == 1 && h.ducker.unducks[0] == trigger
	})
}

func TestScreenZoneReleasesDuckAcrossEngineRestart(t *testing.T) {
	z, h := newTestScreenZone(t)
	file := h.writeMedia("feature.mp4")
	h.server("screen").SetProperty("duration", 30.0)
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayVideo, Zone: "lobby", File: file, DuckOthers: true,
	})

	h.ducker.mu.Lock()
	require.Len(t, h.ducker.ducked, 1)
	first := h.ducker.ducked[0]
	h.ducker.mu.Unlock()

	// Crash the screen engine; the zone re-presents the video on the
	// restarted player with a fresh trigger.
	h.mu.Lock()
	proc := h.procs["screen"]
	h.mu.Unlock()
	proc.Exit(fmt.Errorf("signal: killed"))

	var second string
	waitFor(t, 5*time.Second, func() bool {
		h.ducker.mu.Lock()
		defer h.ducker.mu.Unlock()
		if len(h.ducker.ducked) < 2 {
			return false
		}
		second = h.ducker.ducked[1]
		return true
	})
	require.NotEqual(t, first, second)

	// The pre-restart trigger must not be left ducking the other zones.
	waitFor(t, 2*time.Second, func() bool {
		h.ducker.mu.Lock()
		defer h.ducker.mu.Unlock()
		return contains(h.ducker.unducks, first)
	})

	require.NoError(t, h.server("screen").SendEvent(map[string]any{
		"event": "end-file", "reason": "eof",
	}))
	waitFor(t, 2*time.Second, func() bool {
		h.ducker.mu.Lock()
		defer h.ducker.mu.Unlock()
		return contains(h.ducker.unducks, second)
	})
}

func TestScreenZoneStallDetectionUsesObservedPosition(t *testing.T) {
	h := newZoneHarness(t)
	mock := clock.NewMock(time.Unix(1000, 0))
	deps := h.deps()
	deps.Clock = mock
	z := NewScreenZone(testZoneConfig("lobby"), deps)
	require.NoError(t, z.Initialize(context.Background()))
	t.Cleanup(func() { z.Shutdown(context.Background()) })

	// No duration property and no prober, so the tracker subscribes to
	// time-pos changes instead of polling get_property.
	file := h.writeMedia("unknown-length.mp4")
	ctx := context.Background()
	out := z.HandleCommand(ctx, command.Command{Name: command.NamePlayVideo, Zone: "lobby", File: file})
	require.Equal(t, command.StatusSuccess, out.Status)
	require.Contains(t, h.server("screen").CommandNames(), "observe_property")

	require.NoError(t, h.server("screen").SendEvent(map[string]any{
		"event": "property-change", "name": "time-pos", "id": 1, "data": 4.0,
	}))

	// Ticks without the observed position moving read as a hung player.
	waitFor(t, 5*time.Second, func() bool {
		mock.Advance(time.Second)
		return z.Snapshot().State == stateIdle
	})
	assert.Contains(t, h.server("screen").CommandNames(), "unobserve_property")
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestScreenZonePauseResumeStop(t *testing.T) {
	z, h := newTestScreenZone(t)
	file := h.writeMedia("pausable.mp4")
	h.server("screen").SetProperty("duration", 30.0)
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{Name: command.NamePlayVideo, Zone: "lobby", File: file})

	out := z.HandleCommand(ctx, command.Command{Name: command.NamePauseVideo, Zone: "lobby"})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, stateVideoPaused, z.Snapshot().State)

	out = z.HandleCommand(ctx, command.Command{Name: command.NameResumeVideo, Zone: "lobby"})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, statePlayingVideo, z.Snapshot().State)

	out = z.HandleCommand(ctx, command.Command{Name: command.NameStopVideo, Zone: "lobby"})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, stateIdle, z.Snapshot().State)
}

func TestScreenZonePauseWithoutVideoWarns(t *testing.T) {
	z, _ := newTestScreenZone(t)

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NamePauseVideo, Zone: "lobby",
	})
	assert.Equal(t, command.StatusWarning, out.Status)
}

func TestScreenZoneSleepWake(t *testing.T) {
	z, h := newTestScreenZone(t)
	ctx := context.Background()

	out := z.HandleCommand(ctx, command.Command{Name: command.NameSleepScreen, Zone: "lobby"})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, stateScreenAsleep, z.Snapshot().State)

	out = z.HandleCommand(ctx, command.Command{Name: command.NameWakeScreen, Zone: "lobby"})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, stateIdle, z.Snapshot().State)
	_ = h
}

func musicVolume(srv *enginetest.Server) any {
	var vol any
	for _, cmd := range srv.Commands() {
		if len(cmd) == 3 && cmd[0] == "set_property" && cmd[1] == "volume" {
			vol = cmd[2]
		}
	}
	return vol
}

func TestAudioZoneBackgroundMusicAndDucking(t *testing.T) {
	z, h := newTestAudioZone(t)
	file := h.writeMedia("ambient.mp3")
	ctx := context.Background()

	out := z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayBackgroundMusic, Zone: "garden", File: file,
	})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, float64(90), musicVolume(h.server("music")))

	// Manual duck drops background to base * (1 - 0.40).
	out = z.HandleCommand(ctx, command.Command{
		Name: command.NameDuck, Zone: "garden", TriggerID: "panel-button",
	})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, float64(54), musicVolume(h.server("music")))
	assert.True(t, z.Snapshot().Ducked)

	out = z.HandleCommand(ctx, command.Command{
		Name: command.NameUnduck, Zone: "garden", TriggerID: "panel-button",
	})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, float64(90), musicVolume(h.server("music")))
	assert.False(t, z.Snapshot().Ducked)
}

func TestAudioZoneSpeechDucksBackground(t *testing.T) {
	z, h := newTestAudioZone(t)
	music := h.writeMedia("ambient.mp3")
	speech := h.writeMedia("narration.wav")
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayBackgroundMusic, Zone: "garden", File: music,
	})

	out := z.HandleCommand(ctx, command.Command{
		Name: command.NamePlaySpeech, Zone: "garden", File: speech,
	})
	require.Equal(t, command.StatusSuccess, out.Status)

	// Background drops while the clip plays.
	waitFor(t, 2*time.Second, func() bool {
		return musicVolume(h.server("music")) == float64(54)
	})

	// The clip finishing releases the duck.
	require.NoError(t, h.server("speech").SendEvent(map[string]any{
		"event": "end-file", "reason": "eof",
	}))
	waitFor(t, 2*time.Second, func() bool {
		return musicVolume(h.server("music")) == float64(90) && !z.Snapshot().Ducked
	})
}

func TestSpeechDuckIsAppliedWhenBeginReturns(t *testing.T) {
	z, h := newTestAudioZone(t)
	music := h.writeMedia("ambient.mp3")
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayBackgroundMusic, Zone: "garden", File: music,
	})
	require.Equal(t, float64(90), musicVolume(h.server("music")))

	// The runner registers its trigger through this call before loading the
	// clip; by the time it returns the reduced volume must already be on
	// the music engine, with no window where the clip plays over full
	// background.
	z.beginSpeechDuck("narration-check")
	assert.Equal(t, float64(54), musicVolume(h.server("music")))

	z.endSpeechDuck("narration-check")
	waitFor(t, 2*time.Second, func() bool {
		return musicVolume(h.server("music")) == float64(90)
	})
}

func TestAudioZoneSpeechIsFIFO(t *testing.T) {
	z, h := newTestAudioZone(t)
	first := h.writeMedia("first.wav")
	second := h.writeMedia("second.wav")
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{Name: command.NamePlaySpeech, Zone: "garden", File: first})
	z.HandleCommand(ctx, command.Command{Name: command.NamePlaySpeech, Zone: "garden", File: second})

	// Only the first clip loads until it finishes.
	waitFor(t, 2*time.Second, func() bool {
		return countCommands(h.server("speech"), "loadfile") == 1
	})
	require.NoError(t, h.server("speech").SendEvent(map[string]any{
		"event": "end-file", "reason": "eof",
	}))
	waitFor(t, 2*time.Second, func() bool {
		return countCommands(h.server("speech"), "loadfile") == 2
	})

	var loaded []string
	for _, cmd := range h.server("speech").Commands() {
		if len(cmd) >= 2 && cmd[0] == "loadfile" {
			loaded = append(loaded, cmd[1].(string))
		}
	}
	require.Len(t, loaded, 2)
	assert.Contains(t, loaded[0], "first.wav")
	assert.Contains(t, loaded[1], "second.wav")
}

func TestAudioZoneSoundEffect(t *testing.T) {
	z, h := newTestAudioZone(t)
	file := h.writeMedia("ding.wav")

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NamePlaySoundEffect, Zone: "garden", File: file,
	})
	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Equal(t, 1, z.Snapshot().EffectsInFlight)
}

func TestAudioZoneRejectsScreenCommands(t *testing.T) {
	z, h := newTestAudioZone(t)
	file := h.writeMedia("clip.mp4")

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NamePlayVideo, Zone: "garden", File: file,
	})
	assert.Equal(t, command.StatusFailed, out.Status)
	assert.Equal(t, command.ErrorCodeValidation, out.Code)
}

func TestZoneSetVolumeClampsWithWarning(t *testing.T) {
	z, _ := newTestAudioZone(t)
	vol := 500

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NameSetVolume, Zone: "garden", Class: "background", Volume: &vol,
	})
	assert.Equal(t, command.StatusWarning, out.Status)
	assert.Equal(t, 150, z.Snapshot().Volumes[volume.ClassBackground])
}

func TestZoneSetVolumeUnknownClassFails(t *testing.T) {
	z, _ := newTestAudioZone(t)
	vol := 80

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NameSetVolume, Zone: "garden", Class: "subwoofer", Volume: &vol,
	})
	assert.Equal(t, command.StatusFailed, out.Status)
	assert.Equal(t, command.ErrorCodeValidation, out.Code)
}

func TestZoneVolumeOverridePropagatesWarnings(t *testing.T) {
	z, h := newTestAudioZone(t)
	file := h.writeMedia("ambient.mp3")
	vol, adjust := 120, -50

	out := z.HandleCommand(context.Background(), command.Command{
		Name: command.NamePlayBackgroundMusic, Zone: "garden", File: file,
		Volume: &vol, AdjustVolume: &adjust,
	})
	// Absolute volume wins but the conflicting adjust is surfaced.
	require.Equal(t, command.StatusWarning, out.Status)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "both_volume_and_adjust")
	assert.Equal(t, float64(120), musicVolume(h.server("music")))
}

func TestMusicReissuedAfterEngineRestart(t *testing.T) {
	z, h := newTestAudioZone(t)
	file := h.writeMedia("ambient.mp3")
	ctx := context.Background()

	z.HandleCommand(ctx, command.Command{
		Name: command.NamePlayBackgroundMusic, Zone: "garden", File: file,
	})
	require.Equal(t, 1, countCommands(h.server("music"), "loadfile"))

	// Crash the music engine; the restarted player must get the file again.
	h.mu.Lock()
	proc := h.procs["music"]
	h.mu.Unlock()
	proc.Exit(fmt.Errorf("signal: killed"))

	waitFor(t, 5*time.Second, func() bool {
		h.mu.Lock()
		restarted := h.spawns["music"] >= 2
		h.mu.Unlock()
		if !restarted {
			return false
		}
		return countCommands(h.server("music"), "loadfile") == 1
	})
	assert.True(t, z.Snapshot().BackgroundPlaying)
}

func TestZonePanicBecomesExecutionError(t *testing.T) {
	z, _ := newTestAudioZone(t)

	// A nil volumes map with a nil pointer dereference path is hard to
	// provoke from outside; instead submit through the loop with a handler
	// that panics.
	out := z.safeHandle(func(context.Context, command.Command) command.Outcome {
		panic("boom")
	}, context.Background(), command.Command{Name: command.NameStatus, Zone: "garden"})

	assert.Equal(t, command.StatusFailed, out.Status)
	assert.Equal(t, command.ErrorCodeExecution, out.Code)
}
