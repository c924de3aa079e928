package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validConfig = `
listen_addr: ":9090"
broker_url: "ws://broker.local:1880/zones"
duration_cache: /tmp/durations.db
location:
  latitude: 51.509
  longitude: -0.118
player:
  binary: mpv
  screen_args: ["--fullscreen"]
schedule:
  - cron: "0 9 * * *"
    action: wake_screens
  - sun: sunset
    offset: -30m
    action: sleep_screens
    zones: [lobby]
zones:
  - name: lobby
    kind: screen
    media_dir: /media/lobby
    display: ":0"
    max_volume: 150
    ducking_adjust: -40
    duck_others_on_video: true
    volumes:
      background: 90
      speech: 110
      effects: 100
      video: 100
  - name: garden
    kind: audio
    media_dir: /media/garden
    volumes:
      background: 80
      speech: 100
      effects: 95
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "ws://broker.local:1880/zones", cfg.BrokerURL)
	require.Len(t, cfg.Zones, 2)

	lobby, ok := cfg.Zone("lobby")
	require.True(t, ok)
	assert.Equal(t, "screen", lobby.Kind)
	assert.Equal(t, -40, lobby.DuckingAdjust)
	assert.Equal(t, 90, lobby.Volumes["background"])
	assert.True(t, lobby.DuckOthersOnVideo)

	require.Len(t, cfg.Schedule, 2)
	assert.Equal(t, Duration(-30*time.Minute), cfg.Schedule[1].Offset)
	assert.Equal(t, []string{"lobby"}, cfg.Schedule[1].Zones)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
zones:
  - name: solo
    kind: audio
    media_dir: /media
    volumes: {background: 50}
`))
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.ListenAddr)
	assert.Equal(t, "mpv", cfg.Player.Binary)
	assert.Equal(t, "ffprobe", cfg.ProbeBinary)
	assert.Equal(t, 3, cfg.Player.RestartMaxAttempts)
	assert.Equal(t, Duration(time.Second), cfg.Player.RestartBaseDelay)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no zones",
			content: `listen_addr: ":8089"`,
			wantErr: "no zones",
		},
		{
			name: "bad kind",
			content: `
zones:
  - {name: a, kind: hologram, media_dir: /m, volumes: {background: 50}}
`,
			wantErr: "invalid kind",
		},
		{
			name: "duplicate name",
			content: `
zones:
  - {name: a, kind: audio, media_dir: /m, volumes: {background: 50}}
  - {name: a, kind: audio, media_dir: /m, volumes: {background: 50}}
`,
			wantErr: "duplicate zone name",
		},
		{
			name: "no media dir",
			content: `
zones:
  - {name: a, kind: audio, volumes: {background: 50}}
`,
			wantErr: "media_dir",
		},
		{
			name: "schedule needs trigger",
			content: `
schedule:
  - action: wake_screens
zones:
  - {name: a, kind: audio, media_dir: /m, volumes: {background: 50}}
`,
			wantErr: "needs cron or sun",
		},
		{
			name: "sun without location",
			content: `
schedule:
  - {sun: sunrise, action: wake_screens}
zones:
  - {name: a, kind: audio, media_dir: /m, volumes: {background: 50}}
`,
			wantErr: "no location",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validConfig)

	var mu sync.Mutex
	var got []*Config
	w := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	updated := validConfig + "\n# touched\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("config change never observed")
}

func TestWatcherIgnoresInvalidChange(t *testing.T) {
	path := writeConfig(t, validConfig)

	var mu sync.Mutex
	reloads := 0
	w := NewWatcher(path, func(*Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("zones: []"), 0o644))
	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, reloads, "invalid config must not reach the callback")
}
