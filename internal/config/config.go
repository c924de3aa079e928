// Package config loads and validates the zones.yaml configuration and
// watches it for changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes yaml strings like "30s" or "-30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full controller configuration.
type Config struct {
	// ListenAddr is the HTTP status API bind address.
	ListenAddr string `yaml:"listen_addr"`
	// BrokerURL is the websocket command/status bridge endpoint. Empty
	// disables the bridge.
	BrokerURL string `yaml:"broker_url"`
	// DurationCachePath is the sqlite file for probed media durations.
	// Empty disables caching.
	DurationCachePath string `yaml:"duration_cache"`
	// ProbeBinary inspects media durations. Defaults to ffprobe.
	ProbeBinary string `yaml:"probe_binary"`

	Player   PlayerConfig    `yaml:"player"`
	Location LocationConfig  `yaml:"location"`
	Schedule []ScheduleEntry `yaml:"schedule"`
	Zones    []ZoneConfig    `yaml:"zones"`
}

// PlayerConfig describes the external media player.
type PlayerConfig struct {
	Binary    string `yaml:"binary"`
	SocketDir string `yaml:"socket_dir"`
	// ScreenArgs are extra player arguments for screen sessions,
	// AudioArgs for music/speech sessions.
	ScreenArgs []string `yaml:"screen_args"`
	AudioArgs  []string `yaml:"audio_args"`
	// RestartMaxAttempts bounds engine auto-restart.
	RestartMaxAttempts int           `yaml:"restart_max_attempts"`
	RestartBaseDelay   Duration      `yaml:"restart_base_delay"`
}

// LocationConfig is the site position for sun-based schedule entries.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// ScheduleEntry is one timed action. Either Cron or Sun must be set.
type ScheduleEntry struct {
	// Cron is a standard five-field cron expression.
	Cron string `yaml:"cron,omitempty"`
	// Sun is "sunrise" or "sunset"; Offset shifts it, e.g. "-30m".
	Sun    string        `yaml:"sun,omitempty"`
	Offset Duration      `yaml:"offset,omitempty"`
	// Action is one of wake_screens, sleep_screens, stop_all,
	// play_background, stop_background.
	Action string `yaml:"action"`
	// Zones limits the action; empty means every zone.
	Zones []string `yaml:"zones,omitempty"`
	// File is the media file for play_background.
	File string `yaml:"file,omitempty"`
}

// ZoneConfig describes one zone.
type ZoneConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // screen or audio
	MediaDir string `yaml:"media_dir"`
	// Display is the X display for screen power control, e.g. ":0".
	Display string `yaml:"display,omitempty"`

	MaxVolume         int            `yaml:"max_volume"`
	Volumes           map[string]int `yaml:"volumes"`
	DuckingAdjust     int            `yaml:"ducking_adjust"`
	VideoQueueMax     int            `yaml:"video_queue_max"`
	EffectsMax        int            `yaml:"effects_max"`
	DuckOthersOnVideo bool           `yaml:"duck_others_on_video"`
}

// Load reads and validates one configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8089"
	}
	if c.ProbeBinary == "" {
		c.ProbeBinary = "ffprobe"
	}
	if c.Player.Binary == "" {
		c.Player.Binary = "mpv"
	}
	if c.Player.SocketDir == "" {
		c.Player.SocketDir = os.TempDir()
	}
	if c.Player.RestartMaxAttempts == 0 {
		c.Player.RestartMaxAttempts = 3
	}
	if c.Player.RestartBaseDelay == 0 {
		c.Player.RestartBaseDelay = Duration(time.Second)
	}
}

func (c *Config) validate() error {
	if len(c.Zones) == 0 {
		return fmt.Errorf("config: no zones defined")
	}
	seen := make(map[string]bool, len(c.Zones))
	for i, z := range c.Zones {
		if z.Name == "" {
			return fmt.Errorf("config: zone %d has no name", i)
		}
		if seen[z.Name] {
			return fmt.Errorf("config: duplicate zone name %q", z.Name)
		}
		seen[z.Name] = true
		if z.Kind != "screen" && z.Kind != "audio" {
			return fmt.Errorf("config: zone %q has invalid kind %q (want screen or audio)", z.Name, z.Kind)
		}
		if z.MediaDir == "" {
			return fmt.Errorf("config: zone %q has no media_dir", z.Name)
		}
		if len(z.Volumes) == 0 {
			return fmt.Errorf("config: zone %q defines no volumes", z.Name)
		}
	}
	for i, e := range c.Schedule {
		if e.Cron == "" && e.Sun == "" {
			return fmt.Errorf("config: schedule entry %d needs cron or sun", i)
		}
		if e.Cron != "" && e.Sun != "" {
			return fmt.Errorf("config: schedule entry %d sets both cron and sun", i)
		}
		if e.Sun != "" && e.Sun != "sunrise" && e.Sun != "sunset" {
			return fmt.Errorf("config: schedule entry %d has invalid sun %q", i, e.Sun)
		}
		if e.Action == "" {
			return fmt.Errorf("config: schedule entry %d has no action", i)
		}
		if (e.Sun != "") && (c.Location.Latitude == 0 && c.Location.Longitude == 0) {
			return fmt.Errorf("config: schedule entry %d uses sun times but no location is set", i)
		}
	}
	return nil
}

// Zone returns the named zone config.
func (c *Config) Zone(name string) (ZoneConfig, bool) {
	for _, z := range c.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return ZoneConfig{}, false
}
