// Package command defines the typed command surface of the zone system and
// the structured outcomes every command produces. The transport that carries
// commands (message bus topics, JSON framing) lives in the broker package;
// everything here is plain values.
package command

// Name identifies a command.
type Name string

const (
	NameSetImage            Name = "setImage"
	NamePlayVideo           Name = "playVideo"
	NamePauseVideo          Name = "pauseVideo"
	NameResumeVideo         Name = "resumeVideo"
	NameStopVideo           Name = "stopVideo"
	NamePlayBackgroundMusic Name = "playBackgroundMusic"
	NameStopBackgroundMusic Name = "stopBackgroundMusic"
	NamePlaySpeech          Name = "playSpeech"
	NamePlaySoundEffect     Name = "playSoundEffect"
	NameSetVolume           Name = "setVolume"
	NameSetVolumes          Name = "setVolumes"
	NameSetDuckingAdjust    Name = "setDuckingAdjust"
	NameDuck                Name = "duck"
	NameUnduck              Name = "unduck"
	NameSleepScreen         Name = "sleepScreen"
	NameWakeScreen          Name = "wakeScreen"
	NameStatus              Name = "status"
)

// Command is one inbound instruction for a single zone.
//
// File paths may be absolute or relative to the zone's media directory.
// Volume and AdjustVolume are pointers so "absent" is distinguishable from
// zero; when both are present the absolute value wins and a warning is
// attached to the outcome.
type Command struct {
	ID           string         `json:"id,omitempty"`
	Zone         string         `json:"zone"`
	Name         Name           `json:"command"`
	File         string         `json:"file,omitempty"`
	Volume       *int           `json:"volume,omitempty"`
	AdjustVolume *int           `json:"adjustVolume,omitempty"`
	SkipDucking  bool           `json:"skipDucking,omitempty"`
	Loop         bool           `json:"loop,omitempty"`
	Class        string         `json:"class,omitempty"`
	Volumes      map[string]int `json:"volumes,omitempty"`
	TriggerID    string         `json:"triggerId,omitempty"`
	DuckOthers   bool           `json:"duckOthers,omitempty"`
}

// Equal reports whether two commands would request the same presentation.
// Used for consecutive-duplicate dropping in the presentation queue.
func (c Command) Equal(other Command) bool {
	return c.Name == other.Name && c.Zone == other.Zone && c.File == other.File && c.Loop == other.Loop
}
