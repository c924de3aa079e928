// Package media resolves command file references against a zone's media
// directory and probes media durations, caching probe results in SQLite so
// repeated shows do not re-shell ffprobe for the same files.
package media

import (
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies a media file by its extension.
type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindUnknown Kind = "unknown"
)

var kindByExt = map[string]Kind{
	".png": KindImage, ".jpg": KindImage, ".jpeg": KindImage, ".gif": KindImage,
	".bmp": KindImage, ".webp": KindImage,
	".mp4": KindVideo, ".mkv": KindVideo, ".mov": KindVideo, ".avi": KindVideo,
	".webm": KindVideo, ".m4v": KindVideo,
	".mp3": KindAudio, ".wav": KindAudio, ".flac": KindAudio, ".ogg": KindAudio,
	".m4a": KindAudio, ".aac": KindAudio, ".opus": KindAudio,
}

// KindOf returns the media kind for a path based on its extension.
func KindOf(path string) Kind {
	if k, ok := kindByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return k
	}
	return KindUnknown
}

// Resolution is the result of resolving one file reference.
type Resolution struct {
	Exists bool
	Path   string
	Kind   Kind
}

// Resolver turns relative file references into absolute paths under a
// zone's media directory and checks existence.
type Resolver struct {
	mediaDir string
	stat     func(string) (os.FileInfo, error)
}

// NewResolver creates a resolver rooted at mediaDir.
func NewResolver(mediaDir string) *Resolver {
	return &Resolver{mediaDir: mediaDir, stat: os.Stat}
}

// Resolve maps a command file reference to an absolute path. Absolute
// references are taken as-is; relative ones are joined to the media
// directory. A missing or directory target resolves with Exists false —
// callers turn that into a warning outcome, not an error.
func (r *Resolver) Resolve(file string) Resolution {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.mediaDir, path)
	}
	path = filepath.Clean(path)

	res := Resolution{Path: path, Kind: KindOf(path)}
	info, err := r.stat(path)
	if err != nil || info.IsDir() {
		return res
	}
	res.Exists = true
	return res
}
