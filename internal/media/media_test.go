package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"poster.PNG", KindImage},
		{"loop.mp4", KindVideo},
		{"ambient.flac", KindAudio},
		{"notes.txt", KindUnknown},
		{"noext", KindUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KindOf(tc.path), tc.path)
	}
}

func TestResolverRelativeAndAbsolute(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644))

	r := NewResolver(dir)

	res := r.Resolve("a.png")
	assert.True(t, res.Exists)
	assert.Equal(t, filepath.Join(dir, "a.png"), res.Path)
	assert.Equal(t, KindImage, res.Kind)

	res = r.Resolve(filepath.Join(dir, "a.png"))
	assert.True(t, res.Exists, "absolute references resolve as-is")

	res = r.Resolve("missing.mp4")
	assert.False(t, res.Exists)
	assert.Equal(t, filepath.Join(dir, "missing.mp4"), res.Path, "missing files still resolve to a reportable path")
}

func TestResolverDirectoryIsNotMedia(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.mp4"), 0o755))

	res := NewResolver(dir).Resolve("sub.mp4")
	assert.False(t, res.Exists)
}

func TestDurationCacheRoundTrip(t *testing.T) {
	cache, err := OpenDurationCache(filepath.Join(t.TempDir(), "durations.db"))
	require.NoError(t, err)
	defer cache.Close()

	_, ok, err := cache.Get("/media/a.mp4")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put("/media/a.mp4", 6.25))
	seconds, ok, err := cache.Get("/media/a.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 6.25, seconds)

	// Replacing an entry keeps the newest value.
	require.NoError(t, cache.Put("/media/a.mp4", 7.5))
	seconds, _, err = cache.Get("/media/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, 7.5, seconds)
}

func TestNilDurationCache(t *testing.T) {
	var cache *DurationCache

	_, ok, err := cache.Get("/x")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, cache.Put("/x", 1))
	assert.NoError(t, cache.Close())
}

func TestProberParsesAndCaches(t *testing.T) {
	cache, err := OpenDurationCache(filepath.Join(t.TempDir(), "durations.db"))
	require.NoError(t, err)
	defer cache.Close()

	calls := 0
	p := NewProber("ffprobe", cache, zap.NewNop())
	p.run = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		calls++
		return []byte("6.000000\n"), nil
	}

	seconds, err := p.Duration(context.Background(), "/media/c.mp4")
	require.NoError(t, err)
	assert.Equal(t, 6.0, seconds)
	assert.Equal(t, 1, calls)

	// Second lookup is served from the cache.
	seconds, err = p.Duration(context.Background(), "/media/c.mp4")
	require.NoError(t, err)
	assert.Equal(t, 6.0, seconds)
	assert.Equal(t, 1, calls)
}

func TestProberFailureIsNotFatal(t *testing.T) {
	p := NewProber("ffprobe", nil, zap.NewNop())
	p.run = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}

	_, err := p.Duration(context.Background(), "/media/broken.mp4")
	assert.Error(t, err, "callers treat probe errors as duration unknown")
}

func TestProberRejectsGarbageOutput(t *testing.T) {
	p := NewProber("ffprobe", nil, zap.NewNop())
	p.run = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		return []byte("N/A\n"), nil
	}

	_, err := p.Duration(context.Background(), "/media/live-stream.mp4")
	assert.Error(t, err)
}
