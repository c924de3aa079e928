package zone

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediazones/internal/command"
	"mediazones/internal/volume"
)

// stubZone is a minimal Controller for routing tests.
type stubZone struct {
	name string

	mu       sync.Mutex
	handled  []command.Command
	triggers map[string]volume.TriggerKind
}

func newStubZone(name string) *stubZone {
	return &stubZone{name: name, triggers: make(map[string]volume.TriggerKind)}
}

func (s *stubZone) Name() string                     { return s.name }
func (s *stubZone) Initialize(context.Context) error { return nil }
func (s *stubZone) Shutdown(context.Context) error   { return nil }

func (s *stubZone) HandleCommand(_ context.Context, cmd command.Command) command.Outcome {
	s.mu.Lock()
	s.handled = append(s.handled, cmd)
	s.mu.Unlock()
	return command.Success(cmd)
}

func (s *stubZone) AddDuckTrigger(id string, kind volume.TriggerKind) {
	s.mu.Lock()
	s.triggers[id] = kind
	s.mu.Unlock()
}

func (s *stubZone) RemoveDuckTrigger(id string) {
	s.mu.Lock()
	delete(s.triggers, id)
	s.mu.Unlock()
}

func (s *stubZone) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Zone: s.name, DuckTriggers: len(s.triggers), Ducked: len(s.triggers) > 0}
}

func (s *stubZone) hasTrigger(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[id]
	return ok
}

func TestRegistryRoutesToTargetZone(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	lobby := newStubZone("lobby")
	garden := newStubZone("garden")
	r.Register(lobby)
	r.Register(garden)

	out := r.Route(context.Background(), command.Command{Name: command.NameStatus, Zone: "garden"})

	require.Equal(t, command.StatusSuccess, out.Status)
	assert.Empty(t, lobby.handled)
	assert.Len(t, garden.handled, 1)
}

func TestRegistryUnknownZoneFails(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(newStubZone("lobby"))

	out := r.Route(context.Background(), command.Command{Name: command.NameStatus, Zone: "attic"})

	assert.Equal(t, command.StatusFailed, out.Status)
	assert.Equal(t, command.ErrorCodeValidation, out.Code)
}

func TestRegistryDuckAllExcept(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	lobby := newStubZone("lobby")
	garden := newStubZone("garden")
	cave := newStubZone("cave")
	r.Register(lobby)
	r.Register(garden)
	r.Register(cave)

	r.DuckAllExcept("lobby", "video-1", volume.TriggerVideo)

	assert.False(t, lobby.hasTrigger("video-1"), "origin zone must not duck itself")
	assert.True(t, garden.hasTrigger("video-1"))
	assert.True(t, cave.hasTrigger("video-1"))

	r.Unduck("video-1")
	assert.False(t, garden.hasTrigger("video-1"))
	assert.False(t, cave.hasTrigger("video-1"))
}

func TestRegistryNamesPreserveOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(newStubZone("lobby"))
	r.Register(newStubZone("garden"))
	r.Register(newStubZone("cave"))

	assert.Equal(t, []string{"lobby", "garden", "cave"}, r.Names())
}

func TestRegistrySnapshotAll(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(newStubZone("lobby"))
	r.Register(newStubZone("garden"))

	all := r.SnapshotAll()
	require.Len(t, all, 2)
	assert.Equal(t, "lobby", all["lobby"].Zone)
}

func TestRegistryShutdownEmptiesTable(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(newStubZone("lobby"))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Empty(t, r.Names())
}
