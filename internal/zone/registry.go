package zone

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediazones/internal/command"
	"mediazones/internal/volume"
)

// Registry holds the live set of zone controllers, routes commands to the
// right one, and relays cross-zone ducking. It is a routing table, not a
// message bus.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	zones map[string]Controller
	order []string
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		zones:  make(map[string]Controller),
	}
}

// Register adds a zone. Later registrations with the same name replace the
// earlier one.
func (r *Registry) Register(c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, exists := r.zones[name]; !exists {
		r.order = append(r.order, name)
	}
	r.zones[name] = c
	r.logger.Info("Zone registered", zap.String("zone", name))
}

// Get looks up one zone by name.
func (r *Registry) Get(name string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.zones[name]
	return c, ok
}

// Names lists registered zones in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Route delivers one command to its target zone.
func (r *Registry) Route(ctx context.Context, cmd command.Command) command.Outcome {
	c, ok := r.Get(cmd.Zone)
	if !ok {
		r.logger.Warn("Command for unknown zone",
			zap.String("zone", cmd.Zone), zap.String("command", string(cmd.Name)))
		return command.Failedf(cmd, command.ErrorCodeValidation, "unknown zone %q", cmd.Zone)
	}
	return c.HandleCommand(ctx, cmd)
}

// DuckAllExcept registers a duck trigger in every zone but the named one.
// Used when one zone's video should suppress ambient audio elsewhere.
func (r *Registry) DuckAllExcept(exceptZone, triggerID string, kind volume.TriggerKind) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.zones {
		if name == exceptZone {
			continue
		}
		c.AddDuckTrigger(triggerID, kind)
	}
}

// Unduck removes a trigger id from every zone. Zones without it no-op.
func (r *Registry) Unduck(triggerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.zones {
		c.RemoveDuckTrigger(triggerID)
	}
}

// SnapshotAll reports every zone's status keyed by name.
func (r *Registry) SnapshotAll() map[string]Status {
	r.mu.RLock()
	zones := make(map[string]Controller, len(r.zones))
	for name, c := range r.zones {
		zones[name] = c
	}
	r.mu.RUnlock()

	out := make(map[string]Status, len(zones))
	for name, c := range zones {
		out[name] = c.Snapshot()
	}
	return out
}

// Shutdown stops every zone concurrently and collects the first error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	zones := r.zones
	r.zones = make(map[string]Controller)
	r.order = nil
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, c := range zones {
		name, c := name, c
		g.Go(func() error {
			if err := c.Shutdown(ctx); err != nil {
				r.logger.Error("Zone shutdown failed", zap.String("zone", name), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
