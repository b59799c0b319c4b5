// Package placement turns entity names into live instances. The supervisor
// starts children with a temporary restart policy: a terminated or crashed
// instance is recreated on demand, never restarted in place.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perchlabs/perch/internal/alarm"
	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/instance"
	"github.com/perchlabs/perch/internal/registry"
	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/telemetry"
	"github.com/perchlabs/perch/internal/types"
)

// Config assembles the shared collaborators every instance receives.
type Config struct {
	Catalog   *catalog.Catalog
	Registry  registry.Registry
	Store     storage.Store
	Scheduler alarm.Scheduler
	Prefix    string

	// Process-wide fallbacks; per-entity options take precedence.
	HibernateAfter time.Duration
	ShutdownAfter  time.Duration
	KeyPolicy      catalog.KeyPolicy
	Symbols        *catalog.SymbolTable

	Tel *telemetry.Telemetry
}

// Supervisor creates and stops instances.
type Supervisor struct {
	cfg Config
	log *zap.Logger
}

// New builds a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Tel == nil {
		cfg.Tel = telemetry.Nop()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default
	}
	if cfg.Symbols == nil {
		cfg.Symbols = catalog.Symbols
	}
	return &Supervisor{cfg: cfg, log: cfg.Tel.Log.Named("placement")}
}

// Activate is the single entry point for turning a name into a live
// instance: registry fast path, then create-and-claim. Two racing
// activators resolve to exactly one placement; the loser adopts the
// winner's handle.
func (s *Supervisor) Activate(ctx context.Context, ref types.Ref) (registry.Handle, error) {
	if !ref.Valid() {
		return nil, types.ActivationFailed(fmt.Errorf("invalid ref %q", ref))
	}
	for {
		if h, ok := s.cfg.Registry.Locate(ref); ok && alive(h) {
			return h, nil
		}

		def, ok := s.cfg.Catalog.Lookup(ref.Type)
		if !ok {
			return nil, types.UnknownHandler(ref.Type)
		}

		inst := s.newInstance(ref, def)
		winner, won, err := s.cfg.Registry.Claim(ref, inst)
		if err != nil {
			return nil, types.ActivationFailed(err)
		}
		if !won {
			// Lost the race; adopt the winning handle unless it is already
			// terminating, in which case claim again.
			if alive(winner) {
				return winner, nil
			}
			s.cfg.Registry.Release(ref, winner)
			continue
		}
		inst.Start()
		return inst, nil
	}
}

func (s *Supervisor) newInstance(ref types.Ref, def *catalog.Definition) *instance.Instance {
	opts := def.Options
	hibernate := opts.HibernateAfter
	if hibernate == 0 {
		hibernate = s.cfg.HibernateAfter
	}
	shutdown := opts.ShutdownAfter
	if shutdown == 0 {
		shutdown = s.cfg.ShutdownAfter
	}
	keys := opts.Keys
	if keys == "" {
		keys = s.cfg.KeyPolicy
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = s.cfg.Prefix
	}

	var inst *instance.Instance
	inst = instance.New(instance.Config{
		Ref:            ref,
		Def:            def,
		Store:          s.cfg.Store,
		Scheduler:      s.cfg.Scheduler,
		Prefix:         prefix,
		KeyPolicy:      keys,
		Symbols:        s.cfg.Symbols,
		HibernateAfter: hibernate,
		ShutdownAfter:  shutdown,
		Tel:            s.cfg.Tel,
		OnTerminate: func(reason string) {
			s.cfg.Registry.Release(ref, inst)
		},
	})
	return inst
}

// Deactivate stops the instance for ref, if live. Its state is not lost:
// every mutation was persisted when it was made.
func (s *Supervisor) Deactivate(ref types.Ref, reason string) {
	if h, ok := s.cfg.Registry.Locate(ref); ok {
		h.Stop(reason)
	}
}

// StopAll terminates every locally registered instance and waits briefly
// for each to drain.
func (s *Supervisor) StopAll(reason string) {
	g := new(errgroup.Group)
	for _, ref := range s.cfg.Registry.List() {
		h, ok := s.cfg.Registry.Locate(ref)
		if !ok {
			continue
		}
		g.Go(func() error {
			h.Stop(reason)
			if d, ok := h.(interface{ Done() <-chan struct{} }); ok {
				select {
				case <-d.Done():
				case <-time.After(5 * time.Second):
					s.log.Warn("instance did not drain", zap.String("ref", h.Ref().String()))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// alive reports whether a handle can still accept work.
func alive(h registry.Handle) bool {
	type doneer interface{ Done() <-chan struct{} }
	d, ok := h.(doneer)
	if !ok {
		return true
	}
	select {
	case <-d.Done():
		return false
	default:
		return true
	}
}

// Fire routes an alarm firing through the activation path, the FireFunc
// the schedulers use.
func (s *Supervisor) Fire(ctx context.Context, ref types.Ref, name string) error {
	h, err := s.Activate(ctx, ref)
	if err != nil {
		return err
	}
	err = h.Fire(ctx, name)
	if errors.Is(err, instance.ErrStopped) {
		// The instance stopped between locate and fire; one retry through
		// a fresh activation.
		h, aerr := s.Activate(ctx, ref)
		if aerr != nil {
			return aerr
		}
		return h.Fire(ctx, name)
	}
	return err
}
