// Package runtime is the composition root: it wires the store, registry,
// placement, and scheduler together and exposes the programmatic RPC
// surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/alarm"
	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/cluster"
	"github.com/perchlabs/perch/internal/placement"
	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/storage/memory"
	"github.com/perchlabs/perch/internal/storage/migrate"
	"github.com/perchlabs/perch/internal/storage/sqlstore"
	"github.com/perchlabs/perch/internal/telemetry"
)

// SchedulerKind selects the alarm backend.
type SchedulerKind string

const (
	SchedulerPoll        SchedulerKind = "poll"
	SchedulerExternalJob SchedulerKind = "external_job"
)

// Options is the full runtime configuration. Zero values take the
// documented defaults.
type Options struct {
	// StoreDSN names the relational store. Empty with a nil Store means
	// in-memory only: entities are durable for the process lifetime.
	StoreDSN string
	// Store overrides StoreDSN with a pre-built backend.
	Store storage.Store

	RegistryMode   string   // "local" (default) or "distributed"
	ClusterMembers []string // explicit peers; empty means auto
	RedisAddr      string
	NATSURL        string
	NodeID         string

	Scheduler       SchedulerKind // default poll
	PollingInterval time.Duration // default 30s
	ClaimTTL        time.Duration // default 60s

	HibernateAfter time.Duration // default 5m
	ShutdownAfter  time.Duration // unset = no inactivity shutdown
	ObjectKeys     string        // strings | existing-symbols | create-symbols
	Prefix         string

	ExternalJobTable  string
	ExternalJobQueue  string
	ExternalJobWorker string

	InvokeTimeout time.Duration // default 5s

	Catalog *catalog.Catalog // default catalog.Default
	Logger  *zap.Logger
}

func (o *Options) fill() error {
	if o.Scheduler == "" {
		o.Scheduler = SchedulerPoll
	}
	if o.Scheduler != SchedulerPoll && o.Scheduler != SchedulerExternalJob {
		return fmt.Errorf("unknown scheduler %q", o.Scheduler)
	}
	if o.PollingInterval <= 0 {
		o.PollingInterval = 30 * time.Second
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 60 * time.Second
	}
	if o.HibernateAfter == 0 {
		o.HibernateAfter = 5 * time.Minute
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 5 * time.Second
	}
	if o.Catalog == nil {
		o.Catalog = catalog.Default
	}
	return nil
}

// Runtime is a running node.
type Runtime struct {
	opts      Options
	tel       *telemetry.Telemetry
	store     storage.Store
	adapter   *cluster.Adapter
	sup       *placement.Supervisor
	scheduler alarm.Scheduler
	poller    *alarm.Poll
	worker    *alarm.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds and starts a runtime node: opens the store, applies pending
// schema migrations, wires the cluster adapter, and (in poll mode) starts
// the singleton poller.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	tel := telemetry.New(opts.Logger)
	r := &Runtime{opts: opts, tel: tel}

	keyPolicy, err := catalog.ParseKeyPolicy(opts.ObjectKeys)
	if err != nil {
		return nil, err
	}

	var sqlStore *sqlstore.Store
	switch {
	case opts.Store != nil:
		r.store = storage.Instrument(opts.Store, "custom", tel)
	case opts.StoreDSN != "":
		s, err := sqlstore.Open(ctx, opts.StoreDSN, sqlstore.Options{Logger: tel.Log})
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Run(ctx, s.DB(), opts.Prefix, -1); err != nil {
			_ = s.Close()
			return nil, err
		}
		sqlStore = s
		r.store = storage.Instrument(s, sqlstore.DriverFor(opts.StoreDSN), tel)
	default:
		r.store = storage.Instrument(memory.New(), "memory", tel)
	}

	mode, err := cluster.ParseMode(opts.RegistryMode)
	if err != nil {
		return nil, r.failInit(err)
	}
	r.adapter, err = cluster.New(ctx, cluster.Options{
		Mode:      mode,
		NodeID:    opts.NodeID,
		RedisAddr: opts.RedisAddr,
		NATSURL:   opts.NATSURL,
		Members:   opts.ClusterMembers,
		Tel:       tel,
	})
	if err != nil {
		return nil, r.failInit(err)
	}

	switch opts.Scheduler {
	case SchedulerPoll:
		poll := alarm.NewPoll(alarm.PollConfig{
			Store:    r.store,
			Fire:     r.Fire,
			Prefix:   opts.Prefix,
			Interval: opts.PollingInterval,
			ClaimTTL: opts.ClaimTTL,
			Tel:      tel,
		})
		r.poller = poll
		r.scheduler = poll
	case SchedulerExternalJob:
		if sqlStore == nil {
			return nil, r.failInit(errors.New("external_job scheduler requires a SQL store"))
		}
		r.scheduler = alarm.NewExternalJob(alarm.ExternalJobConfig{
			DB:     sqlStore.DB(),
			Table:  opts.ExternalJobTable,
			Queue:  opts.ExternalJobQueue,
			Worker: opts.ExternalJobWorker,
			Tel:    tel,
		})
	}
	r.worker = alarm.NewWorker(r.Fire, tel)

	r.sup = placement.New(placement.Config{
		Catalog:        opts.Catalog,
		Registry:       r.adapter.Registry,
		Store:          r.store,
		Scheduler:      r.scheduler,
		Prefix:         opts.Prefix,
		HibernateAfter: opts.HibernateAfter,
		ShutdownAfter:  opts.ShutdownAfter,
		KeyPolicy:      keyPolicy,
		Symbols:        catalog.Symbols,
		Tel:            tel,
	})

	if err := r.adapter.Serve(r); err != nil {
		return nil, r.failInit(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if r.poller != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			// Exactly one poller runs across the addressable scope; the
			// guard re-acquires leadership after a node loss.
			err := r.adapter.Guard.Run(runCtx, "alarm-poller", r.poller.Run)
			if err != nil && runCtx.Err() == nil {
				tel.Log.Warn("poller exited", zap.Error(err))
			}
		}()
	}
	return r, nil
}

func (r *Runtime) failInit(err error) error {
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.adapter != nil {
		_ = r.adapter.Close()
	}
	return err
}

// Telemetry exposes the bus and logger for event consumers.
func (r *Runtime) Telemetry() *telemetry.Telemetry {
	return r.tel
}

// Worker returns the external-job executor for job-system integration.
func (r *Runtime) Worker() *alarm.Worker {
	return r.worker
}

// Poller returns the poll backend, nil under external_job.
func (r *Runtime) Poller() *alarm.Poll {
	return r.poller
}

// Close drains the node: the poller stops, every local instance
// terminates, and the store closes.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.sup.StopAll("shutdown")
		r.wg.Wait()
		if err := r.adapter.Close(); err != nil {
			r.closeErr = err
		}
		if err := r.store.Close(); err != nil {
			r.closeErr = err
		}
	})
	return r.closeErr
}
