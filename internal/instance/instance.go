// Package instance implements the per-entity execution context: a mailbox
// goroutine owning one entity's state, processing handler calls and alarm
// firings strictly one at a time.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/alarm"
	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/telemetry"
	"github.com/perchlabs/perch/internal/types"
)

// ErrStopped reports a send to an instance that has terminated. Callers
// reactivate and retry.
var ErrStopped = errors.New("instance stopped")

// Phase is the instance lifecycle state.
type Phase int32

const (
	Initializing Phase = iota
	Loading
	Ready
	Handling
	Hibernated
	Terminating
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Handling:
		return "handling"
	case Hibernated:
		return "hibernated"
	case Terminating:
		return "terminating"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Config assembles everything an instance needs. Store nil means no
// persistence: the instance runs on declared defaults only.
type Config struct {
	Ref            types.Ref
	Def            *catalog.Definition
	Store          storage.Store
	Scheduler      alarm.Scheduler
	Prefix         string
	KeyPolicy      catalog.KeyPolicy
	Symbols        *catalog.SymbolTable
	HibernateAfter time.Duration
	ShutdownAfter  time.Duration
	Tel            *telemetry.Telemetry

	// OnTerminate runs after the loop exits, before queued callers are
	// drained. The supervisor uses it to release the registry claim.
	OnTerminate func(reason string)
}

type envKind int

const (
	envInvoke envKind = iota
	envFire
)

type result struct {
	res types.Result
	err error
}

type envelope struct {
	kind    envKind
	handler string
	args    []any
	reply   chan result
}

// Instance is one live entity. All state access happens on the loop
// goroutine; Invoke/Fire communicate through the mailbox.
type Instance struct {
	cfg     Config
	mailbox chan envelope
	done    chan struct{}
	stopCh  chan struct{}
	stop    sync.Once
	reason  atomic.Value // string
	phase   atomic.Int32
	exitErr atomic.Value // error

	// loop-owned
	state types.State
	log   *zap.Logger
}

// New builds an instance. Start must be called before use.
func New(cfg Config) *Instance {
	if cfg.Tel == nil {
		cfg.Tel = telemetry.Nop()
	}
	if cfg.Symbols == nil {
		cfg.Symbols = catalog.Symbols
	}
	if cfg.KeyPolicy == "" {
		cfg.KeyPolicy = catalog.KeysStrings
	}
	return &Instance{
		cfg:     cfg,
		mailbox: make(chan envelope, 64),
		done:    make(chan struct{}),
		stopCh:  make(chan struct{}),
		log: cfg.Tel.Log.Named("instance").With(
			zap.String("type", cfg.Ref.Type), zap.String("id", cfg.Ref.ID)),
	}
}

// Start launches the mailbox loop. The initial load is the loop's first
// action; callers that arrive earlier queue at the mailbox.
func (i *Instance) Start() {
	go i.run()
}

// Ref returns the entity identity.
func (i *Instance) Ref() types.Ref {
	return i.cfg.Ref
}

// Phase returns the current lifecycle state.
func (i *Instance) Phase() Phase {
	return Phase(i.phase.Load())
}

// Done closes when the instance has terminated.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Stop requests termination. Idempotent.
func (i *Instance) Stop(reason string) {
	i.stop.Do(func() {
		i.reason.Store(reason)
		close(i.stopCh)
	})
}

// Invoke runs a named handler, suspending until the reply or ctx's
// deadline. The instance may still complete and persist the mutation after
// the caller abandons the wait.
func (i *Instance) Invoke(ctx context.Context, handler string, args []any) (types.Result, error) {
	return i.send(ctx, envelope{kind: envInvoke, handler: handler, args: args, reply: make(chan result, 1)})
}

// Fire runs the alarm entry for the named alarm.
func (i *Instance) Fire(ctx context.Context, name string) error {
	_, err := i.send(ctx, envelope{kind: envFire, handler: name, reply: make(chan result, 1)})
	return err
}

func (i *Instance) send(ctx context.Context, env envelope) (types.Result, error) {
	select {
	case i.mailbox <- env:
	case <-i.done:
		return types.Result{}, i.exitError()
	case <-ctx.Done():
		return types.Result{}, types.Timeout()
	}
	select {
	case r := <-env.reply:
		return r.res, r.err
	case <-ctx.Done():
		return types.Result{}, types.Timeout()
	case <-i.done:
		// Termination raced the enqueue. The drain usually answers; an
		// envelope that slipped in after the drain never will, so give up
		// after a short grace and let the caller reactivate.
		select {
		case r := <-env.reply:
			return r.res, r.err
		case <-time.After(50 * time.Millisecond):
			return types.Result{}, i.exitError()
		case <-ctx.Done():
			return types.Result{}, types.Timeout()
		}
	}
}

func (i *Instance) exitError() error {
	if err, ok := i.exitErr.Load().(error); ok && err != nil {
		return err
	}
	return ErrStopped
}

var _ interface {
	Invoke(context.Context, string, []any) (types.Result, error)
	Fire(context.Context, string) error
} = (*Instance)(nil)
