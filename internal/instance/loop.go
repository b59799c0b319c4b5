package instance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/types"
)

// loadTimeout bounds the store calls an instance makes on its own behalf
// (initial load, bootstrap save, hibernation wake).
const loadTimeout = 10 * time.Second

func (i *Instance) run() {
	i.phase.Store(int32(Loading))
	if err := i.load(); err != nil {
		i.terminate("persistence_failed", types.LoadFailed(err))
		return
	}
	i.phase.Store(int32(Ready))

	var (
		hibernate *time.Timer
		shutdown  *time.Timer
		hibC      <-chan time.Time
		shutC     <-chan time.Time
	)
	// Hibernation only makes sense with a store to wake from.
	if i.cfg.HibernateAfter > 0 && i.cfg.Store != nil {
		hibernate = time.NewTimer(i.cfg.HibernateAfter)
		hibC = hibernate.C
		defer hibernate.Stop()
	}
	if i.cfg.ShutdownAfter > 0 {
		shutdown = time.NewTimer(i.cfg.ShutdownAfter)
		shutC = shutdown.C
		defer shutdown.Stop()
	}
	resetTimers := func() {
		if hibernate != nil {
			if !hibernate.Stop() {
				select {
				case <-hibernate.C:
				default:
				}
			}
			hibernate.Reset(i.cfg.HibernateAfter)
			hibC = hibernate.C
		}
		if shutdown != nil {
			if !shutdown.Stop() {
				select {
				case <-shutdown.C:
				default:
				}
			}
			shutdown.Reset(i.cfg.ShutdownAfter)
		}
	}

	for {
		select {
		case env := <-i.mailbox:
			i.phase.Store(int32(Handling))
			if f := i.handle(env); f != nil {
				i.terminate(f.reason, f.cause)
				return
			}
			i.phase.Store(int32(Ready))
			resetTimers()
		case <-hibC:
			i.hibernate()
			hibC = nil
		case <-shutC:
			i.terminate("normal", nil)
			return
		case <-i.stopCh:
			reason, _ := i.reason.Load().(string)
			if reason == "" {
				reason = "normal"
			}
			i.terminate(reason, nil)
			return
		}
	}
}

// load performs the initial read, default merge, bootstrap save, and the
// optional after-load hook.
func (i *Instance) load() error {
	def := i.cfg.Def
	if i.cfg.Store == nil {
		i.state = def.DefaultState()
		i.state[catalog.IdentityField] = i.cfg.Ref.ID
		return i.afterLoad()
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	rec, err := i.cfg.Store.Load(ctx, i.cfg.Prefix, i.cfg.Ref.Type, i.cfg.Ref.ID)
	switch {
	case err == nil:
		st, derr := catalog.DecodeState(def, rec.State, i.cfg.KeyPolicy, i.cfg.Symbols)
		if derr != nil {
			return derr
		}
		i.state = st
	case isNotFound(err):
		// First activation: seed the record with the declared defaults
		// before accepting handler calls.
		i.state = def.DefaultState()
		doc := catalog.EncodeState(def, i.state)
		if _, serr := i.cfg.Store.Save(ctx, i.cfg.Prefix, i.cfg.Ref.Type, i.cfg.Ref.ID, doc); serr != nil {
			return serr
		}
	default:
		return err
	}
	i.state[catalog.IdentityField] = i.cfg.Ref.ID
	return i.afterLoad()
}

func (i *Instance) afterLoad() error {
	hook := i.cfg.Def.AfterLoad
	if hook == nil {
		return nil
	}
	next, directive, err := hook(i.state.Clone())
	if err != nil {
		return err
	}
	if next != nil {
		next[catalog.IdentityField] = i.cfg.Ref.ID
		if !next.Equal(i.state) {
			if i.cfg.Store != nil {
				ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
				defer cancel()
				doc := catalog.EncodeState(i.cfg.Def, next)
				if _, err := i.cfg.Store.Save(ctx, i.cfg.Prefix, i.cfg.Ref.Type, i.cfg.Ref.ID, doc); err != nil {
					return err
				}
			}
			i.state = next
		}
	}
	if directive != nil {
		i.commitAlarm(directive)
	}
	return nil
}

// hibernate compacts the instance: the working state is dropped and
// reloaded from the store on the next message.
func (i *Instance) hibernate() {
	i.state = nil
	i.phase.Store(int32(Hibernated))
}

// wake reloads the state after hibernation.
func (i *Instance) wake() error {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	rec, err := i.cfg.Store.Load(ctx, i.cfg.Prefix, i.cfg.Ref.Type, i.cfg.Ref.ID)
	switch {
	case err == nil:
		st, derr := catalog.DecodeState(i.cfg.Def, rec.State, i.cfg.KeyPolicy, i.cfg.Symbols)
		if derr != nil {
			return derr
		}
		i.state = st
	case isNotFound(err):
		i.state = i.cfg.Def.DefaultState()
	default:
		return err
	}
	i.state[catalog.IdentityField] = i.cfg.Ref.ID
	return nil
}

// terminate shuts the loop down: release the registry claim, then drain
// queued callers with the exit error.
func (i *Instance) terminate(reason string, cause error) {
	i.phase.Store(int32(Terminating))
	if cause != nil {
		i.exitErr.Store(cause)
	}
	i.log.Debug("terminating", zap.String("reason", reason))
	if i.cfg.OnTerminate != nil {
		i.cfg.OnTerminate(reason)
	}
	close(i.done)
	for {
		select {
		case env := <-i.mailbox:
			env.reply <- result{err: i.exitError()}
		default:
			return
		}
	}
}
