package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/types"
)

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// fatal carries a termination decision out of envelope handling.
type fatal struct {
	reason string
	cause  error
}

// handle processes one envelope. A non-nil return terminates the loop.
func (i *Instance) handle(env envelope) *fatal {
	// A nil state with a store configured means we hibernated; reload
	// before touching the envelope.
	if i.state == nil && i.cfg.Store != nil {
		if err := i.wake(); err != nil {
			env.reply <- result{err: types.LoadFailed(err)}
			return &fatal{reason: "persistence_failed", cause: types.LoadFailed(err)}
		}
	}
	switch env.kind {
	case envInvoke:
		return i.dispatch(env)
	case envFire:
		return i.dispatchAlarm(env)
	}
	env.reply <- result{err: types.HandlerFailure(fmt.Errorf("unknown envelope kind %d", env.kind))}
	return nil
}

func (i *Instance) dispatch(env envelope) *fatal {
	h, ok := i.cfg.Def.Handler(env.handler)
	if !ok || h.Arity != len(env.args) {
		env.reply <- result{err: types.UnknownHandler(env.handler)}
		return nil
	}

	ret, panicked := i.call(func() types.Return {
		return h.Fn(env.args, i.state.Clone())
	})
	if panicked != nil {
		env.reply <- result{err: types.HandlerFailure(panicked)}
		return &fatal{reason: "crashed", cause: types.HandlerFailure(panicked)}
	}
	return i.commit(env, ret, false)
}

func (i *Instance) dispatchAlarm(env envelope) *fatal {
	if i.cfg.Def.OnAlarm == nil {
		env.reply <- result{res: types.Result{Value: "no_handler"}}
		return nil
	}
	ret, panicked := i.call(func() types.Return {
		return i.cfg.Def.OnAlarm(env.handler, i.state.Clone())
	})
	if panicked != nil {
		env.reply <- result{err: types.HandlerFailure(panicked)}
		return &fatal{reason: "crashed", cause: types.HandlerFailure(panicked)}
	}
	return i.commit(env, ret, true)
}

// call runs a handler, converting a panic into an error so a misbehaving
// handler terminates only its own instance.
func (i *Instance) call(fn func() types.Return) (ret types.Return, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("handler panicked", zap.Any("panic", r))
			panicked = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(), nil
}

// commit applies the transactional-mutation rule: persist the new state
// first, then the alarm directive, then reply. A rejected save discards the
// new state and suppresses the directive.
func (i *Instance) commit(env envelope, ret types.Return, alarmEntry bool) *fatal {
	var (
		res       types.Result
		newState  types.State
		directive *types.AlarmDirective
	)
	switch r := ret.(type) {
	case types.Fail:
		env.reply <- result{err: types.HandlerFailure(r.Cause)}
		return nil
	case types.Reply:
		if alarmEntry {
			env.reply <- result{err: types.HandlerFailure(errors.New("alarm handler returned a reply"))}
			return nil
		}
		res = types.Result{Value: r.Result}
		newState, directive = r.NewState, r.Alarm
	case types.NoReply:
		res = types.Result{NoReply: true}
		newState, directive = r.NewState, r.Alarm
	default:
		env.reply <- result{err: types.HandlerFailure(fmt.Errorf("invalid handler return %T", ret))}
		return nil
	}

	if newState != nil {
		// Handlers cannot reassign the identity field.
		newState[catalog.IdentityField] = i.cfg.Ref.ID
		if !newState.Equal(i.state) {
			if i.cfg.Store != nil {
				ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
				doc := catalog.EncodeState(i.cfg.Def, newState)
				_, err := i.cfg.Store.Save(ctx, i.cfg.Prefix, i.cfg.Ref.Type, i.cfg.Ref.ID, doc)
				cancel()
				if err != nil {
					env.reply <- result{err: types.PersistenceFailed(err)}
					return nil
				}
			}
			i.state = newState
		} else {
			// Structurally equal: adopt without a store write.
			i.state = newState
		}
	}

	if directive != nil {
		i.commitAlarm(directive)
	}
	env.reply <- result{res: res}
	return nil
}

// commitAlarm schedules a handler-requested alarm. A scheduler failure
// here does not roll back the already-persisted state change; it is
// reported through logs.
func (i *Instance) commitAlarm(directive *types.AlarmDirective) {
	if i.cfg.Scheduler == nil {
		i.log.Warn("no scheduler configured, dropping alarm directive",
			zap.String("name", directive.Name))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.cfg.Scheduler.Schedule(ctx, i.cfg.Ref, directive.Name, directive.Delay); err != nil {
		i.log.Warn("alarm directive failed",
			zap.String("name", directive.Name), zap.Error(err))
	}
}
