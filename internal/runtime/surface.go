package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/perchlabs/perch/internal/instance"
	"github.com/perchlabs/perch/internal/registry"
	"github.com/perchlabs/perch/internal/types"
)

// withDeadline applies the default invoke timeout when the caller did not
// set one.
func (r *Runtime) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opts.InvokeTimeout)
}

// Invoke runs a named handler against the entity, activating it if needed.
// The reply is the handler's result or a runtime error; the caller
// abandons the wait at its deadline.
func (r *Runtime) Invoke(ctx context.Context, ref types.Ref, handler string, args []any) (types.Result, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	r.tel.Invokes.Add(ctx, 1)

	// One retry when the instance stops between locate and send, e.g. an
	// inactivity shutdown racing the call.
	for attempt := 0; ; attempt++ {
		h, err := r.sup.Activate(ctx, ref)
		if err != nil {
			return types.Result{}, err
		}
		res, err := h.Invoke(ctx, handler, args)
		if errors.Is(err, instance.ErrStopped) && attempt == 0 {
			continue
		}
		return res, err
	}
}

// Fire routes an alarm firing through the activation path.
func (r *Runtime) Fire(ctx context.Context, ref types.Ref, name string) error {
	return r.sup.Fire(ctx, ref, name)
}

// EnsureActivated materializes an instance without invoking a handler.
func (r *Runtime) EnsureActivated(ctx context.Context, ref types.Ref) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	_, err := r.sup.Activate(ctx, ref)
	return err
}

// Deactivate stops the live instance, if any. The entity reactivates on
// the next call with its persisted state.
func (r *Runtime) Deactivate(ref types.Ref, reason string) {
	r.sup.Deactivate(ref, reason)
}

// Locate returns the live handle for ref, if one exists in the addressable
// scope.
func (r *Runtime) Locate(ref types.Ref) (registry.Handle, bool) {
	return r.adapter.Registry.Locate(ref)
}

// Schedule upserts a named alarm due after delay.
func (r *Runtime) Schedule(ctx context.Context, ref types.Ref, name string, delay time.Duration) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.scheduler.Schedule(ctx, ref, name, delay)
}

// CancelAlarm removes a named alarm. Ok even if absent.
func (r *Runtime) CancelAlarm(ctx context.Context, ref types.Ref, name string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.scheduler.Cancel(ctx, ref, name)
}

// CancelAllAlarms removes every pending alarm for the entity.
func (r *Runtime) CancelAllAlarms(ctx context.Context, ref types.Ref) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.scheduler.CancelAll(ctx, ref)
}

// ListAlarms returns the entity's pending alarms in ascending scheduled
// order.
func (r *Runtime) ListAlarms(ctx context.Context, ref types.Ref) ([]types.AlarmRecord, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.scheduler.List(ctx, ref)
}

// DeleteObject removes the persisted record. Any live instance is stopped
// first so a later activation reseeds defaults.
func (r *Runtime) DeleteObject(ctx context.Context, ref types.Ref) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	r.Deactivate(ref, "deleted")
	if err := r.scheduler.CancelAll(ctx, ref); err != nil {
		return err
	}
	return r.store.Delete(ctx, r.opts.Prefix, ref.Type, ref.ID)
}
