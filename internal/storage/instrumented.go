package storage

import (
	"context"
	"errors"
	"time"

	"github.com/perchlabs/perch/internal/telemetry"
	"github.com/perchlabs/perch/internal/types"
)

// Instrumented wraps a Store, emitting a runtime.store.<op> span with
// start/stop/exception events around every operation.
type Instrumented struct {
	inner Store
	name  string
	tel   *telemetry.Telemetry
}

// Instrument decorates s. name identifies the backend in span metadata.
func Instrument(s Store, name string, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{inner: s, name: name, tel: tel}
}

// Unwrap returns the underlying store.
func (s *Instrumented) Unwrap() Store {
	return s.inner
}

func (s *Instrumented) op(ctx context.Context, op, typ, id string) (context.Context, *telemetry.Op) {
	return s.tel.StartOp(ctx, []string{"runtime", "store", op}, map[string]any{
		"type":  typ,
		"id":    id,
		"store": s.name,
	})
}

func (s *Instrumented) finish(op *telemetry.Op, err error) {
	if err == nil || errors.Is(err, ErrNotFound) {
		op.Stop()
		return
	}
	s.tel.StoreErrors.Add(context.Background(), 1)
	op.Exception(string(types.KindPersistenceFailed), err)
}

func (s *Instrumented) Load(ctx context.Context, prefix, typ, id string) (*types.ObjectRecord, error) {
	ctx, op := s.op(ctx, "load", typ, id)
	rec, err := s.inner.Load(ctx, prefix, typ, id)
	s.finish(op, err)
	return rec, err
}

func (s *Instrumented) Save(ctx context.Context, prefix, typ, id string, doc map[string]any) (*types.ObjectRecord, error) {
	ctx, op := s.op(ctx, "save", typ, id)
	rec, err := s.inner.Save(ctx, prefix, typ, id, doc)
	s.finish(op, err)
	return rec, err
}

func (s *Instrumented) Delete(ctx context.Context, prefix, typ, id string) error {
	ctx, op := s.op(ctx, "delete", typ, id)
	err := s.inner.Delete(ctx, prefix, typ, id)
	s.finish(op, err)
	return err
}

func (s *Instrumented) UpsertAlarm(ctx context.Context, prefix, typ, id, name string, at time.Time) error {
	ctx, op := s.op(ctx, "upsert_alarm", typ, id)
	err := s.inner.UpsertAlarm(ctx, prefix, typ, id, name, at)
	s.finish(op, err)
	return err
}

func (s *Instrumented) DeleteAlarm(ctx context.Context, prefix, typ, id, name string) error {
	ctx, op := s.op(ctx, "delete_alarm", typ, id)
	err := s.inner.DeleteAlarm(ctx, prefix, typ, id, name)
	s.finish(op, err)
	return err
}

func (s *Instrumented) DeleteAlarms(ctx context.Context, prefix, typ, id string) error {
	ctx, op := s.op(ctx, "delete_alarms", typ, id)
	err := s.inner.DeleteAlarms(ctx, prefix, typ, id)
	s.finish(op, err)
	return err
}

func (s *Instrumented) ListAlarms(ctx context.Context, prefix, typ, id string) ([]types.AlarmRecord, error) {
	ctx, op := s.op(ctx, "list_alarms", typ, id)
	recs, err := s.inner.ListAlarms(ctx, prefix, typ, id)
	s.finish(op, err)
	return recs, err
}

func (s *Instrumented) DueAlarms(ctx context.Context, prefix string, now, staleBefore time.Time, limit int) ([]types.AlarmRecord, error) {
	ctx, op := s.op(ctx, "due_alarms", "", "")
	recs, err := s.inner.DueAlarms(ctx, prefix, now, staleBefore, limit)
	s.finish(op, err)
	return recs, err
}

func (s *Instrumented) ClaimAlarm(ctx context.Context, prefix, typ, id, name string, claimAt, staleBefore time.Time) (bool, error) {
	ctx, op := s.op(ctx, "claim_alarm", typ, id)
	ok, err := s.inner.ClaimAlarm(ctx, prefix, typ, id, name, claimAt, staleBefore)
	s.finish(op, err)
	return ok, err
}

func (s *Instrumented) RetireAlarm(ctx context.Context, prefix, typ, id, name string, claimedAt time.Time) (bool, error) {
	ctx, op := s.op(ctx, "retire_alarm", typ, id)
	ok, err := s.inner.RetireAlarm(ctx, prefix, typ, id, name, claimedAt)
	s.finish(op, err)
	return ok, err
}

func (s *Instrumented) Close() error {
	return s.inner.Close()
}

var _ Store = (*Instrumented)(nil)
