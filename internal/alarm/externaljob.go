package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/telemetry"
	"github.com/perchlabs/perch/internal/types"
)

// JobArgs is the payload an external job carries: the target entity and the
// alarm name. Field order matters — CancelAll matches rows by the encoded
// prefix.
type JobArgs struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// pendingStates are the job states that count as "not yet delivered".
var pendingStates = []string{"available", "scheduled", "retryable"}

// ExternalJobConfig routes the scheduler contract to an external
// job-processing system's pending-jobs table.
type ExternalJobConfig struct {
	DB     *sqlx.DB
	Table  string // pending-jobs table, default "jobs"
	Queue  string // default "alarms"
	Worker string // worker identity, default "perch.alarm"
	Tel    *telemetry.Telemetry
}

func (c *ExternalJobConfig) fill() {
	if c.Table == "" {
		c.Table = "jobs"
	}
	if c.Queue == "" {
		c.Queue = "alarms"
	}
	if c.Worker == "" {
		c.Worker = "perch.alarm"
	}
	if c.Tel == nil {
		c.Tel = telemetry.Nop()
	}
}

// ExternalJob delegates alarm delivery to an external job system. The
// external system owns durability and retry; this backend adds no children
// to the process tree.
type ExternalJob struct {
	db     *sqlx.DB
	table  string
	queue  string
	worker string
	log    *zap.Logger
}

// NewExternalJob builds the delegate.
func NewExternalJob(cfg ExternalJobConfig) *ExternalJob {
	cfg.fill()
	return &ExternalJob{
		db:     cfg.DB,
		table:  cfg.Table,
		queue:  cfg.Queue,
		worker: cfg.Worker,
		log:    cfg.Tel.Log.Named("externaljob"),
	}
}

func encodeArgs(ref types.Ref, name string) string {
	b, _ := json.Marshal(JobArgs{Type: ref.Type, ID: ref.ID, Name: name})
	return string(b)
}

// entityArgsPrefix matches every job for the entity regardless of name.
func entityArgsPrefix(ref types.Ref) string {
	b, _ := json.Marshal(JobArgs{Type: ref.Type, ID: ref.ID})
	// Drop the closing `"name":""}` but keep the comma after the id, so the
	// prefix matches this exact id with any name.
	s := string(b)
	return s[:len(s)-len(`"name":""}`)] + "%"
}

// Schedule cancels any pending job for (type, id, name), then enqueues a
// new one. The delay is floored to the external system's one-second
// resolution.
func (e *ExternalJob) Schedule(ctx context.Context, ref types.Ref, name string, delay time.Duration) error {
	if err := e.Cancel(ctx, ref, name); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	delay = delay.Truncate(time.Second)
	state := "available"
	if delay > 0 {
		state = "scheduled"
	}
	now := time.Now().UTC()
	q := e.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (queue, worker, args, state, scheduled_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.table))
	_, err := e.db.ExecContext(ctx, q, e.queue, e.worker, encodeArgs(ref, name), state,
		now.Add(delay).UnixMicro(), now.UnixMicro())
	if err != nil {
		return types.ScheduleFailed(fmt.Errorf("enqueue job: %w", err))
	}
	return nil
}

func (e *ExternalJob) Cancel(ctx context.Context, ref types.Ref, name string) error {
	q, args, err := sqlx.In(fmt.Sprintf(
		`DELETE FROM %s WHERE worker = ? AND state IN (?) AND args = ?`, e.table),
		e.worker, pendingStates, encodeArgs(ref, name))
	if err != nil {
		return types.ScheduleFailed(err)
	}
	if _, err := e.db.ExecContext(ctx, e.db.Rebind(q), args...); err != nil {
		return types.ScheduleFailed(fmt.Errorf("cancel job: %w", err))
	}
	return nil
}

func (e *ExternalJob) CancelAll(ctx context.Context, ref types.Ref) error {
	q, args, err := sqlx.In(fmt.Sprintf(
		`DELETE FROM %s WHERE worker = ? AND state IN (?) AND args LIKE ?`, e.table),
		e.worker, pendingStates, entityArgsPrefix(ref))
	if err != nil {
		return types.ScheduleFailed(err)
	}
	if _, err := e.db.ExecContext(ctx, e.db.Rebind(q), args...); err != nil {
		return types.ScheduleFailed(fmt.Errorf("cancel jobs: %w", err))
	}
	return nil
}

func (e *ExternalJob) List(ctx context.Context, ref types.Ref) ([]types.AlarmRecord, error) {
	type jobRow struct {
		Args        string `db:"args"`
		ScheduledAt int64  `db:"scheduled_at"`
		InsertedAt  int64  `db:"inserted_at"`
	}
	q, args, err := sqlx.In(fmt.Sprintf(`
		SELECT args, scheduled_at, inserted_at FROM %s
		WHERE worker = ? AND state IN (?) AND args LIKE ?
		ORDER BY scheduled_at ASC
	`, e.table), e.worker, pendingStates, entityArgsPrefix(ref))
	if err != nil {
		return nil, types.ScheduleFailed(err)
	}
	var rows []jobRow
	if err := e.db.SelectContext(ctx, &rows, e.db.Rebind(q), args...); err != nil {
		return nil, types.ScheduleFailed(fmt.Errorf("list jobs: %w", err))
	}
	out := make([]types.AlarmRecord, 0, len(rows))
	for _, r := range rows {
		var decoded JobArgs
		if err := json.Unmarshal([]byte(r.Args), &decoded); err != nil {
			e.log.Warn("skipping undecodable job args", zap.String("args", r.Args), zap.Error(err))
			continue
		}
		out = append(out, types.AlarmRecord{
			Type:        decoded.Type,
			ID:          decoded.ID,
			Name:        decoded.Name,
			ScheduledAt: time.UnixMicro(r.ScheduledAt).UTC(),
			CreatedAt:   time.UnixMicro(r.InsertedAt).UTC(),
			UpdatedAt:   time.UnixMicro(r.InsertedAt).UTC(),
		})
	}
	return out, nil
}

var _ Scheduler = (*ExternalJob)(nil)

// Worker executes job payloads on behalf of the external system.
type Worker struct {
	fire FireFunc
	log  *zap.Logger
}

// NewWorker builds the job executor.
func NewWorker(fire FireFunc, tel *telemetry.Telemetry) *Worker {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Worker{fire: fire, log: tel.Log.Named("externaljob.worker")}
}

// Perform fires the alarm named by the payload. A nil return retires the
// job; persistence failures surface so the job system retries; an unknown
// type or handler is swallowed so the system does not retry a job that can
// never succeed.
func (w *Worker) Perform(ctx context.Context, args JobArgs) error {
	err := w.fire(ctx, types.Ref{Type: args.Type, ID: args.ID}, args.Name)
	switch types.KindOf(err) {
	case "":
		return err
	case types.KindUnknownHandler:
		w.log.Info("dropping job for unknown type or alarm handler",
			zap.String("type", args.Type), zap.String("id", args.ID), zap.String("name", args.Name))
		return nil
	default:
		return err
	}
}
