package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/types"
)

type alarmRow struct {
	Type        string `db:"type"`
	ID          string `db:"id"`
	Name        string `db:"name"`
	ScheduledAt int64  `db:"scheduled_at"`
	ClaimedAt   *int64 `db:"claimed_at"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r alarmRow) record() types.AlarmRecord {
	rec := types.AlarmRecord{
		Type:        r.Type,
		ID:          r.ID,
		Name:        r.Name,
		ScheduledAt: fromMicros(r.ScheduledAt),
		CreatedAt:   fromMicros(r.CreatedAt),
		UpdatedAt:   fromMicros(r.UpdatedAt),
	}
	if r.ClaimedAt != nil {
		at := fromMicros(*r.ClaimedAt)
		rec.ClaimedAt = &at
	}
	return rec
}

const alarmColumns = `type, id, name, scheduled_at, claimed_at, created_at, updated_at`

func (s *Store) UpsertAlarm(ctx context.Context, prefix, typ, id, name string, at time.Time) error {
	if err := storage.ValidateKey(typ, id); err != nil {
		return err
	}
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return fmt.Errorf("upsert alarm: %w", err)
	}
	now := toMicros(time.Now())
	q := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (type, id, name, scheduled_at, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (type, id, name) DO UPDATE SET
			scheduled_at = excluded.scheduled_at,
			claimed_at = NULL,
			updated_at = excluded.updated_at
	`, table))
	if _, err := s.db.ExecContext(ctx, q, typ, id, name, toMicros(at), now, now); err != nil {
		return wrapDBError("upsert alarm", err)
	}
	return nil
}

func (s *Store) DeleteAlarm(ctx context.Context, prefix, typ, id, name string) error {
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	q := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE type = ? AND id = ? AND name = ?`, table))
	if _, err := s.db.ExecContext(ctx, q, typ, id, name); err != nil {
		return wrapDBError("delete alarm", err)
	}
	return nil
}

func (s *Store) DeleteAlarms(ctx context.Context, prefix, typ, id string) error {
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return fmt.Errorf("delete alarms: %w", err)
	}
	q := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE type = ? AND id = ?`, table))
	if _, err := s.db.ExecContext(ctx, q, typ, id); err != nil {
		return wrapDBError("delete alarms", err)
	}
	return nil
}

func (s *Store) ListAlarms(ctx context.Context, prefix, typ, id string) ([]types.AlarmRecord, error) {
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	var rows []alarmRow
	q := s.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM %s WHERE type = ? AND id = ? ORDER BY scheduled_at ASC`, alarmColumns, table))
	if err := s.db.SelectContext(ctx, &rows, q, typ, id); err != nil {
		return nil, wrapDBError("list alarms", err)
	}
	out := make([]types.AlarmRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (s *Store) DueAlarms(ctx context.Context, prefix string, now, staleBefore time.Time, limit int) ([]types.AlarmRecord, error) {
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return nil, fmt.Errorf("due alarms: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []alarmRow
	q := s.db.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE scheduled_at <= ? AND (claimed_at IS NULL OR claimed_at <= ?)
		ORDER BY scheduled_at ASC
		LIMIT ?
	`, alarmColumns, table))
	if err := s.db.SelectContext(ctx, &rows, q, toMicros(now), toMicros(staleBefore), limit); err != nil {
		return nil, wrapDBError("due alarms", err)
	}
	out := make([]types.AlarmRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// ClaimAlarm is the one strictly-atomic mutation: a conditional UPDATE
// whose affected-row count decides ownership.
func (s *Store) ClaimAlarm(ctx context.Context, prefix, typ, id, name string, claimAt, staleBefore time.Time) (bool, error) {
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return false, fmt.Errorf("claim alarm: %w", err)
	}
	q := s.db.Rebind(fmt.Sprintf(`
		UPDATE %s SET claimed_at = ?, updated_at = ?
		WHERE type = ? AND id = ? AND name = ?
		  AND (claimed_at IS NULL OR claimed_at <= ?)
	`, table))
	res, err := s.db.ExecContext(ctx, q, toMicros(claimAt), toMicros(time.Now()), typ, id, name, toMicros(staleBefore))
	if err != nil {
		return false, wrapDBError("claim alarm", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("claim alarm", err)
	}
	return n == 1, nil
}

// RetireAlarm deletes the row only while it still carries claimedAt. Zero
// rows deleted means the alarm was rescheduled between claim and retire.
func (s *Store) RetireAlarm(ctx context.Context, prefix, typ, id, name string, claimedAt time.Time) (bool, error) {
	table, err := tableName(prefix, "alarms")
	if err != nil {
		return false, fmt.Errorf("retire alarm: %w", err)
	}
	q := s.db.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE type = ? AND id = ? AND name = ? AND claimed_at = ?`, table))
	res, err := s.db.ExecContext(ctx, q, typ, id, name, toMicros(claimedAt))
	if err != nil {
		return false, wrapDBError("retire alarm", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("retire alarm", err)
	}
	return n == 1, nil
}

var _ storage.Store = (*Store)(nil)
