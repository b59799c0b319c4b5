package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/types"
)

type objectRow struct {
	Type      string `db:"type"`
	ID        string `db:"id"`
	State     string `db:"state"`
	Version   int    `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r objectRow) record() (*types.ObjectRecord, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(r.State), &doc); err != nil {
		return nil, fmt.Errorf("decode state for %s/%s: %w", r.Type, r.ID, err)
	}
	return &types.ObjectRecord{
		Type:      r.Type,
		ID:        r.ID,
		State:     doc,
		Version:   r.Version,
		CreatedAt: fromMicros(r.CreatedAt),
		UpdatedAt: fromMicros(r.UpdatedAt),
	}, nil
}

func (s *Store) Load(ctx context.Context, prefix, typ, id string) (*types.ObjectRecord, error) {
	if err := storage.ValidateKey(typ, id); err != nil {
		return nil, err
	}
	table, err := tableName(prefix, "objects")
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	var row objectRow
	q := s.db.Rebind(fmt.Sprintf(
		`SELECT type, id, state, version, created_at, updated_at FROM %s WHERE type = ? AND id = ?`, table))
	err = s.db.GetContext(ctx, &row, q, typ, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("load object", err)
	}
	return row.record()
}

func (s *Store) Save(ctx context.Context, prefix, typ, id string, doc map[string]any) (*types.ObjectRecord, error) {
	if err := storage.ValidateKey(typ, id); err != nil {
		return nil, err
	}
	table, err := tableName(prefix, "objects")
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("save: encode state: %w", err)
	}
	now := toMicros(time.Now())
	q := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (type, id, state, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (type, id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, table))
	if _, err := s.db.ExecContext(ctx, q, typ, id, string(encoded), now, now); err != nil {
		return nil, wrapDBError("save object", err)
	}
	return s.Load(ctx, prefix, typ, id)
}

func (s *Store) Delete(ctx context.Context, prefix, typ, id string) error {
	if err := storage.ValidateKey(typ, id); err != nil {
		return err
	}
	table, err := tableName(prefix, "objects")
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	q := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE type = ? AND id = ?`, table))
	if _, err := s.db.ExecContext(ctx, q, typ, id); err != nil {
		return wrapDBError("delete object", err)
	}
	return nil
}
