// Package memory implements the storage contract with process-local maps.
// It backs store-less deployments and tests; contents are lost on exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/types"
)

type objectKey struct {
	prefix, typ, id string
}

type alarmKey struct {
	prefix, typ, id, name string
}

// Store is an in-memory storage backend.
type Store struct {
	mu      sync.Mutex
	objects map[objectKey]*types.ObjectRecord
	alarms  map[alarmKey]*types.AlarmRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		objects: make(map[objectKey]*types.ObjectRecord),
		alarms:  make(map[alarmKey]*types.AlarmRecord),
	}
}

func (s *Store) Load(ctx context.Context, prefix, typ, id string) (*types.ObjectRecord, error) {
	if err := storage.ValidateKey(typ, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.objects[objectKey{prefix, typ, id}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) Save(ctx context.Context, prefix, typ, id string, doc map[string]any) (*types.ObjectRecord, error) {
	if err := storage.ValidateKey(typ, id); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{prefix, typ, id}
	rec, ok := s.objects[key]
	if !ok {
		rec = &types.ObjectRecord{Type: typ, ID: id, Version: 1, CreatedAt: now}
		s.objects[key] = rec
	}
	rec.State = types.State(doc).Clone()
	rec.UpdatedAt = now
	return copyRecord(rec), nil
}

func (s *Store) Delete(ctx context.Context, prefix, typ, id string) error {
	if err := storage.ValidateKey(typ, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey{prefix, typ, id})
	return nil
}

func (s *Store) UpsertAlarm(ctx context.Context, prefix, typ, id, name string, at time.Time) error {
	if err := storage.ValidateKey(typ, id); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alarmKey{prefix, typ, id, name}
	rec, ok := s.alarms[key]
	if !ok {
		rec = &types.AlarmRecord{Type: typ, ID: id, Name: name, CreatedAt: now}
		s.alarms[key] = rec
	}
	rec.ScheduledAt = at.UTC()
	rec.ClaimedAt = nil
	rec.UpdatedAt = now
	return nil
}

func (s *Store) DeleteAlarm(ctx context.Context, prefix, typ, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, alarmKey{prefix, typ, id, name})
	return nil
}

func (s *Store) DeleteAlarms(ctx context.Context, prefix, typ, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.alarms {
		if key.prefix == prefix && key.typ == typ && key.id == id {
			delete(s.alarms, key)
		}
	}
	return nil
}

func (s *Store) ListAlarms(ctx context.Context, prefix, typ, id string) ([]types.AlarmRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AlarmRecord
	for key, rec := range s.alarms {
		if key.prefix == prefix && key.typ == typ && key.id == id {
			out = append(out, *copyAlarm(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *Store) DueAlarms(ctx context.Context, prefix string, now, staleBefore time.Time, limit int) ([]types.AlarmRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AlarmRecord
	for key, rec := range s.alarms {
		if key.prefix != prefix {
			continue
		}
		if rec.ScheduledAt.After(now) {
			continue
		}
		if rec.ClaimedAt != nil && rec.ClaimedAt.After(staleBefore) {
			continue
		}
		out = append(out, *copyAlarm(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimAlarm(ctx context.Context, prefix, typ, id, name string, claimAt, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.alarms[alarmKey{prefix, typ, id, name}]
	if !ok {
		return false, nil
	}
	if rec.ClaimedAt != nil && rec.ClaimedAt.After(staleBefore) {
		return false, nil
	}
	at := claimAt.UTC()
	rec.ClaimedAt = &at
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) RetireAlarm(ctx context.Context, prefix, typ, id, name string, claimedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alarmKey{prefix, typ, id, name}
	rec, ok := s.alarms[key]
	if !ok {
		return false, nil
	}
	if rec.ClaimedAt == nil || !rec.ClaimedAt.Equal(claimedAt.UTC()) {
		return false, nil
	}
	delete(s.alarms, key)
	return true, nil
}

func (s *Store) Close() error {
	return nil
}

func copyRecord(rec *types.ObjectRecord) *types.ObjectRecord {
	out := *rec
	out.State = rec.State.Clone()
	return &out
}

func copyAlarm(rec *types.AlarmRecord) *types.AlarmRecord {
	out := *rec
	if rec.ClaimedAt != nil {
		at := *rec.ClaimedAt
		out.ClaimedAt = &at
	}
	return &out
}

var _ storage.Store = (*Store)(nil)
