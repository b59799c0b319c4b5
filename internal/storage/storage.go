// Package storage defines the persistence contract for entity records and
// alarm records. Backends live in subpackages; the runtime only sees this
// interface.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/perchlabs/perch/internal/types"
)

// Sentinel errors for common store conditions.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid indicates a malformed key or document.
	ErrInvalid = errors.New("invalid")
)

// Store is the persistence backend. The prefix parameter is an opaque
// scoping identifier; backends apply it unchanged to every operation.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load fetches the entity record, or ErrNotFound.
	Load(ctx context.Context, prefix, typ, id string) (*types.ObjectRecord, error)

	// Save upserts the entity's state document. updated_at is set to the
	// wall clock; created_at equals updated_at when inserting.
	Save(ctx context.Context, prefix, typ, id string, doc map[string]any) (*types.ObjectRecord, error)

	// Delete removes the entity record. Idempotent.
	Delete(ctx context.Context, prefix, typ, id string) error

	// UpsertAlarm schedules or reschedules the named alarm. Rescheduling
	// overwrites scheduled_at and clears any claim.
	UpsertAlarm(ctx context.Context, prefix, typ, id, name string, at time.Time) error

	// DeleteAlarm removes the named alarm unconditionally. Idempotent.
	DeleteAlarm(ctx context.Context, prefix, typ, id, name string) error

	// DeleteAlarms removes every alarm for the entity.
	DeleteAlarms(ctx context.Context, prefix, typ, id string) error

	// ListAlarms returns the entity's alarms in ascending scheduled_at
	// order.
	ListAlarms(ctx context.Context, prefix, typ, id string) ([]types.AlarmRecord, error)

	// DueAlarms returns alarms with scheduled_at <= now that are either
	// unclaimed or whose claim is older than staleBefore.
	DueAlarms(ctx context.Context, prefix string, now, staleBefore time.Time, limit int) ([]types.AlarmRecord, error)

	// ClaimAlarm atomically stamps claimed_at = claimAt when the row is
	// unclaimed or stale. Returns false when another worker holds a live
	// claim.
	ClaimAlarm(ctx context.Context, prefix, typ, id, name string, claimAt, staleBefore time.Time) (bool, error)

	// RetireAlarm deletes the row only while it still carries the given
	// claim timestamp. Returns false when the row was rescheduled or
	// removed in the meantime.
	RetireAlarm(ctx context.Context, prefix, typ, id, name string, claimedAt time.Time) (bool, error)

	Close() error
}

// ValidateKey rejects empty identity components before they reach a
// backend.
func ValidateKey(typ, id string) error {
	if typ == "" || id == "" {
		return ErrInvalid
	}
	return nil
}
