// Package alarm implements durable, named, time-deferred invocations. Two
// backends satisfy the same contract: a claim-based poller over the alarms
// table, and a delegate that hands delivery to an external job-processing
// system.
package alarm

import (
	"context"
	"time"

	"github.com/perchlabs/perch/internal/types"
)

// Scheduler is the four-operation alarm contract. Delivery is
// at-least-once; alarm handlers must be idempotent.
type Scheduler interface {
	// Schedule upserts an alarm due at now + delay, replacing any existing
	// alarm with the same (type, id, name) and clearing its claim.
	Schedule(ctx context.Context, ref types.Ref, name string, delay time.Duration) error

	// Cancel removes the named alarm. Ok even if absent.
	Cancel(ctx context.Context, ref types.Ref, name string) error

	// CancelAll removes every pending alarm for the entity.
	CancelAll(ctx context.Context, ref types.Ref) error

	// List returns pending alarms in ascending scheduled order.
	List(ctx context.Context, ref types.Ref) ([]types.AlarmRecord, error)
}

// FireFunc routes an alarm firing to the target entity's alarm entry,
// activating the instance if necessary. A nil return retires the alarm;
// error kinds decide retry behavior (see the poll backend).
type FireFunc func(ctx context.Context, ref types.Ref, name string) error
