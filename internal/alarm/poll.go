package alarm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/telemetry"
	"github.com/perchlabs/perch/internal/types"
)

// PollConfig configures the poll backend.
type PollConfig struct {
	Store    storage.Store
	Fire     FireFunc
	Prefix   string
	Interval time.Duration // default 30s
	ClaimTTL time.Duration // default 60s
	Batch    int           // max rows per poll, default 100
	Tel      *telemetry.Telemetry
}

func (c *PollConfig) fill() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 60 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.Tel == nil {
		c.Tel = telemetry.Nop()
	}
}

// Poll is the claim-based scheduler: alarms live in the alarms table, a
// poller claims due rows with a conditional update, fires them, and retires
// rows it still owns. A worker that dies between claim and retire leaves
// the row claimed until ClaimTTL elapses; any poller then re-fires it. That
// window is the sole source of duplicate delivery.
type Poll struct {
	store    storage.Store
	fire     FireFunc
	prefix   string
	interval time.Duration
	ttl      time.Duration
	batch    int
	tel      *telemetry.Telemetry
	log      *zap.Logger
}

// NewPoll builds the poll backend.
func NewPoll(cfg PollConfig) *Poll {
	cfg.fill()
	return &Poll{
		store:    cfg.Store,
		fire:     cfg.Fire,
		prefix:   cfg.Prefix,
		interval: cfg.Interval,
		ttl:      cfg.ClaimTTL,
		batch:    cfg.Batch,
		tel:      cfg.Tel,
		log:      cfg.Tel.Log.Named("poller"),
	}
}

func (p *Poll) Schedule(ctx context.Context, ref types.Ref, name string, delay time.Duration) error {
	at := time.Now().Add(delay)
	if err := p.store.UpsertAlarm(ctx, p.prefix, ref.Type, ref.ID, name, at); err != nil {
		return types.ScheduleFailed(err)
	}
	return nil
}

func (p *Poll) Cancel(ctx context.Context, ref types.Ref, name string) error {
	if err := p.store.DeleteAlarm(ctx, p.prefix, ref.Type, ref.ID, name); err != nil {
		return types.ScheduleFailed(err)
	}
	return nil
}

func (p *Poll) CancelAll(ctx context.Context, ref types.Ref) error {
	if err := p.store.DeleteAlarms(ctx, p.prefix, ref.Type, ref.ID); err != nil {
		return types.ScheduleFailed(err)
	}
	return nil
}

func (p *Poll) List(ctx context.Context, ref types.Ref) ([]types.AlarmRecord, error) {
	recs, err := p.store.ListAlarms(ctx, p.prefix, ref.Type, ref.ID)
	if err != nil {
		return nil, types.ScheduleFailed(err)
	}
	return recs, nil
}

// Run polls until ctx is canceled. In distributed mode the singleton guard
// ensures at most one Run is active cluster-wide.
func (p *Poll) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx, time.Now())
		}
	}
}

// PollOnce performs a single poll cycle: select due rows, claim each, fire,
// and retire. Exposed so tests can drive cycles directly.
func (p *Poll) PollOnce(ctx context.Context, now time.Time) {
	stale := now.Add(-p.ttl)
	due, err := p.store.DueAlarms(ctx, p.prefix, now, stale, p.batch)
	if err != nil {
		p.log.Warn("due scan failed", zap.Error(err))
		return
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		p.fireOne(ctx, rec, stale)
	}
}

func (p *Poll) fireOne(ctx context.Context, rec types.AlarmRecord, stale time.Time) {
	claimAt := time.Now()
	owned, err := p.store.ClaimAlarm(ctx, p.prefix, rec.Type, rec.ID, rec.Name, claimAt, stale)
	if err != nil {
		p.log.Warn("claim failed", zap.String("ref", rec.Ref().String()), zap.String("name", rec.Name), zap.Error(err))
		return
	}
	if !owned {
		p.tel.ClaimConflicts.Add(ctx, 1)
		return
	}

	p.tel.AlarmFires.Add(ctx, 1)
	err = p.fire(ctx, rec.Ref(), rec.Name)
	switch types.KindOf(err) {
	case "":
		if err != nil {
			// Routing-layer failures are treated as handler failures: the
			// claim stands and the row retries after the TTL.
			p.log.Warn("fire failed", zap.String("ref", rec.Ref().String()), zap.String("name", rec.Name), zap.Error(err))
			return
		}
		// Zero rows deleted means the handler rescheduled the alarm, which
		// cleared the claim; the new row stays.
		if _, err := p.store.RetireAlarm(ctx, p.prefix, rec.Type, rec.ID, rec.Name, claimAt); err != nil {
			p.log.Warn("retire failed", zap.String("ref", rec.Ref().String()), zap.String("name", rec.Name), zap.Error(err))
		}
	case types.KindPersistenceFailed:
		// Leave the row claimed; it becomes eligible again after the TTL.
	case types.KindUnknownHandler:
		// The application module no longer exists; the row is an orphan.
		p.log.Info("deleting orphan alarm", zap.String("ref", rec.Ref().String()), zap.String("name", rec.Name))
		if err := p.store.DeleteAlarm(ctx, p.prefix, rec.Type, rec.ID, rec.Name); err != nil {
			p.log.Warn("orphan delete failed", zap.Error(err))
		}
	default:
		p.log.Warn("alarm handler failed, will retry after claim ttl",
			zap.String("ref", rec.Ref().String()), zap.String("name", rec.Name), zap.Error(err))
	}
}

var _ Scheduler = (*Poll)(nil)
