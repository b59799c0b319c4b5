package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/storage/memory"
	"github.com/perchlabs/perch/internal/telemetry"
	"github.com/perchlabs/perch/internal/types"
)

// flakyStore wraps a store and fails saves on demand.
type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	failSaves int
	saves     int
}

func (f *flakyStore) Save(ctx context.Context, prefix, typ, id string, doc map[string]any) (*types.ObjectRecord, error) {
	f.mu.Lock()
	fail := f.failSaves > 0
	if fail {
		f.failSaves--
	} else {
		f.saves++
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("write rejected")
	}
	return f.Store.Save(ctx, prefix, typ, id, doc)
}

func (f *flakyStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// recordingScheduler captures alarm directives.
type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []string
	fail      bool
}

func (r *recordingScheduler) Schedule(ctx context.Context, ref types.Ref, name string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return types.ScheduleFailed(errors.New("scheduler down"))
	}
	r.scheduled = append(r.scheduled, name)
	return nil
}

func (r *recordingScheduler) Cancel(context.Context, types.Ref, string) error { return nil }
func (r *recordingScheduler) CancelAll(context.Context, types.Ref) error      { return nil }
func (r *recordingScheduler) List(context.Context, types.Ref) ([]types.AlarmRecord, error) {
	return nil, nil
}

func (r *recordingScheduler) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.scheduled...)
}

func counterDef() *catalog.Definition {
	return &catalog.Definition{
		Type:   "counter",
		Fields: []catalog.Field{{Name: "count", Default: 0}},
		Handlers: map[string]catalog.Handler{
			"increment": {Arity: 1, Fn: func(args []any, st types.State) types.Return {
				n := toInt(st["count"]) + toInt(args[0])
				st["count"] = n
				return types.ReplyState(n, st)
			}},
			"get": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				return types.ReplyWith(toInt(st["count"]))
			}},
			"noop": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				return types.ReplyState("unchanged", st)
			}},
			"whoami": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				return types.ReplyWith(st[catalog.IdentityField])
			}},
			"fail": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				st["count"] = 999
				return types.FailWith(errors.New("refused"))
			}},
			"explode": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				panic("kaboom")
			}},
		},
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func startInstance(t *testing.T, cfg Config) *Instance {
	t.Helper()
	if cfg.Def == nil {
		cfg.Def = counterDef()
	}
	if cfg.Ref == (types.Ref{}) {
		cfg.Ref = types.Ref{Type: "counter", ID: "c1"}
	}
	inst := New(cfg)
	inst.Start()
	t.Cleanup(func() { inst.Stop("test done") })
	return inst
}

func TestInvokePersistsStateChange(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store})

	res, err := inst.Invoke(t.Context(), "increment", []any{5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)

	rec, err := store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.State["count"])
}

func TestBootstrapSeedsDefaults(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store})

	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Value)

	// The default record was written before the first handler ran.
	rec, err := store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.State["count"])
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	inst := startInstance(t, Config{Store: store})

	// Establish count = 1.
	_, err := inst.Invoke(t.Context(), "increment", []any{1})
	require.NoError(t, err)

	store.mu.Lock()
	store.failSaves = 1
	store.mu.Unlock()

	_, err = inst.Invoke(t.Context(), "increment", []any{10})
	require.Error(t, err)
	assert.Equal(t, types.KindPersistenceFailed, types.KindOf(err))

	// In-memory and on-disk state both show the pre-handler value.
	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Value)

	rec, err := store.Store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.State["count"])
}

func TestNoOpStateSkipsSave(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	inst := startInstance(t, Config{Store: store})

	_, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	base := store.saveCount() // the bootstrap write

	_, err = inst.Invoke(t.Context(), "noop", nil)
	require.NoError(t, err)
	assert.Equal(t, base, store.saveCount(), "unchanged state must not be written")
}

func TestHandlerFailureLeavesState(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store})

	_, err := inst.Invoke(t.Context(), "fail", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindHandlerFailure, types.KindOf(err))

	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Value)
}

func TestUnknownHandler(t *testing.T) {
	inst := startInstance(t, Config{Store: memory.New()})

	_, err := inst.Invoke(t.Context(), "bogus", nil)
	assert.Equal(t, types.KindUnknownHandler, types.KindOf(err))

	// Declared name, wrong arity.
	_, err = inst.Invoke(t.Context(), "increment", nil)
	assert.Equal(t, types.KindUnknownHandler, types.KindOf(err))
}

func TestIdentityVisibleButNotPersisted(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store})

	res, err := inst.Invoke(t.Context(), "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Value)

	_, err = inst.Invoke(t.Context(), "increment", []any{1})
	require.NoError(t, err)
	rec, err := store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	_, ok := rec.State["id"]
	assert.False(t, ok, "identity field must not reach the store")
}

func TestSerializedOrder(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inst.Invoke(context.Background(), "increment", []any{1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Value, "serialized increments must not lose updates")
}

func TestAlarmDirectiveCommitsAfterSave(t *testing.T) {
	sched := &recordingScheduler{}
	def := counterDef()
	def.Handlers["tickme"] = catalog.Handler{Arity: 0, Fn: func(args []any, st types.State) types.Return {
		st["count"] = toInt(st["count"]) + 1
		return types.ReplyAlarm("ok", st, "tick", 50*time.Millisecond)
	}}
	inst := startInstance(t, Config{Store: memory.New(), Scheduler: sched, Def: def})

	_, err := inst.Invoke(t.Context(), "tickme", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"tick"}, sched.names())
}

func TestAlarmDirectiveSkippedOnSaveFailure(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	sched := &recordingScheduler{}
	def := counterDef()
	def.Handlers["tickme"] = catalog.Handler{Arity: 0, Fn: func(args []any, st types.State) types.Return {
		st["count"] = toInt(st["count"]) + 1
		return types.ReplyAlarm("ok", st, "tick", 0)
	}}
	inst := startInstance(t, Config{Store: store, Scheduler: sched, Def: def})

	// Bootstrap first so only the handler's save fails.
	_, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	store.mu.Lock()
	store.failSaves = 1
	store.mu.Unlock()

	_, err = inst.Invoke(t.Context(), "tickme", nil)
	require.Error(t, err)
	assert.Empty(t, sched.names(), "a failed save must suppress the alarm directive")
}

func TestSchedulerFailureDoesNotRollBackState(t *testing.T) {
	sched := &recordingScheduler{fail: true}
	store := memory.New()
	def := counterDef()
	def.Handlers["tickme"] = catalog.Handler{Arity: 0, Fn: func(args []any, st types.State) types.Return {
		st["count"] = 42
		return types.ReplyAlarm("ok", st, "tick", 0)
	}}
	inst := startInstance(t, Config{Store: store, Scheduler: sched, Def: def})

	res, err := inst.Invoke(t.Context(), "tickme", nil)
	require.NoError(t, err, "the state change was persisted before the scheduler call")
	assert.Equal(t, "ok", res.Value)

	rec, err := store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 42, rec.State["count"])
}

func TestFireAlarmEntry(t *testing.T) {
	store := memory.New()
	def := counterDef()
	def.OnAlarm = func(name string, st types.State) types.Return {
		st["count"] = toInt(st["count"]) + 1
		return types.NoReplyState(st)
	}
	inst := startInstance(t, Config{Store: store, Def: def})

	require.NoError(t, inst.Fire(t.Context(), "tick"))
	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Value)
}

func TestFireWithoutOnAlarmIsOk(t *testing.T) {
	inst := startInstance(t, Config{Store: memory.New()})
	assert.NoError(t, inst.Fire(t.Context(), "tick"))
}

func TestFireRejectsReplyShape(t *testing.T) {
	def := counterDef()
	def.OnAlarm = func(name string, st types.State) types.Return {
		return types.ReplyWith("not allowed")
	}
	inst := startInstance(t, Config{Store: memory.New(), Def: def})

	err := inst.Fire(t.Context(), "tick")
	assert.Equal(t, types.KindHandlerFailure, types.KindOf(err))
}

func TestPanickingHandlerTerminatesInstance(t *testing.T) {
	inst := startInstance(t, Config{Store: memory.New()})

	_, err := inst.Invoke(t.Context(), "explode", nil)
	assert.Equal(t, types.KindHandlerFailure, types.KindOf(err))

	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("instance should terminate after a panic")
	}
}

func TestLoadFailureTerminates(t *testing.T) {
	store := &failingLoadStore{Store: memory.New()}
	inst := startInstance(t, Config{Store: store})

	_, err := inst.Invoke(t.Context(), "get", nil)
	assert.Equal(t, types.KindLoadFailed, types.KindOf(err))
	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("instance should terminate on load failure")
	}
}

type failingLoadStore struct {
	storage.Store
}

func (f *failingLoadStore) Load(ctx context.Context, prefix, typ, id string) (*types.ObjectRecord, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestAfterLoadHookPersistsAndSchedules(t *testing.T) {
	store := memory.New()
	sched := &recordingScheduler{}
	def := counterDef()
	def.AfterLoad = func(st types.State) (types.State, *types.AlarmDirective, error) {
		st["count"] = 100
		return st, &types.AlarmDirective{Name: "warmup", Delay: time.Second}, nil
	}
	inst := startInstance(t, Config{Store: store, Scheduler: sched, Def: def})

	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Value)
	assert.Equal(t, []string{"warmup"}, sched.names())

	rec, err := store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.State["count"])
}

func TestHibernationWakesOnMessage(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store, HibernateAfter: 20 * time.Millisecond})

	_, err := inst.Invoke(t.Context(), "increment", []any{3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return inst.Phase() == Hibernated
	}, time.Second, 5*time.Millisecond)

	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value, "hibernation must not lose persisted state")
}

func TestInactivityShutdown(t *testing.T) {
	store := memory.New()
	inst := startInstance(t, Config{Store: store, ShutdownAfter: 20 * time.Millisecond})

	_, err := inst.Invoke(t.Context(), "increment", []any{1})
	require.NoError(t, err)

	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("instance should stop after the inactivity timeout")
	}

	_, err = inst.Invoke(t.Context(), "get", nil)
	require.ErrorIs(t, err, ErrStopped)
}

func TestForwardCompatibleLoad(t *testing.T) {
	store := memory.New()
	// A row written by an older build with a field that no longer exists.
	_, err := store.Save(t.Context(), "", "counter", "c1", map[string]any{
		"count":        7,
		"legacy_field": 7,
	})
	require.NoError(t, err)

	inst := startInstance(t, Config{Store: store})
	res, err := inst.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Value)

	// Saving back writes only declared fields.
	_, err = inst.Invoke(t.Context(), "increment", []any{1})
	require.NoError(t, err)
	rec, err := store.Load(t.Context(), "", "counter", "c1")
	require.NoError(t, err)
	_, ok := rec.State["legacy_field"]
	assert.False(t, ok)
}

func TestExistingSymbolsPolicyFailsActivation(t *testing.T) {
	store := memory.New()
	symbols := catalog.NewSymbolTable()
	def := &catalog.Definition{
		Type:   "widget",
		Fields: []catalog.Field{{Name: "labels", Default: map[string]any{}}},
		Handlers: map[string]catalog.Handler{
			"get": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				return types.ReplyWith(st["labels"])
			}},
		},
	}
	_, err := store.Save(t.Context(), "", "widget", "w1", map[string]any{
		"labels": map[string]any{"unregistered": 1},
	})
	require.NoError(t, err)

	inst := startInstance(t, Config{
		Ref:       types.Ref{Type: "widget", ID: "w1"},
		Def:       def,
		Store:     store,
		KeyPolicy: catalog.KeysExistingSymbols,
		Symbols:   symbols,
	})
	_, err = inst.Invoke(t.Context(), "get", nil)
	assert.Equal(t, types.KindLoadFailed, types.KindOf(err))
}

func TestCallerDeadlineAbandonsWait(t *testing.T) {
	def := counterDef()
	def.Handlers["slow"] = catalog.Handler{Arity: 0, Fn: func(args []any, st types.State) types.Return {
		time.Sleep(200 * time.Millisecond)
		st["count"] = 77
		return types.ReplyState("done", st)
	}}
	store := memory.New()
	inst := startInstance(t, Config{Store: store, Def: def})

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	_, err := inst.Invoke(ctx, "slow", nil)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))

	// The instance still completes and persists the mutation.
	require.Eventually(t, func() bool {
		rec, err := store.Load(context.Background(), "", "counter", "c1")
		return err == nil && rec.State["count"] == 77
	}, time.Second, 10*time.Millisecond)
}

func TestTelemetrySpansAroundSaves(t *testing.T) {
	tel := telemetry.Nop()
	saves := 0
	tel.Bus.Attach("count-saves", []string{"runtime", "store", "save", "start"}, 0, func(telemetry.Event) {
		saves++
	})
	store := storage.Instrument(memory.New(), "memory", tel)
	inst := startInstance(t, Config{Store: store, Tel: tel})

	_, err := inst.Invoke(t.Context(), "increment", []any{1})
	require.NoError(t, err)
	base := saves

	_, err = inst.Invoke(t.Context(), "noop", nil)
	require.NoError(t, err)
	assert.Equal(t, base, saves, "no-op returns must not produce save spans")
}
