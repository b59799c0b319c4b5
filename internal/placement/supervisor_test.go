package placement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/registry"
	"github.com/perchlabs/perch/internal/storage/memory"
	"github.com/perchlabs/perch/internal/types"
)

func newTestSupervisor(t *testing.T, activations *atomic.Int32) (*Supervisor, *catalog.Catalog) {
	t.Helper()
	cat := catalog.New()
	def := catalog.Definition{
		Type:   "counter",
		Fields: []catalog.Field{{Name: "count", Default: 0}},
		Handlers: map[string]catalog.Handler{
			"increment": {Arity: 1, Fn: func(args []any, st types.State) types.Return {
				n := st["count"].(int) + args[0].(int)
				st["count"] = n
				return types.ReplyState(n, st)
			}},
			"get": {Arity: 0, Fn: func(args []any, st types.State) types.Return {
				return types.ReplyWith(st["count"])
			}},
		},
	}
	if activations != nil {
		def.AfterLoad = func(st types.State) (types.State, *types.AlarmDirective, error) {
			activations.Add(1)
			return st, nil, nil
		}
	}
	require.NoError(t, cat.Register(def))

	sup := New(Config{
		Catalog:  cat,
		Registry: registry.NewLocal(),
		Store:    memory.New(),
	})
	t.Cleanup(func() { sup.StopAll("test done") })
	return sup, cat
}

func TestActivateReturnsSameHandle(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ref := types.Ref{Type: "counter", ID: "c1"}

	a, err := sup.Activate(t.Context(), ref)
	require.NoError(t, err)
	b, err := sup.Activate(t.Context(), ref)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestConcurrentActivationIsSingleton(t *testing.T) {
	var activations atomic.Int32
	sup, _ := newTestSupervisor(t, &activations)
	ref := types.Ref{Type: "counter", ID: "c1"}

	var wg sync.WaitGroup
	handles := make([]registry.Handle, 50)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := sup.Activate(context.Background(), ref)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	// Every racer adopted the one winning placement.
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
	// The after-load hook runs once per live incarnation.
	require.Eventually(t, func() bool {
		return activations.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), activations.Load())
}

func TestActivateUnknownType(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	_, err := sup.Activate(t.Context(), types.Ref{Type: "ghost", ID: "g1"})
	assert.Equal(t, types.KindUnknownHandler, types.KindOf(err))
}

func TestActivateInvalidRef(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	_, err := sup.Activate(t.Context(), types.Ref{Type: "counter"})
	assert.Equal(t, types.KindActivationFailed, types.KindOf(err))
}

func TestDeactivateThenReactivateKeepsState(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ref := types.Ref{Type: "counter", ID: "c1"}

	h, err := sup.Activate(t.Context(), ref)
	require.NoError(t, err)
	res, err := h.Invoke(t.Context(), "increment", []any{5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)

	sup.Deactivate(ref, "test")
	inst := h.(interface{ Done() <-chan struct{} })
	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("deactivate should stop the instance")
	}

	// A fresh activation loads the persisted state.
	h2, err := sup.Activate(t.Context(), ref)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	res, err = h2.Invoke(t.Context(), "get", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)
}

func TestFireActivatesOnDemand(t *testing.T) {
	cat := catalog.New()
	fired := make(chan string, 1)
	require.NoError(t, cat.Register(catalog.Definition{
		Type: "waker",
		OnAlarm: func(name string, st types.State) types.Return {
			fired <- name
			return types.NoReply{}
		},
	}))
	sup := New(Config{Catalog: cat, Registry: registry.NewLocal(), Store: memory.New()})
	t.Cleanup(func() { sup.StopAll("test done") })

	require.NoError(t, sup.Fire(t.Context(), types.Ref{Type: "waker", ID: "w1"}, "tick"))
	select {
	case name := <-fired:
		assert.Equal(t, "tick", name)
	default:
		t.Fatal("alarm handler did not run")
	}
}

func TestFireUnknownTypeReportsUnknownHandler(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	err := sup.Fire(t.Context(), types.Ref{Type: "ghost", ID: "g1"}, "tick")
	assert.Equal(t, types.KindUnknownHandler, types.KindOf(err))
}
