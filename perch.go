// Package perch is a durable virtual-actor runtime: named single-instance
// stateful entities, each identified by a (type, id) pair, that persist
// their state to a relational store and schedule future work via named
// alarms.
//
// Applications register entity definitions during init and open a Runtime:
//
//	perch.MustRegister(perch.Definition{
//		Type:   "counter",
//		Fields: []perch.Field{{Name: "count", Default: 0}},
//		Handlers: map[string]perch.Handler{
//			"increment": {Arity: 1, Fn: increment},
//		},
//	})
//
//	rt, err := perch.Open(ctx, perch.Options{StoreDSN: dsn})
//	res, err := rt.Invoke(ctx, perch.Ref{Type: "counter", ID: "hits"}, "increment", []any{5})
//
// The runtime guarantees at most one live instance per identity within the
// addressable scope, transactional persistence of state mutations, and
// at-least-once delivery of scheduled alarms.
package perch

import (
	"context"

	"github.com/perchlabs/perch/internal/catalog"
	"github.com/perchlabs/perch/internal/runtime"
	"github.com/perchlabs/perch/internal/types"
)

// Core identity and state types.
type (
	Ref    = types.Ref
	State  = types.State
	Result = types.Result
	Error  = types.Error
)

// Entity declaration types.
type (
	Definition = catalog.Definition
	Field      = catalog.Field
	Handler    = catalog.Handler
	Options    = runtime.Options
)

// Handler return values.
type (
	Return         = types.Return
	Reply          = types.Reply
	NoReply        = types.NoReply
	Fail           = types.Fail
	AlarmDirective = types.AlarmDirective
)

// Return constructors.
var (
	ReplyWith    = types.ReplyWith
	ReplyState   = types.ReplyState
	ReplyAlarm   = types.ReplyAlarm
	NoReplyState = types.NoReplyState
	NoReplyAlarm = types.NoReplyAlarm
	FailWith     = types.FailWith
)

// Error kinds surfaced on calling paths.
const (
	KindUnknownHandler    = types.KindUnknownHandler
	KindHandlerFailure    = types.KindHandlerFailure
	KindPersistenceFailed = types.KindPersistenceFailed
	KindLoadFailed        = types.KindLoadFailed
	KindScheduleFailed    = types.KindScheduleFailed
	KindActivationFailed  = types.KindActivationFailed
	KindTimeout           = types.KindTimeout
)

// KindOf extracts the error kind from a runtime error.
var KindOf = types.KindOf

// Runtime is a running node; see Open.
type Runtime = runtime.Runtime

// Register adds an entity definition to the process-global catalog.
// Call during program init, before Open.
func Register(def Definition) error {
	return catalog.Default.Register(def)
}

// MustRegister is Register, panicking on a definition error.
func MustRegister(def Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// ResetCatalog drops every registered definition and interned symbol.
// Test suites call this to start fresh.
func ResetCatalog() {
	catalog.Default.Reset()
	catalog.Symbols.Reset()
}

// Open builds and starts a runtime node.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	return runtime.New(ctx, opts)
}
