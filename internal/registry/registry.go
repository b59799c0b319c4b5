// Package registry maps (type, id) identities to live instance handles and
// enforces the unique-name guarantee within the addressable scope.
package registry

import (
	"context"

	"github.com/perchlabs/perch/internal/types"
)

// Handle is a live instance a caller can route work to. Local handles are
// instances in this process; distributed registries may return handles that
// proxy to another node.
type Handle interface {
	// Ref returns the entity identity the handle serves.
	Ref() types.Ref

	// Invoke runs a named handler. The caller suspends on the reply until
	// ctx's deadline.
	Invoke(ctx context.Context, handler string, args []any) (types.Result, error)

	// Fire runs the alarm entry for the named alarm.
	Fire(ctx context.Context, name string) error

	// Stop terminates the instance. Idempotent.
	Stop(reason string)
}

// Registry is the directory of live instances.
type Registry interface {
	// Locate returns the handle for ref, if one is registered.
	Locate(ref types.Ref) (Handle, bool)

	// Claim atomically binds h to ref. When another handle already holds
	// the name, Claim returns the winner and false; the caller adopts it
	// instead of starting a duplicate.
	Claim(ref types.Ref, h Handle) (Handle, bool, error)

	// Release unbinds ref, but only while h is still the bound handle.
	Release(ref types.Ref, h Handle)

	// List returns the refs currently bound.
	List() []types.Ref

	Close() error
}
