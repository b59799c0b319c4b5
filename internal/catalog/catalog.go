// Package catalog holds the process-global registry of entity type
// definitions. Applications register a Definition per entity type during
// program init; activation consults the catalog by type name.
package catalog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/perchlabs/perch/internal/types"
)

// IdentityField is the reserved handler-visible field carrying the entity
// id. It is injected after load and stripped before save; declarations may
// not shadow it.
const IdentityField = "id"

// HandlerFunc processes one invocation: the caller's arguments plus the
// current state, producing a Return.
type HandlerFunc func(args []any, st types.State) types.Return

// AlarmFunc handles a fired alarm by name. Its Return shape is restricted to
// NoReply or Fail; a Reply is rejected at fire time with a handler_failure
// error.
type AlarmFunc func(name string, st types.State) types.Return

// LoadHook runs once after the initial load. It may rewrite the state and
// optionally request an alarm; any state change is persisted before the
// instance becomes ready.
type LoadHook func(st types.State) (types.State, *types.AlarmDirective, error)

// Field declares one top-level state field with its default value.
type Field struct {
	Name    string
	Default any
}

// Handler pairs a declared arity with its callable.
type Handler struct {
	Arity int
	Fn    HandlerFunc
}

// Options carries per-entity runtime configuration. Zero values fall
// through to the process-wide defaults.
type Options struct {
	HibernateAfter time.Duration
	ShutdownAfter  time.Duration
	Keys           KeyPolicy
	Prefix         string
}

// Definition describes one entity type: its state schema, handlers, and
// lifecycle hooks.
type Definition struct {
	Type      string
	Fields    []Field
	Handlers  map[string]Handler
	OnAlarm   AlarmFunc
	AfterLoad LoadHook
	Options   Options
}

// DefaultState builds a fresh state from the declared defaults. Mutable
// defaults are deep-copied so instances never share them.
func (d *Definition) DefaultState() types.State {
	st := make(types.State, len(d.Fields))
	for _, f := range d.Fields {
		st[f.Name] = types.State{"v": f.Default}.Clone()["v"]
	}
	return st
}

// Handler resolves a declared handler by name.
func (d *Definition) Handler(name string) (Handler, bool) {
	h, ok := d.Handlers[name]
	return h, ok
}

func (d *Definition) validate() error {
	if d.Type == "" {
		return fmt.Errorf("definition: empty type name")
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("definition %s: empty field name", d.Type)
		}
		if f.Name == IdentityField {
			return fmt.Errorf("definition %s: field %q shadows the identity field", d.Type, IdentityField)
		}
		if seen[f.Name] {
			return fmt.Errorf("definition %s: duplicate field %q", d.Type, f.Name)
		}
		seen[f.Name] = true
	}
	for name, h := range d.Handlers {
		if name == "" {
			return fmt.Errorf("definition %s: empty handler name", d.Type)
		}
		if h.Fn == nil {
			return fmt.Errorf("definition %s: handler %q has no callable", d.Type, name)
		}
		if h.Arity < 0 {
			return fmt.Errorf("definition %s: handler %q has negative arity", d.Type, name)
		}
	}
	if !d.Options.Keys.valid() {
		return fmt.Errorf("definition %s: unknown key policy %q", d.Type, d.Options.Keys)
	}
	return nil
}

// Catalog maps entity type names to definitions.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{defs: make(map[string]*Definition)}
}

// Register adds a definition. Registering the same type twice is an error;
// tests use Reset between suites instead.
func (c *Catalog) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if def.Handlers == nil {
		def.Handlers = map[string]Handler{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.Type]; ok {
		return fmt.Errorf("definition %s: already registered", def.Type)
	}
	c.defs[def.Type] = &def
	return nil
}

// Lookup resolves a type name to its definition.
func (c *Catalog) Lookup(typ string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[typ]
	return def, ok
}

// Types returns the registered type names, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for t := range c.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Reset drops every registration. Test suites call this to start fresh.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = make(map[string]*Definition)
}

// Default is the process-wide catalog populated during program init.
var Default = New()
