// Package registry holds the set of backend sources the gateway routes to:
// built-in sources from configuration and sources registered at runtime.
//
// Each subset lives behind an atomic pointer. Writers build a complete
// replacement and swap it in, so readers never lock and never observe a
// half-applied change.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/classification"
	"github.com/CybercentreCanada/clue/internal/logging"
)

var (
	// ErrConflict is returned when registering a name that is already
	// registered dynamically.
	ErrConflict = errors.New("source already registered")
	// ErrInvalid wraps descriptor validation failures.
	ErrInvalid = errors.New("invalid source descriptor")
)

// EventKind names a registry change.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventRemoved    EventKind = "removed"
)

// Notifier is told about every successful register or remove.
type Notifier interface {
	NotifyRegistry(ctx context.Context, kind EventKind, name string) error
}

type snapshot struct {
	byName map[string]*Entry
}

func newSnapshot(entries []*Entry) *snapshot {
	s := &snapshot{byName: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		s.byName[e.Name] = e
	}
	return s
}

func (s *snapshot) entries() []*Entry {
	out := make([]*Entry, 0, len(s.byName))
	for _, e := range s.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Options configure a Registry.
type Options struct {
	Engine classification.Engine
	// Ceiling is the most restrictive classification any source may carry.
	// Empty means the engine's most restrictive level.
	Ceiling  string
	Store    SetStore
	Resolver CapabilityResolver
	Notifier Notifier
	Logger   *zap.Logger
}

// Registry is safe for concurrent use.
type Registry struct {
	builtin atomic.Pointer[snapshot]
	dynamic atomic.Pointer[snapshot]

	// writeMu serializes writers; readers never take it.
	writeMu sync.Mutex

	engine   classification.Engine
	ceiling  string
	store    SetStore
	resolve  CapabilityResolver
	notifier Notifier
	logger   *zap.Logger
}

// New builds a registry seeded with builtins. The dynamic subset starts empty
// until Refresh loads the persisted set.
func New(opts Options, builtins []Source) (*Registry, error) {
	if opts.Engine == nil {
		opts.Engine = classification.NewTLP()
	}
	if opts.Store == nil {
		opts.Store = NewMemorySet()
	}
	if opts.Resolver == nil {
		opts.Resolver = func(Source) Capabilities { return Capabilities{} }
	}
	ceiling := opts.Ceiling
	if ceiling == "" {
		levels := opts.Engine.Levels()
		ceiling = levels[len(levels)-1]
	}
	normCeiling, err := opts.Engine.Normalize(ceiling, true)
	if err != nil {
		return nil, fmt.Errorf("classification ceiling: %w", err)
	}

	r := &Registry{
		engine:   opts.Engine,
		ceiling:  normCeiling,
		store:    opts.Store,
		resolve:  opts.Resolver,
		notifier: opts.Notifier,
		logger:   logging.OrNop(opts.Logger).Named("registry"),
	}
	r.dynamic.Store(newSnapshot(nil))
	if err := r.SetBuiltins(builtins); err != nil {
		return nil, err
	}
	return r, nil
}

// Ceiling is the deployment classification ceiling.
func (r *Registry) Ceiling() string {
	return r.ceiling
}

// SetBuiltins replaces the built-in subset, e.g. after a config reload.
func (r *Registry) SetBuiltins(sources []Source) error {
	entries := make([]*Entry, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		norm, err := src.normalize(r.engine, r.ceiling)
		if err != nil {
			return fmt.Errorf("built-in source %q: %w", src.Name, err)
		}
		if _, dup := seen[norm.Name]; dup {
			return fmt.Errorf("%w: built-in source %s is configured twice", ErrConflict, norm.Name)
		}
		seen[norm.Name] = struct{}{}
		norm.BuiltIn = true
		entries = append(entries, &Entry{Source: norm, Caps: r.resolve(norm)})
	}

	r.writeMu.Lock()
	r.builtin.Store(newSnapshot(entries))
	r.writeMu.Unlock()

	r.logger.Info("built-in sources loaded", zap.Int("count", len(entries)))
	return nil
}

// Register validates src and adds it to the dynamic subset and the shared
// set. A dynamic source may shadow a built-in of the same name.
func (r *Registry) Register(ctx context.Context, src Source) (Source, error) {
	norm, err := src.normalize(r.engine, r.ceiling)
	if err != nil {
		return Source{}, err
	}
	norm.BuiltIn = false

	member, err := norm.member()
	if err != nil {
		return Source{}, fmt.Errorf("encode source: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.dynamic.Load()
	if _, exists := current.byName[norm.Name]; exists {
		return Source{}, fmt.Errorf("%w: %s", ErrConflict, norm.Name)
	}
	persisted, err := r.persistedByName(ctx, norm.Name)
	if err != nil {
		return Source{}, err
	}
	if len(persisted) > 0 {
		return Source{}, fmt.Errorf("%w: %s", ErrConflict, norm.Name)
	}

	if _, err := r.store.Add(ctx, member); err != nil {
		return Source{}, err
	}

	next := current.entries()
	next = append(next, &Entry{Source: norm, Caps: r.resolve(norm)})
	r.dynamic.Store(newSnapshot(next))

	r.logger.Info("source registered", zap.String("source", norm.Name), zap.String("url", norm.URL))
	r.notify(ctx, EventRegistered, norm.Name)
	return norm, nil
}

// Remove deletes a dynamic source by name. It reports false, without error,
// when nothing was registered under name.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	removed := false
	members, err := r.persistedByName(ctx, name)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		ok, err := r.store.Remove(ctx, m)
		if err != nil {
			return false, err
		}
		removed = removed || ok
	}

	current := r.dynamic.Load()
	if _, ok := current.byName[name]; ok {
		next := make([]*Entry, 0, len(current.byName))
		for _, e := range current.entries() {
			if e.Name != name {
				next = append(next, e)
			}
		}
		r.dynamic.Store(newSnapshot(next))
		removed = true
	}

	if removed {
		r.logger.Info("source removed", zap.String("source", name))
		r.notify(ctx, EventRemoved, name)
	}
	return removed, nil
}

// Refresh replaces the dynamic subset with the contents of the shared set.
// Members that no longer validate are skipped and logged.
func (r *Registry) Refresh(ctx context.Context) error {
	members, err := r.store.Members(ctx)
	if err != nil {
		return err
	}

	entries := make([]*Entry, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		var src Source
		if err := json.Unmarshal([]byte(m), &src); err != nil {
			r.logger.Warn("skipping unreadable source member", zap.Error(err))
			continue
		}
		norm, err := src.normalize(r.engine, r.ceiling)
		if err != nil {
			r.logger.Warn("skipping invalid source member", zap.String("source", src.Name), zap.Error(err))
			continue
		}
		if _, dup := seen[norm.Name]; dup {
			r.logger.Warn("skipping duplicate source member", zap.String("source", norm.Name))
			continue
		}
		seen[norm.Name] = struct{}{}
		norm.BuiltIn = false
		entries = append(entries, &Entry{Source: norm, Caps: r.resolve(norm)})
	}

	r.writeMu.Lock()
	r.dynamic.Store(newSnapshot(entries))
	r.writeMu.Unlock()

	r.logger.Debug("dynamic sources refreshed", zap.Int("count", len(entries)))
	return nil
}

// List returns every known source: built-ins and dynamic sources, including
// built-ins shadowed by a dynamic source of the same name.
func (r *Registry) List() []Source {
	b := r.builtin.Load().entries()
	d := r.dynamic.Load().entries()
	out := make([]Source, 0, len(b)+len(d))
	for _, e := range b {
		out = append(out, e.Source)
	}
	for _, e := range d {
		out = append(out, e.Source)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].BuiltIn && !out[j].BuiltIn
	})
	return out
}

// Entries returns the routable sources, one per name. Dynamic sources shadow
// built-ins.
func (r *Registry) Entries() []*Entry {
	merged := make(map[string]*Entry)
	for name, e := range r.builtin.Load().byName {
		merged[name] = e
	}
	for name, e := range r.dynamic.Load().byName {
		merged[name] = e
	}
	out := make([]*Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the routable source called name.
func (r *Registry) Get(name string) (*Entry, bool) {
	if e, ok := r.dynamic.Load().byName[name]; ok {
		return e, true
	}
	e, ok := r.builtin.Load().byName[name]
	return e, ok
}

func (r *Registry) persistedByName(ctx context.Context, name string) ([]string, error) {
	members, err := r.store.Members(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range members {
		var src struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(m), &src); err != nil {
			continue
		}
		if src.Name == name {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Registry) notify(ctx context.Context, kind EventKind, name string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyRegistry(ctx, kind, name); err != nil {
		r.logger.Warn("failed to publish registry event", zap.String("event", string(kind)), zap.String("source", name), zap.Error(err))
	}
}
