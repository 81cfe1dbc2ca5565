package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/TwistedAndy/actionqueue/internal/domain"
)

// Handler runs when its action is triggered. The argument tuple is the
// decoded payload; handlers close over any further dependencies at
// registration time.
type Handler func(ctx context.Context, args ...any) error

// ClosureCodec serialises closure handlers for deferred execution.
// Closures are only deferrable when a codec is installed.
type ClosureCodec interface {
	Encode(h Handler) ([]byte, error)
	Decode(b []byte) (Handler, error)
}

// Entry is one registered handler together with its stable callback key.
type Entry struct {
	Key      string
	Priority int
	Handler  Handler
}

// group keeps handlers of one priority in insertion order, with
// key-based replacement: re-registering the same key swaps the handler
// in place instead of appending.
type group struct {
	order []string
	byKey map[string]Handler
}

func newGroup() *group {
	return &group{byKey: make(map[string]Handler)}
}

func (g *group) put(key string, h Handler) {
	if _, ok := g.byKey[key]; !ok {
		g.order = append(g.order, key)
	}
	g.byKey[key] = h
}

// Registry maps action × priority to ordered handlers, split into
// instant and deferred sides. It is populated during bootstrap and
// read-only in steady state; the lock exists for safety, not traffic.
type Registry struct {
	mu       sync.RWMutex
	instant  map[string]map[int]*group
	deferred map[string]map[int]*group
	codec    ClosureCodec
}

func New() *Registry {
	return &Registry{
		instant:  make(map[string]map[int]*group),
		deferred: make(map[string]map[int]*group),
	}
}

// SetClosureCodec installs the codec used to box and unbox closure
// handlers. Without one, deferring a closure fails at trigger time.
func (r *Registry) SetClosureCodec(c ClosureCodec) {
	r.mu.Lock()
	r.codec = c
	r.mu.Unlock()
}

// Codec returns the installed closure codec, or nil.
func (r *Registry) Codec() ClosureCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codec
}

// Register adds h under action at the given priority and returns the
// callback key it was stored under. Priority is clamped to [1,255];
// an over-long action name is rejected.
func (r *Registry) Register(action string, h Handler, priority int, instant bool) (string, error) {
	if err := domain.ValidateActionName(action); err != nil {
		return "", err
	}
	priority = domain.ClampPriority(priority)
	key := domain.KeyForFunc(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	side := r.deferred
	if instant {
		side = r.instant
	}
	groups, ok := side[action]
	if !ok {
		groups = make(map[int]*group)
		side[action] = groups
	}
	g, ok := groups[priority]
	if !ok {
		g = newGroup()
		groups[priority] = g
	}
	g.put(key, h)
	return key, nil
}

// Lookup resolves a live handler by action and callback key, searching
// the deferred side first since that is where persisted jobs come from.
func (r *Registry) Lookup(action, key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, side := range []map[string]map[int]*group{r.deferred, r.instant} {
		for _, g := range side[action] {
			if h, ok := g.byKey[key]; ok {
				return h, true
			}
		}
	}
	return nil, false
}

// Instant returns the instant handlers for action in invocation order:
// ascending priority, insertion order within a priority.
func (r *Registry) Instant(action string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.instant[action], true)
}

// Deferred returns the deferred handlers for action ordered by
// descending priority, matching how their jobs will be claimed.
func (r *Registry) Deferred(action string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.deferred[action], false)
}

func collect(groups map[int]*group, ascending bool) []Entry {
	if len(groups) == 0 {
		return nil
	}
	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	if ascending {
		sort.Ints(priorities)
	} else {
		sort.Sort(sort.Reverse(sort.IntSlice(priorities)))
	}

	var entries []Entry
	for _, p := range priorities {
		g := groups[p]
		for _, key := range g.order {
			entries = append(entries, Entry{Key: key, Priority: p, Handler: g.byKey[key]})
		}
	}
	return entries
}
