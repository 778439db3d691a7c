package radio

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EventKind identifies a registry change notification.
type EventKind int

const (
	ResourcesChanged EventKind = iota
	OccupantAdded
	OccupantUpdated
	OccupantRemoved
	ResourceRemoved
)

func (k EventKind) String() string {
	switch k {
	case ResourcesChanged:
		return "resourcesChanged"
	case OccupantAdded:
		return "occupantAdded"
	case OccupantUpdated:
		return "occupantUpdated"
	case OccupantRemoved:
		return "occupantRemoved"
	case ResourceRemoved:
		return "resourceRemoved"
	default:
		return "unknown"
	}
}

// Event is a registry change notification. Resource is a full snapshot of the
// affected resource after the change; Handle names the occupant for the
// occupant events.
type Event struct {
	Kind     EventKind
	Resource Resource
	Handle   Handle
}

type key struct {
	serial string
	access AccessPath
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Registry tracks discovered resources and notifies subscribers of changes.
//
// LOCK ORDERING:
//  1. pubMu - serializes event delivery so subscribers see changes in order
//  2. mu    - protects resources and subscribers
type Registry struct {
	pubMu sync.Mutex
	mu    sync.RWMutex

	resources map[key]Resource
	subs      map[int]*subscriber
	nextSub   int
	clock     clock.Clock
}

// NewRegistry creates an empty registry. A nil clock uses the wall clock.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		resources: make(map[key]Resource),
		subs:      make(map[int]*subscriber),
		clock:     clk,
	}
}

// Snapshot returns copies of all resources, local first, then by serial.
func (r *Registry) Snapshot() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Access != out[j].Access {
			return out[i].Access < out[j].Access
		}
		return out[i].Serial < out[j].Serial
	})
	return out
}

// Lookup returns a copy of the resource with the given identity.
func (r *Registry) Lookup(serial string, access AccessPath) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[key{serial, access}]
	if !ok {
		return Resource{}, false
	}
	return res.Clone(), true
}

// Upsert replaces the record for res and emits occupant diffs followed by
// ResourcesChanged. An incoming occupant with an empty ClientID keeps the
// ClientID previously recorded for the same handle.
func (r *Registry) Upsert(res Resource) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	k := key{res.Serial, res.Access}
	prev, existed := r.resources[k]

	next := res.Clone()
	next.LastSeen = r.clock.Now()
	if existed {
		for i, c := range next.Clients {
			if old, ok := prev.Client(c.Handle); ok && c.ClientID == "" {
				next.Clients[i].ClientID = old.ClientID
			}
		}
	}
	r.resources[k] = next
	events := diffOccupants(prev, next)
	if !existed || !sameResource(prev, next) {
		events = append(events, Event{Kind: ResourcesChanged, Resource: next.Clone()})
	}
	subs := r.subscribers()
	r.mu.Unlock()

	deliver(subs, events)
}

// ClearClientID explicitly forgets the client identity of one occupant.
func (r *Registry) ClearClientID(serial string, access AccessPath, h Handle) bool {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	k := key{serial, access}
	res, ok := r.resources[k]
	if !ok {
		r.mu.Unlock()
		return false
	}
	res = res.Clone()
	found := false
	for i, c := range res.Clients {
		if c.Handle == h && c.ClientID != "" {
			res.Clients[i].ClientID = ""
			found = true
		}
	}
	if !found {
		r.mu.Unlock()
		return false
	}
	r.resources[k] = res
	subs := r.subscribers()
	r.mu.Unlock()

	deliver(subs, []Event{{Kind: OccupantUpdated, Resource: res.Clone(), Handle: h}})
	return true
}

// Remove deletes one resource.
func (r *Registry) Remove(serial string, access AccessPath) bool {
	return r.removeWhere(func(res Resource) bool {
		return res.Serial == serial && res.Access == access
	}) > 0
}

// RemoveAccess deletes every resource reached through access and returns how
// many were removed.
func (r *Registry) RemoveAccess(access AccessPath) int {
	return r.removeWhere(func(res Resource) bool { return res.Access == access })
}

// Expire deletes resources not seen within maxAge.
func (r *Registry) Expire(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)
	return r.removeWhere(func(res Resource) bool {
		return res.Access == AccessLocal && res.LastSeen.Before(cutoff)
	})
}

func (r *Registry) removeWhere(match func(Resource) bool) int {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	var events []Event
	for k, res := range r.resources {
		if match(res) {
			delete(r.resources, k)
			events = append(events, Event{Kind: ResourceRemoved, Resource: res.Clone()})
		}
	}
	removed := len(events)
	if removed > 0 {
		events = append(events, Event{Kind: ResourcesChanged})
	}
	subs := r.subscribers()
	r.mu.Unlock()

	deliver(subs, events)
	return removed
}

// Subscribe returns a channel of registry events and a cancel function. The
// channel is closed after cancel. Delivery blocks while the buffer is full, so
// subscribers must keep draining until they cancel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	r.subs[id] = sub

	cancel := func() {
		sub.once.Do(func() {
			close(sub.done)
			r.pubMu.Lock()
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(sub.ch)
			r.pubMu.Unlock()
		})
	}
	return sub.ch, cancel
}

// subscribers must be called with r.mu held.
func (r *Registry) subscribers() []*subscriber {
	out := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func deliver(subs []*subscriber, events []Event) {
	for _, ev := range events {
		for _, s := range subs {
			select {
			case s.ch <- ev:
			case <-s.done:
			}
		}
	}
}

func diffOccupants(prev, next Resource) []Event {
	var events []Event
	for _, old := range prev.Clients {
		if _, ok := next.Client(old.Handle); !ok {
			events = append(events, Event{Kind: OccupantRemoved, Resource: next.Clone(), Handle: old.Handle})
		}
	}
	for _, c := range next.Clients {
		old, ok := prev.Client(c.Handle)
		switch {
		case !ok:
			events = append(events, Event{Kind: OccupantAdded, Resource: next.Clone(), Handle: c.Handle})
		case old != c:
			events = append(events, Event{Kind: OccupantUpdated, Resource: next.Clone(), Handle: c.Handle})
		}
	}
	return events
}

func sameResource(a, b Resource) bool {
	if a.Nickname != b.Nickname || a.Model != b.Model || a.Address != b.Address ||
		a.Status != b.Status || a.Version != b.Version || len(a.Clients) != len(b.Clients) {
		return false
	}
	for i := range a.Clients {
		if a.Clients[i] != b.Clients[i] {
			return false
		}
	}
	return true
}
