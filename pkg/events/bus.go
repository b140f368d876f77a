// Package events delivers reference-change notifications from a repository
// to in-process subscribers.
package events

import (
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 256

// Type identifies what happened to a reference.
type Type int

const (
	CommitCreated Type = iota
	BranchCreated
	BranchDeleted
	BranchReset
	HeadMoved
)

func (t Type) String() string {
	switch t {
	case CommitCreated:
		return "CommitCreated"
	case BranchCreated:
		return "BranchCreated"
	case BranchDeleted:
		return "BranchDeleted"
	case BranchReset:
		return "BranchReset"
	case HeadMoved:
		return "HeadMoved"
	default:
		return "Unknown"
	}
}

// Event describes one completed reference change. Old is empty when the
// reference did not exist before; New is empty after a deletion.
type Event struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	Repository string      `json:"repository"`
	Ref        string      `json:"ref"`
	Old        object.Hash `json:"old,omitempty"`
	New        object.Hash `json:"new,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Handler processes one event. Returned errors are counted and logged.
type Handler func(Event) error

// Stats reports delivery counters for one subscription.
type Stats struct {
	ID        string
	Pattern   string
	Delivered int64
	Dropped   int64
	Errors    int64
}

type subscription struct {
	id      string
	pattern string
	types   map[Type]bool
	handler Handler
	ch      chan Event

	delivered atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

func (s *subscription) wants(ev Event) bool {
	if len(s.types) > 0 && !s.types[ev.Type] {
		return false
	}
	if s.pattern == "" {
		return true
	}
	ok, _ := path.Match(s.pattern, ev.Ref)
	return ok
}

// Bus fans events out to subscriptions. Each subscription has its own
// goroutine and bounded queue; a full queue drops the event for that
// subscriber only, so publishers never block.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	closed     bool
	bufferSize int
	wg         sync.WaitGroup

	published atomic.Int64
	logger    *logging.Logger
}

// NewBus returns a running bus. bufferSize <= 0 selects DefaultBufferSize.
func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{
		subs:       make(map[string]*subscription),
		bufferSize: bufferSize,
		logger:     logger.WithComponent("events"),
	}
}

// Subscribe registers handler for events whose reference name matches
// pattern (path.Match syntax; empty matches everything) and whose type is
// one of types (none means all). The returned function cancels the
// subscription; events already queued are still handled.
func (b *Bus) Subscribe(pattern string, handler Handler, types ...Type) (func(), error) {
	if handler == nil {
		return nil, vcserr.Invalid("events.subscribe", "handler is required")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, vcserr.Invalid("events.subscribe", "pattern %q: %w", pattern, err)
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		ch:      make(chan Event, b.bufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, vcserr.Invalid("events.subscribe", "bus is closed")
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.run(sub)

	return func() { b.unsubscribe(sub.id) }, nil
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		if err := sub.handler(ev); err != nil {
			sub.errors.Add(1)
			b.logger.WithFields(map[string]interface{}{
				"subscription": sub.id,
				"event":        ev.Type.String(),
				"ref":          ev.Ref,
			}).ErrorWithErr("event handler failed", err)
			continue
		}
		sub.delivered.Add(1)
	}
}

// Publish stamps ev and queues it for every matching subscription.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.logger.WithFields(map[string]interface{}{
				"subscription": sub.id,
				"event":        ev.Type.String(),
			}).Warn("subscriber queue full, event dropped")
		}
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Published is the number of events accepted since the bus was created.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Stats lists active subscriptions ordered by ID.
func (b *Bus) Stats() []Stats {
	b.mu.RLock()
	out := make([]Stats, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, Stats{
			ID:        sub.id,
			Pattern:   sub.pattern,
			Delivered: sub.delivered.Load(),
			Dropped:   sub.dropped.Load(),
			Errors:    sub.errors.Load(),
		})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting events and waits until every queued event has been
// handled. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, sub := range b.subs {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
