// Package events is the runtime's in-process event bus. Components publish
// typed, JSON-encoded events; the admin API streams them over SSE and a small
// ring keeps recent history for clients that reconnect.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the runtime.
const (
	UnitCreated        = "unit.created"
	UnitDisposed       = "unit.disposed"
	PluginInstantiated = "plugin.instantiated"
	PluginBindFailed   = "plugin.bind_failed"
	ClassDefined       = "class.defined"
	ClassRedefined     = "class.redefined"
	TransformFailed    = "transform.failed"
	CommandScheduled   = "command.scheduled"
	CommandMerged      = "command.merged"
	CommandStarted     = "command.started"
	CommandCompleted   = "command.completed"
	CommandFailed      = "command.failed"
	CommandSkipped     = "command.skipped"
	WatchEvent         = "watch.event"
	WatchFailed        = "watch.failed"
	ResourcesChanged   = "resources.changed"
)

const subscriberBuffer = 128

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Publisher is the write side of the hub, handed to components that only emit.
type Publisher interface {
	Publish(eventType string, data any)
}

// Matcher selects events by type prefix. An empty Matcher matches all.
type Matcher []string

// ParseMatcher reads a comma-separated prefix list such as
// "command.,unit.created".
func ParseMatcher(csv string) Matcher {
	var m Matcher
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			m = append(m, p)
		}
	}
	return m
}

func (m Matcher) Match(eventType string) bool {
	if len(m) == 0 {
		return true
	}
	for _, p := range m {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Stats counts hub activity since creation.
type Stats struct {
	Published   int64  `json:"published"`
	Buffered    int    `json:"buffered"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

type subscriber struct {
	ch    chan Event
	match Matcher
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the hub counts the drop.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Uint64

	mu      sync.Mutex
	history ring
	subs    map[int]*subscriber
	nextSub int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		history: ring{buf: make([]Event, capacity)},
		subs:    make(map[int]*subscriber),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := encode(data)

	h.mu.Lock()
	defer h.mu.Unlock()
	// IDs are assigned under the lock so subscribers see them in order.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.history.push(ev)
	for _, s := range h.subs {
		if !s.match.Match(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func encode(data any) []byte {
	if data == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Subscribe returns a channel of new events matching m and a cancel func
// that closes it. Subscribe before replaying SnapshotSince to avoid a gap.
func (h *Hub) Subscribe(m Matcher) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	s := &subscriber{ch: make(chan Event, subscriberBuffer), match: m}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// SnapshotSince returns buffered events with ID > lastID that match m,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, m Matcher) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.since(lastID, m)
}

// Filter returns buffered events of exactly eventType, oldest first.
func (h *Hub) Filter(eventType string) []Event {
	var out []Event
	for _, ev := range h.SnapshotSince(0, Matcher{eventType}) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Published:   h.nextID.Load(),
		Buffered:    h.history.n,
		Subscribers: len(h.subs),
		Dropped:     h.dropped.Load(),
	}
}

// ring keeps the newest len(buf) events.
type ring struct {
	buf  []Event
	head int // index of the oldest event
	n    int
}

func (r *ring) push(ev Event) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) since(lastID int64, m Matcher) []Event {
	out := make([]Event, 0, r.n)
	for i := 0; i < r.n; i++ {
		ev := r.buf[(r.head+i)%len(r.buf)]
		if ev.ID > lastID && m.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}
