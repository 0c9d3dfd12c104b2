package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultRingCapacity bounds the number of retained records.
	defaultRingCapacity = 256

	// subscriberBuffer is the channel depth per subscriber. A slow
	// subscriber drops records rather than blocking the logger.
	subscriberBuffer = 64
)

// Record is a captured log record in relay-friendly form.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring retains the most recent log records in a fixed-size buffer and
// fans new records out to subscribers. It backs the /events log relay.
type Ring struct {
	mu      sync.Mutex
	buf     []Record
	next    int
	full    bool
	subs    map[int]chan Record
	nextSub int
	min     slog.Level
}

// NewRing creates a ring retaining up to capacity records at or above
// min. A capacity <= 0 selects the default.
func NewRing(capacity int, min slog.Level) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}

	return &Ring{
		buf:  make([]Record, capacity),
		subs: make(map[int]chan Record),
		min:  min,
	}
}

// Records returns a snapshot of retained records, oldest first.
func (r *Ring) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Record, r.next)
		copy(out, r.buf[:r.next])

		return out
	}

	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)

	return out
}

// Subscribe registers a live feed of new records. The returned cancel
// function must be called to release the subscription; it is safe to
// call more than once.
func (r *Ring) Subscribe() (<-chan Record, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Record, subscriberBuffer)
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// add appends a record and notifies subscribers, dropping the record for
// any subscriber whose buffer is full.
func (r *Ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = rec

	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}

	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// handler returns a slog.Handler that captures records into the ring.
func (r *Ring) handler() slog.Handler {
	return &ringHandler{ring: r}
}

// ringHandler adapts the ring to the slog.Handler interface. Attribute
// redaction is applied here as well: the ReplaceAttr hook on the primary
// handler does not cover this path.
//
// Attrs accumulated via WithAttrs are stored with the group prefix that
// was active when they were added, matching slog's group semantics.
type ringHandler struct {
	ring  *Ring
	attrs []slog.Attr
	group string
}

func (h *ringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.ring.min
}

func (h *ringHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))

	for _, a := range h.attrs {
		a = redactAttr(nil, a)
		attrs[a.Key] = a.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		a = redactAttr(nil, a)

		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}

		attrs[key] = a.Value.Any()

		return true
	})

	h.ring.add(Record{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})

	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)

	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}

		merged = append(merged, a)
	}

	return &ringHandler{ring: h.ring, attrs: merged, group: h.group}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}

	return &ringHandler{ring: h.ring, attrs: h.attrs, group: group}
}
