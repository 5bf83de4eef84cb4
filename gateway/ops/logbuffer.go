package ops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// listenerBacklog bounds how far a streaming client may fall behind before
// entries are dropped for it.
const listenerBacklog = 100

// LogEntry is one captured log record.
type LogEntry struct {
	Seq     uint64            `json:"seq"`
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"msg"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// LogBuffer keeps the most recent log entries in a ring and fans new ones out
// to subscribers.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int
	seq     uint64

	listenerMu sync.RWMutex
	listeners  map[string]chan LogEntry
}

// NewLogBuffer allocates a ring holding up to capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{
		entries:   make([]LogEntry, capacity),
		listeners: make(map[string]chan LogEntry),
	}
}

// Add stamps entry with the next sequence number, stores it and publishes it.
// Subscribers that are not keeping up miss the entry.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.seq++
	entry.Seq = lb.seq
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.size < len(lb.entries) {
		lb.size++
	}
	lb.mu.Unlock()

	lb.listenerMu.RLock()
	for _, ch := range lb.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.listenerMu.RUnlock()
}

// Recent returns up to n entries at or above minLevel, oldest first.
func (lb *LogBuffer) Recent(n int, minLevel slog.Level) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var out []LogEntry
	for i := 0; i < lb.size && len(out) < n; i++ {
		idx := (lb.head - 1 - i + len(lb.entries)) % len(lb.entries)
		e := lb.entries[idx]
		if ParseLevel(e.Level) < minLevel {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe registers a new listener and returns its id and channel.
func (lb *LogBuffer) Subscribe() (string, <-chan LogEntry) {
	id := uuid.NewString()
	ch := make(chan LogEntry, listenerBacklog)
	lb.listenerMu.Lock()
	lb.listeners[id] = ch
	lb.listenerMu.Unlock()
	return id, ch
}

// Unsubscribe removes the listener and closes its channel.
func (lb *LogBuffer) Unsubscribe(id string) {
	lb.listenerMu.Lock()
	ch, ok := lb.listeners[id]
	delete(lb.listeners, id)
	lb.listenerMu.Unlock()
	if ok {
		close(ch)
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield Info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// TeeHandler copies every record it handles into a LogBuffer before passing
// it to the wrapped handler. Attributes bound with WithAttrs and WithGroup are
// carried into the captured entry.
type TeeHandler struct {
	inner  slog.Handler
	buf    *LogBuffer
	attrs  []boundAttr
	prefix string
}

type boundAttr struct {
	prefix string
	attr   slog.Attr
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler that writes to both inner and buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+r.NumAttrs())
	for _, b := range h.attrs {
		flatten(attrs, b.prefix, b.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	h.buf.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]boundAttr, 0, len(h.attrs)+len(attrs))
	bound = append(bound, h.attrs...)
	for _, a := range attrs {
		bound = append(bound, boundAttr{prefix: h.prefix, attr: a})
	}
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf, attrs: bound, prefix: h.prefix}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// flatten writes a into dst, expanding groups into dotted keys.
func flatten(dst map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = v.String()
}
