package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

type logRing struct {
	mu    sync.RWMutex
	lines []LogLine
	size  int
	pos   int
	count int
}

// LogHandler is a slog.Handler that writes to stderr and keeps the last
// N lines in memory for the status endpoint.
type LogHandler struct {
	inner  slog.Handler
	ring   *logRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:  &logRing{lines: make([]LogLine, ringSize), size: ringSize},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()

	h.ring.lines[h.ring.pos] = line
	h.ring.pos = (h.ring.pos + 1) % h.ring.size
	if h.ring.count < h.ring.size {
		h.ring.count++
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Recent returns the buffered log lines, oldest first.
func (h *LogHandler) Recent() []LogLine {
	h.ring.mu.RLock()
	defer h.ring.mu.RUnlock()

	if h.ring.count == 0 {
		return nil
	}
	result := make([]LogLine, h.ring.count)
	start := (h.ring.pos - h.ring.count + h.ring.size) % h.ring.size
	for i := range h.ring.count {
		result[i] = h.ring.lines[(start+i)%h.ring.size]
	}
	return result
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	return append([]slog.Attr{}, attrs...)
}

func groupPrefix(groups []string) string {
	prefix := ""
	for _, g := range groups {
		prefix += g + "."
	}
	return prefix
}
