package logging

import (
	"context"
	"log/slog"
	"strings"
)

// TeeHandler forwards records to an inner handler and captures a copy in a Ring.
type TeeHandler struct {
	inner  slog.Handler
	ring   *Ring
	attrs  []slog.Attr
	prefix string
}

// NewTeeHandler wraps inner so that every handled record also lands in ring.
func NewTeeHandler(inner slog.Handler, ring *Ring) *TeeHandler {
	return &TeeHandler{inner: inner, ring: ring}
}

// Enabled delegates to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures r in the ring, then forwards it.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message}

	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			e.Attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			e.Attrs[h.prefix+a.Key] = a.Value.Any()
			return true
		})
	}

	h.ring.Add(e)
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a handler whose captured entries include attrs.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &TeeHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		attrs:  merged,
		prefix: h.prefix,
	}
}

// WithGroup returns a handler that prefixes later attribute keys with name.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	var b strings.Builder
	b.WriteString(h.prefix)
	b.WriteString(name)
	b.WriteByte('.')
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  h.attrs,
		prefix: b.String(),
	}
}
