// Package logging builds the process logger. Production output is JSON,
// development output is text. All handlers are wrapped so that attribute
// keys suggesting credential material are redacted before they reach any
// sink, and every record can be mirrored into a bounded ring buffer that
// the event stream relays to observers.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// redactedValue replaces any attribute value whose key looks like it
// carries credential material.
const redactedValue = "[REDACTED]"

// credentialKeys are substrings of attribute keys that trigger redaction.
var credentialKeys = []string{
	"token",
	"secret",
	"password",
	"credential",
	"authorization",
	"verifier",
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactAttr is the slog ReplaceAttr hook applying credential redaction.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, k := range credentialKeys {
		if strings.Contains(key, k) {
			a.Value = slog.StringValue(redactedValue)
			return a
		}
	}

	return a
}

// NewLogger creates the process logger. Records are written to stdout
// (JSON in production, text otherwise) and mirrored into ring, which may
// be nil when no stream relay is wanted (tests, one-shot commands).
func NewLogger(env, level string, ring *Ring) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	if ring != nil {
		handler = newTeeHandler(handler, ring.handler())
	}

	return slog.New(handler)
}

// teeHandler duplicates records to two handlers. Used to mirror the
// primary output into the ring buffer.
type teeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func newTeeHandler(primary, secondary slog.Handler) slog.Handler {
	return &teeHandler{primary: primary, secondary: secondary}
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	if h.primary.Enabled(ctx, r.Level) {
		firstErr = h.primary.Handle(ctx, r)
	}

	if h.secondary.Enabled(ctx, r.Level) {
		if err := h.secondary.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}
