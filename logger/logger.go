// Package logger augments slog with request/sync scoped attributes
// carried through the context.
package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const attrKey contextKey = "attrKey"

// ContextHandler implements [slog.Handler] and adds to the log record
// any attributes previously attached to the context with [Ctx].
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a ContextHandler with `handler` as the base.
func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

// Handle implements [slog.Handler].
func (h ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs, ok := ctx.Value(attrKey).([]slog.Attr)
	if !ok {
		return h.Handler.Handle(ctx, record)
	}

	record.AddAttrs(attrs...)

	return h.Handler.Handle(ctx, record)
}

// Ctx creates a new context with the attached attributes.
//
// A sync run uses this to stamp every record with the feed id without
// threading it through each call site.
func Ctx(ctx context.Context, toAppend ...slog.Attr) context.Context {
	attrs, ok := ctx.Value(attrKey).([]slog.Attr)
	if !ok {
		attrs = []slog.Attr{}
	}

	attrs = append(attrs, toAppend...)
	return context.WithValue(ctx, attrKey, attrs)
}
