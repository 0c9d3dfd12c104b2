// Package dispatch turns raw tool envelopes into handler invocations and
// always answers with a structured response envelope. Errors never escape
// the Dispatch boundary: domain errors travel verbatim, everything else
// collapses to internal_error with no internal detail leaked.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	gerr "github.com/alexjbarnes/graphgate/internal/errors"
)

// Envelope is an inbound tool request. Params is passed to the handler
// unvalidated; each handler validates its own shape.
type Envelope struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorBody is the error half of a response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Response is the uniform reply wrapper. Status is "ok" or "error";
// Result is present iff ok, Error iff error.
type Response struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// Handler executes one named tool against its raw params.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes envelopes to a registry fixed at construction.
type Dispatcher struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// New builds a Dispatcher over a copy of the given registry.
func New(logger *slog.Logger, handlers map[string]Handler) *Dispatcher {
	registry := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		registry[name] = h
	}

	return &Dispatcher{handlers: registry, logger: logger}
}

// Tools returns the registered tool names, sorted.
func (d *Dispatcher) Tools() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// ParseEnvelope decodes a request envelope, requiring non-empty id and
// tool fields.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, gerr.New(gerr.CodeInvalidRequest, "request body is not a valid envelope")
	}

	if env.ID == "" || env.Tool == "" {
		return nil, gerr.New(gerr.CodeInvalidRequest, "envelope requires non-empty id and tool")
	}

	return &env, nil
}

// ErrorResponse wraps err into an error envelope for the given id.
// Useful for failures that happen before an envelope exists.
func ErrorResponse(id string, err error) *Response {
	if de := gerr.From(err); de != nil {
		return &Response{
			ID:     id,
			Status: "error",
			Error:  &ErrorBody{Code: de.Code, Message: de.Message, Details: de.Details},
		}
	}

	return &Response{
		ID:     id,
		Status: "error",
		Error:  &ErrorBody{Code: gerr.CodeInternal, Message: "Unexpected error executing tool."},
	}
}

// Dispatch resolves and runs the envelope's handler. It never panics past
// this boundary and logs completion for every envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) (resp *Response) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked",
				slog.String("tool", env.Tool),
				slog.Any("panic", r),
			)
			resp = &Response{
				ID:     env.ID,
				Status: "error",
				Error:  &ErrorBody{Code: gerr.CodeInternal, Message: "Unexpected error executing tool."},
			}
		}

		d.logger.Info("tool dispatch complete",
			slog.String("tool", env.Tool),
			slog.String("id", env.ID),
			slog.String("status", resp.Status),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	handler, ok := d.handlers[env.Tool]
	if !ok {
		return ErrorResponse(env.ID, gerr.Newf(gerr.CodeNotFound, "Unknown tool: %s", env.Tool))
	}

	result, err := handler(ctx, env.Params)
	if err != nil {
		return ErrorResponse(env.ID, err)
	}

	return &Response{ID: env.ID, Status: "ok", Result: result}
}
