// Package graph is the resilient client for the Meta Graph API. Each
// logical call is bounded by a per-attempt timeout and retried with
// exponential backoff when the failure is classified transient. The
// classification is an explicit per-attempt outcome value so the retry
// loop's decision table is testable without error matching.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	gerr "github.com/alexjbarnes/graphgate/internal/errors"
)

// DefaultBaseURL is the Graph API root, including the pinned version.
const DefaultBaseURL = "https://graph.facebook.com/v21.0"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxResponseBytes caps response body reads to prevent a misbehaving
	// server from consuming unbounded memory.
	maxResponseBytes = 1024 * 1024
)

// Error is the upstream error payload, paired with the HTTP status of
// the response that carried it.
type Error struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode,omitempty"`
	IsTransient  bool   `json:"is_transient,omitempty"`
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

// outcome classifies one attempt. The retry loop acts on the kind alone.
type outcome struct {
	kind     outcomeKind
	status   int
	body     []byte
	reason   string
	err      *gerr.Error
	duration time.Duration
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeTerminal
)

// Client issues authenticated calls against the Graph API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	policy     RetryPolicy
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a Graph client. If httpClient is nil, a client with a
// same-host redirect policy is created; no client-level timeout is set
// because each attempt carries its own deadline.
func NewClient(httpClient *http.Client, policy RetryPolicy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    DefaultBaseURL,
		policy:     policy,
		logger:     logger,
	}
}

// SetBaseURL overrides the API root. Used by tests and by the OAuth
// dialog host, which lives on www rather than graph.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// Call performs one logical operation against the Graph API, retrying
// transient failures per the policy. The access token travels in the
// Authorization header, never in the URL, so logged paths carry no
// credential material. The returned bytes are the raw 2xx response body.
func (c *Client) Call(ctx context.Context, method, path, accessToken string, params url.Values) ([]byte, error) {
	var last *gerr.Error

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.policy.backoff(attempt - 1)

			select {
			case <-ctx.Done():
				return nil, gerr.Wrap(gerr.CodeTimeout, "call cancelled during backoff", ctx.Err())
			case <-time.After(delay):
			}
		}

		out := c.attempt(ctx, method, path, accessToken, params)

		c.logger.Debug("graph call attempt",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", out.status),
			slog.Int("attempt", attempt+1),
			slog.Duration("duration", out.duration),
			slog.String("decision", out.decision()),
			slog.String("reason", out.reason),
		)

		switch out.kind {
		case outcomeSuccess:
			return out.body, nil
		case outcomeTerminal:
			return nil, out.err
		case outcomeRetryable:
			last = out.err
		}
	}

	// Attempt budget exhausted on a still-retryable error. The code on
	// last distinguishes "upstream still unhealthy" from a rejection.
	return nil, last
}

// decision renders the retry decision for the attempt log record.
func (o outcome) decision() string {
	switch o.kind {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retry"
	default:
		return "terminal"
	}
}

// attempt performs a single bounded HTTP exchange and classifies it.
func (c *Client) attempt(ctx context.Context, method, path, accessToken string, params url.Values) outcome {
	actx, cancel := context.WithTimeout(ctx, c.policy.attemptTimeout())
	defer cancel()

	start := time.Now()

	req, err := c.newRequest(actx, method, path, accessToken, params)
	if err != nil {
		return outcome{
			kind:     outcomeTerminal,
			err:      gerr.Wrap(gerr.CodeInternal, "building upstream request", err),
			duration: time.Since(start),
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		duration := time.Since(start)

		// A deadline on the attempt context is a retryable timeout; any
		// other transport error (connection refused, DNS, reset) is
		// transient by nature.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
			return outcome{
				kind:     outcomeRetryable,
				reason:   "attempt_timeout",
				err:      gerr.Wrap(gerr.CodeTimeout, fmt.Sprintf("%s %s timed out", method, path), err),
				duration: duration,
			}
		}

		return outcome{
			kind:     outcomeRetryable,
			reason:   "network",
			err:      gerr.Wrap(gerr.CodeUpstreamTransient, fmt.Sprintf("%s %s failed", method, path), err),
			duration: duration,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	duration := time.Since(start)

	if err != nil {
		return outcome{
			kind:     outcomeRetryable,
			status:   resp.StatusCode,
			reason:   "body_read",
			err:      gerr.Wrap(gerr.CodeUpstreamTransient, fmt.Sprintf("reading response from %s", path), err),
			duration: duration,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return outcome{kind: outcomeSuccess, status: resp.StatusCode, body: body, duration: duration}
	}

	return c.classifyError(method, path, resp.StatusCode, body, duration)
}

// newRequest builds one attempt's request. GET and DELETE carry params in
// the query string; POST sends them form-encoded.
func (c *Client) newRequest(ctx context.Context, method, path, accessToken string, params url.Values) (*http.Request, error) {
	target := c.baseURL + path

	var reqBody io.Reader

	switch method {
	case http.MethodPost:
		if params != nil {
			reqBody = strings.NewReader(params.Encode())
		}
	default:
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}

	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return req, nil
}

// classifyError maps a non-2xx response to a retryable or terminal
// outcome: retryable iff the payload carries the transience flag, the
// status is >= 500, or the application code is in the transient set.
func (c *Client) classifyError(method, path string, status int, body []byte, duration time.Duration) outcome {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		ge := envelope.Error

		details := map[string]any{
			"status": status,
			"type":   ge.Type,
			"code":   ge.Code,
		}
		if ge.ErrorSubcode != 0 {
			details["error_subcode"] = ge.ErrorSubcode
		}

		switch {
		case ge.IsTransient:
			return outcome{
				kind:     outcomeRetryable,
				status:   status,
				reason:   "transient_flag",
				err:      gerr.Newf(gerr.CodeUpstreamTransient, "upstream: %s", ge.Message).WithDetails(details),
				duration: duration,
			}
		case status >= 500:
			return outcome{
				kind:     outcomeRetryable,
				status:   status,
				reason:   "server_error",
				err:      gerr.Newf(gerr.CodeUpstreamTransient, "upstream: %s", ge.Message).WithDetails(details),
				duration: duration,
			}
		case c.policy.transientCode(ge.Code):
			return outcome{
				kind:     outcomeRetryable,
				status:   status,
				reason:   fmt.Sprintf("transient_code_%d", ge.Code),
				err:      gerr.Newf(gerr.CodeUpstreamTransient, "upstream: %s", ge.Message).WithDetails(details),
				duration: duration,
			}
		default:
			return outcome{
				kind:     outcomeTerminal,
				status:   status,
				reason:   "rejected",
				err:      gerr.Newf(gerr.CodeUpstreamTerminal, "upstream: %s", ge.Message).WithDetails(details),
				duration: duration,
			}
		}
	}

	// No parseable error payload: classify on status alone.
	msg := fmt.Sprintf("%s %s returned status %d: %s", method, path, status, sanitizeResponseBody(body))

	if status >= 500 {
		return outcome{
			kind:     outcomeRetryable,
			status:   status,
			reason:   "server_error",
			err:      gerr.New(gerr.CodeUpstreamTransient, msg),
			duration: duration,
		}
	}

	return outcome{
		kind:     outcomeTerminal,
		status:   status,
		reason:   "rejected",
		err:      gerr.New(gerr.CodeUpstreamTerminal, msg),
		duration: duration,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
