package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/graphgate/internal/dispatch"
	gerr "github.com/alexjbarnes/graphgate/internal/errors"
	"github.com/alexjbarnes/graphgate/internal/stream"
)

// maxEnvelopeBytes bounds /rpc request bodies.
const maxEnvelopeBytes = 1 << 20

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, stateToken, err := s.cfg.Broker.BeginAuthorization(s.cfg.RedirectURI)
	if err != nil {
		s.cfg.Logger.Error("starting authorization failed", slog.String("error", err.Error()))
		http.Error(w, "could not start authorization", http.StatusInternalServerError)
		return
	}

	s.cfg.Logger.Info("authorization started", slog.String("state", stateToken))
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errName := query.Get("error"); errName != "" {
		s.cfg.Logger.Warn("authorization dialog returned an error",
			slog.String("error", errName),
			slog.String("reason", query.Get("error_reason")),
		)
		renderResult(w, http.StatusBadRequest, "Authorization failed",
			"The authorization dialog reported: "+query.Get("error_description"))
		return
	}

	code := query.Get("code")
	stateToken := query.Get("state")
	if code == "" || stateToken == "" {
		renderResult(w, http.StatusBadRequest, "Authorization failed",
			"The callback is missing its code or state parameter.")
		return
	}

	cred, err := s.cfg.Broker.CompleteAuthorization(r.Context(), code, stateToken)
	if err != nil {
		s.cfg.Logger.Error("completing authorization failed", slog.String("error", err.Error()))

		status := http.StatusInternalServerError
		message := "Something went wrong completing the authorization."
		if de := gerr.From(err); de != nil {
			status = http.StatusBadRequest
			message = de.Message
		}

		renderResult(w, status, "Authorization failed", message)
		return
	}

	renderResult(w, http.StatusOK, "Account linked",
		fmt.Sprintf("Signed in as %s. You can close this window.", cred.OwnerName))
}

// renderResult writes a minimal HTML page for the browser-facing
// OAuth callback.
func renderResult(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>
`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}

// handleRPC accepts one tool envelope per POST and always answers 200
// with a response envelope; errors travel in-band.
func (s *server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		writeEnvelope(w, dispatch.ErrorResponse("", gerr.New(gerr.CodeInvalidRequest, "could not read request body")))
		return
	}

	env, err := dispatch.ParseEnvelope(body)
	if err != nil {
		// Echo the id when the body carried one despite failing validation.
		writeEnvelope(w, dispatch.ErrorResponse(gjson.GetBytes(body, "id").String(), err))
		return
	}

	writeEnvelope(w, s.cfg.Dispatcher.Dispatch(r.Context(), env))
}

func writeEnvelope(w http.ResponseWriter, resp *dispatch.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// handleEvents relays ring-buffer log records to the peer as a live
// event stream after the usual ready and heartbeat framing.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	records, cancel := s.cfg.Ring.Subscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	session, err := s.cfg.Sessions.Open(r.Context(), w, flusher.Flush, cancel)
	if err != nil {
		cancel()

		if errors.Is(err, stream.ErrSessionLimit) {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "too many active streams, retry later", http.StatusServiceUnavailable)
		}

		return
	}
	defer session.Close()

	// Replay the buffered backlog, then ship records as they arrive.
	for _, rec := range s.cfg.Ring.Records() {
		if err := session.Send("log", rec); err != nil {
			return
		}
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}

			if err := session.Send("log", rec); err != nil {
				return
			}
		case <-session.Done():
			return
		}
	}
}
