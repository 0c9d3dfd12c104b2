// Package stream implements the outbound push channel: a text-framed
// event session with a process-wide admission cap, an initial ready
// event, periodic heartbeats, and idempotent close. A session is
// single-writer; frames reach the peer exactly as enqueued.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxSessions caps concurrent sessions per process.
	DefaultMaxSessions = 100

	heartbeatInterval = 15 * time.Second
)

// ErrSessionLimit signals that admission was refused because the cap is
// reached. Callers should tell the peer to retry later.
var ErrSessionLimit = errors.New("stream: session limit reached")

// Limiter admits sessions up to a fixed cap.
type Limiter struct {
	sem *semaphore.Weighted
	cap int64
}

// NewLimiter creates a Limiter admitting up to max concurrent sessions.
// A non-positive max selects the default.
func NewLimiter(max int64) *Limiter {
	if max <= 0 {
		max = DefaultMaxSessions
	}

	return &Limiter{sem: semaphore.NewWeighted(max), cap: max}
}

// Session is one open push channel. All methods are safe for concurrent
// use; writes are serialized.
type Session struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool

	closeOnce sync.Once
	done      chan struct{}
	release   func()
	onClose   func()
}

// Open admits and starts a session writing to w. Admission is checked
// before any session resources are allocated; ErrSessionLimit is
// returned when the cap is reached. On success the session has already
// emitted its ready event and runs a heartbeat until closed. The session
// closes itself when ctx is cancelled. flush may be nil; onClose runs
// exactly once, however the session ends.
func (l *Limiter) Open(ctx context.Context, w io.Writer, flush, onClose func()) (*Session, error) {
	if !l.sem.TryAcquire(1) {
		return nil, ErrSessionLimit
	}

	s := &Session{
		w:       w,
		flush:   flush,
		done:    make(chan struct{}),
		release: func() { l.sem.Release(1) },
		onClose: onClose,
	}

	if err := s.Send("ready", map[string]string{"status": "connected"}); err != nil {
		s.Close()
		return nil, err
	}

	go s.heartbeat()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func (s *Session) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Comment("heartbeat")
		case <-s.done:
			return
		}
	}
}

// Send frames and writes one event. The payload is used verbatim when it
// is a string and JSON-encoded otherwise; multi-line payloads become one
// data line per payload line. Send is a no-op on a closed session.
func (s *Session) Send(event string, data any) error {
	payload, ok := data.(string)
	if !ok {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding event payload: %w", err)
		}
		payload = string(encoded)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var frame strings.Builder
	if event != "" {
		frame.WriteString("event: ")
		frame.WriteString(event)
		frame.WriteString("\n")
	}

	for _, line := range strings.Split(payload, "\n") {
		frame.WriteString("data: ")
		frame.WriteString(line)
		frame.WriteString("\n")
	}
	frame.WriteString("\n")

	return s.write(frame.String())
}

// Comment writes a keep-alive comment frame. No-op when closed.
func (s *Session) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	return s.write(": " + text + "\n\n")
}

// write assumes s.mu is held.
func (s *Session) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	if s.flush != nil {
		s.flush()
	}

	return nil
}

// Close releases the admission slot and runs the registered cleanup
// exactly once. Safe to call any number of times, from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		s.release()

		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }
