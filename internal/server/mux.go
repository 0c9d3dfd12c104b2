// Package server provides HTTP server construction for graphgate.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/graphgate/internal/broker"
	"github.com/alexjbarnes/graphgate/internal/dispatch"
	"github.com/alexjbarnes/graphgate/internal/logging"
	"github.com/alexjbarnes/graphgate/internal/settings"
	"github.com/alexjbarnes/graphgate/internal/stream"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Broker      *broker.Broker
	Dispatcher  *dispatch.Dispatcher
	Ring        *logging.Ring
	Settings    *settings.Provider
	Sessions    *stream.Limiter
	MCPHandler  http.Handler
	Logger      *slog.Logger
	RedirectURI string

	// AdminPasswordHash gates /events. Empty disables the admin surface.
	AdminPasswordHash string
}

// NewMux builds the HTTP mux with the OAuth flow, the tool RPC endpoint,
// the admin event stream, the liveness probe, and the MCP surface. The
// whole mux is wrapped in CORS and rate-limit middleware driven by the
// runtime settings file.
func NewMux(cfg MuxConfig) http.Handler {
	s := &server{cfg: cfg, limits: newLimitTable()}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/start", s.handleOAuthStart)
	mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/events", s.adminOnly(http.HandlerFunc(s.handleEvents)))
	mux.HandleFunc("/healthz", s.handleHealthz)

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", cfg.MCPHandler)
	}

	return s.cors(s.rateLimit(mux))
}

type server struct {
	cfg    MuxConfig
	limits *limitTable
}

// adminOnly requires a bearer password matching the configured bcrypt
// hash. With no hash configured the surface does not exist.
func (s *server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminPasswordHash == "" {
			http.NotFound(w, r)
			return
		}

		const prefix = "Bearer "

		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			w.Header().Set("WWW-Authenticate", `Bearer realm="graphgate admin"`)
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}

		password := header[len(prefix):]
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(password)); err != nil {
			s.cfg.Logger.Warn("admin authentication failed", slog.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Bearer realm="graphgate admin"`)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// cors applies the settings file's origin allow list.
func (s *server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Settings.AllowedOrigins() {
		if allowed == origin || allowed == "*" {
			return true
		}
	}

	return false
}

// rateLimit enforces the settings file's per-minute allowance per remote
// host using a fixed one-minute window.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.Settings.RateLimit()
		if limit > 0 && !s.limits.allow(r.RemoteAddr, limit) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type limitTable struct {
	mu      sync.Mutex
	window  time.Time
	counts  map[string]int
	nowFunc func() time.Time
}

func newLimitTable() *limitTable {
	return &limitTable{counts: make(map[string]int), nowFunc: time.Now}
}

func (t *limitTable) allow(key string, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	window := now.Truncate(time.Minute)
	if !window.Equal(t.window) {
		t.window = window
		t.counts = make(map[string]int)
	}

	t.counts[key]++

	return t.counts[key] <= limit
}
