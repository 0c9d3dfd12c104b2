// Package settings serves operator-editable runtime settings from a CSV
// file. Values are cached in memory with a short TTL; staleness up to
// the TTL is acceptable, and concurrent refreshes racing to repopulate
// the cache are benign because any valid value within the window wins.
// A file watcher refreshes the cache eagerly on edits.
package settings

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultTTL is how long a loaded snapshot stays fresh.
	DefaultTTL = 30 * time.Second

	defaultRateLimit = 60
)

// Settings is one immutable snapshot of the settings file.
type Settings struct {
	// RateLimit is the allowed request rate per minute per caller.
	RateLimit int

	// AllowedOrigins are the origins granted cross-origin access.
	AllowedOrigins []string
}

func defaults() Settings {
	return Settings{RateLimit: defaultRateLimit}
}

// Provider reads and caches the settings file.
type Provider struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	current  Settings
	loadedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Provider over path and loads the initial snapshot. A
// missing file yields defaults. The parent directory is watched so
// edits refresh the cache ahead of TTL expiry. A non-positive ttl
// selects the default.
func New(path string, ttl time.Duration, logger *slog.Logger) (*Provider, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	p := &Provider{
		path:   path,
		ttl:    ttl,
		logger: logger,
		done:   make(chan struct{}),
	}
	p.refresh()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating settings watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching settings directory: %w", err)
	}

	p.watcher = watcher
	go p.watch()

	return p, nil
}

// Close stops the file watcher.
func (p *Provider) Close() error {
	close(p.done)
	return p.watcher.Close()
}

func (p *Provider) watch() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if event.Name != p.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				p.logger.Debug("settings file changed, reloading", slog.String("path", p.path))
				p.refresh()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}

			p.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		case <-p.done:
			return
		}
	}
}

// RateLimit returns the current per-minute request allowance.
func (p *Provider) RateLimit() int {
	return p.snapshot().RateLimit
}

// AllowedOrigins returns the current cross-origin allow list.
func (p *Provider) AllowedOrigins() []string {
	return p.snapshot().AllowedOrigins
}

func (p *Provider) snapshot() Settings {
	p.mu.RLock()
	fresh := time.Since(p.loadedAt) < p.ttl
	current := p.current
	p.mu.RUnlock()

	if fresh {
		return current
	}

	return p.refresh()
}

func (p *Provider) refresh() Settings {
	loaded, err := load(p.path)
	if err != nil {
		p.logger.Warn("settings load failed, keeping previous snapshot",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)

		p.mu.Lock()
		p.loadedAt = time.Now()
		current := p.current
		p.mu.Unlock()

		return current
	}

	p.mu.Lock()
	p.current = loaded
	p.loadedAt = time.Now()
	p.mu.Unlock()

	return loaded
}

// load parses the CSV settings file. Rows are key,value pairs; the
// allowed_origin key repeats, one row per origin. Unknown keys are
// ignored so the file can grow without breaking old processes.
func load(path string) (Settings, error) {
	s := defaults()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}

	if err != nil {
		return s, fmt.Errorf("opening settings file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return s, fmt.Errorf("parsing settings file: %w", err)
	}

	s.AllowedOrigins = nil
	for _, record := range records {
		key, value := record[0], record[1]

		switch key {
		case "rate_limit":
			n, convErr := strconv.Atoi(value)
			if convErr != nil || n <= 0 {
				return defaults(), fmt.Errorf("invalid rate_limit value %q", value)
			}
			s.RateLimit = n
		case "allowed_origin":
			s.AllowedOrigins = append(s.AllowedOrigins, value)
		}
	}

	return s, nil
}
