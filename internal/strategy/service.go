// Package strategy loads, validates, and hot-swaps strategy documents.
//
// The Service watches a single JSON file. A change is detected by fsnotify
// with a polling fallback, read with a short retry loop so half-written
// files never poison a swap, validated, condition-compiled, and — only if
// everything passes — atomically installed as the current strategy. A
// rejected document leaves the running strategy untouched.
//
// A separate validity monitor expires the current strategy the moment its
// validity window elapses; an expired strategy halts new entries but keeps
// exit management alive until a fresh document arrives.
package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tradepilot/internal/config"
	"tradepilot/internal/events"
	"tradepilot/pkg/types"
)

// State is the lifecycle state of the strategy slot.
type State string

const (
	StateNone    State = "none"    // no document has ever loaded
	StateActive  State = "active"  // current document is live
	StateExpired State = "expired" // validity window elapsed, awaiting replacement
	StateInvalid State = "invalid" // initial document rejected, nothing to run
)

const (
	readRetries    = 3
	readRetryDelay = 50 * time.Millisecond
)

// Service owns the strategy slot.
type Service struct {
	path     string
	reload   time.Duration
	validity time.Duration
	events   *events.Log
	logger   *slog.Logger

	mu       sync.RWMutex
	state    State
	current  *Compiled
	fileHash string // hash of the last file content we acted on
	reason   string // last rejection reason

	updates chan *Compiled

	now func() time.Time // injectable clock for tests
}

// NewService creates a strategy service watching cfg.WatchPath.
func NewService(cfg config.StrategyConfig, evts *events.Log, logger *slog.Logger) *Service {
	return &Service{
		path:     cfg.WatchPath,
		reload:   cfg.ReloadLatency(),
		validity: cfg.ValidityCheckInterval(),
		events:   evts,
		logger:   logger.With("component", "strategy"),
		state:    StateNone,
		updates:  make(chan *Compiled, 1),
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Current returns the current compiled strategy, or nil. An expired
// strategy is still returned so exit management can continue.
func (s *Service) Current() *Compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LastRejection returns the most recent rejection reason, if any.
func (s *Service) LastRejection() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Updates returns a channel carrying each newly installed strategy. The
// channel holds only the latest document; a slow consumer sees the newest.
func (s *Service) Updates() <-chan *Compiled { return s.updates }

// Run loads the initial document and watches for changes until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	// Initial load; a missing file just means the learner hasn't produced
	// a strategy yet.
	if _, err := os.Stat(s.path); err == nil {
		s.tryReload()
	} else {
		s.logger.Info("no strategy file yet, waiting", "path", s.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and atomic writers
	// replace the inode, which silently detaches a file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	poll := time.NewTicker(s.reload)
	defer poll.Stop()
	expiry := time.NewTicker(s.validity)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != filepath.Clean(s.path) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.tryReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)

		case <-poll.C:
			// Fallback for filesystems where fsnotify misses events.
			s.tryReload()

		case <-expiry.C:
			s.checkExpiry()
		}
	}
}

// tryReload reads, validates, and installs the file if its content changed.
func (s *Service) tryReload() {
	data, err := readStable(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		s.logger.Warn("read strategy file", "error", err)
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	id := hash[:16]

	s.mu.Lock()
	if hash == s.fileHash {
		s.mu.Unlock()
		return
	}
	s.fileHash = hash
	s.mu.Unlock()

	var doc types.StrategyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.rejectLocked(fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	doc.ID = id

	compiled, err := compile(doc, s.now())
	if err != nil {
		s.rejectLocked(err.Error())
		return
	}

	s.install(compiled)
}

// readStable reads the file, retrying briefly so a writer mid-replace
// doesn't hand us a truncated document.
func readStable(path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) == 0 {
			lastErr = fmt.Errorf("empty file")
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func (s *Service) install(c *Compiled) {
	s.mu.Lock()
	old := s.current
	s.current = c
	s.state = StateActive
	s.reason = ""
	s.mu.Unlock()

	// One event per install: loaded for the first document, swapped when a
	// different document replaces the incumbent.
	if old == nil {
		s.events.Emit(types.EventStrategyLoaded, map[string]any{
			"strategy_id":     c.Doc.ID,
			"mode":            c.Doc.Mode,
			"posture":         c.Doc.Posture,
			"positions":       len(c.Doc.Positions),
			"validity_window": c.Doc.ValidityWindow,
		})
	} else if old.Doc.ID != c.Doc.ID {
		s.events.Emit(types.EventStrategySwapped, map[string]any{
			"old_strategy_id": old.Doc.ID,
			"new_strategy_id": c.Doc.ID,
		})
	}

	// Latest-wins delivery: drop a pending update the engine hasn't
	// consumed yet.
	select {
	case <-s.updates:
	default:
	}
	s.updates <- c
}

func (s *Service) rejectLocked(reason string) {
	s.mu.Lock()
	s.reason = reason
	if s.current == nil {
		s.state = StateInvalid
	}
	s.mu.Unlock()

	s.events.Emit(types.EventStrategyRejected, map[string]any{"reason": reason})
}

func (s *Service) checkExpiry() {
	s.mu.Lock()
	if s.state != StateActive || s.current == nil || s.now().Before(s.current.Doc.ValidityWindow) {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	id := s.current.Doc.ID
	deadline := s.current.Doc.ValidityWindow
	s.mu.Unlock()

	s.events.Emit(types.EventStrategyExpired, map[string]any{
		"strategy_id":     id,
		"validity_window": deadline,
	})
}
