// Package events provides the append-only structured event log.
//
// Every significant state change in the engine emits exactly one Event.
// Records are written as one JSON object per line to events.log and mirrored
// to slog. An optional listener channel receives a copy of every event for
// the dashboard stream; a slow listener never blocks the writer.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradepilot/pkg/types"
)

// Log is a thread-safe append-only event sink.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	mode     func() types.Mode // resolves the current operation mode per event
	listener chan types.Event  // nil until Subscribe is called
	logger   *slog.Logger
}

// Open creates (or appends to) the event log at dir/events.log.
// mode supplies the operation mode stamped on each record.
func Open(dir string, mode func() types.Mode, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	path := filepath.Join(dir, "events.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{
		file:   f,
		mode:   mode,
		logger: logger.With("component", "events"),
	}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Subscribe returns a channel receiving a copy of every subsequent event.
// Only one subscriber is supported; calling twice replaces the previous one.
func (l *Log) Subscribe(buffer int) <-chan types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = make(chan types.Event, buffer)
	return l.listener
}

// Emit appends one event record. Data maps are marshalled as-is.
func (l *Log) Emit(eventType types.EventType, data map[string]any) {
	evt := types.Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Mode:      l.mode(),
		Data:      data,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(evt)
	if err != nil {
		l.logger.Error("marshal event", "type", eventType, "error", err)
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Error("write event", "type", eventType, "error", err)
	}

	l.logger.Info(string(eventType), slog.Any("data", data))

	if l.listener != nil {
		select {
		case l.listener <- evt:
		default:
			// Listener can't keep up, drop the copy; the file has it.
		}
	}
}

// Tail returns up to limit most recent events, oldest first.
func (l *Log) Tail(limit int) ([]types.Event, error) {
	l.mu.Lock()
	path := l.file.Name()
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	var all []types.Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var evt types.Event
				if err := json.Unmarshal(data[start:i], &evt); err == nil {
					all = append(all, evt)
				}
			}
			start = i + 1
		}
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
