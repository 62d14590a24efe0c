// Package mailbox passes short notes between agents across cycles. Each
// addressee has one line-delimited JSON file bounded to the most recent
// messages; the oldest are pruned on write.
package mailbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBound is how many messages a mailbox keeps.
const DefaultBound = 5

// Message kinds. A forward hands work or context onward; feedback reports
// back on an earlier cycle's output.
const (
	TypeForward  = "forward"
	TypeFeedback = "feedback"
)

// Message is one note in a mailbox.
type Message struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Type   string    `json:"type"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Store owns the mailbox directory.
type Store struct {
	dir    string
	bound  int
	logger *slog.Logger

	mu sync.Mutex
}

// New creates the mailbox directory if missing. bound <= 0 uses
// DefaultBound.
func New(dir string, bound int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mailbox dir: %w", err)
	}
	if bound <= 0 {
		bound = DefaultBound
	}
	return &Store{
		dir:    dir,
		bound:  bound,
		logger: logger.With("component", "mailbox"),
	}, nil
}

// Send appends a message to the addressee's mailbox, pruning beyond the
// bound.
func (s *Store) Send(from, to, typ, body string) (Message, error) {
	if to == "" {
		return Message{}, fmt.Errorf("addressee is required")
	}
	if typ != TypeForward && typ != TypeFeedback {
		return Message{}, fmt.Errorf("message type must be %q or %q, got %q", TypeForward, TypeFeedback, typ)
	}

	msg := Message{
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		Type:   typ,
		Body:   body,
		SentAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.readLocked(to)
	if err != nil {
		return Message{}, err
	}
	messages = append(messages, msg)
	if len(messages) > s.bound {
		messages = messages[len(messages)-s.bound:]
	}
	if err := s.writeLocked(to, messages); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Messages returns the addressee's mailbox, oldest first. A missing mailbox
// is empty.
func (s *Store) Messages(agent string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(agent)
}

// Agents lists every addressee that has a mailbox, sorted.
func (s *Store) Agents() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	var agents []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			agents = append(agents, strings.TrimSuffix(e.Name(), ".log"))
		}
	}
	sort.Strings(agents)
	return agents, nil
}

func (s *Store) path(agent string) string {
	return filepath.Join(s.dir, agent+".log")
}

func (s *Store) readLocked(agent string) ([]Message, error) {
	data, err := os.ReadFile(s.path(agent))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}

	var messages []Message
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("skipping malformed mailbox line", "agent", agent, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Store) writeLocked(agent string, messages []Message) error {
	var sb strings.Builder
	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	path := s.path(agent)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write mailbox: %w", err)
	}
	return os.Rename(tmp, path)
}
