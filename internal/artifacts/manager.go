// Package artifacts owns the learner's durable file tree: per-cycle
// artifact directories, per-agent memory files, and the archive of old
// cycles.
//
// Layout under storage.base_path:
//
//	cycles/<YYYYMMDD_HHMMSS>/{plan.md, research.md, analysis.md, strategy.json, evaluation.md, cycle.json}
//	cycles/history/<id>.zip
//	memory/<agent>/memory.md
package artifacts

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradepilot/internal/config"
)

const (
	historyDir   = "history"
	completeMark = "strategy.json" // a cycle is completed once this exists
	memoryFile   = "memory.md"
)

// Manager reads and writes the learner's artifact tree.
type Manager struct {
	cyclesDir string
	memoryDir string
	retention int
	logger    *slog.Logger

	mu sync.Mutex
}

// NewManager creates the storage tree if missing.
func NewManager(cfg config.StorageConfig, logger *slog.Logger) (*Manager, error) {
	cyclesDir := filepath.Join(cfg.BasePath, cfg.CyclesPath)
	memoryDir := filepath.Join(cfg.BasePath, cfg.MemoryPath)

	for _, dir := range []string{cyclesDir, filepath.Join(cyclesDir, historyDir), memoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	return &Manager{
		cyclesDir: cyclesDir,
		memoryDir: memoryDir,
		retention: cfg.ArchiveRetentionCount,
		logger:    logger.With("component", "artifacts"),
	}, nil
}

// NewCycleID derives a cycle id from a timestamp. Ids sort
// chronologically.
func NewCycleID(now time.Time) string {
	return now.UTC().Format("20060102_150405")
}

// CreateCycle makes the cycle's directory.
func (m *Manager) CreateCycle(id string) error {
	if err := os.MkdirAll(filepath.Join(m.cyclesDir, id), 0o755); err != nil {
		return fmt.Errorf("create cycle dir: %w", err)
	}
	return nil
}

// Write stores one artifact atomically (write .tmp, rename over).
func (m *Manager) Write(cycleID, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.cyclesDir, cycleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cycle dir: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Read returns one artifact's bytes.
func (m *Manager) Read(cycleID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.cyclesDir, cycleID, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%s: %w", cycleID, name, err)
	}
	return data, nil
}

// Cycles lists cycle ids, newest first. The history subtree is not a cycle.
func (m *Manager) Cycles() ([]string, error) {
	entries, err := os.ReadDir(m.cyclesDir)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != historyDir {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Artifacts lists the files inside one cycle directory, sorted.
func (m *Manager) Artifacts(cycleID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.cyclesDir, cycleID))
	if err != nil {
		return nil, fmt.Errorf("list cycle %s: %w", cycleID, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LatestCompleted returns the newest cycle whose strategy.json exists, or ""
// when no cycle has completed.
func (m *Manager) LatestCompleted() (string, error) {
	ids, err := m.Cycles()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if _, err := os.Stat(filepath.Join(m.cyclesDir, id, completeMark)); err == nil {
			return id, nil
		}
	}
	return "", nil
}

// AppendMemory appends an entry to the agent's memory file, separated from
// earlier entries by a --- line.
func (m *Manager) AppendMemory(agent, entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.memoryDir, agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	path := filepath.Join(dir, memoryFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		if _, err := f.WriteString("\n---\n\n"); err != nil {
			return fmt.Errorf("write memory separator: %w", err)
		}
	}
	if _, err := f.WriteString(strings.TrimRight(entry, "\n") + "\n"); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// ReadMemory returns the agent's whole memory file; a missing file is empty
// memory.
func (m *Manager) ReadMemory(agent string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.memoryDir, agent, memoryFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

// Archive compresses cycles beyond the retention count into
// cycles/history/<id>.zip and removes the originals. The newest cycles stay
// unpacked.
func (m *Manager) Archive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.Cycles()
	if err != nil {
		return err
	}
	if m.retention <= 0 || len(ids) <= m.retention {
		return nil
	}

	for _, id := range ids[m.retention:] {
		src := filepath.Join(m.cyclesDir, id)
		dst := filepath.Join(m.cyclesDir, historyDir, id+".zip")
		if err := zipDir(src, dst); err != nil {
			return fmt.Errorf("archive cycle %s: %w", id, err)
		}
		if err := os.RemoveAll(src); err != nil {
			return fmt.Errorf("remove archived cycle %s: %w", id, err)
		}
		m.logger.Info("cycle archived", "cycle_id", id)
	}
	return nil
}

// zipDir compresses every regular file in dir into a flat zip at dst.
func zipDir(dir, dst string) error {
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	entries, err := os.ReadDir(dir)
	if err != nil {
		out.Close()
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addToZip(zw, filepath.Join(dir, e.Name()), e.Name()); err != nil {
			zw.Close()
			out.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
