// Package workspace hands out per-record working directories keyed by the
// record's branch name and guarantees their removal.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sentinel errors.
var (
	ErrInUse      = errors.New("workspace already in use")
	ErrInvalidKey = errors.New("invalid workspace key")
)

// Labels for the record target.
const (
	LabelVulnerable = "vuln"
	LabelFixed      = "fixed"

	// TargetVulnerable is the record target value of a vulnerable sample.
	TargetVulnerable = 1

	dirPerm = 0o755
)

// Label maps a record target to its branch label.
func Label(target int) string {
	if target == TargetVulnerable {
		return LabelVulnerable
	}

	return LabelFixed
}

// BranchName returns the deterministic job and directory key of a record.
func BranchName(idx, target int) string {
	return fmt.Sprintf("analysis-%d-%s", idx, Label(target))
}

// Manager owns a root directory of workspaces.
type Manager struct {
	logger *slog.Logger
	active map[string]struct{}
	root   string
	keep   bool
	mu     sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeep leaves released workspaces on disk for debugging.
func WithKeep(keep bool) Option {
	return func(m *Manager) {
		m.keep = keep
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates root if needed and returns a Manager for it.
func NewManager(root string, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	err = os.MkdirAll(abs, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m := &Manager{
		logger: slog.Default(),
		active: make(map[string]struct{}),
		root:   abs,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Reset removes every entry under the root. It refuses while workspaces are held.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) > 0 {
		return fmt.Errorf("%w: %d active", ErrInUse, len(m.active))
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read workspace root: %w", err)
	}

	var errs []error

	for _, e := range entries {
		errs = append(errs, os.RemoveAll(filepath.Join(m.root, e.Name())))
	}

	return errors.Join(errs...)
}

// Acquire reserves the directory for key. A stale directory left by an
// earlier run is removed; the returned directory does not exist yet.
func (m *Manager) Acquire(key string) (*Workspace, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.active[key]; held {
		return nil, fmt.Errorf("%w: %s", ErrInUse, key)
	}

	dir := filepath.Join(m.root, key)

	err := os.RemoveAll(dir)
	if err != nil {
		return nil, fmt.Errorf("clear stale workspace %s: %w", key, err)
	}

	m.active[key] = struct{}{}

	return &Workspace{Key: key, Dir: dir, manager: m}, nil
}

// Active returns the number of held workspaces.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

func (m *Manager) release(w *Workspace) error {
	m.mu.Lock()
	delete(m.active, w.Key)
	m.mu.Unlock()

	if m.keep {
		m.logger.Debug("workspace kept", "dir", w.Dir)

		return nil
	}

	err := os.RemoveAll(w.Dir)
	if err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.Key, err)
	}

	return nil
}

// Workspace is one record's isolated directory.
type Workspace struct {
	manager *Manager
	// Key is the branch name the workspace is reserved under.
	Key string
	// Dir is the absolute directory path.
	Dir      string
	once     sync.Once
	errClose error
}

// Path joins elem onto the workspace directory.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// Release removes the directory. Only the first call has an effect.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.errClose = w.manager.release(w)
	})

	return w.errClose
}
