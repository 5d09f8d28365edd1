package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/7MMA7/VulnDetectGA/pkg/persist"
)

// MetadataVersion is the current checkpoint metadata format version.
const MetadataVersion = 1

// Sentinel errors for checkpoint validation.
var (
	ErrNoCheckpoint    = errors.New("no checkpoint")
	ErrInputMismatch   = errors.New("input mismatch")
	ErrShardMismatch   = errors.New("shard mismatch")
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)

const (
	dirPerm       = 0o750
	metadataName  = "checkpoint"
	stateName     = "state"
	hashPrefixLen = 8
)

// DefaultDir returns the default checkpoint directory (~/.vulndetect/checkpoints).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".vulndetect", "checkpoints")
}

// InputHash hashes the input file contents and the shard into a short key.
func InputHash(r io.Reader, shard string) (string, error) {
	h := sha256.New()

	_, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}

	h.Write([]byte("\x00" + shard))

	return hex.EncodeToString(h.Sum(nil)[:hashPrefixLen]), nil
}

// Manager stores the checkpoint of one (input, shard) pair.
type Manager struct {
	meta    *persist.Persister[Metadata]
	state   *persist.Persister[State]
	baseDir string
	key     string
	mu      sync.Mutex
}

// NewManager creates a manager for the checkpoint keyed by inputHash.
func NewManager(baseDir, inputHash string) *Manager {
	return &Manager{
		meta:    persist.NewPersister[Metadata](metadataName, persist.NewJSONCodec()),
		state:   persist.NewPersister[State](stateName, persist.NewLZ4Codec(persist.NewJSONCodec())),
		baseDir: baseDir,
		key:     inputHash,
	}
}

// Dir returns the directory holding this checkpoint.
func (m *Manager) Dir() string {
	return filepath.Join(m.baseDir, m.key)
}

// Exists reports whether a checkpoint has been saved.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.meta.Path(m.Dir()))

	return err == nil
}

// Start returns metadata for a new run with a fresh run id.
func Start(inputPath, inputHash, shard string) Metadata {
	now := time.Now().UTC().Format(time.RFC3339)

	return Metadata{
		Version:   MetadataVersion,
		RunID:     uuid.NewString(),
		InputPath: inputPath,
		InputHash: inputHash,
		Shard:     shard,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Save writes meta and state. The state file is written before the metadata
// so a present metadata file always has a complete state next to it.
func (m *Manager) Save(meta Metadata, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.Dir()

	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	err = m.state.Save(dir, state)
	if err != nil {
		return fmt.Errorf("save checkpoint state: %w", err)
	}

	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	err = m.meta.Save(dir, &meta)
	if err != nil {
		return fmt.Errorf("save checkpoint metadata: %w", err)
	}

	return nil
}

// Load returns the stored metadata and state, or ErrNoCheckpoint.
func (m *Manager) Load() (*Metadata, *State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.Dir()

	meta, err := m.meta.Load(dir)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, nil, ErrNoCheckpoint
	}

	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint metadata: %w", err)
	}

	if meta.Version != MetadataVersion {
		return nil, nil, fmt.Errorf("%w: have %d, want %d", ErrVersionMismatch, meta.Version, MetadataVersion)
	}

	state, err := m.state.Load(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint state: %w", err)
	}

	return meta, state, nil
}

// Validate checks that the stored checkpoint was made for inputHash and shard.
func (m *Manager) Validate(inputHash, shard string) error {
	meta, _, err := m.Load()
	if err != nil {
		return err
	}

	if meta.InputHash != inputHash {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrInputMismatch, meta.InputHash, inputHash)
	}

	if meta.Shard != shard {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrShardMismatch, meta.Shard, shard)
	}

	return nil
}

// Clear removes the checkpoint.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.RemoveAll(m.Dir())
	if err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}

	return nil
}
