package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Backend defines the interface for checkpoint storage backends.
type Backend interface {
	// Save persists a checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves a checkpoint by job ID. A missing checkpoint is
	// reported as os.ErrNotExist.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Delete removes a checkpoint.
	Delete(ctx context.Context, id string) error

	// ListIncomplete returns all checkpoints that haven't completed.
	ListIncomplete(ctx context.Context) ([]*Checkpoint, error)

	// FindByOutput finds an incomplete checkpoint writing to output.
	FindByOutput(ctx context.Context, output string) (*Checkpoint, error)

	// Name returns the backend name for logging.
	Name() string
}

// findIncomplete scans list for an incomplete checkpoint writing to output.
func findIncomplete(list []*Checkpoint, output string) (*Checkpoint, error) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	for _, cp := range list {
		if cp.Output == output {
			return cp, nil
		}
	}
	return nil, os.ErrNotExist
}

// MultiBackend wraps two backends for redundancy.
type MultiBackend struct {
	primary   Backend
	secondary Backend
}

// NewMultiBackend creates a backend that writes to both primary and secondary.
func NewMultiBackend(primary, secondary Backend) *MultiBackend {
	return &MultiBackend{
		primary:   primary,
		secondary: secondary,
	}
}

// Save writes to both backends (primary first).
func (m *MultiBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if err := m.primary.Save(ctx, cp); err != nil {
		return err
	}
	// Secondary is best-effort
	_ = m.secondary.Save(ctx, cp)
	return nil
}

// Load reads from primary, falls back to secondary.
func (m *MultiBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.primary.Load(ctx, id)
	if err == nil {
		return cp, nil
	}
	return m.secondary.Load(ctx, id)
}

// Delete removes from both backends.
func (m *MultiBackend) Delete(ctx context.Context, id string) error {
	err1 := m.primary.Delete(ctx, id)
	err2 := m.secondary.Delete(ctx, id)
	if err1 != nil {
		return err1
	}
	return err2
}

// ListIncomplete returns incomplete checkpoints from primary.
func (m *MultiBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	return m.primary.ListIncomplete(ctx)
}

// FindByOutput finds a checkpoint in primary, falls back to secondary.
func (m *MultiBackend) FindByOutput(ctx context.Context, output string) (*Checkpoint, error) {
	cp, err := m.primary.FindByOutput(ctx, output)
	if err == nil {
		return cp, nil
	}
	return m.secondary.FindByOutput(ctx, output)
}

// Name returns the combined backend names.
func (m *MultiBackend) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}

// LocalBackend stores one JSON file per job in a directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates a backend using local filesystem.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(id string) string {
	return filepath.Join(b.dir, id+".checkpoint")
}

// Save writes the checkpoint atomically.
func (b *LocalBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.encode()
	if err != nil {
		return err
	}

	// Write to temp file first, then rename (atomic)
	path := b.path(cp.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Load retrieves a checkpoint from local filesystem.
func (b *LocalBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Delete removes a checkpoint from local filesystem.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	return os.Remove(b.path(id))
}

// ListIncomplete returns all incomplete checkpoints.
func (b *LocalBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".checkpoint" {
			continue
		}
		cp, err := b.Load(ctx, strings.TrimSuffix(entry.Name(), ".checkpoint"))
		if err != nil {
			continue
		}
		if cp.Incomplete() {
			checkpoints = append(checkpoints, cp)
		}
	}
	return checkpoints, nil
}

// FindByOutput finds an incomplete checkpoint for the output directory.
func (b *LocalBackend) FindByOutput(ctx context.Context, output string) (*Checkpoint, error) {
	list, err := b.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}
	return findIncomplete(list, output)
}

// Name returns "local".
func (b *LocalBackend) Name() string {
	return "local"
}
