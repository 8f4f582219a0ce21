package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/trialflow/trialflow/pkg/interfaces"
	"github.com/trialflow/trialflow/pkg/resilience"
	"github.com/trialflow/trialflow/pkg/storage"
	s3store "github.com/trialflow/trialflow/pkg/storage/s3"
)

// ObjectBackend stores checkpoints as JSON objects in an ObjectStorage,
// one object per job under a key prefix.
type ObjectBackend struct {
	store  interfaces.ObjectStorage
	prefix string
}

// NewObjectBackend creates a backend over store.
func NewObjectBackend(store interfaces.ObjectStorage, prefix string) *ObjectBackend {
	return &ObjectBackend{store: store, prefix: strings.Trim(prefix, "/")}
}

// NewS3Backend creates a backend writing to an S3 bucket. Calls are
// retried and stop for a while after repeated failures.
func NewS3Backend(ctx context.Context, cfg s3store.Config) (*ObjectBackend, error) {
	client, err := s3store.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := storage.WithRetry(client, resilience.DefaultRetryPolicy(), resilience.NewCircuitBreaker())
	return NewObjectBackend(store, "checkpoints"), nil
}

func (b *ObjectBackend) key(id string) string {
	return path.Join(b.prefix, id+".json")
}

// Save writes the checkpoint object.
func (b *ObjectBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.encode()
	if err != nil {
		return err
	}
	err = b.store.Put(ctx, b.key(cp.ID), bytes.NewReader(data), interfaces.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"phase":  cp.Phase,
			"output": cp.Output,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint to %s: %w", b.store.Scheme(), err)
	}
	return nil
}

// Load retrieves a checkpoint object.
func (b *ObjectBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ok, err := b.store.Exists(ctx, b.key(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, os.ErrNotExist
	}

	r, err := b.store.Get(ctx, b.key(id))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decode(data)
}

// Delete removes a checkpoint object.
func (b *ObjectBackend) Delete(ctx context.Context, id string) error {
	return b.store.Delete(ctx, b.key(id))
}

// ListIncomplete returns all checkpoints that haven't completed.
func (b *ObjectBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	prefix := b.prefix
	if prefix != "" {
		prefix += "/"
	}
	objs, err := b.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var checkpoints []*Checkpoint
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		id := strings.TrimSuffix(path.Base(obj.Key), ".json")
		cp, err := b.Load(ctx, id)
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
func (b *ObjectBackend) FindByOutput(ctx context.Context, output string) (*Checkpoint, error) {
	list, err := b.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}
	return findIncomplete(list, output)
}

// Name returns the store scheme.
func (b *ObjectBackend) Name() string {
	return b.store.Scheme()
}
