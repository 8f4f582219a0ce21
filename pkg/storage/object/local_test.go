package object

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/trialflow/trialflow/pkg/interfaces"
)

func exercise(t *testing.T, s interfaces.ObjectStorage) {
	t.Helper()
	ctx := context.Background()

	for _, key := range []string{"run/b.parquet", "run/a.parquet", "other/c"} {
		if err := s.Put(ctx, key, strings.NewReader("payload-"+key), interfaces.PutOptions{}); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	if err := s.Put(ctx, "run/a.parquet", strings.NewReader("x"), interfaces.PutOptions{IfNotExists: true}); err == nil {
		t.Error("Expected IfNotExists to reject existing object")
	}

	objs, err := s.List(ctx, "run/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "run/a.parquet" || objs[1].Key != "run/b.parquet" {
		t.Fatalf("Expected sorted run/ keys, got %+v", objs)
	}

	r, err := s.Get(ctx, "run/b.parquet")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "payload-run/b.parquet" {
		t.Errorf("Expected payload, got %q", data)
	}

	if err := s.Delete(ctx, "other/c"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := s.Exists(ctx, "other/c"); ok {
		t.Error("Expected object to be deleted")
	}
	if ok, _ := s.Exists(ctx, "run/a.parquet"); !ok {
		t.Error("Expected object to exist")
	}
}

func TestLocalStorage(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	if s.Scheme() != "file" {
		t.Errorf("Expected scheme file, got %s", s.Scheme())
	}
	exercise(t, s)
}

func TestMemoryStorage(t *testing.T) {
	exercise(t, NewMemoryStorage())
}
