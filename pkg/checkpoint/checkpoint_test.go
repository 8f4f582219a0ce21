package checkpoint

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/trialflow/trialflow/pkg/storage/object"
)

func TestCheckpointProgress(t *testing.T) {
	cp := New("job-1", "rec.parquet", "/out", "window", "fp", 4)

	if cp.Phase != PhasePlanning {
		t.Errorf("Expected phase %q, got %q", PhasePlanning, cp.Phase)
	}
	cp.MarkDone(0, "aa")
	cp.MarkDone(2, "cc")

	if got := cp.Progress(); got != 50 {
		t.Errorf("Expected progress 50, got %v", got)
	}
	pending := cp.Pending()
	if len(pending) != 2 || pending[0] != 1 || pending[1] != 3 {
		t.Errorf("Expected pending [1 3], got %v", pending)
	}
	if sum, ok := cp.Done(2); !ok || sum != "cc" {
		t.Errorf("Expected trial 2 done with checksum cc, got %q %v", sum, ok)
	}
	if _, ok := cp.Done(1); ok {
		t.Error("Expected trial 1 not done")
	}

	cp.SetPhase(PhaseComplete)
	if cp.Incomplete() {
		t.Error("Expected complete checkpoint")
	}
	if cp.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
}

func TestCheckpointMatches(t *testing.T) {
	cp := New("job-1", "rec.parquet", "/out", "window", "fp", 4)

	tests := []struct {
		input       string
		kernel      string
		fingerprint string
		trials      int
		want        bool
	}{
		{"rec.parquet", "window", "fp", 4, true},
		{"other.parquet", "window", "fp", 4, false},
		{"rec.parquet", "detrend", "fp", 4, false},
		{"rec.parquet", "window", "fp", 5, false},
		{"rec.parquet", "window", "other", 4, false},
	}
	for _, tt := range tests {
		if got := cp.Matches(tt.input, tt.kernel, tt.fingerprint, tt.trials); got != tt.want {
			t.Errorf("Matches(%q, %q, %q, %d) = %v, expected %v", tt.input, tt.kernel, tt.fingerprint, tt.trials, got, tt.want)
		}
	}

	legacy := New("job-0", "rec.parquet", "/out", "window", "", 4)
	if legacy.Matches("rec.parquet", "window", "", 4) {
		t.Error("Expected a checkpoint without fingerprint never to match")
	}
}

func TestFingerprint(t *testing.T) {
	params := map[string]any{"nperseg": 64, "noverlap": 32}
	a, err := Fingerprint(params, [][]int64{{0, 100, 0}}, []string{"ch0"})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	b, _ := Fingerprint(map[string]any{"noverlap": 32, "nperseg": 64}, [][]int64{{0, 100, 0}}, []string{"ch0"})
	if a != b {
		t.Errorf("Expected equal fingerprints for equal parts, got %s and %s", a, b)
	}

	tests := []struct {
		name  string
		parts []any
	}{
		{"params", []any{map[string]any{"nperseg": 64, "noverlap": 16}, [][]int64{{0, 100, 0}}, []string{"ch0"}}},
		{"trials", []any{params, [][]int64{{100, 200, 0}}, []string{"ch0"}}},
		{"channels", []any{params, [][]int64{{0, 100, 0}}, []string{"ch1"}}},
	}
	for _, tt := range tests {
		got, err := Fingerprint(tt.parts...)
		if err != nil {
			t.Fatalf("%s: Fingerprint failed: %v", tt.name, err)
		}
		if got == a {
			t.Errorf("%s: Expected a different fingerprint", tt.name)
		}
	}

	if _, err := Fingerprint(func() {}); err == nil {
		t.Error("Expected error for a value without JSON encoding")
	}
}

func TestEncodeDecode(t *testing.T) {
	cp := New("job-1", "rec.parquet", "/out", "window", "fp", 3)
	cp.MarkDone(1, "bb")
	cp.SetPhase(PhaseExecuting)

	data, err := cp.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.ID != cp.ID || got.Output != cp.Output || got.Trials != 3 {
		t.Errorf("Expected identity to survive, got %+v", got)
	}
	if !got.Completed.Equal(cp.Completed) {
		t.Errorf("Expected completed %v, got %v", cp.Completed, got.Completed)
	}
	if sum, ok := got.Done(1); !ok || sum != "bb" {
		t.Errorf("Expected trial 1 checksum bb, got %q %v", sum, ok)
	}
}

func TestDecodeFillsEmptyFields(t *testing.T) {
	cp, err := decode([]byte(`{"id":"x","trials":2,"phase":"executing"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cp.Completed == nil || cp.Checksums == nil {
		t.Fatal("Expected empty progress to be initialized")
	}
	cp.MarkDone(0, "aa")
	if cp.Completed.Len() != 1 {
		t.Errorf("Expected 1 completed trial, got %d", cp.Completed.Len())
	}
}

func backendSuite(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	running := New("job-a", "a.parquet", "/out/a", "identity", "fp", 3)
	running.SetPhase(PhaseExecuting)
	running.MarkDone(0, "aa")

	finished := New("job-b", "b.parquet", "/out/b", "identity", "fp", 1)
	finished.SetPhase(PhaseComplete)

	for _, cp := range []*Checkpoint{running, finished} {
		if err := b.Save(ctx, cp); err != nil {
			t.Fatalf("%s: Save failed: %v", b.Name(), err)
		}
	}

	loaded, err := b.Load(ctx, "job-a")
	if err != nil {
		t.Fatalf("%s: Load failed: %v", b.Name(), err)
	}
	if !loaded.Completed.Contains(0) || loaded.Phase != PhaseExecuting {
		t.Errorf("%s: Expected executing checkpoint with trial 0, got %+v", b.Name(), loaded)
	}

	if _, err := b.Load(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s: Expected ErrNotExist, got %v", b.Name(), err)
	}

	list, err := b.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("%s: ListIncomplete failed: %v", b.Name(), err)
	}
	if len(list) != 1 || list[0].ID != "job-a" {
		t.Errorf("%s: Expected only job-a incomplete, got %d", b.Name(), len(list))
	}

	found, err := b.FindByOutput(ctx, "/out/a")
	if err != nil {
		t.Fatalf("%s: FindByOutput failed: %v", b.Name(), err)
	}
	if found.ID != "job-a" {
		t.Errorf("%s: Expected job-a, got %s", b.Name(), found.ID)
	}
	if _, err := b.FindByOutput(ctx, "/out/b"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s: Expected completed job to be skipped, got %v", b.Name(), err)
	}

	if err := b.Delete(ctx, "job-a"); err != nil {
		t.Fatalf("%s: Delete failed: %v", b.Name(), err)
	}
	if _, err := b.Load(ctx, "job-a"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s: Expected deleted checkpoint to be gone, got %v", b.Name(), err)
	}
}

func TestLocalBackend(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	backendSuite(t, b)
}

func TestObjectBackend(t *testing.T) {
	b := NewObjectBackend(object.NewMemoryStorage(), "checkpoints")
	if b.Name() != "memory" {
		t.Errorf("Expected name memory, got %s", b.Name())
	}
	backendSuite(t, b)
}

func TestMultiBackendFallsBack(t *testing.T) {
	ctx := context.Background()
	primary, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	secondary := NewObjectBackend(object.NewMemoryStorage(), "")
	m := NewMultiBackend(primary, secondary)

	cp := New("job-m", "in", "/out/m", "pick", "fp", 2)
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := primary.Delete(ctx, "job-m"); err != nil {
		t.Fatal(err)
	}

	got, err := m.Load(ctx, "job-m")
	if err != nil {
		t.Fatalf("Expected fallback to secondary, got %v", err)
	}
	if got.Output != "/out/m" {
		t.Errorf("Expected output /out/m, got %s", got.Output)
	}
	if m.Name() != "local+memory" {
		t.Errorf("Expected name local+memory, got %s", m.Name())
	}
}

func TestStartAutoSave(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cp := New("job-auto", "in", "/out", "identity", "fp", 2)
	stop := StartAutoSave(context.Background(), b, cp, time.Hour)

	cp.MarkDone(1, "bb")
	if err := stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	got, err := b.Load(context.Background(), "job-auto")
	if err != nil {
		t.Fatalf("Expected final save on stop, got %v", err)
	}
	if !got.Completed.Contains(1) {
		t.Error("Expected trial 1 in saved checkpoint")
	}
}

func TestRedisKeys(t *testing.T) {
	b := &RedisBackend{cfg: DefaultRedisConfig("localhost:6379")}

	if got := b.key("job"); got != "trialflow:checkpoints:job" {
		t.Errorf("Expected checkpoint key, got %s", got)
	}
	if got := b.outputIndexKey("/data/out dir"); got != "trialflow:checkpoints:index:output:_data_out_dir" {
		t.Errorf("Expected sanitized index key, got %s", got)
	}
	if got := b.lockKey("job"); got != "trialflow:checkpoints:lock:job" {
		t.Errorf("Expected lock key, got %s", got)
	}
}
