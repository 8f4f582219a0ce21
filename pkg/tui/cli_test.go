package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/trialflow/trialflow/pkg/container"
)

func TestPrintRunReport(t *testing.T) {
	var buf bytes.Buffer
	PrintRunReport(&buf, &RunReport{
		JobID:     "job-1",
		Kernel:    "identity",
		Output:    "/tmp/out",
		Shape:     []int{370, 1, 1, 2},
		Trials:    3,
		Succeeded: 2,
		Failed:    1,
		Duration:  1500 * time.Millisecond,
		Warnings:  []string{"trials differ in length"},
		Errors:    map[int]string{2: "E201: kernel failed"},
	})
	out := buf.String()

	for _, want := range []string{"1 FAILED TRIAL", "job-1", "(370, 1, 1, 2)", "2/3 ok", "1.5s", "E201: kernel failed", "trials differ in length"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPrintManifest(t *testing.T) {
	var buf bytes.Buffer
	PrintManifest(&buf, "/data/c", container.Manifest{
		ID:          "c-1",
		Dataset:     "data",
		DType:       "float64",
		Shape:       []int{20, 2},
		Dimord:      []string{"time", "channel"},
		Compression: "zstd",
		Extents: []container.Extent{
			{Trial: 0, Slab: container.Slab{Start: 0, Stop: 10}, Status: container.StatusWritten, Checksum: "0123456789abcdef"},
			{Trial: 1, Slab: container.Slab{Start: 10, Stop: 20}, Status: container.StatusFailed},
		},
	})
	out := buf.String()

	for _, want := range []string{"c-1", "time, channel", "not finalized", "0123456789ab", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("Expected checksum to be shortened")
	}
}

func TestFormatters(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{FormatBytes(512), "512 B"},
		{FormatBytes(2048), "2.0 KB"},
		{formatDuration(250 * time.Millisecond), "250ms"},
		{formatDuration(90 * time.Second), "1m30s"},
		{formatNumber(1500), "1.5K"},
		{formatNumber(2500000), "2.5M"},
		{formatShape([]int{3, 4}), "(3, 4)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, tt.got)
		}
	}
}
