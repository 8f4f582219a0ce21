// Package tui renders job progress and summaries on the terminal.
// Plain streaming output, no full-screen interface.
package tui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/trialflow/trialflow/pkg/container"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

const rule = "  ─────────────────────────────────────"

// PrintHeader prints the program banner.
func PrintHeader(w io.Writer, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("  TRIALFLOW")+mutedStyle.Render(" "+version))
	fmt.Fprintln(w, mutedStyle.Render("  Trial-structured compute and output assembly"))
	fmt.Fprintln(w)
}

// RunReport summarizes a finished job.
type RunReport struct {
	JobID     string
	Kernel    string
	Output    string
	Shape     []int
	Trials    int
	Succeeded int
	Failed    int
	Skipped   int
	Averaged  bool
	Duration  time.Duration
	Warnings  []string
	// Errors maps a failed trial to its error message.
	Errors map[int]string
}

// PrintRunReport prints results after a job.
func PrintRunReport(w io.Writer, r *RunReport) {
	fmt.Fprintln(w)
	if r.Failed == 0 {
		fmt.Fprintln(w, successStyle.Render("  ✓ JOB COMPLETE"))
	} else {
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("  ✗ JOB FINISHED WITH %d FAILED TRIAL(S)", r.Failed)))
	}
	fmt.Fprintln(w)
	field(w, "Job:", r.JobID)
	field(w, "Kernel:", r.Kernel)
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Output:"), codeStyle.Render(r.Output))
	field(w, "Shape:", formatShape(r.Shape))

	trials := fmt.Sprintf("%d/%d ok", r.Succeeded, r.Trials)
	if r.Skipped > 0 {
		trials += fmt.Sprintf(", %d resumed", r.Skipped)
	}
	if r.Averaged {
		trials += ", averaged"
	}
	field(w, "Trials:", trials)

	if r.Duration > 0 {
		rate := float64(r.Trials) / r.Duration.Seconds()
		fmt.Fprintf(w, "  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(r.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%s trials/sec)", formatNumber(int64(rate)))))
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, accentStyle.Render("▸ FAILED TRIALS"))
		keys := make([]int, 0, len(r.Errors))
		for k := range r.Errors {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s %s\n", accentStyle.Render(fmt.Sprintf("%4d", k)), r.Errors[k])
		}
	}
	printWarnings(w, r.Warnings)
	fmt.Fprintln(w)
}

// PrintManifest prints the layout of a container.
func PrintManifest(w io.Writer, dir string, m container.Manifest) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("▸ CONTAINER"))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	field(w, "Dir:", dir)
	field(w, "ID:", m.ID)
	field(w, "Dataset:", fmt.Sprintf("%s %s %s", m.Dataset, m.DType, formatShape(m.Shape)))
	if len(m.Dimord) > 0 {
		field(w, "Dimord:", strings.Join(m.Dimord, ", "))
	}
	if m.Kernel != "" {
		field(w, "Kernel:", m.Kernel)
	}
	if m.SampleRate > 0 {
		field(w, "Rate:", fmt.Sprintf("%g Hz", m.SampleRate))
	}
	field(w, "Codec:", m.Compression)
	if m.FinalizedAt == nil {
		field(w, "State:", "not finalized")
	} else if m.Averaged {
		field(w, "State:", "averaged")
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s\n", mutedStyle.Render(fmt.Sprintf("%6s %10s %10s  %-8s %s", "trial", "start", "stop", "status", "checksum")))
	for _, e := range m.Extents {
		status := e.Status
		switch status {
		case container.StatusWritten:
			status = successStyle.Render(fmt.Sprintf("%-8s", status))
		case container.StatusFailed:
			status = accentStyle.Render(fmt.Sprintf("%-8s", status))
		default:
			status = mutedStyle.Render(fmt.Sprintf("%-8s", status))
		}
		sum := e.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Fprintf(w, "  %6d %10d %10d  %s %s\n", e.Trial, e.Slab.Start, e.Slab.Stop, status, mutedStyle.Render(sum))
	}
	printWarnings(w, m.Warnings)
	fmt.Fprintln(w)
}

func printWarnings(w io.Writer, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("▸ WARNINGS"))
	for _, msg := range warnings {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("!"), msg)
	}
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(label), titleStyle.Render(value))
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, n := range shape {
		parts[i] = fmt.Sprint(n)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// TrialProgress creates a progress bar over total trials. The returned
// callback matches engine.Options.Progress and is safe for concurrent use.
func TrialProgress(total int, description string) (*progressbar.ProgressBar, func(done, total int)) {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return bar, func(done, _ int) {
		_ = bar.Set(done)
	}
}
