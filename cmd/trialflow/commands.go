package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trialflow/trialflow/pkg/container"
	"github.com/trialflow/trialflow/pkg/export"
	"github.com/trialflow/trialflow/pkg/trial"
	"github.com/trialflow/trialflow/pkg/tui"
	"github.com/trialflow/trialflow/pkg/writer"
)

// Additional CLI flags
var (
	// Inspect flags
	xlsxOutput string
	jsonOutput bool
	verify     bool

	// Compact flags
	compactOutput string

	// Publish/fetch flags
	remoteLocation string
	containerID    string

	// Synth flags
	synthOutput     string
	synthTrials     []int
	synthChannels   int
	synthRate       float64
	synthPre        float64
	synthFreq       float64
	synthNoise      float64
	synthSeed       int64
	synthCompressed string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <container>",
	Short: "Show the layout of an output container",
	Long: `Show the manifest of an output container: geometry, per-trial extents
and their status, warnings and dimension labels.

Examples:
  trialflow inspect out
  trialflow inspect out --verify
  trialflow inspect out --xlsx out.xlsx
  trialflow inspect out --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var compactCmd = &cobra.Command{
	Use:   "compact <container>",
	Short: "Merge all extents into a single parquet file",
	Long: `Merge every written extent into one parquet file ordered by row. The
container itself is not modified.

Examples:
  trialflow compact out --output merged.parquet`,
	Args: cobra.ExactArgs(1),
	RunE: runCompact,
}

var publishCmd = &cobra.Command{
	Use:   "publish <container>",
	Short: "Upload a container to object storage",
	Long: `Upload every file of a container. The manifest is uploaded last.

Examples:
  trialflow publish out --to s3://bucket/runs/42
  trialflow publish out --to /mnt/archive/runs/42`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <dir>",
	Short: "Download a published container and verify it",
	Long: `Download a container published with "trialflow publish" and verify
every extent checksum.

Examples:
  trialflow fetch restored --from s3://bucket/runs --id 5f0c...`,
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Write a synthetic trial-structured recording",
	Long: `Write a recording of back-to-back trials, each channel a sine plus noise,
with its trial definition and sample rate. Useful for trying kernels.

Examples:
  trialflow synth -o data.parquet --trials 100,150,120 --channels 2 --samplerate 1000`,
	RunE: runSynth,
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List incomplete jobs that can be resumed",
	RunE:  runCheckpoints,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&xlsxOutput, "xlsx", "", "Also write an xlsx summary to this path")
	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw manifest as JSON")
	inspectCmd.Flags().BoolVar(&verify, "verify", false, "Re-hash every extent against the manifest")

	compactCmd.Flags().StringVarP(&compactOutput, "output", "o", "", "Output parquet file (required)")
	compactCmd.MarkFlagRequired("output")

	publishCmd.Flags().StringVar(&remoteLocation, "to", "", "Destination (s3://bucket/prefix or path; default: remote.s3)")
	fetchCmd.Flags().StringVar(&remoteLocation, "from", "", "Source (s3://bucket/prefix or path; default: remote.s3)")
	fetchCmd.Flags().StringVar(&containerID, "id", "", "ID of the published container (required)")
	fetchCmd.MarkFlagRequired("id")

	f := synthCmd.Flags()
	f.StringVarP(&synthOutput, "output", "o", "", "Output parquet file (required)")
	f.IntSliceVar(&synthTrials, "trials", []int{100, 150, 120}, "Trial lengths in samples")
	f.IntVar(&synthChannels, "channels", 2, "Number of channels")
	f.Float64Var(&synthRate, "samplerate", 1000, "Sample rate in Hz")
	f.Float64Var(&synthPre, "pre-trigger", 0.2, "Fraction of each trial before the trigger")
	f.Float64Var(&synthFreq, "freq", 10, "Sine frequency of channel 0 in Hz")
	f.Float64Var(&synthNoise, "noise", 0.1, "Noise standard deviation")
	f.Int64Var(&synthSeed, "seed", 1, "Random seed")
	f.StringVar(&synthCompressed, "compression", "zstd", "Parquet compression")
	synthCmd.MarkFlagRequired("output")
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, done := commandContext()
	defer done()

	c, err := container.Open(args[0])
	if err != nil {
		return err
	}
	m := c.Manifest()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	tui.PrintManifest(os.Stdout, c.Dir(), m)

	if verify {
		if err := c.Verify(ctx); err != nil {
			return err
		}
		fmt.Println("  all extents verified")
	}
	if xlsxOutput != "" {
		if err := export.WriteWorkbook(xlsxOutput, m); err != nil {
			return err
		}
		fmt.Printf("  wrote %s\n", xlsxOutput)
	}
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx, done := commandContext()
	defer done()

	c, err := container.Open(args[0])
	if err != nil {
		return err
	}
	view, err := container.OpenView(ctx, c)
	if err != nil {
		return err
	}
	defer view.Close()

	start := time.Now()
	if err := view.Compact(ctx, compactOutput); err != nil {
		return err
	}
	rows, err := view.Count(ctx)
	if err != nil {
		return err
	}
	lo, hi, err := view.RowRange(ctx)
	if err != nil {
		return err
	}
	if hi-lo+1 != rows {
		slog.Warn("compacted rows are not contiguous", "first", lo, "last", hi, "rows", rows)
	}
	info, err := os.Stat(compactOutput)
	if err != nil {
		return err
	}
	fmt.Printf("Compacted %d rows into %s (%s) in %s\n",
		rows, compactOutput, tui.FormatBytes(info.Size()), time.Since(start).Round(time.Millisecond))
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, done := commandContext()
	defer done()

	c, err := container.Open(args[0])
	if err != nil {
		return err
	}
	store, err := remoteStore(ctx, remoteLocation)
	if err != nil {
		return err
	}
	n, err := container.Publish(ctx, c, store, c.ID())
	if err != nil {
		return err
	}
	fmt.Printf("Published %s (%s) to %s\n", c.ID(), tui.FormatBytes(n), store.Scheme())
	fmt.Printf("Fetch with: trialflow fetch <dir> --id %s\n", c.ID())
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, done := commandContext()
	defer done()

	dir := args[0]
	store, err := remoteStore(ctx, remoteLocation)
	if err != nil {
		return err
	}
	c, err := container.Fetch(ctx, store, containerID, dir)
	if err != nil {
		return err
	}
	fmt.Printf("Fetched %s into %s\n", c.ID(), dir)
	return nil
}

func runSynth(cmd *cobra.Command, args []string) error {
	data, info, err := trial.Synthesize(trial.SynthConfig{
		Lengths:    synthTrials,
		Channels:   synthChannels,
		SampleRate: synthRate,
		PreTrigger: synthPre,
		Freq:       synthFreq,
		Noise:      synthNoise,
		Seed:       synthSeed,
	})
	if err != nil {
		return err
	}
	wc := writer.DefaultConfig()
	wc.Compression = writer.ParseCompression(synthCompressed)
	if err := trial.WriteRecording(synthOutput, data, info, wc); err != nil {
		return err
	}
	fmt.Printf("Wrote %d trials, %d samples x %d channels to %s\n",
		info.Table.Len(), data.Len(), synthChannels, synthOutput)
	return nil
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	ctx, done := commandContext()
	defer done()

	b, _, closeBackend, err := checkpointBackend(ctx, cfg.Checkpoint.Backend)
	if err != nil {
		return err
	}
	defer closeBackend()
	if b == nil {
		return fmt.Errorf("checkpointing is disabled")
	}

	list, err := b.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No incomplete jobs")
		return nil
	}
	for _, cp := range list {
		fmt.Printf("%s  %-9s %5.1f%%  %s -> %s (%s, updated %s)\n",
			cp.ID, cp.Phase, cp.Progress(), cp.Input, cp.Output, cp.Kernel,
			cp.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}
