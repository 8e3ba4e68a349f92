package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flashembed/flashembed/internal/daemon"
	"github.com/flashembed/flashembed/internal/logging"
)

// runFlags mirrors the config keys that can be overridden per invocation.
type runFlags struct {
	dataPaths     []string
	backend       string
	modelName     string
	modelPath     string
	device        string
	batchSize     int
	maxDelayMS    int
	outputDir     string
	format        string
	remoteURL     string
	remoteVersion string
	decodeWorkers int
	inferWorkers  int
	listen        string
	logLevel      string
	noProgress    bool
}

var runOpts runFlags

func init() {
	f := runCmd.Flags()
	f.StringArrayVar(&runOpts.dataPaths, "data-path", nil, "Shard pattern, URL, or image directory (repeatable)")
	f.StringVar(&runOpts.backend, "backend", "", "Inference backend: mock, llama, remote")
	f.StringVar(&runOpts.modelName, "model-name", "", "Model name (remote model or label)")
	f.StringVar(&runOpts.modelPath, "model-path", "", "Local model file (llama backend)")
	f.StringVar(&runOpts.device, "device", "", "Device: cpu, gpu, auto")
	f.IntVar(&runOpts.batchSize, "batch-size", 0, "Maximum items per batch")
	f.IntVar(&runOpts.maxDelayMS, "max-delay-ms", 0, "Batch latency bound in milliseconds")
	f.StringVar(&runOpts.outputDir, "output-dir", "", "Directory for vectors and manifest")
	f.StringVar(&runOpts.format, "format", "", "Output format: npy, npz, jsonl, sqlite")
	f.StringVar(&runOpts.remoteURL, "remote-url", "", "KServe v2 / Triton server URL")
	f.StringVar(&runOpts.remoteVersion, "remote-version", "", "Model version on the remote server")
	f.IntVar(&runOpts.decodeWorkers, "decode-workers", 0, "Concurrent decode workers")
	f.IntVar(&runOpts.inferWorkers, "infer-workers", 0, "Concurrent inference workers")
	f.StringVar(&runOpts.listen, "listen", "", "Serve the status API on this address during the run")
	f.StringVar(&runOpts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.BoolVar(&runOpts.noProgress, "no-progress", false, "Disable the live progress line")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Embed a dataset",
	Long: `Run the embedding pipeline over the configured data paths.

Per-item failures are recorded and reported at the end; they do not make the
command fail. Inspect them afterwards with 'flashembed tasks --state failed'.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	applyRunFlags(&cfg, cmd.Flags().Changed, runOpts)

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize run: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var prog *progress
	if !runOpts.noProgress {
		prog = newProgress(os.Stderr, d.Metrics, d.Pipeline.Tasks())
		go prog.loop(ctx, 500*time.Millisecond)
	}

	run, runErr := d.Run(ctx)
	if prog != nil {
		prog.finish()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run       %s\n", run.ID)
	fmt.Fprintf(out, "status    %s\n", run.Status)
	fmt.Fprintf(out, "done      %d\n", run.Done)
	fmt.Fprintf(out, "failed    %d\n", run.Failed)
	fmt.Fprintf(out, "elapsed   %s\n", run.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "manifest  %s\n", d.Sink.ManifestPath())
	if run.Failed > 0 {
		fmt.Fprintf(out, "\nSee failures with: flashembed tasks %s --state failed\n", shortID(run.ID))
	}

	if runErr != nil && !isInterrupt(ctx, runErr) {
		return runErr
	}
	return nil
}

// applyRunFlags copies every flag the user actually set onto cfg.
func applyRunFlags(cfg *daemon.Config, set func(name string) bool, o runFlags) {
	if set("data-path") {
		cfg.IO.DataPaths = o.dataPaths
	}
	if set("backend") {
		cfg.Model.Backend = o.backend
	}
	if set("model-name") {
		cfg.Model.Name = o.modelName
	}
	if set("model-path") {
		cfg.Model.Path = o.modelPath
	}
	if set("device") {
		cfg.Model.Device = o.device
	}
	if set("batch-size") {
		cfg.Batch.Size = o.batchSize
	}
	if set("max-delay-ms") {
		cfg.Batch.MaxDelayMS = o.maxDelayMS
	}
	if set("output-dir") {
		cfg.Output.Dir = o.outputDir
	}
	if set("format") {
		cfg.Output.Format = o.format
	}
	if set("remote-url") {
		cfg.Model.RemoteURL = o.remoteURL
	}
	if set("remote-version") {
		cfg.Model.RemoteVersion = o.remoteVersion
	}
	if set("decode-workers") {
		cfg.Workers.DecodeWorkers = o.decodeWorkers
	}
	if set("infer-workers") {
		cfg.Workers.InferWorkers = o.inferWorkers
	}
	if set("listen") {
		cfg.Telemetry.Listen = o.listen
	}
	if set("log-level") {
		cfg.Logging.Level = o.logLevel
	}
}

// isInterrupt reports whether err only reflects the user stopping the run.
// The run is still recorded as failed in the ledger.
func isInterrupt(ctx context.Context, err error) bool {
	return ctx.Err() != nil && err == ctx.Err()
}
