package daemon

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashembed/flashembed/internal/domain"
	"github.com/flashembed/flashembed/internal/pipeline"
)

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// testRunConfig builds a mock-backend run over a directory holding n good
// images and one corrupt file.
func testRunConfig(t *testing.T, n int) Config {
	t.Helper()
	t.Setenv("FLASHEMBED_HOME", t.TempDir())

	data := t.TempDir()
	for i := 0; i < n; i++ {
		writePNG(t, filepath.Join(data, "img"+string(rune('a'+i))+".png"), color.RGBA{uint8(i * 20), 10, 200, 255})
	}
	os.WriteFile(filepath.Join(data, "broken.png"), []byte("not a png"), 0o644)
	os.WriteFile(filepath.Join(data, "imga.txt"), []byte("a red square"), 0o644)

	cfg := DefaultConfig()
	cfg.IO.DataPaths = []string{data}
	cfg.IO.DecodeSize = 4
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	cfg.Batch.Size = 2
	cfg.Logging.File = ""
	cfg.Model.Dim = 8
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Setenv("FLASHEMBED_HOME", t.TempDir())
	cfg := DefaultConfig()
	cfg.IO.DataPaths = []string{t.TempDir()}
	cfg.Model.Backend = "onnx"

	if _, err := New(cfg, nil); !errors.Is(err, domain.ErrUnknownBackend) {
		t.Errorf("New() error = %v, want ErrUnknownBackend", err)
	}
}

func TestNew_MissingData(t *testing.T) {
	t.Setenv("FLASHEMBED_HOME", t.TempDir())
	cfg := DefaultConfig()
	cfg.IO.DataPaths = []string{filepath.Join(t.TempDir(), "shard-{0..1}.tar")}
	cfg.Output.Dir = t.TempDir()

	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New() should fail when no shard exists")
	}
}

func TestNew_PipelineErrorLeavesOutputUntouched(t *testing.T) {
	cfg := testRunConfig(t, 2)
	orig := newPipeline
	newPipeline = func(pipeline.Config, pipeline.Deps) (*pipeline.Pipeline, error) {
		return nil, domain.ErrInvalidConfig
	}
	defer func() { newPipeline = orig }()

	if _, err := New(cfg, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "manifest.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("manifest.json stat = %v, want not exist", err)
	}
}

func TestRun_RecordsOutcome(t *testing.T) {
	cfg := testRunConfig(t, 5)
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	run, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if run.Status != domain.RunFinished {
		t.Errorf("Status = %q, want finished", run.Status)
	}
	if run.Done != 5 || run.Failed != 1 {
		t.Errorf("Done/Failed = %d/%d, want 5/1", run.Done, run.Failed)
	}

	stored, err := d.Ledger.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if stored.Status != domain.RunFinished || stored.Done != 5 {
		t.Errorf("stored run = %+v", stored)
	}

	failed, err := d.Ledger.ListTasks(run.ID, domain.TaskFailed)
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(failed) != 1 || failed[0].UID != "broken.png" {
		t.Errorf("failed tasks = %+v", failed)
	}

	m := d.Sink.Manifest()
	if m.Rows != 5 {
		t.Errorf("manifest rows = %d, want 5", m.Rows)
	}
	if _, err := os.Stat(d.Sink.ManifestPath()); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
	if got := d.Metrics.Get(domain.MetricDecodeFailures); got != 1 {
		t.Errorf("decode_failures = %d, want 1", got)
	}
}

func TestRun_SQLiteOutput(t *testing.T) {
	cfg := testRunConfig(t, 3)
	cfg.Output.Format = "sqlite"

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	run, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	n, err := d.Ledger.CountEmbeddings(run.ID)
	if err != nil {
		t.Fatalf("CountEmbeddings() error: %v", err)
	}
	// One image row per item, plus text rows for the batch holding imga.png.
	if n < 3 {
		t.Errorf("embeddings = %d, want at least 3", n)
	}
}

func TestRun_StatusServer(t *testing.T) {
	cfg := testRunConfig(t, 2)
	cfg.Telemetry.Listen = "127.0.0.1:0"

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !d.Health.IsHealthy() {
		t.Errorf("health = %+v", d.Health.Statuses())
	}
}

func TestRun_StatusListenErrorFailsRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testRunConfig(t, 1)
	cfg.Telemetry.Listen = ln.Addr().String()
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	run, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when the status address is taken")
	}
	if run.Status != domain.RunFailed || run.Error == "" {
		t.Errorf("run = %+v, want failed with error", run)
	}
	stored, err := d.Ledger.GetRun(run.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetRun() = %v, %v", stored, err)
	}
	if stored.Status != domain.RunFailed || stored.EndedAt.IsZero() {
		t.Errorf("stored run = %+v, want failed and ended", stored)
	}
}

func TestRun_CancelledContextFailsRun(t *testing.T) {
	cfg := testRunConfig(t, 3)
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if run.Status != domain.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
	stored, _ := d.Ledger.GetRun(run.ID)
	if stored == nil || stored.Status != domain.RunFailed {
		t.Errorf("stored run = %+v", stored)
	}
}

func TestClose_Idempotent(t *testing.T) {
	cfg := testRunConfig(t, 1)
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
