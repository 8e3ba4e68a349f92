package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── llama-server Backend ───────────────────────────────────────────────────
// The runner spawns llama-server with --embedding for one GGUF file and
// proxies Encode calls to its HTTP API:
//
//	NewLlama(opts) → starts llama-server on a free localhost port
//	  → polls /health until the model is loaded
//	  → Encode() calls POST /embedding once per text
//	  → Close()  asks /shutdown, then kills the process

const (
	defaultLlamaMaxBatch = 64
	llamaStartTimeout    = 5 * time.Minute
)

// LlamaRunner embeds texts with a llama-server process it owns.
type LlamaRunner struct {
	addr     string
	client   *http.Client
	maxBatch int
	log      *zap.Logger

	cmd       *exec.Cmd
	exited    chan struct{}
	closeOnce sync.Once
}

// NewLlama locates llama-server, starts it on opts.Path and waits for it to
// report healthy.
func NewLlama(opts Options) (*LlamaRunner, error) {
	if opts.Path == "" {
		return nil, domain.ErrModelPathRequired
	}
	stat, err := os.Stat(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	bin, err := findLlamaServer(opts.Home)
	if err != nil {
		return nil, err
	}
	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("find free port: %w", err)
	}

	args := []string{
		"--model", opts.Path,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
		"--embedding",
		"--batch-size", fmt.Sprintf("%d", coalesce(opts.MaxBatch, defaultLlamaMaxBatch)*512),
	}
	switch opts.Device {
	case "cpu":
		args = append(args, "--n-gpu-layers", "0")
	default:
		args = append(args, "--n-gpu-layers", "99")
	}

	log := opts.logger().Named("llama")
	stderrBuf := &limitedBuffer{max: 8192}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderrBuf
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	exited := make(chan struct{})
	earlyExit := make(chan error, 1)
	go func() {
		earlyExit <- cmd.Wait()
		close(exited)
	}()

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)
	log.Info("Starting llama-server",
		zap.String("model", filepath.Base(opts.Path)),
		zap.Float64("model_mb", float64(stat.Size())/(1024*1024)),
		zap.String("addr", addr))

	if err := waitForServer(addr, llamaStartTimeout, earlyExit, log); err != nil {
		cmd.Process.Kill() //nolint:errcheck
		if tail := tailLines(stderrBuf.String(), 10); tail != "" {
			return nil, fmt.Errorf("%w: llama-server (model %s): %v\n\nllama-server output:\n%s",
				domain.ErrBackendUnavailable, filepath.Base(opts.Path), err, tail)
		}
		return nil, fmt.Errorf("%w: llama-server (model %s): %v",
			domain.ErrBackendUnavailable, filepath.Base(opts.Path), err)
	}

	r := newLlamaClient(addr, opts.Client, opts.MaxBatch, log)
	r.cmd = cmd
	r.exited = exited
	return r, nil
}

// newLlamaClient talks to an already running llama-server.
func newLlamaClient(addr string, client *http.Client, maxBatch int, log *zap.Logger) *LlamaRunner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LlamaRunner{
		addr:     strings.TrimRight(addr, "/"),
		client:   client,
		maxBatch: coalesce(maxBatch, defaultLlamaMaxBatch),
		log:      log,
	}
}

func (r *LlamaRunner) MaxBatchSize() int { return r.maxBatch }

// Warmup embeds a short string so the first real batch does not pay for
// graph setup.
func (r *LlamaRunner) Warmup() error {
	_, err := r.embed(context.Background(), "warmup")
	return err
}

func (r *LlamaRunner) Encode(images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	return r.EncodeContext(context.Background(), images, texts)
}

// EncodeContext embeds each text. Images are ignored when texts are given;
// an image-only batch is unsupported.
func (r *LlamaRunner) EncodeContext(ctx context.Context, images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	if texts == nil {
		return nil, fmt.Errorf("%w: llama backend embeds text only (%d images without captions)",
			domain.ErrUnsupportedInput, len(images))
	}

	var mat domain.Matrix
	for i, text := range texts {
		vec, err := r.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			mat = domain.NewMatrix(len(texts), len(vec))
		}
		if len(vec) != mat.Cols {
			return nil, fmt.Errorf("%w: embedding width %d, expected %d", domain.ErrShapeMismatch, len(vec), mat.Cols)
		}
		copy(mat.Row(i), vec)
	}
	return map[string]domain.Matrix{"text": mat}, nil
}

func (r *LlamaRunner) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"content": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", r.addr+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama-server error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return parseEmbedding(raw)
}

// parseEmbedding accepts both response shapes llama-server has shipped:
// {"embedding": [...]} and [{"index": 0, "embedding": [[...]]}].
func parseEmbedding(raw []byte) ([]float32, error) {
	var flat struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat.Embedding) > 0 {
		return flat.Embedding, nil
	}

	var nested []struct {
		Embedding [][]float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(nested) == 0 || len(nested[0].Embedding) == 0 {
		return nil, fmt.Errorf("parse embedding response: empty embedding")
	}
	// Pooled output is a single row.
	return nested[0].Embedding[0], nil
}

// Close shuts the subprocess down. Safe to call more than once.
func (r *LlamaRunner) Close() error {
	r.closeOnce.Do(func() {
		if r.cmd == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if req, err := http.NewRequestWithContext(ctx, "POST", r.addr+"/shutdown", nil); err == nil {
			if resp, err := r.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}

		if r.cmd.Process != nil {
			r.cmd.Process.Kill() //nolint:errcheck
			select {
			case <-r.exited:
			case <-time.After(5 * time.Second):
				r.log.Warn("llama-server did not exit after kill", zap.Int("pid", r.cmd.Process.Pid))
			}
		}
	})
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// findLlamaServer checks <home>/bin first, then PATH.
func findLlamaServer(home string) (string, error) {
	exe := "llama-server"
	if runtime.GOOS == "windows" {
		exe = "llama-server.exe"
	}
	if home != "" {
		binPath := filepath.Join(home, "bin", exe)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}
	if path, err := exec.LookPath(exe); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: %s not found in %s or PATH; install llama.cpp from https://github.com/ggml-org/llama.cpp/releases",
		domain.ErrBackendUnavailable, exe, filepath.Join(home, "bin"))
}

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// waitForServer polls /health until ready. A crash of the process ends the
// wait immediately.
func waitForServer(addr string, timeout time.Duration, earlyExit <-chan error, log *zap.Logger) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	start := time.Now()
	lastMsg := start

	for time.Now().Before(deadline) {
		select {
		case err := <-earlyExit:
			return fmt.Errorf("exited unexpectedly (exit: %v)", err)
		default:
		}

		resp, err := client.Get(addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Since(lastMsg) > 5*time.Second {
			log.Info("Loading model", zap.Duration("elapsed", time.Since(start).Round(time.Second)))
			lastMsg = time.Now()
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("not ready within %v", timeout)
}

func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// limitedBuffer keeps only the last max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		keep := append([]byte(nil), data[len(data)-b.max:]...)
		b.buf.Reset()
		b.buf.Write(keep)
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func coalesce(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
