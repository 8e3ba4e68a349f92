package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashembed/flashembed/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeBackend struct{ err error }

func (f fakeBackend) Ready(ctx context.Context) error { return f.err }

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	db := newTestDB(t)

	if c := NewChecker(db, t.TempDir(), nil); len(c.checks) != 2 {
		t.Errorf("checks = %d, want 2", len(c.checks))
	}
	if c := NewChecker(db, t.TempDir(), fakeBackend{}); len(c.checks) != 3 {
		t.Errorf("checks with backend = %d, want 3", len(c.checks))
	}
}

func TestChecker_RunOnceHealthy(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), fakeBackend{})
	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
		if s.CheckedAt.IsZero() {
			t.Errorf("check %q has zero CheckedAt", s.Name)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), nil)
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_BackendNotReady(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), fakeBackend{err: errors.New("model loading")})
	c.RunOnce(context.Background())

	if c.IsHealthy() {
		t.Fatal("IsHealthy() should be false when backend is not ready")
	}
	for _, s := range c.Statuses() {
		if s.Name == "backend" && s.Error != "model loading" {
			t.Errorf("backend error = %q, want %q", s.Error, "model loading")
		}
	}
}

func TestChecker_ClosedLedger(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	c := NewChecker(db, t.TempDir(), nil)
	c.RunOnce(context.Background())
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false with a closed ledger")
	}
}

func TestChecker_Run_StopsOnCancel(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), nil)
	c.SetInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if len(c.Statuses()) != 2 {
		t.Errorf("Statuses() = %d, want 2", len(c.Statuses()))
	}
}

func TestChecker_StatusesIsCopy(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), nil)
	c.RunOnce(context.Background())

	s := c.Statuses()
	s[0].Healthy = false
	if !c.IsHealthy() {
		t.Error("mutating Statuses() result should not affect checker")
	}
}

// ─── Output Dir Check ───────────────────────────────────────────────────────

func TestCheckOutputDir_Valid(t *testing.T) {
	dir := t.TempDir()
	if err := checkOutputDir(dir); err != nil {
		t.Errorf("checkOutputDir() error: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestCheckOutputDir_Missing(t *testing.T) {
	if err := checkOutputDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("checkOutputDir(missing) should fail")
	}
}

func TestCheckOutputDir_File(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	os.WriteFile(f, []byte("x"), 0o644)
	if err := checkOutputDir(f); err == nil {
		t.Error("checkOutputDir(file) should fail")
	}
}
