package cli

import (
	"fmt"
	"time"

	"github.com/flashembed/flashembed/internal/daemon"
	"github.com/flashembed/flashembed/internal/infra/sqlite"
)

// openLedger opens the run ledger under $FLASHEMBED_HOME.
func openLedger() (*sqlite.DB, error) {
	db, err := sqlite.Open(daemon.Home())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return db, nil
}

// shortID trims a run UUID to its first block for display. GetRun accepts
// the prefix back.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
