package writer

import (
	"fmt"

	"github.com/flashembed/flashembed/internal/domain"
)

// sqliteEncoder stores rows in the state database's embeddings table.
type sqliteEncoder struct {
	store EmbeddingStore
	runID string
}

func (e *sqliteEncoder) write(_ int, kind string, uids []string, m domain.Matrix) (string, error) {
	out := domain.Outputs{UIDs: uids, Vectors: map[string]domain.Matrix{kind: m}}
	if err := e.store.InsertEmbeddings(e.runID, out); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s#embeddings/%s", e.store.Path(), kind), nil
}

func (e *sqliteEncoder) discard(_ int, kind string, uids []string) error {
	return e.store.DeleteEmbeddings(e.runID, kind, uids)
}

func (e *sqliteEncoder) close() error { return nil }
