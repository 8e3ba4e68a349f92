package sqlite

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── Embedding Repository ───────────────────────────────────────────────────
// Vectors are stored as little-endian float32 blobs.

// InsertEmbeddings stores every row of every kind in out under runID.
func (d *DB) InsertEmbeddings(runID string, out domain.Outputs) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		`INSERT INTO embeddings (run_id, uid, kind, dim, vector) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, uid, kind) DO UPDATE SET dim=excluded.dim, vector=excluded.vector`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for kind, mat := range out.Vectors {
		if mat.Rows != len(out.UIDs) {
			return fmt.Errorf("%w: %s has %d rows for %d items", domain.ErrShapeMismatch, kind, mat.Rows, len(out.UIDs))
		}
		for i, uid := range out.UIDs {
			if _, err := stmt.Exec(runID, uid, kind, mat.Cols, encodeVector(mat.Row(i))); err != nil {
				return fmt.Errorf("insert embedding %s/%s: %w", uid, kind, err)
			}
		}
	}
	return tx.Commit()
}

// DeleteEmbeddings removes the vectors of one kind for the given items.
func (d *DB) DeleteEmbeddings(runID, kind string, uids []string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`DELETE FROM embeddings WHERE run_id = ? AND uid = ? AND kind = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, uid := range uids {
		if _, err := stmt.Exec(runID, uid, kind); err != nil {
			return fmt.Errorf("delete embedding %s/%s: %w", uid, kind, err)
		}
	}
	return tx.Commit()
}

// GetEmbedding returns one stored vector, or nil when absent.
func (d *DB) GetEmbedding(runID, uid, kind string) ([]float32, error) {
	var blob []byte
	err := d.db.QueryRow(
		`SELECT vector FROM embeddings WHERE run_id = ? AND uid = ? AND kind = ?`,
		runID, uid, kind,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(blob), nil
}

// CountEmbeddings returns the number of stored vectors for a run.
func (d *DB) CountEmbeddings(runID string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM embeddings WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
