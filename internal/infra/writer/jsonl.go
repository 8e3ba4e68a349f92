package writer

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/flashembed/flashembed/internal/domain"
)

type jsonlRecord struct {
	UID    string    `json:"uid"`
	Kind   string    `json:"kind"`
	Batch  int       `json:"batch"`
	Vector []float32 `json:"vector"`
}

// jsonlEncoder appends one line per row to <kind>.jsonl.
type jsonlEncoder struct {
	dir   string
	files map[string]*jsonlFile
}

// committed is the file size after the last flushed batch, mark the size
// before the batch in flight.
type jsonlFile struct {
	f         *os.File
	buf       *bufio.Writer
	enc       *json.Encoder
	committed int64
	mark      int64
}

func newJSONLEncoder(dir string) *jsonlEncoder {
	return &jsonlEncoder{dir: dir, files: make(map[string]*jsonlFile)}
}

func (e *jsonlEncoder) file(kind string) (*jsonlFile, string, error) {
	path := filepath.Join(e.dir, kind+".jsonl")
	if jf, ok := e.files[kind]; ok {
		return jf, path, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", err
	}
	buf := bufio.NewWriter(f)
	jf := &jsonlFile{f: f, buf: buf, enc: json.NewEncoder(buf)}
	e.files[kind] = jf
	return jf, path, nil
}

func (e *jsonlEncoder) write(batch int, kind string, uids []string, m domain.Matrix) (string, error) {
	jf, path, err := e.file(kind)
	if err != nil {
		return "", err
	}
	jf.mark = jf.committed
	for i, uid := range uids {
		rec := jsonlRecord{UID: uid, Kind: kind, Batch: batch, Vector: m.Row(i)}
		if err := jf.enc.Encode(rec); err != nil {
			return "", err
		}
	}
	// Flush per batch so a crash loses at most the batch in flight.
	if err := jf.buf.Flush(); err != nil {
		return "", err
	}
	off, err := jf.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	jf.committed = off
	return path, nil
}

// discard cuts the file back to where it stood before the last batch.
func (e *jsonlEncoder) discard(_ int, kind string, _ []string) error {
	jf, ok := e.files[kind]
	if !ok {
		return nil
	}
	jf.buf.Reset(jf.f)
	if err := jf.f.Truncate(jf.mark); err != nil {
		return err
	}
	if _, err := jf.f.Seek(jf.mark, io.SeekStart); err != nil {
		return err
	}
	jf.committed = jf.mark
	return nil
}

func (e *jsonlEncoder) close() error {
	var errs []error
	for _, jf := range e.files {
		if err := jf.buf.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := jf.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
