package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/flashembed/flashembed/internal/domain"
)

// npyEncoder writes <kind>_<batch>.npy, one 2-D float64 array per file.
type npyEncoder struct {
	dir string
}

func (e *npyEncoder) path(batch int, kind string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_%06d.npy", kind, batch))
}

func (e *npyEncoder) write(batch int, kind string, _ []string, m domain.Matrix) (string, error) {
	path := e.path(batch, kind)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := npyio.Write(f, toDense(m)); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

func (e *npyEncoder) discard(batch int, kind string, _ []string) error {
	return removeIfExists(e.path(batch, kind))
}

func (e *npyEncoder) close() error { return nil }

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func toDense(m domain.Matrix) *mat.Dense {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	if m.Rows == 0 || m.Cols == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(m.Rows, m.Cols, data)
}
