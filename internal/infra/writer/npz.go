package writer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio/npz"

	"github.com/flashembed/flashembed/internal/domain"
)

// npzArray is the entry name numpy.load exposes as f["data"].
const npzArray = "data.npy"

// npzEncoder writes <kind>_<batch>.npz holding a single "data" array.
type npzEncoder struct {
	dir string
}

func (e *npzEncoder) path(batch int, kind string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_%06d.npz", kind, batch))
}

func (e *npzEncoder) write(batch int, kind string, _ []string, m domain.Matrix) (string, error) {
	path := e.path(batch, kind)

	w, err := npz.Create(path)
	if err != nil {
		return "", err
	}
	if err := w.Write(npzArray, toDense(m)); err != nil {
		w.Close()
		os.Remove(path)
		return "", err
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (e *npzEncoder) discard(batch int, kind string, _ []string) error {
	return removeIfExists(e.path(batch, kind))
}

func (e *npzEncoder) close() error { return nil }
