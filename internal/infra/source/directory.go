package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flashembed/flashembed/internal/domain"
)

var dirImageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// Directory yields every image file in one directory, sorted by name. A
// sidecar "<stem>.txt" becomes the caption. Subdirectories are not walked.
type Directory struct {
	root  string
	files []string
	pos   int
}

// NewDirectory lists root. It fails if root is not a directory.
func NewDirectory(root string) (*Directory, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidConfig, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if dirImageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return &Directory{root: root, files: files}, nil
}

// Len returns the number of image files found.
func (d *Directory) Len() int { return len(d.files) }

// Next reads the next image file.
func (d *Directory) Next() (*domain.Item, error) {
	if d.pos >= len(d.files) {
		return nil, io.EOF
	}
	name := d.files[d.pos]
	d.pos++

	full := filepath.Join(d.root, name)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read image file %s: %w", full, err)
	}

	item := &domain.Item{
		UID:  name,
		Data: data,
		Meta: map[string]string{"path": full},
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if txt, err := os.ReadFile(filepath.Join(d.root, stem+".txt")); err == nil {
		item.Text = domain.StringPtr(strings.TrimSpace(string(txt)))
	}
	return item, nil
}

// Close is a no-op; files are read whole and closed immediately.
func (d *Directory) Close() error {
	d.pos = len(d.files)
	return nil
}
