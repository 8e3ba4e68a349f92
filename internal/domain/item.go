// Package domain contains the pure types shared by every pipeline stage.
// It has no infrastructure dependency.
package domain

// Item is one unit of input. Decode replaces Data with Image in place.
type Item struct {
	UID   string
	Data  []byte  // encoded payload; nil once decoded
	Image *Image  // decoded payload; nil until decoded
	Text  *string // optional caption
	Meta  map[string]string
}

// HasText reports whether the item carries a caption.
func (it *Item) HasText() bool { return it.Text != nil }

// Decoded reports whether the item's payload is already pixels.
func (it *Item) Decoded() bool { return it.Image != nil && it.Data == nil }

// StringPtr returns a pointer to s, for optional Item.Text.
func StringPtr(s string) *string { return &s }

// Image is an RGB raster, 3 bytes per pixel, row-major.
type Image struct {
	Width  int
	Height int
	Pix    []uint8
}

// Batch is an ordered, non-empty group of items submitted together to inference.
type Batch struct {
	Items []*Item
}

// Len returns the number of items in the batch.
func (b *Batch) Len() int { return len(b.Items) }

// UIDs returns item identifiers in batch order.
func (b *Batch) UIDs() []string {
	uids := make([]string, len(b.Items))
	for i, it := range b.Items {
		uids[i] = it.UID
	}
	return uids
}

// Matrix is a dense row-major float32 array, one row per batch item.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zeroed rows×cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns row i as a slice aliasing the matrix data.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Outputs is what an infer worker hands to the write stage: the vectors
// produced for one batch, keyed by output kind ("image", "text", ...).
type Outputs struct {
	UIDs    []string
	Vectors map[string]Matrix
}
