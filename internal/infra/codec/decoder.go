// Package codec turns encoded image bytes into RGB rasters.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/flashembed/flashembed/internal/domain"
)

// Decoder decodes jpeg, png, gif, webp, bmp and tiff payloads. When Size is
// positive every image is scaled to Size×Size. It holds no mutable state
// and is safe for concurrent use.
type Decoder struct {
	size   int
	scaler draw.Scaler
}

// Options configures a Decoder.
type Options struct {
	Size int    // square output edge; 0 keeps the source dimensions
	Mode string // "bilinear" (default), "nearest" or "catmull-rom"
}

// New builds a decoder.
func New(opts Options) (*Decoder, error) {
	if opts.Size < 0 {
		return nil, fmt.Errorf("%w: decode size must not be negative", domain.ErrInvalidConfig)
	}
	var s draw.Scaler
	switch opts.Mode {
	case "", "bilinear":
		s = draw.ApproxBiLinear
	case "nearest":
		s = draw.NearestNeighbor
	case "catmull-rom":
		s = draw.CatmullRom
	default:
		return nil, fmt.Errorf("%w: unknown resize mode %q", domain.ErrInvalidConfig, opts.Mode)
	}
	return &Decoder{size: opts.Size, scaler: s}, nil
}

// Decode returns a copy of item carrying pixels instead of encoded bytes.
// Already decoded items pass through untouched.
func (d *Decoder) Decode(item *domain.Item) (*domain.Item, error) {
	if item.Decoded() {
		return item, nil
	}
	if len(item.Data) == 0 {
		if item.Image != nil {
			return item, nil
		}
		return nil, domain.ErrNoPayload
	}

	src, format, err := image.Decode(bytes.NewReader(item.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
	}
	if d.size > 0 {
		src = d.resize(src)
	}

	out := *item
	out.Data = nil
	out.Image = toRGB(src)
	if out.Meta == nil {
		out.Meta = make(map[string]string, 1)
	} else {
		meta := make(map[string]string, len(item.Meta)+1)
		for k, v := range item.Meta {
			meta[k] = v
		}
		out.Meta = meta
	}
	out.Meta["format"] = format
	return &out, nil
}

func (d *Decoder) resize(src image.Image) image.Image {
	b := src.Bounds()
	if b.Dx() == d.size && b.Dy() == d.size {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, d.size, d.size))
	d.scaler.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// toRGB flattens any image into 3 bytes per pixel, dropping alpha.
func toRGB(src image.Image) *domain.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]uint8, 0, w*h*3)

	if rgba, ok := src.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
			for x := 0; x < w; x++ {
				pix = append(pix, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
		return &domain.Image{Width: w, Height: h, Pix: pix}
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			pix = append(pix, c.R, c.G, c.B)
		}
	}
	return &domain.Image{Width: w, Height: h, Pix: pix}
}
