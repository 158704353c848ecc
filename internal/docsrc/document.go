package docsrc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"

	// Registered decoders for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxSize = 10 * 1024 * 1024
	DefaultDPI     = 300
)

// Page is one page ready for OCR.
type Page struct {
	Number int
	Data   []byte
	MIME   string

	// Width and Height are in pixels. For PDF pages that are not rasterized
	// they are the media box scaled to DPI.
	Width     int
	Height    int
	DPI       int
	Rotation  int
	HasImages bool
}

// Document is an opened source document.
type Document interface {
	Format() Format
	PageCount() int
	// Page extracts a 1-indexed page.
	Page(ctx context.Context, n int) (Page, error)
	Close() error
}

// Options controls how documents are opened.
type Options struct {
	// MaxSize is the maximum accepted size in bytes (default 10MB).
	MaxSize int64
	// Rasterize renders PDF pages to PNG with pdftoppm instead of sending
	// single-page PDFs.
	Rasterize bool
	// DPI used for rasterizing and for reporting PDF page dimensions.
	DPI int
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.DPI <= 0 {
		o.DPI = DefaultDPI
	}
	return o
}

// Open detects the format of data and returns a Document for it.
func Open(data []byte, opts Options) (Document, error) {
	opts = opts.withDefaults()
	if int64(len(data)) > opts.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), opts.MaxSize)
	}

	format, err := DetectFormat(data)
	if err != nil {
		return nil, err
	}
	if format == FormatPDF {
		return openPDF(data, opts)
	}
	return openImage(data, format)
}

// OpenFile reads a document from disk.
func OpenFile(path string, opts Options) (Document, error) {
	opts = opts.withDefaults()
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > opts.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, info.Size(), opts.MaxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Open(data, opts)
}

// imageDocument is a single raster image treated as a one-page document.
type imageDocument struct {
	data   []byte
	format Format
	cfg    image.Config
	dpi    int
}

func openImage(data []byte, format Format) (*imageDocument, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s header: %v", ErrCorrupted, format, err)
	}
	return &imageDocument{data: data, format: format, cfg: cfg, dpi: imageDPI(data, format)}, nil
}

func (d *imageDocument) Format() Format { return d.format }

func (d *imageDocument) PageCount() int { return 1 }

func (d *imageDocument) Page(ctx context.Context, n int) (Page, error) {
	if n != 1 {
		return Page{}, fmt.Errorf("page %d out of range (1-1)", n)
	}
	return Page{
		Number:    1,
		Data:      d.data,
		MIME:      d.format.MIME(),
		Width:     d.cfg.Width,
		Height:    d.cfg.Height,
		DPI:       d.dpi,
		HasImages: true,
	}, nil
}

func (d *imageDocument) Close() error { return nil }

// imageDPI reads the horizontal density recorded in a PNG pHYs chunk or a
// JPEG JFIF header. It returns 0 when the image does not say.
func imageDPI(data []byte, format Format) int {
	switch format {
	case FormatPNG:
		// Chunks follow the 8-byte signature; pHYs must precede IDAT.
		for off := 8; off+8 <= len(data); {
			size := int(binary.BigEndian.Uint32(data[off:]))
			typ := string(data[off+4 : off+8])
			body := off + 8
			if size < 0 || body+size > len(data) || typ == "IDAT" {
				return 0
			}
			if typ == "pHYs" && size == 9 {
				ppu := binary.BigEndian.Uint32(data[body:])
				if data[body+8] != 1 {
					return 0
				}
				return int(math.Round(float64(ppu) * 0.0254))
			}
			off = body + size + 4
		}
	case FormatJPEG:
		// SOI, APP0 marker, length, "JFIF\x00", version, units, X density.
		if len(data) < 16 || data[2] != 0xff || data[3] != 0xe0 || string(data[6:11]) != "JFIF\x00" {
			return 0
		}
		density := int(binary.BigEndian.Uint16(data[14:]))
		switch data[13] {
		case 1:
			return density
		case 2:
			return int(math.Round(float64(density) * 2.54))
		}
	}
	return 0
}
