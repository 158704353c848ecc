// Package docsrc opens uploaded documents and splits them into pages that
// can be sent to an OCR provider.
package docsrc

import (
	"bytes"
	"errors"
	"fmt"
)

// Format is a detected document format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatWebP Format = "webp"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrTooLarge          = errors.New("document exceeds maximum size")
	ErrCorrupted         = errors.New("document is corrupted")
)

var magic = []struct {
	prefix []byte
	format Format
}{
	{[]byte("%PDF"), FormatPDF},
	{[]byte("\x89PNG\r\n\x1a\n"), FormatPNG},
	{[]byte("\xff\xd8\xff"), FormatJPEG},
	{[]byte("GIF87a"), FormatGIF},
	{[]byte("GIF89a"), FormatGIF},
	{[]byte("II\x2a\x00"), FormatTIFF},
	{[]byte("MM\x00\x2a"), FormatTIFF},
	{[]byte("BM"), FormatBMP},
}

// DetectFormat identifies a document by its leading bytes.
func DetectFormat(data []byte) (Format, error) {
	if len(data) < 4 {
		return "", fmt.Errorf("%w: %d bytes is too small to identify", ErrUnsupportedFormat, len(data))
	}
	for _, m := range magic {
		if bytes.HasPrefix(data, m.prefix) {
			return m.format, nil
		}
	}
	if bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12 && string(data[8:12]) == "WEBP" {
		return FormatWebP, nil
	}
	// Some producers emit whitespace before the PDF header.
	if bytes.HasPrefix(bytes.TrimLeft(data[:min(len(data), 16)], " \t\r\n"), []byte("%PDF")) {
		return FormatPDF, nil
	}
	return "", ErrUnsupportedFormat
}

// MIME returns the media type for the format.
func (f Format) MIME() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatWebP:
		return "image/webp"
	case "":
		return "application/octet-stream"
	default:
		return "image/" + string(f)
	}
}
