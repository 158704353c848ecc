package docsrc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pdfDocument serves pages from a PDF, either as single-page PDFs cut with
// pdfcpu or as PNGs rendered by pdftoppm.
type pdfDocument struct {
	data []byte
	opts Options

	pageCount int
	dims      [][2]float64 // media box per page, in points
	rotations []int

	mu     sync.Mutex
	tmpDir string
}

// newConf returns a relaxed pdfcpu configuration. pdfcpu commands write to
// the configuration they are given, so every call gets its own.
func newConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func openPDF(data []byte, opts Options) (*pdfDocument, error) {
	ctx, err := api.ReadAndValidate(bytes.NewReader(data), newConf())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	pageDims, err := ctx.PageDims()
	if err != nil || len(pageDims) != ctx.PageCount {
		return nil, fmt.Errorf("%w: failed to read page dimensions: %v", ErrCorrupted, err)
	}
	dims := make([][2]float64, len(pageDims))
	rotations := make([]int, len(pageDims))
	for i, d := range pageDims {
		dims[i] = [2]float64{d.Width, d.Height}
		_, _, inh, err := ctx.PageDict(i+1, false)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrCorrupted, i+1, err)
		}
		rotations[i] = normalizeRotation(inh.Rotate)
	}

	return &pdfDocument{
		data:      data,
		opts:      opts,
		pageCount: ctx.PageCount,
		dims:      dims,
		rotations: rotations,
	}, nil
}

func (d *pdfDocument) Format() Format { return FormatPDF }

func (d *pdfDocument) PageCount() int { return d.pageCount }

func (d *pdfDocument) Page(ctx context.Context, n int) (Page, error) {
	if n < 1 || n > d.pageCount {
		return Page{}, fmt.Errorf("page %d out of range (1-%d)", n, d.pageCount)
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if d.opts.Rasterize {
		return d.render(ctx, n)
	}

	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(d.data), &buf, []string{strconv.Itoa(n)}, newConf()); err != nil {
		return Page{}, fmt.Errorf("%w: failed to extract page %d: %v", ErrCorrupted, n, err)
	}

	page := Page{
		Number: n,
		Data:   buf.Bytes(),
		MIME:     FormatPDF.MIME(),
		DPI:      d.opts.DPI,
		Rotation: d.rotations[n-1],
	}
	page.Width = pointsToPixels(d.dims[n-1][0], d.opts.DPI)
	page.Height = pointsToPixels(d.dims[n-1][1], d.opts.DPI)
	return page, nil
}

// render runs pdftoppm for a single page.
func (d *pdfDocument) render(ctx context.Context, n int) (Page, error) {
	dir, err := d.workDir()
	if err != nil {
		return Page{}, err
	}

	prefix := filepath.Join(dir, fmt.Sprintf("page-%d", n))
	pageStr := strconv.Itoa(n)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(d.opts.DPI),
		"-singlefile",
		filepath.Join(dir, "source.pdf"),
		prefix,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return Page{}, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	outPath := prefix + ".png"
	data, err := os.ReadFile(outPath)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read rendered page: %w", err)
	}
	os.Remove(outPath)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Page{}, fmt.Errorf("%w: rendered page %d: %v", ErrCorrupted, n, err)
	}

	return Page{
		Number:    n,
		Data:      data,
		MIME:      FormatPNG.MIME(),
		Width:     cfg.Width,
		Height:    cfg.Height,
		DPI:       d.opts.DPI,
		Rotation:  d.rotations[n-1],
		HasImages: true,
	}, nil
}

// workDir writes the source PDF to a temp directory once.
func (d *pdfDocument) workDir() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tmpDir != "" {
		return d.tmpDir, nil
	}

	dir, err := os.MkdirTemp("", "folio-pdf-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "source.pdf"), d.data, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write temp PDF: %w", err)
	}
	d.tmpDir = dir
	return dir, nil
}

func (d *pdfDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tmpDir == "" {
		return nil
	}
	err := os.RemoveAll(d.tmpDir)
	d.tmpDir = ""
	return err
}

// normalizeRotation maps a /Rotate value into [0, 360).
func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

func pointsToPixels(points float64, dpi int) int {
	return int(math.Round(points * float64(dpi) / 72.0))
}
