// Package convert rasterizes PDFs into page images with their text layer.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Page is one rendered PDF page.
type Page struct {
	PageNumber int
	Image      []byte
	MimeType   string
	Text       string
}

// Converter turns a PDF buffer into ordered page images.
type Converter interface {
	Convert(ctx context.Context, pdf []byte) ([]Page, error)
}

type Config struct {
	Pdftoppm  string
	Pdftotext string
	DPI       int
	MaxPages  int
}

type PDFConverter struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

type Option func(*PDFConverter)

func WithRunner(r Runner) Option {
	return func(c *PDFConverter) {
		if r != nil {
			c.runner = r
		}
	}
}

func NewPDFConverter(cfg Config, logger *slog.Logger, opts ...Option) *PDFConverter {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &PDFConverter{cfg: cfg, runner: ExecRunner{}, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Convert renders each page to PNG and attaches the page's text layer. A
// missing text layer is not an error.
func (c *PDFConverter) Convert(ctx context.Context, pdf []byte) ([]Page, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("convert pdf: empty input")
	}
	tmpDir, err := os.MkdirTemp("", "extract-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("convert pdf: temp dir: %w", err)
	}
	defer func(path string) {
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn("convert.tmp.remove_failed", "dir", path, "error", err)
		}
	}(tmpDir)

	in := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("convert pdf: write input: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(c.cfg.DPI), "-png"}
	if c.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(c.cfg.MaxPages))
	}
	args = append(args, in, prefix)
	if _, errb, err := c.runner.Run(ctx, c.cfg.Pdftoppm, c.logger, args...); err != nil {
		return nil, fmt.Errorf("convert pdf: %s: %w: %s", c.cfg.Pdftoppm, err, strings.TrimSpace(string(errb)))
	}

	// pdftoppm writes prefix-1.png, prefix-2.png, ... zero-padded to the page count width.
	matches, _ := filepath.Glob(prefix + "-*.png")
	if len(matches) == 0 {
		return nil, fmt.Errorf("convert pdf: no pages rendered")
	}
	sort.Slice(matches, func(i, j int) bool { return pageNumber(matches[i]) < pageNumber(matches[j]) })
	if c.cfg.MaxPages > 0 && len(matches) > c.cfg.MaxPages {
		matches = matches[:c.cfg.MaxPages]
	}

	texts := c.textLayer(ctx, in)

	pages := make([]Page, 0, len(matches))
	for i, path := range matches {
		img, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("convert pdf: read page %d: %w", i+1, err)
		}
		p := Page{PageNumber: pageNumber(path), Image: img, MimeType: "image/png"}
		if p.PageNumber <= 0 {
			p.PageNumber = i + 1
		}
		if idx := p.PageNumber - 1; idx < len(texts) {
			p.Text = strings.TrimSpace(texts[idx])
		}
		pages = append(pages, p)
	}
	c.logger.Debug("convert.pdf.ok", "pages", len(pages), "text_pages", len(texts))
	return pages, nil
}

// textLayer returns per-page text split on form feeds.
func (c *PDFConverter) textLayer(ctx context.Context, in string) []string {
	args := []string{"-layout", "-enc", "UTF-8", "-eol", "unix"}
	if c.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(c.cfg.MaxPages))
	}
	args = append(args, in, "-")
	out, _, err := c.runner.Run(ctx, c.cfg.Pdftotext, c.logger, args...)
	if err != nil {
		c.logger.Warn("convert.pdf.text_layer_failed", "error", err)
		return nil
	}
	return strings.Split(string(out), "\f")
}

func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return 0
	}
	return n
}
