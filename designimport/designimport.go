// Package designimport turns uploaded PDF designs into page images and
// keeps the upload spool directory from growing.
package designimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/designloop/raster"
)

// SpoolPattern names spooled uploads; the janitor only touches matching files.
const SpoolPattern = "designloop-*.pdf"

// ErrNoPageImages is returned when a PDF carries no decodable embedded image.
var ErrNoPageImages = errors.New("designimport: no page images found")

// Config configures an Importer.
type Config struct {
	// TempDir holds spooled uploads. Default: os.TempDir().
	TempDir string

	// MaxPages bounds how many pages are converted. Default: 20.
	MaxPages int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PageImage is the design image of one PDF page.
type PageImage struct {
	Page  int
	Image *raster.Image
}

// Importer reads PDF uploads with pdfcpu.
type Importer struct {
	cfg Config
}

// New creates an Importer.
func New(cfg Config) *Importer {
	cfg.defaults()
	return &Importer{cfg: cfg}
}

// TempDir returns the spool directory.
func (im *Importer) TempDir() string { return im.cfg.TempDir }

// PageCount returns the number of pages in the PDF read from r.
func (im *Importer) PageCount(ctx context.Context, r io.Reader) (int, error) {
	f, cleanup, err := im.spool(ctx, r)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	n, err := api.PageCount(f, model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("designimport: page count: %w", err)
	}
	return n, nil
}

// PageImages returns, per page, the largest embedded image. Design exports
// usually place one full-page raster per page. Pages without a decodable
// image are skipped.
func (im *Importer) PageImages(ctx context.Context, r io.Reader) ([]PageImage, error) {
	f, cleanup, err := im.spool(ctx, r)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	conf := model.NewDefaultConfiguration()
	n, err := api.PageCount(f, conf)
	if err != nil {
		return nil, fmt.Errorf("designimport: page count: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("designimport: rewind: %w", err)
	}

	var pages []string
	if n > im.cfg.MaxPages {
		pages = []string{fmt.Sprintf("1-%d", im.cfg.MaxPages)}
	}
	extracted, err := api.ExtractImagesRaw(f, pages, conf)
	if err != nil {
		return nil, fmt.Errorf("designimport: extract images: %w", err)
	}

	best := map[int]model.Image{}
	for _, byObj := range extracted {
		for _, img := range byObj {
			if cur, ok := best[img.PageNr]; ok && cur.Width*cur.Height >= img.Width*img.Height {
				continue
			}
			best[img.PageNr] = img
		}
	}

	var out []PageImage
	for page := 1; page <= n && page <= im.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, ok := best[page]
		if !ok || img.Reader == nil {
			continue
		}
		data, err := io.ReadAll(img)
		if err != nil {
			im.cfg.Logger.WarnContext(ctx, "designimport: read page image", "page", page, "error", err)
			continue
		}
		decoded, err := raster.Decode(data)
		if err != nil {
			im.cfg.Logger.WarnContext(ctx, "designimport: decode page image",
				"page", page,
				"file_type", img.FileType,
				"error", err)
			continue
		}
		out = append(out, PageImage{Page: page, Image: decoded})
	}
	if len(out) == 0 {
		return nil, ErrNoPageImages
	}
	im.cfg.Logger.InfoContext(ctx, "designimport: page images", "pages", n, "images", len(out))
	return out, nil
}

// spool copies r into a temp file so pdfcpu can seek. cleanup closes and
// removes it.
func (im *Importer) spool(ctx context.Context, r io.Reader) (*os.File, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(im.cfg.TempDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("designimport: temp dir: %w", err)
	}
	f, err := os.CreateTemp(im.cfg.TempDir, SpoolPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("designimport: spool: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("designimport: spool: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("designimport: spool: %w", err)
	}
	return f, cleanup, nil
}

// Janitor removes stale spooled uploads left behind by crashes.
type Janitor struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewJanitor creates a Janitor for dir. Defaults: maxAge 1h, interval 1h.
func NewJanitor(dir string, maxAge, interval time.Duration, logger *slog.Logger) *Janitor {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{dir: dir, maxAge: maxAge, interval: interval, logger: logger, now: time.Now}
}

// Run sweeps every interval. Blocks until ctx.Done().
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor: started", "dir", j.dir, "interval", j.interval, "max_age", j.maxAge)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor: stopped")
			return
		case <-ticker.C:
			if n, err := j.SweepOnce(ctx); err != nil {
				j.logger.Warn("janitor: sweep", "error", err)
			} else if n > 0 {
				j.logger.Info("janitor: cycle done", "removed", n)
			}
		}
	}
}

// SweepOnce removes spooled files older than maxAge and returns how many
// were removed.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("designimport: janitor: %w", err)
	}
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(SpoolPattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			j.logger.Warn("janitor: remove", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
