// Package vipsraster reads raster datasets and encodes lossy map output with
// libvips. vips.Startup must have been called before use.
package vipsraster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// Reader implements source.ImageReader and dataset_list.Prober on top of
// libvips, so only the requested window of a large image is decoded.
type Reader struct {
	logger *zap.Logger
}

func NewReader(logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{logger: logger}
}

func (r *Reader) Size(_ context.Context, path string) (int, int, error) {
	// Only the header is needed.
	img, err := loadImage(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()
	return img.Width(), img.Height(), nil
}

// ReadWindow extracts rect and hands it over as PNG, which keeps 8 and 16 bit
// single-band samples intact.
func (r *Reader) ReadWindow(ctx context.Context, path string, rect image.Rectangle) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := loadImage(path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	if err := img.ExtractArea(rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy()); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}
	data, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to encode window: %w", err)
	}
	window, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode window: %w", err)
	}

	r.logger.Debug("read raster window",
		zap.String("path", path),
		zap.Int("x", rect.Min.X),
		zap.Int("y", rect.Min.Y),
		zap.Int("width", rect.Dx()),
		zap.Int("height", rect.Dy()),
	)
	return window, nil
}

// loadImage loads an image based on file extension
func loadImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported raster format: %s", ext)
	}
}
