package vipsraster

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/cshum/vipsgen/vips"
)

// handoff passes pixels to libvips. Compression is pointless for a buffer
// that is decoded right away.
var handoff = png.Encoder{CompressionLevel: png.NoCompression}

func toVips(img image.Image) (*vips.Image, error) {
	var buf bytes.Buffer
	if err := handoff.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to hand off image: %w", err)
	}
	return vips.NewPngloadBuffer(buf.Bytes(), vips.DefaultPngloadBufferOptions())
}

// JPEG encodes map images as baseline JPEG, flattening transparency onto
// white.
type JPEG struct {
	Quality int
}

func (e JPEG) Encode(img image.Image) ([]byte, error) {
	v, err := toVips(img)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	flattenOpts := vips.DefaultFlattenOptions()
	flattenOpts.Background = []float64{255, 255, 255}
	if err := v.Flatten(flattenOpts); err != nil {
		return nil, fmt.Errorf("failed to flatten: %w", err)
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = e.Quality
	jpegOpts.Interlace = false

	data, err := v.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return data, nil
}

// WebP encodes map images as lossy WebP with alpha.
type WebP struct {
	Quality int
}

func (e WebP) Encode(img image.Image) ([]byte, error) {
	v, err := toVips(img)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	webpOpts := vips.DefaultWebpsaveBufferOptions()
	webpOpts.Q = e.Quality

	data, err := v.WebpsaveBuffer(webpOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return data, nil
}
