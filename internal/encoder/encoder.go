// Package encoder turns composed map images into response bodies.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupportedFormat reports an output format nobody registered.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Encoder serialises an image. Encoding the same pixels must yield the same
// bytes.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(img image.Image) ([]byte, error)

func (f EncoderFunc) Encode(img image.Image) ([]byte, error) { return f(img) }

// PNG is the built-in lossless encoder.
var PNG Encoder = EncoderFunc(func(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
})

// Registry maps MIME types to encoders.
type Registry struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
}

// NewRegistry returns a registry that knows image/png.
func NewRegistry() *Registry {
	r := &Registry{encoders: make(map[string]Encoder)}
	r.Register("image/png", PNG)
	return r
}

func (r *Registry) Register(mime string, enc Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[Normalize(mime)] = enc
}

// Lookup returns the encoder for format and its canonical MIME type.
func (r *Registry) Lookup(format string) (Encoder, string, error) {
	mime := Normalize(format)
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.encoders[mime]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return enc, mime, nil
}

// Formats lists the registered MIME types in order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.encoders))
	for mime := range r.encoders {
		out = append(out, mime)
	}
	sort.Strings(out)
	return out
}

// Normalize maps a FORMAT parameter to a MIME type. Bare names and the common
// jpg spelling are accepted; parameters after ';' are dropped.
func Normalize(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = strings.TrimSpace(f[:i])
	}
	if f == "" {
		return "image/png"
	}
	if !strings.Contains(f, "/") {
		f = "image/" + f
	}
	if f == "image/jpg" {
		f = "image/jpeg"
	}
	return f
}
