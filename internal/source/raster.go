package source

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"go.uber.org/zap"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

// Georef places a raster image on the map. Pixel (0, 0) is the north-west
// cell and OriginX, OriginY its upper-left corner.
type Georef struct {
	OriginX    float64  `json:"origin_x" yaml:"origin_x"`
	OriginY    float64  `json:"origin_y" yaml:"origin_y"`
	CellWidth  float64  `json:"cell_width" yaml:"cell_width"`
	CellHeight float64  `json:"cell_height" yaml:"cell_height"`
	NoData     *float64 `json:"nodata,omitempty" yaml:"nodata,omitempty"`
}

func (g Georef) validate() error {
	if !(g.CellWidth > 0) || !(g.CellHeight > 0) {
		return fmt.Errorf("cell size must be positive, got %gx%g", g.CellWidth, g.CellHeight)
	}
	return nil
}

// ImageReader reads pixel windows from raster image files.
type ImageReader interface {
	// Size returns the image width and height in pixels.
	Size(ctx context.Context, path string) (int, int, error)
	// ReadWindow returns the pixels of r, which lies inside the image.
	ReadWindow(ctx context.Context, path string, r image.Rectangle) (image.Image, error)
}

type rasterLayer struct {
	path          string
	ref           Georef
	width, height int
}

// RasterSource serves coverage layers backed by single-band image files. The
// first channel of every pixel is the cell value; transparent pixels and the
// georef's no-data value read as no data.
type RasterSource struct {
	reader ImageReader
	logger *zap.Logger

	mu     sync.RWMutex
	layers map[string]rasterLayer
}

func NewRasterSource(reader ImageReader, logger *zap.Logger) *RasterSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RasterSource{reader: reader, logger: logger, layers: make(map[string]rasterLayer)}
}

// Register adds a layer backed by the image at path.
func (s *RasterSource) Register(ctx context.Context, layer, path string, ref Georef) error {
	if err := ref.validate(); err != nil {
		return fmt.Errorf("raster layer %s: %w", layer, err)
	}
	w, h, err := s.reader.Size(ctx, path)
	if err != nil {
		return fmt.Errorf("raster layer %s: %w", layer, err)
	}
	s.mu.Lock()
	s.layers[layer] = rasterLayer{path: path, ref: ref, width: w, height: h}
	s.mu.Unlock()

	s.logger.Info("registered raster layer",
		zap.String("layer", layer),
		zap.String("path", path),
		zap.Int("width", w),
		zap.Int("height", h),
	)
	return nil
}

func (s *RasterSource) layer(name string) (rasterLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[name]
	if !ok {
		return rasterLayer{}, notFound("layer", name)
	}
	return l, nil
}

func (s *RasterSource) DatasetVersion(_ context.Context, layer string) (feature.Version, error) {
	l, err := s.layer(layer)
	if err != nil {
		return "", err
	}
	return fileVersion(l.path)
}

func (s *RasterSource) FetchFeatures(_ context.Context, layer string, _ grid.BoundingBox, _ float64) ([]feature.Feature, error) {
	return nil, fmt.Errorf("layer %q: %w", layer, ErrWrongKind)
}

func (s *RasterSource) FetchCoverage(ctx context.Context, layer string, bbox grid.BoundingBox, _ float64) (*feature.Coverage, error) {
	l, err := s.layer(layer)
	if err != nil {
		return nil, err
	}
	whole := &feature.Coverage{
		OriginX:    l.ref.OriginX,
		OriginY:    l.ref.OriginY,
		CellWidth:  l.ref.CellWidth,
		CellHeight: l.ref.CellHeight,
		Cols:       l.width,
		Rows:       l.height,
	}
	b := bbox.Bound()
	colMin, rowMin := whole.CellAt(b.Min[0], b.Max[1])
	colMax, rowMax := whole.CellAt(b.Max[0], b.Min[1])
	colMin, rowMin = max(colMin-coveragePad, 0), max(rowMin-coveragePad, 0)
	colMax, rowMax = min(colMax+coveragePad, l.width-1), min(rowMax+coveragePad, l.height-1)
	if colMin > colMax || rowMin > rowMax {
		return nil, nil
	}

	rect := image.Rect(colMin, rowMin, colMax+1, rowMax+1)
	img, err := s.reader.ReadWindow(ctx, l.path, rect)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s window %v: %w", layer, rect, err)
	}
	whole.Col0, whole.Row0 = colMin, rowMin
	whole.Cols, whole.Rows = rect.Dx(), rect.Dy()
	whole.Values = cellValues(img, rect.Dx(), rect.Dy(), l.ref.NoData)
	return whole, nil
}

// cellValues reads the first channel of img row by row, north to south.
func cellValues(img image.Image, cols, rows int, nodata *float64) []float64 {
	b := img.Bounds()
	values := make([]float64, cols*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := firstChannel(img, b.Min.X+x, b.Min.Y+y)
			if nodata != nil && v == *nodata {
				v = math.NaN()
			}
			values[y*cols+x] = v
		}
	}
	return values
}

func firstChannel(img image.Image, x, y int) float64 {
	switch m := img.(type) {
	case *image.Gray:
		return float64(m.GrayAt(x, y).Y)
	case *image.Gray16:
		return float64(m.Gray16At(x, y).Y)
	case *image.NRGBA:
		c := m.NRGBAAt(x, y)
		if c.A == 0 {
			return math.NaN()
		}
		return float64(c.R)
	}
	r, _, _, a := img.At(x, y).RGBA()
	if a == 0 {
		return math.NaN()
	}
	// Undo premultiplication back to an 8-bit channel.
	return math.Round(float64(r) * 255 / float64(a))
}
