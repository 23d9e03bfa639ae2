package wms

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wmstiles/internal/cache"
	"wmstiles/internal/compositor"
	"wmstiles/internal/config"
	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
	"wmstiles/internal/image_renderer"
	"wmstiles/internal/style"
)

// Request is a GetMap request.
type Request struct {
	Layers []string
	// Styles holds one style reference per layer; missing or empty entries
	// fall back to StyleRef, then to the layer's default style.
	Styles   []string
	StyleRef string
	// SLDBody is an inline style document applied to every layer.
	SLDBody []byte
	BBox    grid.BoundingBox
	Width   int
	Height  int
	// CRS applies to BBox when BBox carries none.
	CRS    string
	Format string
	// Strict overrides the service's strict mode for this request.
	Strict     *bool
	Resampling string
}

func (s *Service) validate(req *Request) error {
	if len(req.Layers) == 0 {
		return badRequest("MissingParameterValue", "no layers requested")
	}
	if req.Width <= 0 || req.Height <= 0 || req.Width > s.opts.MaxSize || req.Height > s.opts.MaxSize {
		return badRequest("InvalidParameterValue", "image size %dx%d outside 1..%d", req.Width, req.Height, s.opts.MaxSize)
	}
	if req.BBox.CRS == "" {
		req.BBox.CRS = req.CRS
	}
	if req.CRS != "" && req.CRS != req.BBox.CRS {
		return badRequest("InvalidCRS", "bounding box CRS %s differs from %s", req.BBox.CRS, req.CRS)
	}
	if err := req.BBox.Validate(); err != nil {
		return &RequestError{Code: "InvalidParameterValue", Msg: "bad BBOX", Err: err}
	}
	return nil
}

// RenderMap renders req and encodes it in req.Format.
func (s *Service) RenderMap(ctx context.Context, req Request) ([]byte, error) {
	enc, _, err := s.encoders.Lookup(req.Format)
	if err != nil {
		return nil, &RequestError{Code: "InvalidFormat", Msg: "unsupported FORMAT", Err: err}
	}
	img, err := s.RenderImage(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := enc.Encode(img)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RenderImage renders req without encoding it. Layers are stacked in request
// order, the first one at the bottom.
func (s *Service) RenderImage(ctx context.Context, req Request) (*image.NRGBA, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	method, err := compositor.ParseMethod(req.Resampling)
	if err != nil {
		return nil, &RequestError{Code: "InvalidParameterValue", Msg: "bad resampling", Err: err}
	}
	strict := s.opts.Strict
	if req.Strict != nil {
		strict = *req.Strict
	}

	// Resolve every layer and style before rendering anything.
	plans := make([]layerPlan, len(req.Layers))
	for i, name := range req.Layers {
		l, err := s.Layer(name)
		if err != nil {
			return nil, err
		}
		if l.Grid.CRS != req.BBox.CRS {
			return nil, badRequest("InvalidCRS", "layer %s is not available in %s", name, req.BBox.CRS)
		}
		var doc *style.Document
		if len(req.SLDBody) > 0 {
			doc, err = s.inlineStyle(l, req.SLDBody)
		} else {
			doc, err = s.style(ctx, l, styleRefAt(req, i))
		}
		if err != nil {
			return nil, err
		}
		plans[i] = layerPlan{layer: l, doc: doc}
	}

	out := image.NewNRGBA(image.Rect(0, 0, req.Width, req.Height))
	for _, p := range plans {
		img, err := s.renderLayer(ctx, p, req, method, strict)
		if err != nil {
			return nil, err
		}
		compositor.Stack(out, img)
	}
	return out, nil
}

func styleRefAt(req Request, i int) string {
	if i < len(req.Styles) && req.Styles[i] != "" {
		return req.Styles[i]
	}
	return req.StyleRef
}

type layerPlan struct {
	layer config.Layer
	doc   *style.Document
}

// renderLayer fetches or renders every tile covering the request and
// composes them into one request-sized image.
func (s *Service) renderLayer(ctx context.Context, p layerPlan, req Request, method compositor.Method, strict bool) (*image.NRGBA, error) {
	l, g := p.layer, p.layer.Grid
	version, err := s.data.DatasetVersion(ctx, l.Name)
	if err != nil {
		return nil, s.dataError(l.Name, "dataset version", err)
	}

	// The finer of the two axes decides the level so neither is upsampled.
	res := math.Min(req.BBox.Width()/float64(req.Width), req.BBox.Height()/float64(req.Height))
	keys, _, err := g.TilesCovering(l.Name, req.BBox, res)
	if err != nil {
		return nil, &RequestError{Code: "InvalidParameterValue", Msg: "cannot tile request", Err: err}
	}

	tiles := make([]compositor.TileImage, len(keys))
	leases := make([]*cache.Lease, len(keys))
	failures := make([]error, len(keys))
	defer func() {
		for _, lease := range leases {
			if lease != nil {
				lease.Release()
			}
		}
	}()

	var eg errgroup.Group
	eg.SetLimit(s.opts.Workers)
	for i, key := range keys {
		eg.Go(func() error {
			lease, err := s.tile(ctx, l, p.doc, version, key)
			if err != nil {
				failures[i] = err
				return nil
			}
			leases[i] = lease
			tiles[i] = compositor.TileImage{Key: key, Margin: lease.Tile.Margin, Image: lease.Tile.Image}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failed error
	for i, err := range failures {
		if err == nil {
			continue
		}
		if strict {
			failed = multierr.Append(failed, err)
			continue
		}
		s.logger.Error("Tile failed, substituting no-data tile",
			zap.String("tile", keys[i].String()),
			zap.Error(err))
		tiles[i] = compositor.TileImage{
			Key:    keys[i],
			Margin: p.doc.Margin(),
			Image:  compositor.NoDataTile(g.TileSize, p.doc.Margin()),
		}
	}
	if failed != nil {
		return nil, failed
	}

	return compositor.Compose(g, req.BBox, req.Width, req.Height, tiles, method)
}

// tile returns a lease on the rendered tile key. The caller must release it.
func (s *Service) tile(ctx context.Context, l config.Layer, doc *style.Document, version feature.Version, key grid.TileKey) (*cache.Lease, error) {
	ck := cache.TileKey{Tile: key, Style: doc.Fingerprint(), Version: version}
	margin := doc.Margin()
	return s.tiles.GetOrRender(ctx, ck, margin, func(rctx context.Context) (*cache.RenderedTile, error) {
		in := image_renderer.Input{Key: key, Grid: l.Grid, Style: doc}
		// Everything that can reach the canvas, with one pixel to spare.
		fetch := l.Grid.ExpandedBounds(key, 2*margin+1)
		res := l.Grid.Resolutions[key.Level]

		var err error
		if l.Kind == config.RasterLayer {
			in.Coverage, err = s.data.FetchCoverage(rctx, l.Name, fetch, res)
			if err != nil {
				return nil, s.dataError(l.Name, "fetch coverage", err)
			}
		} else {
			in.Features, err = s.data.FetchFeatures(rctx, l.Name, fetch, res)
			if err != nil {
				return nil, s.dataError(l.Name, "fetch features", err)
			}
		}

		img, stats, err := s.renderer.Render(rctx, in)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, &RenderError{Key: key, Err: err}
		}
		s.logger.Debug("Rendered tile",
			zap.String("tile", key.String()),
			zap.Int("features", stats.Features),
			zap.Int("drawn", stats.Drawn))
		return &cache.RenderedTile{Key: ck, Margin: margin, Image: img}, nil
	})
}

func (s *Service) dataError(layer, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &DataSourceError{Layer: layer, Op: op, Err: err}
}
