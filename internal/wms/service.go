// Package wms is the map service core: it turns map, feature-info and legend
// requests into tile renders, cache lookups and composited images.
package wms

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wmstiles/internal/cache"
	"wmstiles/internal/config"
	"wmstiles/internal/doccache"
	"wmstiles/internal/encoder"
	"wmstiles/internal/feature"
	"wmstiles/internal/image_renderer"
	"wmstiles/internal/source"
	"wmstiles/internal/style"
)

// Options tunes a Service. Zero values pick the defaults.
type Options struct {
	// Workers bounds concurrent tile renders per layer of a request.
	Workers int
	// Strict fails a request when any tile fails. Requests may override it.
	Strict bool
	// MatchMode is the rule evaluation for styles that do not declare one.
	MatchMode style.MatchMode
	// StyleCacheEntries bounds the parsed style and legend caches.
	StyleCacheEntries int
	// MaxSize bounds the output width and height.
	MaxSize int
}

const (
	defaultWorkers = 4
	defaultMaxSize = 8192
)

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Layers   []config.Layer
	Data     source.DataSource
	Styles   source.StyleSource
	Tiles    *cache.TileCache
	Encoders *encoder.Registry
	Logger   *zap.Logger
}

type styleKey struct {
	Ref   string
	Layer string
}

type legendKey struct {
	styleKey
	Width, Height int
}

// Service is the application context shared by all request handlers. It is
// safe for concurrent use.
type Service struct {
	layers   map[string]config.Layer
	order    []string
	data     source.DataSource
	styleSrc source.StyleSource
	tiles    *cache.TileCache
	encoders *encoder.Registry
	renderer *image_renderer.Renderer
	opts     Options
	logger   *zap.Logger

	styles  *doccache.Cache[styleKey, *style.Document]
	legends *doccache.Cache[legendKey, []byte]
}

func NewService(deps Dependencies, opts Options) (*Service, error) {
	if deps.Data == nil || deps.Styles == nil || deps.Tiles == nil {
		return nil, errors.New("service needs a data source, a style source and a tile cache")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Encoders == nil {
		deps.Encoders = encoder.NewRegistry()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}

	s := &Service{
		layers:   make(map[string]config.Layer, len(deps.Layers)),
		data:     deps.Data,
		styleSrc: deps.Styles,
		tiles:    deps.Tiles,
		encoders: deps.Encoders,
		renderer: image_renderer.New(deps.Logger),
		opts:     opts,
		logger:   deps.Logger,
	}
	for _, l := range deps.Layers {
		if _, dup := s.layers[l.Name]; dup {
			return nil, fmt.Errorf("layer %s is declared twice", l.Name)
		}
		if l.Grid == nil {
			return nil, fmt.Errorf("layer %s has no grid", l.Name)
		}
		s.layers[l.Name] = l
		s.order = append(s.order, l.Name)
	}

	cacheOpts := []doccache.Option{
		doccache.WithMaxEntries(opts.StyleCacheEntries),
		doccache.WithLogger(deps.Logger.With(zap.String("cache", "styles"))),
	}
	s.styles = doccache.New[styleKey, *style.Document](doccache.LoaderFuncs[styleKey, *style.Document]{
		VersionFunc: func(ctx context.Context, k styleKey) (feature.Version, error) {
			return s.styleSrc.StyleVersion(ctx, k.Ref)
		},
		LoadFunc: s.loadStyle,
	}, cacheOpts...)
	s.legends = doccache.New[legendKey, []byte](doccache.LoaderFuncs[legendKey, []byte]{
		VersionFunc: func(ctx context.Context, k legendKey) (feature.Version, error) {
			return s.styleSrc.StyleVersion(ctx, k.Ref)
		},
		LoadFunc: s.loadLegend,
	}, doccache.WithMaxEntries(opts.StyleCacheEntries), doccache.WithLogger(deps.Logger.With(zap.String("cache", "legends"))))
	return s, nil
}

// Layers returns the catalog in declaration order.
func (s *Service) Layers() []config.Layer {
	out := make([]config.Layer, len(s.order))
	for i, name := range s.order {
		out[i] = s.layers[name]
	}
	return out
}

// Layer looks up a catalog layer.
func (s *Service) Layer(name string) (config.Layer, error) {
	l, ok := s.layers[name]
	if !ok {
		return config.Layer{}, &UnknownLayerError{Layer: name}
	}
	return l, nil
}

// Encoders returns the output format registry.
func (s *Service) Encoders() *encoder.Registry { return s.encoders }

func (s *Service) parseOptions(l config.Layer) []style.Option {
	opts := []style.Option{style.WithMatchMode(s.opts.MatchMode)}
	if len(l.Schema.Fields) > 0 {
		opts = append(opts, style.WithSchema(l.Schema))
	}
	return opts
}

// loadStyle parses a stored style document for one layer. Property references
// are checked against that layer's schema, so the same document is parsed
// once per layer using it.
func (s *Service) loadStyle(ctx context.Context, k styleKey) (*style.Document, feature.Version, error) {
	l, err := s.Layer(k.Layer)
	if err != nil {
		return nil, "", err
	}
	body, version, err := s.styleSrc.LoadStyleDocument(ctx, k.Ref)
	if err != nil {
		return nil, "", err
	}
	doc, err := style.Parse(body, s.parseOptions(l)...)
	if err != nil {
		return nil, "", err
	}
	return doc, version, nil
}

// style returns the parsed style ref for layer l. An empty ref selects the
// layer's default style.
func (s *Service) style(ctx context.Context, l config.Layer, ref string) (*style.Document, error) {
	if ref == "" || ref == "default" {
		ref = l.DefaultStyle
	}
	doc, err := s.styles.Get(ctx, styleKey{Ref: ref, Layer: l.Name})
	if err != nil {
		return nil, s.styleError(l.Name, ref, err)
	}
	return doc, nil
}

// inlineStyle parses a style document sent with the request. It is not
// cached; tiles drawn with it still share cache space through its
// fingerprint.
func (s *Service) inlineStyle(l config.Layer, body []byte) (*style.Document, error) {
	doc, err := style.Parse(body, s.parseOptions(l)...)
	if err != nil {
		return nil, &RequestError{Code: "StyleNotDefined", Msg: "invalid SLD_BODY", Err: err}
	}
	return doc, nil
}

func (s *Service) styleError(layer, ref string, err error) error {
	var perr *style.ParseError
	switch {
	case errors.As(err, &perr):
		return err
	case errors.Is(err, source.ErrNotFound):
		return &RequestError{Code: "StyleNotDefined", Msg: fmt.Sprintf("style %q is not defined", ref), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &DataSourceError{Layer: layer, Op: "load style " + ref, Err: err}
	}
}
