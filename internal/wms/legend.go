package wms

import (
	"context"
	"errors"
	"fmt"

	"wmstiles/internal/encoder"
	"wmstiles/internal/feature"
	"wmstiles/internal/image_renderer"
)

const maxLegendSize = 1024

// LegendGraphic returns a PNG legend of the style ref of layer. Legends are
// cached until the style document changes.
func (s *Service) LegendGraphic(ctx context.Context, layer, ref string, width, height int) ([]byte, error) {
	l, err := s.Layer(layer)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 || width > maxLegendSize || height > maxLegendSize {
		return nil, badRequest("InvalidParameterValue", "legend size %dx%d outside 1..%d", width, height, maxLegendSize)
	}
	if ref == "" || ref == "default" {
		ref = l.DefaultStyle
	}
	data, err := s.legends.Get(ctx, legendKey{styleKey: styleKey{Ref: ref, Layer: l.Name}, Width: width, Height: height})
	if err != nil {
		var rerr *RequestError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, s.styleError(l.Name, ref, err)
	}
	return data, nil
}

// loadLegend draws a legend. The style version is read before the style so
// that a concurrent change is picked up by the next version check.
func (s *Service) loadLegend(ctx context.Context, k legendKey) ([]byte, feature.Version, error) {
	version, err := s.styleSrc.StyleVersion(ctx, k.Ref)
	if err != nil {
		return nil, "", err
	}
	doc, err := s.styles.Get(ctx, k.styleKey)
	if err != nil {
		return nil, "", err
	}
	img, err := image_renderer.LegendGraphic(doc, k.Width, k.Height)
	if err != nil {
		return nil, "", &RequestError{Code: "InvalidParameterValue", Msg: "cannot draw legend", Err: err}
	}
	data, err := encoder.PNG.Encode(img)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode legend: %w", err)
	}
	return data, version, nil
}
