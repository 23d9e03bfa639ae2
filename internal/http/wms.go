package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"wmstiles/internal/featureinfo"
	"wmstiles/internal/grid"
	"wmstiles/internal/style"
	"wmstiles/internal/wms"
)

const (
	imageCacheControl   = "public, max-age=60"
	defaultLegendWidth  = 200
	defaultLegendHeight = 120
	defaultInfoFormat   = "application/geo+json"
)

// params holds KVP request parameters keyed by upper-cased name.
type params map[string]string

func parseParams(r *http.Request) (params, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	p := make(params, len(r.Form))
	for k, v := range r.Form {
		if len(v) > 0 {
			p[strings.ToUpper(k)] = v[0]
		}
	}
	return p, nil
}

func (p params) get(keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func (p params) list(key string) []string {
	v := p.get(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func (p params) intValue(key string, def int, alt ...string) (int, error) {
	v := p.get(append([]string{key}, alt...)...)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &wms.RequestError{Code: "InvalidParameterValue", Msg: "bad " + key, Err: err}
	}
	return n, nil
}

func (p params) bbox() (grid.BoundingBox, error) {
	parts := p.list("BBOX")
	if len(parts) != 4 {
		return grid.BoundingBox{}, &wms.RequestError{Code: "MissingParameterValue", Msg: "BBOX needs minx,miny,maxx,maxy"}
	}
	var v [4]float64
	for i, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return grid.BoundingBox{}, &wms.RequestError{Code: "InvalidParameterValue", Msg: "bad BBOX", Err: err}
		}
		v[i] = f
	}
	return grid.BoundingBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

// mapRequest reads the parameters GetMap and GetFeatureInfo share.
func (p params) mapRequest() (wms.Request, error) {
	var req wms.Request
	bbox, err := p.bbox()
	if err != nil {
		return req, err
	}
	width, err := p.intValue("WIDTH", 0)
	if err != nil {
		return req, err
	}
	height, err := p.intValue("HEIGHT", 0)
	if err != nil {
		return req, err
	}
	req = wms.Request{
		Layers:     p.list("LAYERS"),
		Styles:     p.list("STYLES"),
		BBox:       bbox,
		Width:      width,
		Height:     height,
		CRS:        p.get("CRS", "SRS"),
		Format:     p.get("FORMAT"),
		Resampling: p.get("RESAMPLING"),
	}
	if body := p.get("SLD_BODY"); body != "" {
		req.SLDBody = []byte(body)
	}
	if v := p.get("STRICT"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return req, &wms.RequestError{Code: "InvalidParameterValue", Msg: "bad STRICT", Err: err}
		}
		req.Strict = &strict
	}
	return req, nil
}

// HandleWMS dispatches WMS key-value-pair requests on the REQUEST parameter.
func (h *Handlers) HandleWMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := parseParams(r)
	if err != nil {
		h.writeError(w, r, &wms.RequestError{Code: "InvalidRequest", Msg: "cannot parse parameters", Err: err})
		return
	}
	if svc := p.get("SERVICE"); svc != "" && !strings.EqualFold(svc, "WMS") {
		h.writeError(w, r, &wms.RequestError{Code: "InvalidParameterValue", Msg: "SERVICE must be WMS"})
		return
	}

	switch strings.ToLower(p.get("REQUEST")) {
	case "getmap":
		h.getMap(w, r, p)
	case "getfeatureinfo":
		h.getFeatureInfo(w, r, p)
	case "getlegendgraphic":
		h.getLegendGraphic(w, r, p)
	case "":
		h.writeError(w, r, &wms.RequestError{Code: "MissingParameterValue", Msg: "REQUEST is required"})
	default:
		h.writeError(w, r, &wms.RequestError{Code: "OperationNotSupported", Msg: "unsupported REQUEST " + p.get("REQUEST")})
	}
}

func (h *Handlers) getMap(w http.ResponseWriter, r *http.Request, p params) {
	req, err := p.mapRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_, mime, err := h.service.Encoders().Lookup(req.Format)
	if err != nil {
		h.writeError(w, r, &wms.RequestError{Code: "InvalidFormat", Msg: "unsupported FORMAT", Err: err})
		return
	}

	body, err := withRetry(r.Context(), h.retryBackoff, h.logger, func() ([]byte, error) {
		return h.service.RenderMap(r.Context(), req)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeImage(w, r, mime, body)
}

func (h *Handlers) getFeatureInfo(w http.ResponseWriter, r *http.Request, p params) {
	req, err := p.mapRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := wms.FeatureQuery{
		Layers: req.Layers,
		BBox:   req.BBox,
		CRS:    req.CRS,
		Width:  req.Width,
		Height: req.Height,
	}
	if ql := p.list("QUERY_LAYERS"); len(ql) > 0 {
		q.Layers = ql
	}
	if q.I, err = p.intValue("I", -1, "X"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if q.J, err = p.intValue("J", -1, "Y"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if q.FeatureCount, err = p.intValue("FEATURE_COUNT", 1); err != nil {
		h.writeError(w, r, err)
		return
	}
	if q.Tolerance, err = p.intValue("BUFFER", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	format := p.get("INFO_FORMAT")
	if format == "" {
		format = defaultInfoFormat
	}

	results, err := withRetry(r.Context(), h.retryBackoff, h.logger, func() ([]featureinfo.Result, error) {
		return h.service.QueryFeatures(r.Context(), q)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, contentType, err := featureinfo.Encode(format, results)
	if err != nil {
		h.writeError(w, r, &wms.RequestError{Code: "InvalidFormat", Msg: "unsupported INFO_FORMAT", Err: err})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

func (h *Handlers) getLegendGraphic(w http.ResponseWriter, r *http.Request, p params) {
	layer := p.get("LAYER", "LAYERS")
	if layer == "" {
		h.writeError(w, r, &wms.RequestError{Code: "MissingParameterValue", Msg: "LAYER is required"})
		return
	}
	if f := p.get("FORMAT"); f != "" && !strings.EqualFold(f, "image/png") && !strings.EqualFold(f, "png") {
		h.writeError(w, r, &wms.RequestError{Code: "InvalidFormat", Msg: "legends are only available as image/png"})
		return
	}
	width, err := p.intValue("WIDTH", defaultLegendWidth)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	height, err := p.intValue("HEIGHT", defaultLegendHeight)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body, err := withRetry(r.Context(), h.retryBackoff, h.logger, func() ([]byte, error) {
		return h.service.LegendGraphic(r.Context(), layer, p.get("STYLE", "STYLES"), width, height)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeImage(w, r, "image/png", body)
}

// writeImage sends an encoded image with an ETag of its content and answers
// a matching If-None-Match with 304.
func (h *Handlers) writeImage(w http.ResponseWriter, r *http.Request, mime string, body []byte) {
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", imageCacheControl)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(body)
}

// withRetry runs op and, when it fails on a data source, runs it once more
// after backoff.
func withRetry[T any](ctx context.Context, backoff time.Duration, logger *zap.Logger, op func() (T, error)) (T, error) {
	v, err := op()
	var derr *wms.DataSourceError
	if err == nil || !errors.As(err, &derr) {
		return v, err
	}
	logger.Warn("Data source failed, retrying", zap.String("layer", derr.Layer), zap.Error(err))

	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-t.C:
	}
	return op()
}

type serviceException struct {
	Code    string `xml:"code,attr,omitempty"`
	Message string `xml:",chardata"`
}

type serviceExceptionReport struct {
	XMLName   xml.Name         `xml:"ServiceExceptionReport"`
	Version   string           `xml:"version,attr"`
	Exception serviceException `xml:"ServiceException"`
}

// statusOf maps a service error to its HTTP status and WMS exception code.
func statusOf(err error) (int, string) {
	var (
		reqErr    *wms.RequestError
		layerErr  *wms.UnknownLayerError
		parseErr  *style.ParseError
		dataErr   *wms.DataSourceError
		renderErr *wms.RenderError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.Code
	case errors.As(err, &layerErr):
		return http.StatusNotFound, "LayerNotDefined"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Timeout"
	case errors.As(err, &parseErr):
		return http.StatusInternalServerError, "StyleInvalid"
	case errors.As(err, &dataErr):
		return http.StatusInternalServerError, "DataSourceUnavailable"
	case errors.As(err, &renderErr):
		return http.StatusInternalServerError, "RenderFailed"
	default:
		return http.StatusInternalServerError, "NoApplicableCode"
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("WMS request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}

	body, merr := xml.Marshal(serviceExceptionReport{
		Version:   "1.3.0",
		Exception: serviceException{Code: code, Message: err.Error()},
	})
	if merr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(body)
	fmt.Fprintln(w)
}
