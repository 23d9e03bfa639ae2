package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wmstiles/internal/cache"
	"wmstiles/internal/config"
	"wmstiles/internal/dataset_list"
	"wmstiles/internal/wms"
)

const defaultRetryBackoff = 200 * time.Millisecond

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	service *wms.Service
	scanner *dataset_list.Scanner
	tiles   *cache.TileCache

	// retryBackoff is the wait before the single retry of a request that
	// failed on a data source.
	retryBackoff time.Duration
}

// New builds the handlers. scanner and tiles may be nil; the endpoints that
// report on them then answer 404.
func New(config *config.Config, logger *zap.Logger, service *wms.Service, scanner *dataset_list.Scanner, tiles *cache.TileCache) *Handlers {
	return &Handlers{
		config:       config,
		logger:       logger,
		service:      service,
		scanner:      scanner,
		tiles:        tiles,
		retryBackoff: defaultRetryBackoff,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/wms", h.HandleWMS)
	mux.HandleFunc("/api/layers", h.HandleLayers)
	mux.HandleFunc("/api/datasets", h.HandleDatasets)
	mux.HandleFunc("/api/cache", h.HandleCacheStats)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("wms_request", r.URL.Query().Get("REQUEST")),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Request-Id")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type layerView struct {
	Name         string    `json:"name"`
	Title        string    `json:"title,omitempty"`
	Kind         string    `json:"kind"`
	CRS          string    `json:"crs"`
	Extent       []float64 `json:"extent"`
	TileSize     int       `json:"tile_size"`
	Resolutions  []float64 `json:"resolutions"`
	DefaultStyle string    `json:"default_style"`
	Queryable    bool      `json:"queryable"`
	Fields       []string  `json:"fields,omitempty"`
}

// HandleLayers lists the layer catalog with the output formats on offer.
func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	layers := h.service.Layers()
	views := make([]layerView, len(layers))
	for i, l := range layers {
		e := l.Grid.Extent
		views[i] = layerView{
			Name:         l.Name,
			Title:        l.Title,
			Kind:         string(l.Kind),
			CRS:          l.Grid.CRS,
			Extent:       []float64{e.MinX, e.MinY, e.MaxX, e.MaxY},
			TileSize:     l.Grid.TileSize,
			Resolutions:  l.Grid.Resolutions,
			DefaultStyle: l.DefaultStyle,
			Queryable:    l.Queryable,
			Fields:       l.Schema.Names(),
		}
	}
	writeJSON(w, map[string]interface{}{
		"layers":  views,
		"formats": h.service.Encoders().Formats(),
	})
}

func (h *Handlers) HandleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.scanner == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, h.scanner.Datasets())
}

func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.tiles == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, h.tiles.Stats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
