package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"wmstiles/internal/cache"
	"wmstiles/internal/config"
	"wmstiles/internal/dataset_list"
	"wmstiles/internal/encoder"
	httphandlers "wmstiles/internal/http"
	"wmstiles/internal/logger"
	"wmstiles/internal/source"
	"wmstiles/internal/style"
	"wmstiles/internal/vipsraster"
	"wmstiles/internal/wms"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting wmstiles server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("catalog", cfg.CatalogFile),
	)

	ctx := context.Background()

	layers, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Fatal("Failed to load layer catalog", zap.Error(err))
	}

	matchMode, err := style.ParseMatchMode(cfg.RuleEvaluation)
	if err != nil {
		log.Fatal("Invalid RULE_EVALUATION", zap.Error(err))
	}

	store, err := cache.NewStore(ctx, cache.StoreOptions{
		Type: cfg.TileStore,
		Dir:  cfg.TileStoreDir,
		Redis: cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TileStoreTTL,
		},
		GCSBucket:       cfg.GCSBucket,
		GCSPrefix:       cfg.GCSPrefix,
		CredentialsFile: cfg.CredentialsFile,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tile store", zap.Error(err))
	}
	tiles := cache.NewTileCache(cache.Config{
		MaxTiles:      cfg.CacheMemoryTiles,
		MaxBytes:      cfg.CacheMaxBytes,
		RenderTimeout: cfg.RenderTimeout,
	}, store, log)
	defer tiles.Close()

	styles, closeStyles, err := newStyleSource(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize style source", zap.Error(err))
	}
	defer closeStyles()

	reader := vipsraster.NewReader(log)
	scanner := dataset_list.New(cfg.DataDir, reader, log)
	if err := scanner.Scan(ctx); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	router := source.NewRouter()
	bound := scanner.Bind(ctx, router, source.NewGeoJSONFileSource(log), source.NewRasterSource(reader, log))
	for _, l := range layers {
		if scanner.GetDatasetByLayer(l.Name) == nil {
			log.Warn("Catalog layer has no dataset", zap.String("layer", l.Name))
		}
	}
	log.Info("Datasets bound", zap.Int("datasets", bound), zap.Int("layers", len(layers)))

	encoders := encoder.NewRegistry()
	encoders.Register("image/jpeg", vipsraster.JPEG{Quality: cfg.JPEGQuality})
	encoders.Register("image/webp", vipsraster.WebP{Quality: cfg.JPEGQuality})

	service, err := wms.NewService(wms.Dependencies{
		Layers:   layers,
		Data:     router,
		Styles:   styles,
		Tiles:    tiles,
		Encoders: encoders,
		Logger:   log,
	}, wms.Options{
		Workers:   cfg.RenderWorkers,
		Strict:    cfg.StrictMode,
		MatchMode: matchMode,
	})
	if err != nil {
		log.Fatal("Failed to initialize map service", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log, service, scanner, tiles)

	warmupCtx, stopWarmup := context.WithCancel(ctx)
	defer stopWarmup()
	if cfg.WarmupLevels > 0 {
		go service.Warmup(warmupCtx, cfg.WarmupLevels, cfg.WarmupWorkers)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopWarmup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

// newStyleSource opens the configured style store. The returned func releases
// its client.
func newStyleSource(ctx context.Context, cfg *config.Config, log *zap.Logger) (source.StyleSource, func(), error) {
	switch cfg.StyleSource {
	case "file", "":
		log.Info("Using file style source", zap.String("dir", cfg.StyleDir))
		return source.NewFileStyleSource(cfg.StyleDir), func() {}, nil
	case "firestore":
		log.Info("Using Firestore style source",
			zap.String("project", cfg.FirestoreProject),
			zap.String("collection", cfg.FirestoreCollection))
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Firestore client: %w", err)
		}
		src, err := source.NewFirestoreStyleSource(client, cfg.FirestoreCollection, log)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return src, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown style source: %s (supported: file, firestore)", cfg.StyleSource)
	}
}
