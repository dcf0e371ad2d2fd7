package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"gigatile/internal/cache"
	"gigatile/internal/catalog"
	"gigatile/internal/config"
	httphandlers "gigatile/internal/http"
	"gigatile/internal/logger"
	"gigatile/internal/tilesource"
	"gigatile/internal/tilesource/vipsdecoder"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

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

	registry := cache.NewRegistry(cfg.Cache, log)
	defer registry.Close()

	ctx := context.Background()
	kind, err := registry.Kind(ctx)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	log.Info("Starting gigatile server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("cache_backend", kind),
	)

	images := catalog.New(cfg.DataDir, vipsdecoder.Extensions, vipsdecoder.Probe, log)
	if err := images.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	opener := vipsdecoder.Opener(vipsdecoder.Options{
		TileSize:    cfg.TileSize,
		Encoding:    cfg.Encoding,
		JPEGQuality: cfg.JPEGQuality,
	}, log)
	handlers := httphandlers.New(cfg, log, images, registry, opener)

	if cfg.WarmupLevels > 0 {
		go warmupTiles(ctx, cfg, images, registry, opener, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupTiles decodes every native tile of the lowest levels of every image
// so first views are served from the tile cache.
func warmupTiles(ctx context.Context, cfg *config.Config, images *catalog.Catalog, registry *cache.Registry, opener tilesource.Opener, log *zap.Logger) {
	list := images.Images()
	if len(list) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", cfg.WarmupLevels), zap.Int("images", len(list)))

	workerLimit := max(cfg.WarmupWorkers, 1)
	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, img := range list {
		path, err := images.Path(img.ID)
		if err != nil {
			continue
		}
		src, err := tilesource.Open(ctx, registry, path, opener, tilesource.Options{
			Encoding:    cfg.Encoding,
			JPEGQuality: cfg.JPEGQuality,
		})
		if err != nil {
			log.Warn("Warmup open failed", zap.String("image", img.ID), zap.Error(err))
			continue
		}

		meta := src.Metadata()
		for level := 0; level < min(cfg.WarmupLevels, meta.Levels); level++ {
			cols, rows := meta.LevelTiles(level)
			for y := 0; y < rows; y++ {
				for x := 0; x < cols; x++ {
					wg.Add(1)
					workerChan <- struct{}{}

					go func(imageID string, level, x, y int) {
						defer wg.Done()
						defer func() { <-workerChan }()

						if _, err := src.GetTile(ctx, x, y, level, 0); err != nil {
							log.Debug("Warmup tile failed", zap.String("image", imageID), zap.Int("z", level), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
						}
					}(img.ID, level, x, y)
				}
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed")
}
