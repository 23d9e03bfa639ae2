package wms

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Warmup renders every tile of levels 0..levels-1 of each layer with its
// default style, using at most workers concurrent renders. It returns the
// number of tiles now cached. Failed tiles are logged and skipped.
func (s *Service) Warmup(ctx context.Context, levels, workers int) int64 {
	if levels <= 0 {
		return 0
	}
	// Worker pool size configured via env (defaults to 1)
	if workers <= 0 {
		workers = 1
	}

	s.logger.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("layers", len(s.order)))

	workerChan := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var done atomic.Int64

	for _, l := range s.Layers() {
		doc, err := s.style(ctx, l, "")
		if err != nil {
			s.logger.Warn("Warmup skipped layer", zap.String("layer", l.Name), zap.Error(err))
			continue
		}
		version, err := s.data.DatasetVersion(ctx, l.Name)
		if err != nil {
			s.logger.Warn("Warmup skipped layer", zap.String("layer", l.Name), zap.Error(err))
			continue
		}

		g := l.Grid
		for level := 0; level < levels && level < len(g.Resolutions); level++ {
			keys, _, err := g.TilesCovering(l.Name, g.Extent, g.Resolutions[level])
			if err != nil {
				s.logger.Warn("Warmup skipped level", zap.String("layer", l.Name), zap.Int("level", level), zap.Error(err))
				continue
			}
			for _, key := range keys {
				select {
				case <-ctx.Done():
					wg.Wait()
					return done.Load()
				case workerChan <- struct{}{}: // Acquire worker slot
				}
				wg.Add(1)

				go func() {
					defer wg.Done()
					defer func() { <-workerChan }() // Release worker slot

					lease, err := s.tile(ctx, l, doc, version, key)
					if err != nil {
						s.logger.Debug("Warmup tile failed", zap.String("tile", key.String()), zap.Error(err))
						return
					}
					lease.Release()
					done.Add(1)
				}()
			}
		}
	}

	wg.Wait()
	s.logger.Info("Tile warmup completed", zap.Int64("tiles", done.Load()))
	return done.Load()
}
