package dataset_list

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wmstiles/internal/source"
)

type Kind string

const (
	KindVector Kind = "vector"
	KindRaster Kind = "raster"
)

// DatasetInfo is the sidecar metadata stored next to every dataset file as
// {basename}.json.
type DatasetInfo struct {
	ID               string         `json:"id"`
	Layer            string         `json:"layer"`
	Kind             Kind           `json:"kind"`
	OriginalFilename string         `json:"original_filename"`
	CurrentFilename  string         `json:"current_filename"`
	Width            int            `json:"width,omitempty"`
	Height           int            `json:"height,omitempty"`
	Bytes            int64          `json:"bytes"`
	Georef           *source.Georef `json:"georef,omitempty"`
}

// Prober reads the pixel size of raster files.
type Prober interface {
	Size(ctx context.Context, path string) (int, int, error)
}

var extensions = map[string]Kind{
	".geojson": KindVector,
	".tif":     KindRaster,
	".tiff":    KindRaster,
	".png":     KindRaster,
}

// Scanner discovers datasets in a data directory.
type Scanner struct {
	dataDir string
	prober  Prober
	logger  *zap.Logger

	mu       sync.RWMutex
	datasets []DatasetInfo
}

func New(dataDir string, prober Prober, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		dataDir:  dataDir,
		prober:   prober,
		logger:   logger,
		datasets: []DatasetInfo{},
	}
}

// Scan rereads the data directory. Datasets without a sidecar get one with a
// fresh id; sidecars whose dataset is gone are removed.
func (s *Scanner) Scan(ctx context.Context) error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	found := []DatasetInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		kind, ok := extensions[ext]
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := s.getFilePath(basename + ".json")

		var meta *DatasetInfo
		if _, err := os.Stat(jsonPath); err != nil {
			meta, err = s.scanDataset(ctx, path, kind, info)
			if err != nil {
				s.logger.Warn("Failed to scan dataset", zap.String("path", path), zap.Error(err))
				continue
			}
			if err := s.saveMetadata(jsonPath, meta); err != nil {
				s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
			} else {
				s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
			}
		} else {
			meta, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			meta.Bytes = info.Size()
		}
		found = append(found, *meta)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Layer < found[j].Layer })

	s.mu.Lock()
	s.datasets = found
	s.mu.Unlock()
	return nil
}

// cleanupOrphanedJSON removes sidecars that cannot be read or whose dataset
// file no longer exists.
func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}
		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		meta, err := s.loadMetadata(path)
		if err != nil {
			s.remove(path, "Deleted invalid JSON file")
			continue
		}

		current := strings.TrimSuffix(meta.CurrentFilename, filepath.Ext(meta.CurrentFilename))
		if current != basename {
			s.logger.Warn("Dataset name mismatch in JSON",
				zap.String("json_path", path),
				zap.String("current_filename", meta.CurrentFilename))
			s.remove(path, "Deleted JSON with name mismatch")
			continue
		}

		if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
			s.remove(path, "Deleted orphaned JSON file")
		}
	}

	return nil
}

func (s *Scanner) remove(path, msg string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info(msg, zap.String("path", path))
}

func (s *Scanner) scanDataset(ctx context.Context, path string, kind Kind, info os.FileInfo) (*DatasetInfo, error) {
	name := filepath.Base(path)
	meta := &DatasetInfo{
		ID:               uuid.New().String(),
		Layer:            strings.TrimSuffix(name, filepath.Ext(name)),
		Kind:             kind,
		OriginalFilename: name,
		CurrentFilename:  name,
		Bytes:            info.Size(),
	}
	if kind != KindRaster {
		return meta, nil
	}
	if s.prober == nil {
		return nil, fmt.Errorf("no raster prober configured")
	}

	width, height, err := s.prober.Size(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	meta.Width, meta.Height = width, height
	// One map unit per pixel with the image standing on the origin.
	meta.Georef = &source.Georef{OriginY: float64(height), CellWidth: 1, CellHeight: 1}
	return meta, nil
}

// Datasets returns the datasets found by the last scan, ordered by layer.
func (s *Scanner) Datasets() []DatasetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]DatasetInfo(nil), s.datasets...)
}

func (s *Scanner) GetDatasetByID(id string) *DatasetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.datasets {
		if d.ID == id {
			return &d
		}
	}
	return nil
}

func (s *Scanner) GetDatasetByLayer(layer string) *DatasetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.datasets {
		if d.Layer == layer {
			return &d
		}
	}
	return nil
}

func (s *Scanner) GetDatasetPath(d DatasetInfo) string {
	return s.getFilePath(d.CurrentFilename)
}

// Bind registers every scanned dataset with the source serving its kind and
// routes its layer there. It returns the number of layers bound.
func (s *Scanner) Bind(ctx context.Context, router *source.Router, vectors *source.GeoJSONFileSource, rasters *source.RasterSource) int {
	bound := 0
	for _, d := range s.Datasets() {
		path := s.GetDatasetPath(d)
		switch d.Kind {
		case KindVector:
			vectors.Add(d.Layer, path)
			router.Route(d.Layer, vectors)
		case KindRaster:
			if d.Georef == nil {
				s.logger.Warn("Raster dataset has no georef, skipping", zap.String("layer", d.Layer))
				continue
			}
			if err := rasters.Register(ctx, d.Layer, path, *d.Georef); err != nil {
				s.logger.Warn("Failed to register raster dataset", zap.String("layer", d.Layer), zap.Error(err))
				continue
			}
			router.Route(d.Layer, rasters)
		default:
			continue
		}
		bound++
	}
	return bound
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*DatasetInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta DatasetInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.ID == "" || meta.CurrentFilename == "" {
		return nil, fmt.Errorf("metadata is missing id or current_filename")
	}
	if meta.Layer == "" {
		meta.Layer = strings.TrimSuffix(meta.CurrentFilename, filepath.Ext(meta.CurrentFilename))
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *DatasetInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
