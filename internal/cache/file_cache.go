package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore persists tiles on local disk.
// Structure: {cacheDir}/{layer}/{style}/{version}/{level}/{col}_{row}.png
type FileStore struct {
	cacheDir string
}

func NewFileStore(cacheDir string) (*FileStore, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileStore{
		cacheDir: cacheDir,
	}, nil
}

// buildFilePath builds file path from tile key
func (c *FileStore) buildFilePath(key TileKey) string {
	dir := filepath.Join(c.cacheDir,
		pathSafe(key.Tile.Layer),
		pathSafe(key.Style),
		pathSafe(string(key.Version)),
		fmt.Sprintf("%d", key.Tile.Level))
	fileName := fmt.Sprintf("%d_%d.png", key.Tile.Col, key.Tile.Row)
	return filepath.Join(dir, fileName)
}

// pathSafe keeps a key component inside one directory level.
func pathSafe(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_").Replace(s)
}

func (c *FileStore) Get(_ context.Context, key TileKey) ([]byte, bool, error) {
	data, err := os.ReadFile(c.buildFilePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set writes atomically: readers see either no file or the whole tile.
func (c *FileStore) Set(_ context.Context, key TileKey, value []byte) error {
	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	// Unique temp name so concurrent writers of one key do not collide.
	tmpPath := filePath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *FileStore) Clear(_ context.Context) error {
	if err := os.RemoveAll(c.cacheDir); err != nil {
		return err
	}
	return os.MkdirAll(c.cacheDir, 0755)
}

func (c *FileStore) Close() error { return nil }
