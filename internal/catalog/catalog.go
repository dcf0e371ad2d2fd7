// Package catalog tracks the images in the data directory. Every image is
// renamed to <uuid><ext> on first sight and described by a <uuid>.json
// sidecar.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown image ids.
var ErrNotFound = errors.New("image not found")

type Image struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// ProbeFunc reads the pixel size of an image file.
type ProbeFunc func(path string) (width, height int, err error)

type Catalog struct {
	dataDir    string
	extensions map[string]bool
	probe      ProbeFunc
	logger     *zap.Logger

	mu     sync.RWMutex
	images []Image
}

// New creates a catalog of the files in dataDir whose extension is in
// extensions.
func New(dataDir string, extensions map[string]bool, probe ProbeFunc, logger *zap.Logger) *Catalog {
	return &Catalog{
		dataDir:    dataDir,
		extensions: extensions,
		probe:      probe,
		logger:     logger,
		images:     []Image{},
	}
}

func (c *Catalog) Scan() error {
	if err := c.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []Image{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := c.filePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !c.extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			c.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := c.filePath(basename + ".json")

		var image *Image
		if _, err := os.Stat(jsonPath); err != nil {
			image, err = c.adopt(path, ext, info)
			if err != nil {
				c.logger.Warn("Failed to add image", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			image, err = c.loadMetadata(jsonPath)
			if err != nil {
				c.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		images = append(images, *image)
	}

	c.mu.Lock()
	c.images = images
	c.mu.Unlock()
	c.logger.Info("Scanned data directory", zap.String("data_dir", c.dataDir), zap.Int("images", len(images)))
	return nil
}

// adopt renames a new file to its uuid and writes the sidecar.
func (c *Catalog) adopt(path, ext string, info os.FileInfo) (*Image, error) {
	id := uuid.New().String()
	finalPath := c.filePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	c.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	width, height, err := c.probe(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to scan image: %w", err)
	}
	image := &Image{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}

	jsonPath := c.filePath(id + ".json")
	if err := c.saveMetadata(jsonPath, image); err != nil {
		c.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		c.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return image, nil
}

// cleanupOrphanedJSON removes sidecars that are unreadable, name another
// id, or point at a missing file.
func (c *Catalog) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := c.filePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}
		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		meta, err := c.loadMetadata(path)
		switch {
		case err != nil:
			c.remove(path, "Deleted invalid JSON file")
		case meta.ID != basename:
			c.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			c.remove(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(c.filePath(meta.CurrentFilename)); err != nil {
				c.remove(path, "Deleted orphaned JSON file")
			}
		}
	}
	return nil
}

func (c *Catalog) remove(path, message string) {
	if err := os.Remove(path); err != nil {
		c.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info(message, zap.String("path", path))
}

func (c *Catalog) Images() []Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Image(nil), c.images...)
}

func (c *Catalog) Image(id string) (Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, img := range c.images {
		if img.ID == id {
			return img, nil
		}
	}
	return Image{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Path returns the file of image id.
func (c *Catalog) Path(id string) (string, error) {
	img, err := c.Image(id)
	if err != nil {
		return "", err
	}
	return c.filePath(img.CurrentFilename), nil
}

func (c *Catalog) filePath(filename string) string {
	return filepath.Join(c.dataDir, filename)
}

func (c *Catalog) loadMetadata(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Image
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func (c *Catalog) saveMetadata(path string, meta *Image) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
