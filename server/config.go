package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/frameselect/pkg/blobstore"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedder"
	"github.com/cyclopcam/frameselect/pkg/kibi"
	"github.com/cyclopcam/frameselect/pkg/selector"
	"github.com/cyclopcam/frameselect/pkg/validation"
)

type Config struct {
	Listen             string                   `json:"listen" validate:"required"` // eg ":8090"
	CacheStorage       StorageConfig            `json:"cacheStorage"`
	LocalCache         string                   `json:"localCache"`                          // Local copies of remote cache blobs. Only used with gcs or s3.
	LocalCacheSize     string                   `json:"localCacheSize"`                      // eg "2 GB". Empty means 2 GB
	Journal            string                   `json:"journal"`                             // SQLite file for the selection journal. Empty disables the journal.
	VectorDB           string                   `json:"vectorDB"`                            // Postgres DSN for exporting embeddings. Empty disables export.
	Backend            embedder.BackendConfig   `json:"backend"`
	Normalize          bool                     `json:"normalize"`
	Transform          embedcfg.TransformConfig `json:"transform"`
	Selection          selector.Params          `json:"selection"`
	GenerateRateLimit  int                      `json:"generateRateLimit" validate:"gte=1"` // Generation requests per minute, per client IP
}

// At most one of the storage options may be configured.
// If none are configured, each frames directory keeps its own cache inside itself.
type StorageConfig struct {
	Filesystem *StorageConfigFS           `json:"filesystem"`
	GCS        *StorageConfigGCS          `json:"gcs"`
	S3         *blobstore.StorageS3Config `json:"s3"`
}

type StorageConfigFS struct {
	Root string `json:"root" validate:"required"` // Directory that holds every cache
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket" validate:"required"` // Name of the GCS bucket
	Folder string `json:"folder"`                     // Optional prefix inside the bucket
}

func DefaultConfig() Config {
	return Config{
		Listen:            ":8090",
		Backend:           embedder.DefaultBackendConfig(),
		Normalize:         true,
		Transform:         embedcfg.DefaultTransform(),
		Selection:         selector.NewParams(),
		GenerateRateLimit: 10,
	}
}

func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	n := 0
	if c.CacheStorage.Filesystem != nil {
		n++
	}
	if c.CacheStorage.GCS != nil {
		n++
	}
	if c.CacheStorage.S3 != nil {
		n++
	}
	if n > 1 {
		return fmt.Errorf("Only one of the cacheStorage options may be configured (filesystem, gcs, or s3)")
	}
	if _, err := c.localCacheBytes(); err != nil {
		return err
	}
	return c.Selection.Validate()
}

// LoadConfig reads a JSON config file. Fields that are absent keep their DefaultConfig values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if cfgB, err := os.ReadFile(configFile); err != nil {
		return nil, err
	} else {
		if err := json.Unmarshal(cfgB, &cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", configFile, err)
	}
	return &cfg, nil
}

func (c *Config) localCacheBytes() (int64, error) {
	if c.LocalCacheSize == "" {
		return 2 * 1024 * 1024 * 1024, nil
	}
	return kibi.Parse(c.LocalCacheSize)
}
