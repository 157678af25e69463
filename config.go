package promptmeta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the extraction engine.
type Config struct {
	// DBPath is the full path to the SQLite history database.
	// If empty, defaults to ~/.promptmeta/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "promptmeta".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.promptmeta/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// History records every successful extraction in the database.
	// When false no database is opened and history operations fail with
	// ErrHistoryDisabled.
	History bool `json:"history" yaml:"history"`

	// VectorDim is the length of the hashed prompt vectors used for
	// similarity search. Changing it requires a fresh database.
	VectorDim int `json:"vector_dim" yaml:"vector_dim"`

	// MaxImageBytes rejects larger images before decoding.
	MaxImageBytes int64 `json:"max_image_bytes" yaml:"max_image_bytes"`

	// ScanConcurrency bounds parallel extractions during a directory scan.
	ScanConcurrency int `json:"scan_concurrency" yaml:"scan_concurrency"`

	// Search weights for RRF
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`

	Server ServerConfig `json:"server" yaml:"server"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr"`
	APIKey      string   `json:"api_key" yaml:"api_key"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// DefaultConfig returns a Config with sensible defaults.
// Database is stored in ~/.promptmeta/promptmeta.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:          "promptmeta",
		StorageDir:      "home",
		History:         true,
		VectorDim:       256,
		MaxImageBytes:   32 << 20,
		ScanConcurrency: 8,
		WeightFTS:       1.0,
		WeightVector:    0.5,
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadConfig reads a JSON or YAML file (chosen by extension) on top of
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("%w: unknown config extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PROMPTMETA_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PROMPTMETA_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PROMPTMETA_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("PROMPTMETA_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}
	if v := os.Getenv("PROMPTMETA_HISTORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: PROMPTMETA_HISTORY=%q", ErrInvalidConfig, v)
		}
		c.History = b
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.VectorDim <= 0:
		return fmt.Errorf("%w: vector_dim must be positive, got %d", ErrInvalidConfig, c.VectorDim)
	case c.MaxImageBytes <= 0:
		return fmt.Errorf("%w: max_image_bytes must be positive, got %d", ErrInvalidConfig, c.MaxImageBytes)
	case c.ScanConcurrency < 0:
		return fmt.Errorf("%w: scan_concurrency must not be negative", ErrInvalidConfig)
	case c.WeightFTS < 0 || c.WeightVector < 0:
		return fmt.Errorf("%w: search weights must not be negative", ErrInvalidConfig)
	}
	switch c.StorageDir {
	case "", "home", "local", "cwd":
	default:
		return fmt.Errorf("%w: storage_dir %q", ErrInvalidConfig, c.StorageDir)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "promptmeta"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".promptmeta", name+".db")
	}
}
