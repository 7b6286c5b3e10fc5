// Package config handles configuration loading for the OWT server and CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/obs2co/owt-server/internal/logging"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
)

// Config represents the server configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Data           DataConfig           `yaml:"data"`
	Classification ClassificationConfig `yaml:"classification"`
	Cache          CacheConfig          `yaml:"cache"`
	Render         RenderConfig         `yaml:"render"`
	Jobs           JobsConfig           `yaml:"jobs"`
	Log            logging.Config       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig contains product and output locations.
type DataConfig struct {
	// InputRoot bounds the products a run may read. Relative inputs resolve against it.
	InputRoot  string `yaml:"input_root"`
	OutputDir  string `yaml:"output_dir"`
	RunsDBPath string `yaml:"runs_db_path"`
}

// ClassificationConfig contains pipeline settings.
type ClassificationConfig struct {
	WavelengthMin     float64                   `yaml:"wavelength_min"`
	WavelengthMax     float64                   `yaml:"wavelength_max"`
	TileEdge          int                       `yaml:"tile_edge"`
	Workers           int                       `yaml:"workers"`
	ParallelDatabases bool                      `yaml:"parallel_databases"`
	Databases         []pipeline.DatabaseConfig `yaml:"databases"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	LibraryEntries int `yaml:"library_entries"`
	ResultEntries  int `yaml:"result_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize      int    `yaml:"tile_size"`
	ScoreColormap string `yaml:"score_colormap"`
}

// JobsConfig contains background run settings.
type JobsConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	QueueSize      int `yaml:"queue_size"`
	RetentionHours int `yaml:"retention_hours"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			InputRoot:  "./data/l2a",
			OutputDir:  "./data/l2b",
			RunsDBPath: "./data/runs.sqlite",
		},
		Classification: ClassificationConfig{
			WavelengthMin: pipeline.DefaultWavelengthMin,
			WavelengthMax: pipeline.DefaultWavelengthMax,
			TileEdge:      1024,
			Workers:       8,
			Databases: []pipeline.DatabaseConfig{
				{Name: "Spyrakos2018", Variant: reference.VariantNormalized, Suffix: ""},
			},
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			LibraryEntries: 32,
			ResultEntries:  4,
		},
		Render: RenderConfig{
			TileSize:      256,
			ScoreColormap: "viridis",
		},
		Jobs: JobsConfig{
			MaxConcurrent:  1,
			QueueSize:      64,
			RetentionHours: 72,
		},
		Log: logging.Config{
			Level:    "info",
			Encoding: "json",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.InputRoot == "" {
		cfg.Data.InputRoot = defaults.Data.InputRoot
	}
	if cfg.Data.OutputDir == "" {
		cfg.Data.OutputDir = defaults.Data.OutputDir
	}
	if cfg.Data.RunsDBPath == "" {
		cfg.Data.RunsDBPath = defaults.Data.RunsDBPath
	}
	if cfg.Classification.WavelengthMin == 0 && cfg.Classification.WavelengthMax == 0 {
		cfg.Classification.WavelengthMin = defaults.Classification.WavelengthMin
		cfg.Classification.WavelengthMax = defaults.Classification.WavelengthMax
	}
	if cfg.Classification.TileEdge == 0 {
		cfg.Classification.TileEdge = defaults.Classification.TileEdge
	}
	if cfg.Classification.Workers == 0 {
		cfg.Classification.Workers = defaults.Classification.Workers
	}
	if len(cfg.Classification.Databases) == 0 {
		cfg.Classification.Databases = defaults.Classification.Databases
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.LibraryEntries == 0 {
		cfg.Cache.LibraryEntries = defaults.Cache.LibraryEntries
	}
	if cfg.Cache.ResultEntries == 0 {
		cfg.Cache.ResultEntries = defaults.Cache.ResultEntries
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.ScoreColormap == "" {
		cfg.Render.ScoreColormap = defaults.Render.ScoreColormap
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.RetentionHours == 0 {
		cfg.Jobs.RetentionHours = defaults.Jobs.RetentionHours
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = defaults.Log.Encoding
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	cl := c.Classification
	if cl.WavelengthMin > cl.WavelengthMax {
		return fmt.Errorf("classification: wavelength_min %g > wavelength_max %g", cl.WavelengthMin, cl.WavelengthMax)
	}
	if cl.TileEdge < 0 {
		return fmt.Errorf("classification: tile_edge must be positive, got %d", cl.TileEdge)
	}
	if cl.Workers < 0 {
		return fmt.Errorf("classification: workers must be positive, got %d", cl.Workers)
	}
	seen := make(map[string]bool, len(cl.Databases))
	for _, db := range cl.Databases {
		cat, ok := reference.Lookup(db.Name)
		if !ok {
			return fmt.Errorf("classification: unknown database %q", db.Name)
		}
		if db.Variant != "" {
			supported := false
			for _, v := range cat.Variants {
				supported = supported || v == db.Variant
			}
			if !supported {
				return fmt.Errorf("classification: %s does not provide variant %q", db.Name, db.Variant)
			}
		}
		if seen[db.Suffix] {
			return fmt.Errorf("classification: duplicate suffix %q", db.Suffix)
		}
		seen[db.Suffix] = true
	}
	switch c.Render.ScoreColormap {
	case "viridis", "magma":
	default:
		return fmt.Errorf("render: unknown score_colormap %q", c.Render.ScoreColormap)
	}
	return nil
}
