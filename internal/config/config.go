// Package config provides the configuration record for the marshall
// ingestion tools. A Config is built once per process (defaults, then file,
// then environment, then flags) and handed by pointer to every component.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for all marshall components.
type Config struct {
	// DataDir is the base directory for local state (SQLite database, archive)
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Crossmatch (identity resolver) configuration
	Crossmatch CrossmatchConfig `json:"crossmatch" yaml:"crossmatch"`

	// Summaries (aggregator) configuration
	Summaries SummariesConfig `json:"summaries" yaml:"summaries"`

	// Feeders maps a survey name to its download settings
	Feeders map[string]FeederConfig `json:"feeders" yaml:"feeders"`

	// DefaultWithinLastDays bounds feeder imports when no day count is given
	DefaultWithinLastDays int `json:"default_within_last_days" yaml:"default_within_last_days"`

	// Archive configuration for raw feeder payloads
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// DatabaseConfig holds marshall database settings.
type DatabaseConfig struct {
	// Driver is sqlite3 or mysql
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the driver data source name; for sqlite3 a file path
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxOpenConns caps the connection pool
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// QueryTimeout bounds each resolver phase and cone search
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// CrossmatchConfig holds identity resolver settings.
type CrossmatchConfig struct {
	// RadiusArcsec is the cone search radius used to match staged detections
	// against master rows
	RadiusArcsec float64 `json:"radius_arcsec" yaml:"radius_arcsec"`

	// BatchSize is the number of candidates per cone search call
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ZoneHeightDeg is the declination zone height of the spatial index
	ZoneHeightDeg float64 `json:"zone_height_deg" yaml:"zone_height_deg"`
}

// SummariesConfig holds summary aggregator settings.
type SummariesConfig struct {
	// BatchCap is the most summaries recomputed per pass
	BatchCap int `json:"batch_cap" yaml:"batch_cap"`

	// MinRedshift is the lowest redshift converted to a distance
	MinRedshift float64 `json:"min_redshift" yaml:"min_redshift"`

	// H0 is the Hubble constant in km/s/Mpc
	H0 float64 `json:"h0" yaml:"h0"`

	// OmegaM is the matter density parameter
	OmegaM float64 `json:"omega_m" yaml:"omega_m"`

	// OmegaLambda is the vacuum energy density parameter
	OmegaLambda float64 `json:"omega_lambda" yaml:"omega_lambda"`
}

// FeederConfig holds download settings for one feeder survey.
type FeederConfig struct {
	// URLs are the CSV endpoints, fetched in order
	URLs []string `json:"urls" yaml:"urls"`

	// ForcedPhotURLs are forced photometry endpoints (ATLAS only)
	ForcedPhotURLs []string `json:"forced_phot_urls" yaml:"forced_phot_urls"`

	// PhotometryURLs and SpectraURLs are the TNS photometry and
	// classification report exports
	PhotometryURLs []string `json:"photometry_urls" yaml:"photometry_urls"`
	SpectraURLs    []string `json:"spectra_urls" yaml:"spectra_urls"`

	// Username and Password enable HTTP basic auth when set
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// Delimiter is the CSV field separator (default "|")
	Delimiter string `json:"delimiter" yaml:"delimiter"`
}

// ArchiveConfig holds settings for archiving raw feeder payloads.
type ArchiveConfig struct {
	// Enabled turns archiving on
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive directory (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// Textfile is where run counters are written for the node exporter
	// textfile collector; empty disables the export
	Textfile string `json:"textfile" yaml:"textfile"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is console or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/marshall",
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			DSN:          "",
			MaxOpenConns: 4,
			QueryTimeout: 5 * time.Minute,
		},
		Crossmatch: CrossmatchConfig{
			RadiusArcsec:  3.5,
			BatchSize:     200,
			ZoneHeightDeg: 0.05,
		},
		Summaries: SummariesConfig{
			BatchCap:    1000,
			MinRedshift: 0.001,
			H0:          70.0,
			OmegaM:      0.3,
			OmegaLambda: 0.7,
		},
		Feeders:               map[string]FeederConfig{},
		DefaultWithinLastDays: 30,
		Archive: ArchiveConfig{
			Enabled: false,
			Type:    "local",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/marshall"
	}

	if c.Database.Driver == "sqlite3" && c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(c.DataDir, "marshall.db")
	}

	if c.Archive.Type == "local" && c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}

	for survey, fc := range c.Feeders {
		if fc.Delimiter == "" {
			fc.Delimiter = "|"
			c.Feeders[survey] = fc
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Database.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or mysql)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be positive, got %s", c.Database.QueryTimeout)
	}

	if c.Crossmatch.RadiusArcsec <= 0 || c.Crossmatch.RadiusArcsec > 60 {
		return fmt.Errorf("crossmatch.radius_arcsec must be in (0, 60], got %g", c.Crossmatch.RadiusArcsec)
	}
	if c.Crossmatch.BatchSize < 1 {
		return fmt.Errorf("crossmatch.batch_size must be at least 1, got %d", c.Crossmatch.BatchSize)
	}
	if c.Crossmatch.ZoneHeightDeg <= 0 || c.Crossmatch.ZoneHeightDeg > 10 {
		return fmt.Errorf("crossmatch.zone_height_deg must be in (0, 10], got %g", c.Crossmatch.ZoneHeightDeg)
	}
	if c.Crossmatch.ZoneHeightDeg*3600 < c.Crossmatch.RadiusArcsec {
		return fmt.Errorf("crossmatch.zone_height_deg (%g) must not be smaller than the search radius", c.Crossmatch.ZoneHeightDeg)
	}

	if c.Summaries.BatchCap < 1 {
		return fmt.Errorf("summaries.batch_cap must be at least 1, got %d", c.Summaries.BatchCap)
	}
	if c.Summaries.H0 <= 0 {
		return fmt.Errorf("summaries.h0 must be positive, got %g", c.Summaries.H0)
	}
	if c.Summaries.OmegaM < 0 || c.Summaries.OmegaLambda < 0 {
		return fmt.Errorf("summaries density parameters must be non-negative")
	}

	if c.DefaultWithinLastDays < 1 {
		return fmt.Errorf("default_within_last_days must be at least 1, got %d", c.DefaultWithinLastDays)
	}

	if c.Archive.Enabled {
		if c.Archive.Type != "local" && c.Archive.Type != "s3" {
			return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s (must be console or json)", c.Logging.Format)
	}

	return nil
}

// Feeder returns the settings of a survey.
func (c *Config) Feeder(survey string) (FeederConfig, bool) {
	fc, ok := c.Feeders[strings.ToLower(survey)]
	return fc, ok
}

// Surveys returns the configured survey names, sorted.
func (c *Config) Surveys() []string {
	names := make([]string, 0, len(c.Feeders))
	for name := range c.Feeders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	// survey names are matched case-insensitively
	feeders := make(map[string]FeederConfig, len(cfg.Feeders))
	for name, fc := range cfg.Feeders {
		feeders[strings.ToLower(name)] = fc
	}
	cfg.Feeders = feeders

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the MARSHALL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MARSHALL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("MARSHALL_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MARSHALL_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MARSHALL_DB_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.QueryTimeout = d
		}
	}

	// Crossmatch configuration
	if v := os.Getenv("MARSHALL_CROSSMATCH_RADIUS_ARCSEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Crossmatch.RadiusArcsec = f
		}
	}
	if v := os.Getenv("MARSHALL_CROSSMATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Crossmatch.BatchSize = n
		}
	}

	// Summaries configuration
	if v := os.Getenv("MARSHALL_SUMMARIES_BATCH_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Summaries.BatchCap = n
		}
	}

	// Archive configuration
	if v := os.Getenv("MARSHALL_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("MARSHALL_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("MARSHALL_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("MARSHALL_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("MARSHALL_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}

	if v := os.Getenv("MARSHALL_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	if v := os.Getenv("MARSHALL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MARSHALL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Database.Driver == "sqlite3" {
		dirs = append(dirs, filepath.Dir(c.Database.DSN))
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
