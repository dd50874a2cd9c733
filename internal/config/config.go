package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendDir      = "dir"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Corruption policies applied when a scan meets an empty or undecodable record.
const (
	CorruptionAbort = "abort"
	CorruptionSkip  = "skip"
)

// Matcher implementations.
const (
	MatcherLinear = "linear"
	MatcherHNSW   = "hnsw"
)

type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Database    DatabaseConfig    `yaml:"database"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Web         WebConfig         `yaml:"web"`
	Log         LogConfig         `yaml:"log"`
}

type StoreConfig struct {
	Backend            string `yaml:"backend"`              // dir, sqlite or postgres (default dir)
	Dir                string `yaml:"dir"`                  // embedding directory for the dir backend (default db)
	SQLitePath         string `yaml:"sqlite_path"`          // database file for the sqlite backend
	BatchDir           string `yaml:"batch_dir"`            // images picked up by batch registration (default batch)
	KeepReferenceImage bool   `yaml:"keep_reference_image"` // copy the registration image next to the embedding
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`            // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"` // Maximum open connections (default 25)
	MaxIdleConns int    `yaml:"max_idle_conns"` // Maximum idle connections (default 5)
}

type LedgerConfig struct {
	AttendanceDir   string `yaml:"attendance_dir"`   // default logs
	ConfirmationDir string `yaml:"confirmation_dir"` // default confirmation
	Direction       string `yaml:"direction"`        // direction column written with each attendance line (default IN)
}

type EmbeddingConfig struct {
	URL          string `yaml:"url"`            // defaults to http://localhost:8000
	Dim          int    `yaml:"dim"`            // expected face embedding dimension (default 128)
	MaxImageSize int    `yaml:"max_image_size"` // longest image side sent to the server (default 1920)
}

type RecognitionConfig struct {
	Tolerance         float64       `yaml:"tolerance"`           // default 0.6
	CorruptionPolicy  string        `yaml:"corruption_policy"`   // abort or skip (default abort)
	Matcher           string        `yaml:"matcher"`             // linear or hnsw (default linear)
	CompareAllVectors bool          `yaml:"compare_all_vectors"` // compare every stored vector of a label, not only the first
	Workers           int           `yaml:"workers"`             // extraction/matching worker pool size (default 4)
	ExtractionTimeout time.Duration `yaml:"extraction_timeout"`  // default 30s
}

type WebConfig struct {
	Host           string   `yaml:"host"`            // default 0.0.0.0
	Port           int      `yaml:"port"`            // default 5001
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost, "*" for any
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default info)
	Format string `yaml:"format"` // text or json (default text)
}

// Default returns the configuration used when neither a file nor environment sets a value.
// Directory names follow the layout the service has always used on disk.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    BackendDir,
			Dir:        "db",
			SQLitePath: "db/embeddings.sqlite",
			BatchDir:   "batch",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Ledger: LedgerConfig{
			AttendanceDir:   "logs",
			ConfirmationDir: "confirmation",
			Direction:       "IN",
		},
		Embedding: EmbeddingConfig{
			URL:          "http://localhost:8000",
			Dim:          128,
			MaxImageSize: 1920,
		},
		Recognition: RecognitionConfig{
			Tolerance:         0.6,
			CorruptionPolicy:  CorruptionAbort,
			Matcher:           MatcherLinear,
			Workers:           4,
			ExtractionTimeout: 30 * time.Second,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 5001,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// LoadFile reads a YAML config file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted flag
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the configuration from an optional YAML file and the environment.
// Environment variables win over the file, the file wins over the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FACE_ATTENDANCE_CONFIG")
	}

	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Backend = envString("STORE_BACKEND", c.Store.Backend)
	c.Store.Dir = envString("STORE_DIR", c.Store.Dir)
	c.Store.SQLitePath = envString("STORE_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.BatchDir = envString("STORE_BATCH_DIR", c.Store.BatchDir)
	c.Store.KeepReferenceImage = envBool("STORE_KEEP_REFERENCE_IMAGE", c.Store.KeepReferenceImage)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Ledger.AttendanceDir = envString("ATTENDANCE_LOG_DIR", c.Ledger.AttendanceDir)
	c.Ledger.ConfirmationDir = envString("CONFIRMATION_LOG_DIR", c.Ledger.ConfirmationDir)
	c.Ledger.Direction = envString("ATTENDANCE_DIRECTION", c.Ledger.Direction)

	c.Embedding.URL = envString("EMBEDDING_URL", c.Embedding.URL)
	c.Embedding.Dim = envInt("EMBEDDING_DIM", c.Embedding.Dim)
	c.Embedding.MaxImageSize = envInt("EMBEDDING_MAX_IMAGE_SIZE", c.Embedding.MaxImageSize)

	c.Recognition.Tolerance = envFloat("RECOGNITION_TOLERANCE", c.Recognition.Tolerance)
	c.Recognition.CorruptionPolicy = envString("RECOGNITION_CORRUPTION_POLICY", c.Recognition.CorruptionPolicy)
	c.Recognition.Matcher = envString("RECOGNITION_MATCHER", c.Recognition.Matcher)
	c.Recognition.CompareAllVectors = envBool("RECOGNITION_COMPARE_ALL_VECTORS", c.Recognition.CompareAllVectors)
	c.Recognition.Workers = envInt("RECOGNITION_WORKERS", c.Recognition.Workers)
	c.Recognition.ExtractionTimeout = envDuration("RECOGNITION_EXTRACTION_TIMEOUT", c.Recognition.ExtractionTimeout)

	c.Web.Host = envString("WEB_HOST", c.Web.Host)
	c.Web.Port = envInt("WEB_PORT", c.Web.Port)
	if s := os.Getenv("WEB_ALLOWED_ORIGINS"); s != "" {
		c.Web.AllowedOrigins = strings.Split(s, ",")
	}

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

// Validate checks that enumerated settings hold known values and numbers are in range.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendDir, BackendSQLite:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Recognition.Tolerance <= 0 || c.Recognition.Tolerance > 1 {
		errs = append(errs, fmt.Errorf("tolerance must be in (0,1], got %v", c.Recognition.Tolerance))
	}
	switch c.Recognition.CorruptionPolicy {
	case CorruptionAbort, CorruptionSkip:
	default:
		errs = append(errs, fmt.Errorf("unknown corruption policy %q", c.Recognition.CorruptionPolicy))
	}
	switch c.Recognition.Matcher {
	case MatcherLinear, MatcherHNSW:
	default:
		errs = append(errs, fmt.Errorf("unknown matcher %q", c.Recognition.Matcher))
	}
	if c.Recognition.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Recognition.Workers))
	}
	if c.Recognition.ExtractionTimeout <= 0 {
		errs = append(errs, errors.New("extraction timeout must be positive"))
	}

	return errors.Join(errs...)
}

// EnsureDirs creates the working directories the service writes to.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.Store.BatchDir, c.Ledger.AttendanceDir, c.Ledger.ConfirmationDir}
	if c.Store.Backend == BackendDir {
		dirs = append(dirs, c.Store.Dir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// NewLogger builds the process logger from the log settings and installs it as the default.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}

	var handler slog.Handler
	switch strings.ToLower(c.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
