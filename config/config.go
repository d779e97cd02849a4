package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DataPaths holds all data directory and file path configuration
// These paths can be overridden via environment variables
type DataPaths struct {
	// DataDir is the base data directory (RULEBOX_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (RULEBOX_SQLITE_PATH, default: ${DataDir}/rulebox.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// ScratchDir is the runtime scratch root for scan jobs and archive extraction
	// (RULEBOX_SCRATCH_DIR, default: ${DataDir}/runtime)
	ScratchDir string `mapstructure:"scratch_dir"`
}

// StorageConfig selects and configures the rule store backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// MaxOpenConns applies to the Postgres pool only; SQLite uses a single writer.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=1"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	TLS       bool   `mapstructure:"tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	RateLimit struct {
		RequestsPerSecond int `mapstructure:"requests_per_second" validate:"gte=0"`
		Burst             int `mapstructure:"burst" validate:"gte=0"`
	} `mapstructure:"rate_limit"`
	// TrustProxy enables X-Forwarded-For handling for requests from TrustedNetworks.
	TrustProxy      bool     `mapstructure:"trust_proxy"`
	TrustedNetworks []string `mapstructure:"trusted_networks"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	// ReadTimeout bounds request body upload; scans have their own engine timeouts.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig enables optional HTTP basic auth in front of the API.
type AuthConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	HashedPassword string `mapstructure:"hashed_password"`
	BcryptCost     int    `mapstructure:"bcrypt_cost"`
}

// IngestConfig holds rule ingestion limits.
type IngestConfig struct {
	MaxFileBytes    int64 `mapstructure:"max_file_bytes" validate:"gt=0"`
	MaxArchiveBytes int64 `mapstructure:"max_archive_bytes" validate:"gt=0"`
	// MaxArchiveUncompressedBytes caps the bytes read from all members of one archive
	MaxArchiveUncompressedBytes int64  `mapstructure:"max_archive_uncompressed_bytes" validate:"gt=0"`
	MaxArchiveEntries           int    `mapstructure:"max_archive_entries" validate:"gt=0"`
	DiagnosticLimit             int    `mapstructure:"diagnostic_limit" validate:"gt=0"`
	NameSampleLimit             int    `mapstructure:"name_sample_limit" validate:"gt=0"`
	DefaultSourceName           string `mapstructure:"default_source_name" validate:"required"`
}

// YARAConfig configures the byte-pattern family.
type YARAConfig struct {
	Extensions     []string      `mapstructure:"extensions" validate:"min=1"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout" validate:"gt=0"`
	MaxSampleBytes int64         `mapstructure:"max_sample_bytes" validate:"gt=0"`
}

// SigmaEngineConfig describes the external log-detection engine process.
type SigmaEngineConfig struct {
	// Command is the executable, e.g. "python3".
	Command string `mapstructure:"command" validate:"required"`
	// Args precede the -r/-e/-o arguments, e.g. ["zircolite.py"].
	Args       []string `mapstructure:"args"`
	WorkDir    string   `mapstructure:"work_dir"`
	OutputTail int      `mapstructure:"output_tail" validate:"gt=0"`
}

// SigmaConfig configures the log-event family.
type SigmaConfig struct {
	Extensions       []string          `mapstructure:"extensions" validate:"min=1"`
	SampleExtensions []string          `mapstructure:"sample_extensions" validate:"min=1"`
	ScanTimeout      time.Duration     `mapstructure:"scan_timeout" validate:"gt=0"`
	MaxSampleBytes   int64             `mapstructure:"max_sample_bytes" validate:"gt=0"`
	MaxHitEvents     int               `mapstructure:"max_hit_events" validate:"gt=0"`
	RequireDetection bool              `mapstructure:"require_detection"`
	Engine           SigmaEngineConfig `mapstructure:"engine"`
}

// Config holds all configuration for the rulebox service
type Config struct {
	// DataPaths holds all data directory configuration
	DataPaths DataPaths `mapstructure:"data_paths"`

	Logging struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"logging"`

	Storage StorageConfig `mapstructure:"storage"`
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	YARA    YARAConfig    `mapstructure:"yara"`
	Sigma   SigmaConfig   `mapstructure:"sigma"`
}

func setDefaults() {
	// Base directory - all other paths derive from this by default
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	viper.SetDefault("data_paths.scratch_dir", "") // Empty = derive from data_dir

	viper.SetDefault("logging.level", "info")

	viper.SetDefault("storage.driver", DriverSQLite)
	viper.SetDefault("storage.postgres_dsn", "")
	viper.SetDefault("storage.max_open_conns", 10)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.rate_limit.requests_per_second", 20)
	viper.SetDefault("api.rate_limit.burst", 40)
	viper.SetDefault("api.trust_proxy", false)
	viper.SetDefault("api.trusted_networks", []string{})
	viper.SetDefault("api.allowed_origins", []string{})
	viper.SetDefault("api.read_timeout", "2m")
	viper.SetDefault("api.write_timeout", "5m")

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.username", "admin")
	viper.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)

	viper.SetDefault("ingest.max_file_bytes", 20*1024*1024)
	viper.SetDefault("ingest.max_archive_bytes", 80*1024*1024)
	viper.SetDefault("ingest.max_archive_uncompressed_bytes", 80*1024*1024)
	viper.SetDefault("ingest.max_archive_entries", 500)
	viper.SetDefault("ingest.diagnostic_limit", 2000)
	viper.SetDefault("ingest.name_sample_limit", 50)
	viper.SetDefault("ingest.default_source_name", "manual-upload")

	viper.SetDefault("yara.extensions", []string{".yar", ".yara"})
	viper.SetDefault("yara.scan_timeout", "10s")
	viper.SetDefault("yara.max_sample_bytes", 50*1024*1024)

	viper.SetDefault("sigma.extensions", []string{".yml", ".yaml"})
	viper.SetDefault("sigma.sample_extensions", []string{".evtx"})
	viper.SetDefault("sigma.scan_timeout", "180s")
	viper.SetDefault("sigma.max_sample_bytes", 80*1024*1024)
	viper.SetDefault("sigma.max_hit_events", 2000)
	viper.SetDefault("sigma.require_detection", false)
	viper.SetDefault("sigma.engine.command", "python3")
	viper.SetDefault("sigma.engine.args", []string{"zircolite.py"})
	viper.SetDefault("sigma.engine.work_dir", "./third_party/zircolite")
	viper.SetDefault("sigma.engine.output_tail", 2000)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("RULEBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicit environment variable bindings for path settings
	_ = viper.BindEnv("data_paths.data_dir", "RULEBOX_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "RULEBOX_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.scratch_dir", "RULEBOX_SCRATCH_DIR")
	_ = viper.BindEnv("storage.postgres_dsn", "RULEBOX_POSTGRES_DSN")
}

// hashPassword replaces a plain auth password with its bcrypt hash
func hashPassword(config *Config) error {
	if config.Auth.Password == "" {
		return nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(config.Auth.Password), config.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	config.Auth.HashedPassword = string(hashed)
	config.Auth.Password = "" // clear plain password
	return nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile loads configuration from an explicit file path, or from the
// default search path when path is empty.
func LoadConfigFile(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := hashPassword(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Resolve data paths (derive from data_dir if not explicitly set)
	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir if not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "rulebox.db")
	} else if c.DataPaths.SQLitePath != ":memory:" && !filepath.IsAbs(c.DataPaths.SQLitePath) {
		// Relative to the current directory, not data_dir
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.ScratchDir == "" {
		c.DataPaths.ScratchDir = filepath.Join(dataDir, "runtime")
	} else if !filepath.IsAbs(c.DataPaths.ScratchDir) {
		c.DataPaths.ScratchDir = filepath.Clean(c.DataPaths.ScratchDir)
	}

	c.DataPaths.DataDir = dataDir
}

// GetDataDir returns the resolved base data directory
func (c *Config) GetDataDir() string {
	if c.DataPaths.DataDir == "" {
		return "./data"
	}
	return c.DataPaths.DataDir
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.GetDataDir(), "rulebox.db")
	}
	return c.DataPaths.SQLitePath
}

// GetScratchDir returns the resolved runtime scratch root
func (c *Config) GetScratchDir() string {
	if c.DataPaths.ScratchDir == "" {
		return filepath.Join(c.GetDataDir(), "runtime")
	}
	return c.DataPaths.ScratchDir
}

var validate = validator.New()

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q constraint (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if config.Storage.Driver == DriverPostgres && config.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required when storage.driver is %q", DriverPostgres)
	}

	if config.Ingest.MaxArchiveBytes < config.Ingest.MaxFileBytes {
		return fmt.Errorf("ingest.max_archive_bytes (%d) must be >= ingest.max_file_bytes (%d)",
			config.Ingest.MaxArchiveBytes, config.Ingest.MaxFileBytes)
	}
	if config.Ingest.MaxArchiveUncompressedBytes < config.Ingest.MaxFileBytes {
		return fmt.Errorf("ingest.max_archive_uncompressed_bytes (%d) must be >= ingest.max_file_bytes (%d)",
			config.Ingest.MaxArchiveUncompressedBytes, config.Ingest.MaxFileBytes)
	}

	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when api.tls is enabled")
	}

	if config.Auth.Enabled {
		if config.Auth.Username == "" {
			return fmt.Errorf("auth.username cannot be empty when auth is enabled")
		}
		if config.Auth.HashedPassword == "" {
			return fmt.Errorf("auth.password or auth.hashed_password is required when auth is enabled")
		}
	}
	if config.Auth.BcryptCost != 0 && (config.Auth.BcryptCost < bcrypt.MinCost || config.Auth.BcryptCost > bcrypt.MaxCost) {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	for _, exts := range []struct {
		name string
		list []string
	}{
		{"yara.extensions", config.YARA.Extensions},
		{"sigma.extensions", config.Sigma.Extensions},
		{"sigma.sample_extensions", config.Sigma.SampleExtensions},
	} {
		for _, ext := range exts.list {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("invalid %s entry %q: must start with '.'", exts.name, ext)
			}
		}
	}

	return nil
}

// Default returns a configuration populated with the built-in defaults,
// without reading files or the environment.
func Default() *Config {
	return &Config{
		DataPaths: DataPaths{DataDir: "./data"},
		Logging: struct {
			Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
		}{Level: "info"},
		Storage: StorageConfig{Driver: DriverSQLite, MaxOpenConns: 10},
		API: APIConfig{
			Host: "0.0.0.0", Port: 8080,
			CertFile: "server.crt", KeyFile: "server.key",
			RateLimit: struct {
				RequestsPerSecond int `mapstructure:"requests_per_second" validate:"gte=0"`
				Burst             int `mapstructure:"burst" validate:"gte=0"`
			}{RequestsPerSecond: 20, Burst: 40},
			ReadTimeout:  2 * time.Minute,
			WriteTimeout: 5 * time.Minute,
		},
		Auth: AuthConfig{Username: "admin", BcryptCost: bcrypt.DefaultCost},
		Ingest: IngestConfig{
			MaxFileBytes:                20 * 1024 * 1024,
			MaxArchiveBytes:             80 * 1024 * 1024,
			MaxArchiveUncompressedBytes: 80 * 1024 * 1024,
			MaxArchiveEntries:           500,
			DiagnosticLimit:             2000,
			NameSampleLimit:             50,
			DefaultSourceName:           "manual-upload",
		},
		YARA: YARAConfig{
			Extensions:     []string{".yar", ".yara"},
			ScanTimeout:    10 * time.Second,
			MaxSampleBytes: 50 * 1024 * 1024,
		},
		Sigma: SigmaConfig{
			Extensions:       []string{".yml", ".yaml"},
			SampleExtensions: []string{".evtx"},
			ScanTimeout:      180 * time.Second,
			MaxSampleBytes:   80 * 1024 * 1024,
			MaxHitEvents:     2000,
			Engine: SigmaEngineConfig{
				Command:    "python3",
				Args:       []string{"zircolite.py"},
				WorkDir:    "./third_party/zircolite",
				OutputTail: 2000,
			},
		},
	}
}
