package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	SourceGraph     = "graph"
	SourceDirectory = "directory"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Source          SourceConfig   `mapstructure:"source" validate:"required"`
	Database        DatabaseConfig `mapstructure:"database" validate:"required"`
	Sync            SyncConfig     `mapstructure:"sync"`
	Server          ServerConfig   `mapstructure:"server"`
	Log             LogConfig      `mapstructure:"log"`
	IgnorePatterns  []string       `mapstructure:"ignore_patterns"`
	IncludePatterns []string       `mapstructure:"include_patterns"`
}

// SourceConfig selects where pages are fetched from
type SourceConfig struct {
	Kind      string      `mapstructure:"kind" validate:"required,oneof=graph directory"`
	Directory string      `mapstructure:"directory" validate:"omitempty,dir"`
	Graph     GraphConfig `mapstructure:"graph"`
}

// GraphConfig holds Microsoft Graph settings for the OneNote source
type GraphConfig struct {
	BaseURL      string   `mapstructure:"base_url" validate:"omitempty,url"`
	TokenURL     string   `mapstructure:"token_url" validate:"omitempty,url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RefreshToken string   `mapstructure:"refresh_token"`
	AccessToken  string   `mapstructure:"access_token"`
	Scopes       []string `mapstructure:"scopes"`
	Site         string   `mapstructure:"site"`     // SharePoint site name; empty means personal notebooks
	Notebook     string   `mapstructure:"notebook"` // notebook display name; empty means all
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	Path        string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	URL         string `mapstructure:"url"` // overrides the discrete postgres fields when set
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	Schema      string `mapstructure:"schema"` // Optional: derived from the source name if not specified
	SSLMode     string `mapstructure:"sslmode"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// SyncConfig holds reconciliation behavior settings
type SyncConfig struct {
	Concurrency     int    `mapstructure:"concurrency" validate:"min=1,max=64"`
	IntervalMinutes int    `mapstructure:"interval_minutes" validate:"min=0"`
	RunTimeoutS     int    `mapstructure:"run_timeout_s" validate:"min=0"`
	RetryAttempts   int    `mapstructure:"retry_attempts" validate:"min=0"`
	RetryDelayMs    int    `mapstructure:"retry_delay_ms" validate:"min=0"`
	ChunkSize       int    `mapstructure:"chunk_size" validate:"min=1"`
	ChunkOverlap    int    `mapstructure:"chunk_overlap" validate:"min=0,ltfield=ChunkSize"`
	DebounceMs      int    `mapstructure:"debounce_ms" validate:"min=0"`
	Watch           bool   `mapstructure:"watch"`
	StateDir        string `mapstructure:"state_dir"`
}

// ServerConfig holds HTTP front door settings
type ServerConfig struct {
	Addr   string `mapstructure:"addr" validate:"required"`
	APIKey string `mapstructure:"api_key"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	connStr := d.URL
	if connStr == "" {
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		connStr = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
		)
	}
	// Set search_path to use the configured schema
	if d.Schema != "" {
		sep := "?"
		if strings.Contains(connStr, "?") {
			sep = "&"
		}
		connStr += sep + "search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Kind: SourceGraph,
			Graph: GraphConfig{
				BaseURL:  "https://graph.microsoft.com/v1.0",
				TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
				Scopes:   []string{"Notes.Read.All", "Sites.Read.All", "offline_access"},
			},
		},
		Database: DatabaseConfig{
			Driver:      DriverSQLite,
			Path:        "pagesync.db",
			Port:        5432,
			SSLMode:     "require",
			AutoMigrate: true,
		},
		Sync: SyncConfig{
			Concurrency:     4,
			IntervalMinutes: 0,
			RunTimeoutS:     1800,
			RetryAttempts:   3,
			RetryDelayMs:    1000,
			ChunkSize:       1024,
			ChunkOverlap:    200,
			DebounceMs:      2000,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		IgnorePatterns: []string{
			".git/**",
			"**/.DS_Store",
			"**/Thumbs.db",
			"**/~$*",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("source.kind", defaults.Source.Kind)
	v.SetDefault("source.graph.base_url", defaults.Source.Graph.BaseURL)
	v.SetDefault("source.graph.token_url", defaults.Source.Graph.TokenURL)
	v.SetDefault("source.graph.scopes", defaults.Source.Graph.Scopes)
	v.SetDefault("database.driver", defaults.Database.Driver)
	v.SetDefault("database.path", defaults.Database.Path)
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("database.auto_migrate", defaults.Database.AutoMigrate)
	v.SetDefault("sync.concurrency", defaults.Sync.Concurrency)
	v.SetDefault("sync.interval_minutes", defaults.Sync.IntervalMinutes)
	v.SetDefault("sync.run_timeout_s", defaults.Sync.RunTimeoutS)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay_ms", defaults.Sync.RetryDelayMs)
	v.SetDefault("sync.chunk_size", defaults.Sync.ChunkSize)
	v.SetDefault("sync.chunk_overlap", defaults.Sync.ChunkOverlap)
	v.SetDefault("sync.debounce_ms", defaults.Sync.DebounceMs)
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("ignore_patterns", defaults.IgnorePatterns)

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("PAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in secrets
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Database.URL = os.ExpandEnv(cfg.Database.URL)
	cfg.Source.Graph.ClientSecret = os.ExpandEnv(cfg.Source.Graph.ClientSecret)
	cfg.Source.Graph.RefreshToken = os.ExpandEnv(cfg.Source.Graph.RefreshToken)
	cfg.Source.Graph.AccessToken = os.ExpandEnv(cfg.Source.Graph.AccessToken)
	cfg.Server.APIKey = os.ExpandEnv(cfg.Server.APIKey)

	// Expand paths
	cfg.Source.Directory = expandPath(cfg.Source.Directory)
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Sync.StateDir = expandPath(cfg.Sync.StateDir)
	cfg.Log.File = expandPath(cfg.Log.File)

	// Derive schema name from the source if not specified
	if cfg.Database.Schema == "" && cfg.Database.Driver == DriverPostgres {
		cfg.Database.Schema = SanitizeIdentifier(cfg.SourceName())
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field rules and the cross-field rules tags cannot express
func Validate(cfg *Config) error {
	validate := validator.New()

	// Register custom validation for directory existence
	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Source.Kind == SourceDirectory && cfg.Source.Directory == "" {
		return errors.New("config validation failed: directory source needs source.directory")
	}

	if cfg.Source.Kind == SourceGraph {
		g := cfg.Source.Graph
		if g.AccessToken == "" && (g.ClientID == "" || g.RefreshToken == "") {
			return errors.New("config validation failed: graph source needs access_token or client_id and refresh_token")
		}
	}

	if cfg.Database.Driver == DriverPostgres && cfg.Database.URL == "" {
		d := cfg.Database
		if d.Host == "" || d.User == "" || d.Database == "" {
			return errors.New("config validation failed: postgres needs url or host, user and database")
		}
	}

	return nil
}

// SourceName is a human readable name for the configured source, used for
// schema and state file naming.
func (c *Config) SourceName() string {
	if c.Source.Kind == SourceDirectory {
		return filepath.Base(filepath.Clean(c.Source.Directory))
	}
	name := c.Source.Graph.Notebook
	if name == "" {
		name = c.Source.Graph.Site
	}
	return name
}

// StateDir returns the directory for run state, honouring sync.state_dir
func (c *Config) StateDir() (string, error) {
	if c.Sync.StateDir != "" {
		if err := os.MkdirAll(c.Sync.StateDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create state directory: %w", err)
		}
		return c.Sync.StateDir, nil
	}
	return GetStateDir()
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "pagesync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "pagesync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "pagesync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "pagesync")
	}
}

// ConfigDir returns the directory searched for config.yaml
func ConfigDir() string {
	return getConfigDir()
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderbars = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts a notebook or directory name into a valid
// PostgreSQL schema name.
// Rules:
// - Lowercase only
// - Starts with letter or underscore
// - Contains only letters, digits, underscores
// - Spaces and hyphens become underscores
// - Max 63 characters (PostgreSQL limit)
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)

	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")

	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderbars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	// Ensure it starts with a letter
	if len(name) == 0 {
		name = "pagesync"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "pagesync_" + name
	}

	if len(name) > 63 {
		name = name[:63]
		// Make sure we don't end with underscore after truncation
		name = strings.TrimRight(name, "_")
	}

	return name
}
