package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/trendsync/internal/content"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Provider page size cap for hashtag media listings.
const MaxPageSize = 20

type Config struct {
	EnvFile   string     `yaml:"env_file"`
	Database  Database   `yaml:"database"`
	Search    Search     `yaml:"search"`
	Sync      Sync       `yaml:"sync"`
	Platforms []Platform `yaml:"platforms"`
	Server    Server     `yaml:"server"`
	Logging   Logging    `yaml:"logging"`
	Output    Output     `yaml:"output"`
}

type Database struct {
	// DSN is a SQLite file path or a postgres:// URL. Empty means
	// trendsync.db in the data directory.
	DSN string `yaml:"dsn"`
}

type Search struct {
	Enabled            bool     `yaml:"enabled"`
	Addresses          []string `yaml:"addresses"`
	Index              string   `yaml:"index"`
	UsernameEnv        string   `yaml:"username_env"`
	PasswordEnv        string   `yaml:"password_env"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	OneTypoMinLength   int      `yaml:"one_typo_min_length"`
	TwoTyposMinLength  int      `yaml:"two_typos_min_length"`
	Cache              Cache    `yaml:"cache"`
}

type Cache struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	PasswordEnv string        `yaml:"password_env"`
	TTL         time.Duration `yaml:"ttl"`
}

type Sync struct {
	ItemBudget      int           `yaml:"item_budget"`
	PageSize        int           `yaml:"page_size"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	HashtagDelay    time.Duration `yaml:"hashtag_delay"`
	FetchRetries    int           `yaml:"fetch_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	TrendingLimit   int           `yaml:"trending_limit"`
	DefaultPlatform string        `yaml:"default_platform"`
	Hashtags        []string      `yaml:"hashtags"`
}

// Platform kinds.
const (
	KindContentAPI = "content_api"
	KindGraphAPI   = "graph_api"
	KindFeed       = "feed"
)

type Platform struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Format  string `yaml:"format"`
	BaseURL string `yaml:"base_url"`

	// content_api endpoints, relative to BaseURL.
	SearchPath   string `yaml:"search_path"`
	TrendingPath string `yaml:"trending_path"`

	// Credentials are referenced by environment variable name. A static
	// token wins over client credentials when both are set.
	TokenEnv        string `yaml:"token_env"`
	ClientKeyEnv    string `yaml:"client_key_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	TokenURL        string `yaml:"token_url"`

	// graph_api only.
	AccountIDEnv string `yaml:"account_id_env"`

	// feed only: URL template with a {hashtag} placeholder.
	FeedURL        string `yaml:"feed_url"`
	EnrichCaptions bool   `yaml:"enrich_captions"`

	Mapping content.Mapping `yaml:"mapping"`
}

// CredentialRef is the non-secret reference stored on the platform row.
func (p Platform) CredentialRef() string {
	switch {
	case p.TokenEnv != "":
		return "env:" + p.TokenEnv
	case p.ClientKeyEnv != "":
		return "oauth2:" + p.ClientKeyEnv
	default:
		return ""
	}
}

// ResolveMapping returns the preset for the platform's format with any
// configured field overrides applied.
func (p Platform) ResolveMapping() (content.Mapping, error) {
	format := p.Format
	if format == "" {
		format = p.Name
	}
	base, err := content.Preset(format)
	if err != nil {
		return content.Mapping{}, fmt.Errorf("platform %s: %w", p.Name, err)
	}
	return base.Merge(p.Mapping), nil
}

type Server struct {
	Port          int    `yaml:"port"`
	AdminTokenEnv string `yaml:"admin_token_env"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

// ConfigDir returns the XDG config directory for trendsync.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "trendsync")
}

// DataDir returns the XDG data directory for trendsync.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "trendsync")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/trendsync/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'trendsync init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		EnvFile: ".env",
		Search: Search{
			Addresses:         []string{"http://localhost:9200"},
			Index:             "posts",
			OneTypoMinLength:  4,
			TwoTyposMinLength: 8,
			Cache: Cache{
				Address: "localhost:6379",
				TTL:     5 * time.Minute,
			},
		},
		Sync: Sync{
			ItemBudget:      50,
			PageSize:        MaxPageSize,
			RequestTimeout:  30 * time.Second,
			HashtagDelay:    2 * time.Second,
			RetryBackoff:    time.Second,
			RetryBackoffMax: 32 * time.Second,
			TrendingLimit:   10,
			DefaultPlatform: "tiktok",
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > MaxPageSize {
		c.Sync.PageSize = MaxPageSize
	}
	if c.Sync.ItemBudget <= 0 {
		return fmt.Errorf("sync.item_budget must be positive, got %d", c.Sync.ItemBudget)
	}
	if c.Sync.FetchRetries < 0 {
		return fmt.Errorf("sync.fetch_retries must not be negative, got %d", c.Sync.FetchRetries)
	}
	if c.Search.TwoTyposMinLength < c.Search.OneTypoMinLength {
		return fmt.Errorf("search.two_typos_min_length (%d) must be >= one_typo_min_length (%d)",
			c.Search.TwoTyposMinLength, c.Search.OneTypoMinLength)
	}

	seen := make(map[string]bool)
	for i := range c.Platforms {
		p := &c.Platforms[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return fmt.Errorf("platforms[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("platform %s configured twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindContentAPI, KindGraphAPI, KindFeed:
		case "":
			p.Kind = KindContentAPI
		default:
			return fmt.Errorf("platform %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return nil
}

// Platform returns the named platform, or the default one when name is empty.
func (c *Config) Platform(name string) (*Platform, error) {
	if name == "" {
		name = c.Sync.DefaultPlatform
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for i := range c.Platforms {
		if c.Platforms[i].Name == name {
			return &c.Platforms[i], nil
		}
	}
	return nil, fmt.Errorf("platform %q is not configured", name)
}

// LoadEnv loads the configured dotenv file into the process environment
// without overriding variables that are already set. A missing file is
// not an error.
func (c *Config) LoadEnv() error {
	if c.EnvFile == "" {
		return nil
	}
	err := gotenv.Load(c.EnvFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", c.EnvFile, err)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabaseDSN returns the configured DSN or the default SQLite path.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.GetDataDir(), "trendsync.db")
}

// Secret reads the environment variable named by env. Empty env yields "".
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
