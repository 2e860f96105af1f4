// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/bitbucket"
)

// EnvPrefix namespaces environment overrides, e.g. HARVEST_HARVEST_RPS.
const EnvPrefix = "HARVEST"

// MinRPS is the floor applied to harvest.rps.
const MinRPS = 0.1

// Provider names accepted by db.provider and archive.provider.
const (
	ProviderNone     = "none"
	ProviderPostgres = "postgres"
	ProviderSQLite   = "sqlite"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Bitbucket BitbucketConfig `mapstructure:"bitbucket"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BitbucketConfig describes the server and how to authenticate to it.
type BitbucketConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	VerifySSL      string `mapstructure:"verify_ssl"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HarvestConfig controls inputs, outputs and pacing of a run.
type HarvestConfig struct {
	ProjectFile   string  `mapstructure:"project_file"`
	OutNDJSON     string  `mapstructure:"out_ndjson"`
	OutCSV        string  `mapstructure:"out_csv"`
	ResumeFile    string  `mapstructure:"resume_file"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	RPS           float64 `mapstructure:"rps"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig selects an optional row mirror.
type DBConfig struct {
	Provider   string `mapstructure:"provider"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Table      string `mapstructure:"table"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where output files are copied after a run.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the run-event topic. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps keys to the unprefixed variable names older deployments set.
var legacyEnv = map[string]string{
	"bitbucket.base_url":     "BITBUCKET_BASE_URL",
	"bitbucket.token":        "BITBUCKET_TOKEN",
	"bitbucket.username":     "BITBUCKET_USERNAME",
	"bitbucket.password":     "BITBUCKET_PASSWORD",
	"bitbucket.verify_ssl":   "BITBUCKET_VERIFY_SSL",
	"harvest.max_concurrent": "MAX_WORKERS",
}

// NewViper returns a Viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, legacy)
	}
	setDefaults(v)
	return v
}

// Load reads the optional config file at path into v and returns the
// validated Config. A nil v uses NewViper.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bitbucket.base_url", "")
	v.SetDefault("bitbucket.token", "")
	v.SetDefault("bitbucket.username", "")
	v.SetDefault("bitbucket.password", "")
	v.SetDefault("bitbucket.verify_ssl", "true")
	v.SetDefault("bitbucket.timeout_seconds", 60)
	v.SetDefault("harvest.project_file", "")
	v.SetDefault("harvest.out_ndjson", "branches.ndjson")
	v.SetDefault("harvest.out_csv", "branches.csv")
	v.SetDefault("harvest.resume_file", "harvest_resume.txt")
	v.SetDefault("harvest.max_concurrent", 32)
	v.SetDefault("harvest.rps", 10.0)
	v.SetDefault("server.addr", "")
	v.SetDefault("db.provider", ProviderNone)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.sqlite_path", "branches.db")
	v.SetDefault("db.table", "branch_rows")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.provider", ProviderNone)
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "harvests")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

func (c *Config) normalize() {
	c.Bitbucket.BaseURL = strings.TrimSpace(c.Bitbucket.BaseURL)
	c.Harvest.RPS = max(c.Harvest.RPS, MinRPS)
	c.DB.Provider = strings.ToLower(strings.TrimSpace(c.DB.Provider))
	if c.DB.Provider == "" {
		c.DB.Provider = ProviderNone
	}
	c.Archive.Provider = strings.ToLower(strings.TrimSpace(c.Archive.Provider))
	if c.Archive.Provider == "" {
		c.Archive.Provider = ProviderNone
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Bitbucket.BaseURL == "" {
		return errors.New("bitbucket.base_url is required")
	}
	if err := c.Credentials().Validate(); err != nil {
		return fmt.Errorf("%w: set bitbucket.token or bitbucket.username and bitbucket.password", err)
	}
	if c.Bitbucket.TimeoutSeconds <= 0 {
		return errors.New("bitbucket.timeout_seconds must be > 0")
	}
	if c.Harvest.ProjectFile == "" {
		return errors.New("harvest.project_file is required")
	}
	if c.Harvest.OutNDJSON == "" {
		return errors.New("harvest.out_ndjson is required")
	}
	if c.Harvest.MaxConcurrent <= 0 {
		return errors.New("harvest.max_concurrent must be > 0")
	}
	switch c.DB.Provider {
	case ProviderNone:
	case ProviderPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres provider")
		}
	case ProviderSQLite:
		if c.DB.SQLitePath == "" {
			return errors.New("db.sqlite_path is required for the sqlite provider")
		}
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	switch c.Archive.Provider {
	case ProviderNone:
	case ProviderLocal:
		if c.Archive.LocalDir == "" {
			return errors.New("archive.local_dir is required for the local provider")
		}
	case ProviderGCS:
		if c.Archive.GCSBucket == "" {
			return errors.New("archive.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Credentials returns the configured Bitbucket credentials.
func (c Config) Credentials() bitbucket.Credentials {
	return bitbucket.Credentials{
		Token:    c.Bitbucket.Token,
		Username: c.Bitbucket.Username,
		Password: c.Bitbucket.Password,
	}
}

// HasCredentials reports whether a token or a complete username/password pair
// is configured.
func (c Config) HasCredentials() bool {
	return c.Credentials().Validate() == nil
}

// Timeout is the per-request HTTP timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Bitbucket.TimeoutSeconds) * time.Second
}
