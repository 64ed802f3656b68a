package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore, e.g. DEADSIDE_HTTP__PORT=9090.
const EnvPrefix = "DEADSIDE_"

// Config holds the application configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Remote    RemoteConfig    `yaml:"remote"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Notify    NotifyConfig    `yaml:"notify"`
	Servers   []ServerConfig  `yaml:"servers" validate:"dive"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address in host:port form.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.Port)
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// AuthConfig holds admin API authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// LogConfig controls zerolog output
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// SchedulerConfig holds the three polling cadences and the worker bound
type SchedulerConfig struct {
	DeathLogInterval  time.Duration `yaml:"death_log_interval"`
	EventLogInterval  time.Duration `yaml:"event_log_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	Workers           int           `yaml:"workers" validate:"min=1"`
	StartupSweep      bool          `yaml:"startup_sweep"`
}

// RemoteConfig controls how log files are fetched from game hosts
type RemoteConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxRetries     uint64        `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	HostRate       float64       `yaml:"host_rate"`
	HostBurst      int           `yaml:"host_burst"`
	KnownHosts     string        `yaml:"known_hosts"`
	MaxReadBytes   int64         `yaml:"max_read_bytes"`
}

// IngestConfig holds death-log ingestion tuning
type IngestConfig struct {
	RecentFiles      int     `yaml:"recent_files" validate:"min=1"`
	ProcessedCap     int     `yaml:"processed_cap"`
	ProcessedKeep    int     `yaml:"processed_keep" validate:"ltefield=ProcessedCap"`
	LongshotDistance float64 `yaml:"longshot_distance"`
	KDMinKills       int     `yaml:"kd_min_kills"`
}

// NotifyConfig holds downstream notification settings
type NotifyConfig struct {
	NATSURL       string         `yaml:"nats_url"`
	SubjectPrefix string         `yaml:"subject_prefix"`
	Embedded      EmbeddedBroker `yaml:"embedded"`
}

// EmbeddedBroker runs an in-process NATS server for single-box installs
type EmbeddedBroker struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ServerConfig is a game server seeded into the registry at startup
type ServerConfig struct {
	TenantID     string `yaml:"tenant_id" validate:"required,scopeid"`
	ServerID     string `yaml:"server_id" validate:"required,scopeid"`
	Name         string `yaml:"name"`
	Transport    string `yaml:"transport" validate:"omitempty,oneof=sftp local"`
	Host         string `yaml:"host" validate:"required_if=Transport sftp"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeyFile      string `yaml:"key_file"`
	DeathLogDir  string `yaml:"death_log_dir" validate:"required"`
	EventLogPath string `yaml:"event_log_path"`
	Disabled     bool   `yaml:"disabled"`
}

// Load reads configuration from a YAML file, applies DEADSIDE_* environment
// overrides (a .env file in the working directory is honoured) and fills defaults.
// An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("scopeid", func(fl validator.FieldLevel) bool {
		return domain.ValidID(fl.Field().String())
	})
	return v
}

func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/deadside/deadside.db"
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.Scheduler.DeathLogInterval == 0 {
		cfg.Scheduler.DeathLogInterval = 2 * time.Minute
	}
	if cfg.Scheduler.EventLogInterval == 0 {
		cfg.Scheduler.EventLogInterval = 30 * time.Second
	}
	if cfg.Scheduler.ReconcileInterval == 0 {
		cfg.Scheduler.ReconcileInterval = time.Hour
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}

	if cfg.Remote.ConnectTimeout == 0 {
		cfg.Remote.ConnectTimeout = 15 * time.Second
	}
	if cfg.Remote.ReadTimeout == 0 {
		cfg.Remote.ReadTimeout = 60 * time.Second
	}
	if cfg.Remote.MaxRetries == 0 {
		cfg.Remote.MaxRetries = 3
	}
	if cfg.Remote.RetryBaseDelay == 0 {
		cfg.Remote.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Remote.HostRate == 0 {
		cfg.Remote.HostRate = 2
	}
	if cfg.Remote.HostBurst == 0 {
		cfg.Remote.HostBurst = 4
	}
	if cfg.Remote.MaxReadBytes == 0 {
		cfg.Remote.MaxReadBytes = 8 << 20
	}

	if cfg.Ingest.RecentFiles == 0 {
		cfg.Ingest.RecentFiles = 2
	}
	if cfg.Ingest.ProcessedCap == 0 {
		cfg.Ingest.ProcessedCap = 100
	}
	if cfg.Ingest.ProcessedKeep == 0 {
		cfg.Ingest.ProcessedKeep = 50
	}
	if cfg.Ingest.LongshotDistance == 0 {
		cfg.Ingest.LongshotDistance = 300
	}
	if cfg.Ingest.KDMinKills == 0 {
		cfg.Ingest.KDMinKills = 10
	}

	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "deadside"
	}
	if cfg.Notify.Embedded.Host == "" {
		cfg.Notify.Embedded.Host = "127.0.0.1"
	}
	if cfg.Notify.Embedded.Port == 0 {
		cfg.Notify.Embedded.Port = 4222
	}

	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.Transport == "" {
			s.Transport = "sftp"
		}
		if s.Port == 0 && s.Transport == "sftp" {
			s.Port = 22
		}
		if s.Name == "" {
			s.Name = s.ServerID
		}
	}
}
