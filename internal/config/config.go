package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds configuration for the GoWPS server.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`       // Listen address (default ":8080")
	LogLevel  string `mapstructure:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // Log format: text, json
	DBPath    string `mapstructure:"db_path"`    // SQLite database path (":memory:" for testing)
	DataDir   string `mapstructure:"data_dir"`   // Root for job work dirs, vault blobs and outputs
	PublicURL string `mapstructure:"public_url"` // Base URL used in output references

	AdminUsers []string `mapstructure:"admin_users"`

	Execution ExecutionConfig `mapstructure:"execution"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	S3        S3Config        `mapstructure:"s3"`
	Workers   WorkersConfig   `mapstructure:"workers"`
}

// ExecutionConfig controls job lifecycle timing and backends.
type ExecutionConfig struct {
	SyncTimeout    time.Duration `mapstructure:"sync_timeout"`
	DismissGrace   time.Duration `mapstructure:"dismiss_grace"`
	JobRetention   time.Duration `mapstructure:"job_retention"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	CWLRunner      []string      `mapstructure:"cwl_runner"` // command prefix, e.g. ["cwltool"]
	DockerPath     string        `mapstructure:"docker_path"`
}

// StagingConfig controls input resolution.
type StagingConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Parallelism  int           `mapstructure:"parallelism"`
	MaxRetries   int           `mapstructure:"max_retries"`
	AllowedRoots []string      `mapstructure:"allowed_roots"` // local paths clients may reference
}

// VaultConfig controls uploaded file storage.
type VaultConfig struct {
	MaxFileSize  int64         `mapstructure:"max_file_size"`
	MaxTotalSize int64         `mapstructure:"max_total_size"`
	TTL          time.Duration `mapstructure:"ttl"`
}

// RemoteConfig controls the remote delegation retry policy.
type RemoteConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
	Token          string        `mapstructure:"token"`
}

// S3Config enables s3:// inputs and publishing outputs to a bucket.
type S3Config struct {
	Region        string        `mapstructure:"region"`
	Endpoint      string        `mapstructure:"endpoint"`
	UsePathStyle  bool          `mapstructure:"use_path_style"`
	OutputBucket  string        `mapstructure:"output_bucket"`
	OutputPrefix  string        `mapstructure:"output_prefix"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`

	// Static keys; when empty the default AWS credential chain applies.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Enabled reports whether an S3 client should be built.
func (c S3Config) Enabled() bool {
	return c.Region != "" || c.Endpoint != "" || c.OutputBucket != ""
}

// WorkersConfig controls the in-process pool and the remote worker protocol.
type WorkersConfig struct {
	Local         int           `mapstructure:"local"` // in-process workers; 0 disables
	Key           string        `mapstructure:"key"`   // shared secret for remote workers
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		PublicURL: "http://localhost:8080",
		Execution: ExecutionConfig{
			SyncTimeout:    30 * time.Second,
			DismissGrace:   2 * time.Minute,
			JobRetention:   7 * 24 * time.Hour,
			ReaperInterval: 30 * time.Second,
			CWLRunner:      []string{"cwltool"},
			DockerPath:     "docker",
		},
		Staging: StagingConfig{
			Timeout:     5 * time.Minute,
			Parallelism: 4,
			MaxRetries:  3,
		},
		Vault: VaultConfig{
			MaxFileSize:  1 << 30,
			MaxTotalSize: 10 << 30,
			TTL:          24 * time.Hour,
		},
		Remote: RemoteConfig{
			PollInterval:   10 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     5,
			MaxElapsed:     5 * time.Minute,
		},
		S3: S3Config{
			PresignExpiry: time.Hour,
		},
		Workers: WorkersConfig{
			Local:         2,
			PollInterval:  2 * time.Second,
			LeaseDuration: 5 * time.Minute,
		},
	}
}

// Load reads configuration from an optional YAML file and GOWPS_* environment
// variables on top of the defaults. Nested keys use underscores in the
// environment, e.g. GOWPS_VAULT_TTL.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GOWPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg ServerConfig) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("public_url", cfg.PublicURL)
	v.SetDefault("admin_users", cfg.AdminUsers)

	v.SetDefault("execution.sync_timeout", cfg.Execution.SyncTimeout)
	v.SetDefault("execution.dismiss_grace", cfg.Execution.DismissGrace)
	v.SetDefault("execution.job_retention", cfg.Execution.JobRetention)
	v.SetDefault("execution.reaper_interval", cfg.Execution.ReaperInterval)
	v.SetDefault("execution.cwl_runner", cfg.Execution.CWLRunner)
	v.SetDefault("execution.docker_path", cfg.Execution.DockerPath)

	v.SetDefault("staging.timeout", cfg.Staging.Timeout)
	v.SetDefault("staging.parallelism", cfg.Staging.Parallelism)
	v.SetDefault("staging.max_retries", cfg.Staging.MaxRetries)
	v.SetDefault("staging.allowed_roots", cfg.Staging.AllowedRoots)

	v.SetDefault("vault.max_file_size", cfg.Vault.MaxFileSize)
	v.SetDefault("vault.max_total_size", cfg.Vault.MaxTotalSize)
	v.SetDefault("vault.ttl", cfg.Vault.TTL)

	v.SetDefault("remote.poll_interval", cfg.Remote.PollInterval)
	v.SetDefault("remote.request_timeout", cfg.Remote.RequestTimeout)
	v.SetDefault("remote.max_retries", cfg.Remote.MaxRetries)
	v.SetDefault("remote.max_elapsed", cfg.Remote.MaxElapsed)
	v.SetDefault("remote.token", cfg.Remote.Token)

	v.SetDefault("s3.region", cfg.S3.Region)
	v.SetDefault("s3.endpoint", cfg.S3.Endpoint)
	v.SetDefault("s3.use_path_style", cfg.S3.UsePathStyle)
	v.SetDefault("s3.output_bucket", cfg.S3.OutputBucket)
	v.SetDefault("s3.output_prefix", cfg.S3.OutputPrefix)
	v.SetDefault("s3.presign_expiry", cfg.S3.PresignExpiry)
	v.SetDefault("s3.access_key_id", cfg.S3.AccessKeyID)
	v.SetDefault("s3.secret_access_key", cfg.S3.SecretAccessKey)

	v.SetDefault("workers.local", cfg.Workers.Local)
	v.SetDefault("workers.key", cfg.Workers.Key)
	v.SetDefault("workers.poll_interval", cfg.Workers.PollInterval)
	v.SetDefault("workers.lease_duration", cfg.Workers.LeaseDuration)
}

// Validate checks values that would otherwise fail late.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Execution.SyncTimeout < 0 {
		errs = append(errs, errors.New("execution.sync_timeout must not be negative"))
	}
	if c.Staging.Parallelism < 1 {
		errs = append(errs, errors.New("staging.parallelism must be at least 1"))
	}
	if c.Vault.MaxFileSize <= 0 || c.Vault.MaxTotalSize < c.Vault.MaxFileSize {
		errs = append(errs, errors.New("vault sizes must be positive and max_total_size >= max_file_size"))
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, errors.New("remote.max_retries must not be negative"))
	}
	if c.Workers.Local < 0 {
		errs = append(errs, errors.New("workers.local must not be negative"))
	}
	return errors.Join(errs...)
}

// ResolvePaths fills DBPath and DataDir under ~/.gowps when unset.
func (c *ServerConfig) ResolvePaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".gowps")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "gowps.db")
	}
	return os.MkdirAll(c.DataDir, 0o755)
}

// IsAdmin reports whether user is configured as an administrator.
func (c *ServerConfig) IsAdmin(user string) bool {
	for _, a := range c.AdminUsers {
		if a == user && user != "" {
			return true
		}
	}
	return false
}

// WorkerConfig holds configuration for a remote worker process.
type WorkerConfig struct {
	Server       string        `mapstructure:"server"`
	Name         string        `mapstructure:"name"`
	Key          string        `mapstructure:"key"`
	WorkDir      string        `mapstructure:"work_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	Lease        time.Duration `mapstructure:"lease"`
	Backends     []string      `mapstructure:"backends"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	CWLRunner    []string      `mapstructure:"cwl_runner"`
	DockerPath   string        `mapstructure:"docker_path"`
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Server:       "http://localhost:8080",
		PollInterval: 5 * time.Second,
		Heartbeat:    30 * time.Second,
		Lease:        5 * time.Minute,
		Backends:     []string{"cwl", "docker"},
		LogLevel:     "info",
		LogFormat:    "text",
		CWLRunner:    []string{"cwltool"},
		DockerPath:   "docker",
	}
}

// LoadWorker reads worker configuration from an optional YAML file and
// GOWPS_WORKER_* environment variables.
func LoadWorker(path string) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()

	v := viper.New()
	v.SetDefault("server", cfg.Server)
	v.SetDefault("name", cfg.Name)
	v.SetDefault("key", cfg.Key)
	v.SetDefault("work_dir", cfg.WorkDir)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("heartbeat", cfg.Heartbeat)
	v.SetDefault("lease", cfg.Lease)
	v.SetDefault("backends", cfg.Backends)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("cwl_runner", cfg.CWLRunner)
	v.SetDefault("docker_path", cfg.DockerPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GOWPS_WORKER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Server == "" {
		return cfg, errors.New("worker server URL is required")
	}
	return cfg, nil
}
