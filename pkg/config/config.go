package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vyvo/compute/fleet/pkg/registry"
)

// ServerConfig captures runtime settings for the fleet control plane.
type ServerConfig struct {
	ListenAddr      string                 `mapstructure:"listen_addr"`
	RequestTimeout  time.Duration          `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration          `mapstructure:"shutdown_timeout"`
	Storage         StorageConfig          `mapstructure:"storage"`
	Blob            BlobConfig             `mapstructure:"blob"`
	Notify          NotifyConfig           `mapstructure:"notify"`
	Liveness        LivenessConfig         `mapstructure:"liveness"`
	Upload          UploadConfig           `mapstructure:"upload"`
	Telemetry       TelemetryConfig        `mapstructure:"telemetry"`
	Log             LogConfig              `mapstructure:"log"`
	Identity        IdentityConfig         `mapstructure:"identity"`
	Applications    []registry.Application `mapstructure:"applications"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type BlobConfig struct {
	Driver string          `mapstructure:"driver"`
	Root   string          `mapstructure:"root"`
	SFTP   SFTPBlobConfig  `mapstructure:"sftp"`
	MinIO  MinIOBlobConfig `mapstructure:"minio"`
}

type SFTPBlobConfig struct {
	Addr       string `mapstructure:"addr"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	Root       string `mapstructure:"root"`
}

type MinIOBlobConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type NotifyConfig struct {
	Mode     string `mapstructure:"mode"`
	RedisURL string `mapstructure:"redis_url"`
	Buffer   int    `mapstructure:"buffer"`
}

type LivenessConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold time.Duration `mapstructure:"threshold"`
	Interval  time.Duration `mapstructure:"interval"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IdentityConfig seeds the in-memory user directory.
type IdentityConfig struct {
	Strict bool         `mapstructure:"strict"`
	Users  []UserConfig `mapstructure:"users"`
}

type UserConfig struct {
	ID     string `mapstructure:"id"`
	Active bool   `mapstructure:"active"`
}

// AgentConfig captures settings for the reference runner agent.
type AgentConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	RunnerID          string        `mapstructure:"runner_id"`
	Token             string        `mapstructure:"token"`
	TokenFile         string        `mapstructure:"token_file"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Log               LogConfig     `mapstructure:"log"`
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadServer loads control plane configuration from defaults, files, and env vars.
func LoadServer() (ServerConfig, error) {
	return loadServer(newViper("FLEET"))
}

func loadServer(v *viper.Viper) (ServerConfig, error) {
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "./data/fleet.json")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.root", "./media")
	v.SetDefault("blob.sftp.addr", "")
	v.SetDefault("blob.sftp.user", "")
	v.SetDefault("blob.sftp.password", "")
	v.SetDefault("blob.sftp.private_key", "")
	v.SetDefault("blob.sftp.root", ".")
	v.SetDefault("blob.minio.endpoint", "")
	v.SetDefault("blob.minio.access_key", "")
	v.SetDefault("blob.minio.secret_key", "")
	v.SetDefault("blob.minio.bucket", "fleet-resources")
	v.SetDefault("blob.minio.use_ssl", false)
	v.SetDefault("notify.mode", "best_effort")
	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.buffer", 32)
	v.SetDefault("liveness.enabled", true)
	v.SetDefault("liveness.threshold", 2*time.Minute)
	v.SetDefault("liveness.interval", 30*time.Second)
	v.SetDefault("upload.max_bytes", int64(50<<20))
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "fleetd")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("identity.strict", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	switch c.Storage.Driver {
	case "memory", "file":
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return fmt.Errorf("storage.postgres_dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "sftp", "minio":
	default:
		return fmt.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}
	switch c.Notify.Mode {
	case "best_effort", "outbox":
	default:
		return fmt.Errorf("unknown notify.mode %q", c.Notify.Mode)
	}
	if c.Liveness.Enabled && (c.Liveness.Threshold <= 0 || c.Liveness.Interval <= 0) {
		return fmt.Errorf("liveness.threshold and liveness.interval must be positive")
	}
	return nil
}

// LoadAgent loads runner agent configuration.
func LoadAgent() (AgentConfig, error) {
	return loadAgent(newViper("FLEET_AGENT"))
}

func loadAgent(v *viper.Viper) (AgentConfig, error) {
	v.SetDefault("server_url", "http://localhost:8090")
	v.SetDefault("runner_id", "")
	v.SetDefault("token", "")
	v.SetDefault("token_file", "./runner.token")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return AgentConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if strings.TrimSpace(cfg.RunnerID) == "" {
		return AgentConfig{}, fmt.Errorf("runner_id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return AgentConfig{}, fmt.Errorf("heartbeat_interval must be positive")
	}
	return cfg, nil
}
