package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "COURSE_UPLOADER"

// Storage backends.
const (
	BackendPlatform = "platform"
	BackendS3       = "s3"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Auth struct {
		JWTSecret       string `mapstructure:"jwt_secret"`
		TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
	}
	Platform struct {
		BaseURL string `mapstructure:"base_url"`
		Subject string
		Timeout time.Duration
	}
	Storage struct {
		Backend         string
		Bucket          string
		KeyPrefix       string `mapstructure:"key_prefix"`
		Region          string
		Endpoint        string
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		// StaleAfter is how old a leftover multipart upload must be before
		// startup aborts it. Zero disables the sweep.
		StaleAfter time.Duration `mapstructure:"stale_after"`
	}
	AWS struct {
		Profile string
	}
	Upload struct {
		ChunkSize           int64         `mapstructure:"chunk_size"`
		MaxConcurrent       int           `mapstructure:"max_concurrent"`
		GraceDelay          time.Duration `mapstructure:"grace_delay"`
		RemoteCancelTimeout time.Duration `mapstructure:"remote_cancel_timeout"`
		ChunksPerSecond     float64       `mapstructure:"chunks_per_second"`
		// Root confines the files the local API may upload. Required when
		// auth.jwt_secret is empty.
		Root string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/uploads.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl_minutes", 60)
	v.SetDefault("platform.base_url", "")
	v.SetDefault("platform.subject", "course-uploader")
	v.SetDefault("platform.timeout", 30*time.Second)
	v.SetDefault("storage.backend", BackendPlatform)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.key_prefix", "lectures")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.stale_after", 24*time.Hour)
	v.SetDefault("aws.profile", "")
	v.SetDefault("upload.chunk_size", 8<<20)
	v.SetDefault("upload.max_concurrent", 3)
	v.SetDefault("upload.grace_delay", time.Second)
	v.SetDefault("upload.remote_cancel_timeout", 10*time.Second)
	v.SetDefault("upload.chunks_per_second", 0)
	v.SetDefault("upload.root", "")
}

// Validate checks the settings the selected backend depends on and that the
// local API is either authenticated or confined to an upload root.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPlatform:
		if strings.TrimSpace(c.Platform.BaseURL) == "" {
			return fmt.Errorf("platform.base_url is required for the platform backend")
		}
	case BackendS3:
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
		// S3 rejects non-final parts under 5 MiB.
		if c.Upload.ChunkSize < 5<<20 {
			return fmt.Errorf("upload.chunk_size must be at least 5MiB for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("upload.max_concurrent must be positive")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && strings.TrimSpace(c.Upload.Root) == "" {
		return fmt.Errorf("upload.root is required when auth.jwt_secret is empty")
	}
	return nil
}

// TokenTTL is the lifetime of the tokens the uploader signs for the course
// platform.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
