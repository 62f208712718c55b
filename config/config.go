// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Upload    UploadConfig    `yaml:"upload"`
	Transcode TranscodeConfig `yaml:"transcode"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	Type          string        `yaml:"type"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	Type  string       `yaml:"type"`
	Disk  DiskConfig   `yaml:"disk"`
	Minio ObjectConfig `yaml:"minio"`
	S3    ObjectConfig `yaml:"s3"`
}

type DiskConfig struct {
	Dir  string `yaml:"dir"`
	Wipe bool   `yaml:"wipe"`
}

// ObjectConfig covers both MinIO and S3 buckets.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type SessionsConfig struct {
	Alphabet    string        `yaml:"alphabet"`
	KeyLength   int           `yaml:"key_length"`
	ExpireDelay time.Duration `yaml:"expire_delay"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	// IssuerMarker must appear in the User-Agent of devices allowed to
	// generate keys.
	IssuerMarker string `yaml:"issuer_marker"`
}

type UploadConfig struct {
	MaxSize   ByteSize `yaml:"max_size"`
	Extension string   `yaml:"extension"`
}

type TranscodeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	GeneratePerMin int  `yaml:"generate_per_min"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ByteSize accepts human sizes such as "400MB" in YAML and env vars.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	n, err := parseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func parseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3001,
		},
		Store: StoreConfig{
			Type:          "memory",
			SweepInterval: time.Second,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Storage: StorageConfig{
			Type: "disk",
			Disk: DiskConfig{
				Dir:  "uploads",
				Wipe: true,
			},
			S3: ObjectConfig{
				Region: "us-east-1",
			},
		},
		Sessions: SessionsConfig{
			Alphabet:     "234689ACEFGHKLMNPRTXYZ",
			KeyLength:    4,
			ExpireDelay:  30 * time.Second,
			MaxLifetime:  2 * time.Hour,
			IssuerMarker: "Kobo",
		},
		Upload: UploadConfig{
			MaxSize:   400 * 1024 * 1024,
			Extension: ".epub",
		},
		Transcode: TranscodeConfig{
			Enabled: true,
			Command: "kepubify",
			Timeout: 2 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 300,
			GeneratePerMin: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() error {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	// Session store
	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}

	// File storage
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Storage.Disk.Dir = v
	}
	envObject("MINIO", &c.Storage.Minio)
	envObject("S3", &c.Storage.S3)

	// Sessions
	if v := os.Getenv("KEY_ALPHABET"); v != "" {
		c.Sessions.Alphabet = v
	}
	if v := os.Getenv("KEY_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sessions.KeyLength = n
		}
	}
	if v := os.Getenv("EXPIRE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sessions.ExpireDelay = d
		}
	}
	if v := os.Getenv("MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sessions.MaxLifetime = d
		}
	}
	if v, ok := os.LookupEnv("ISSUER_MARKER"); ok {
		c.Sessions.IssuerMarker = v
	}

	// Uploads
	if v := os.Getenv("MAX_UPLOAD_SIZE"); v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_SIZE: %w", err)
		}
		c.Upload.MaxSize = n
	}

	if v := os.Getenv("KEPUBIFY_ENABLED"); v != "" {
		c.Transcode.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KEPUBIFY_PATH"); v != "" {
		c.Transcode.Command = v
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

func envObject(prefix string, o *ObjectConfig) {
	for name, field := range map[string]*string{
		"ENDPOINT":   &o.Endpoint,
		"REGION":     &o.Region,
		"ACCESS_KEY": &o.AccessKey,
		"SECRET_KEY": &o.SecretKey,
		"BUCKET":     &o.Bucket,
		"PREFIX":     &o.Prefix,
	} {
		if v := os.Getenv(prefix + "_" + name); v != "" {
			*field = v
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Store.Type != "memory" && c.Store.Type != "redis" {
		return fmt.Errorf("invalid store type: %s (must be 'memory' or 'redis')", c.Store.Type)
	}

	if c.Store.Type == "redis" {
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
		if c.Store.SweepInterval <= 0 {
			return fmt.Errorf("sweep_interval must be positive")
		}
	}

	switch c.Storage.Type {
	case "disk":
		if c.Storage.Disk.Dir == "" {
			return fmt.Errorf("storage.disk.dir is required")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("minio endpoint and bucket are required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" || c.Storage.S3.Region == "" {
			return fmt.Errorf("s3 bucket and region are required")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be 'disk', 'minio' or 's3')", c.Storage.Type)
	}

	if len(c.Sessions.Alphabet) < 2 {
		return fmt.Errorf("alphabet needs at least 2 symbols")
	}

	if c.Sessions.KeyLength < 1 {
		return fmt.Errorf("key_length must be at least 1")
	}

	if c.Sessions.ExpireDelay <= 0 {
		return fmt.Errorf("expire_delay must be positive")
	}

	if c.Sessions.MaxLifetime < c.Sessions.ExpireDelay {
		return fmt.Errorf("max_lifetime must be >= expire_delay")
	}

	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload max_size must be positive")
	}

	if !strings.HasPrefix(c.Upload.Extension, ".") {
		return fmt.Errorf("upload extension must start with '.': %q", c.Upload.Extension)
	}

	if c.Transcode.Enabled && c.Transcode.Command == "" {
		return fmt.Errorf("transcode command is required when transcoding is enabled")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.GeneratePerMin < 1) {
		return fmt.Errorf("rate limits must be at least 1 per minute")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
