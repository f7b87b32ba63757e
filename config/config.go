package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Upstream    UpstreamConfig   `yaml:"upstream"`
	Resilience  ResilienceConfig `yaml:"resilience"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Anomaly     AnomalyConfig    `yaml:"anomaly"`
	Storage     StorageConfig    `yaml:"storage"`
	Admin       AdminConfig      `yaml:"admin"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver       string        `yaml:"driver"`
	URL          string        `yaml:"url"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	DBName       string        `yaml:"dbname"`
	SSLMode      string        `yaml:"sslmode"`
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxLifetime  time.Duration `yaml:"max_lifetime"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
	ReplicaDSNs  []string      `yaml:"replica_dsns"`
	LogSQL       bool          `yaml:"log_sql"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type UpstreamConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	CustomURL      string        `yaml:"custom_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	HTTPProxy      string        `yaml:"http_proxy"`
	HTTPSProxy     string        `yaml:"https_proxy"`
	PaceRPS        float64       `yaml:"pace_rps"`
	PaceBurst      int           `yaml:"pace_burst"`
}

type ResilienceConfig struct {
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	BreakerMode      string        `yaml:"breaker_mode"`
	RetryMax         int           `yaml:"retry_max"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
}

type RateLimitConfig struct {
	Backend       string        `yaml:"backend"`
	GeneralMax    int           `yaml:"general_max"`
	GeneralWindow time.Duration `yaml:"general_window"`
	BlockDuration time.Duration `yaml:"block_duration"`
	VerifyMax     int           `yaml:"verify_max"`
	VerifyWindow  time.Duration `yaml:"verify_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type AnomalyConfig struct {
	Threshold int `yaml:"threshold"`
}

type StorageConfig struct {
	Backend        string      `yaml:"backend"`
	UploadDir      string      `yaml:"upload_dir"`
	MaxUploadBytes int64       `yaml:"max_upload_bytes"`
	Minio          MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

type MonitoringConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	ServiceName    string `yaml:"service_name"`
}

func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	config := &Config{}

	configDir, err := filepath.Abs("config")
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = filepath.Join(configDir, "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}

	if config.Environment == "" {
		config.Environment = "development"
	}
	config.setEnvironmentDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) loadFromEnv() error {
	envString("ENVIRONMENT", &c.Environment)

	envString("SERVER_PORT", &c.Server.Port)
	envString("PORT", &c.Server.Port)
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		c.Server.TrustedProxies = splitList(proxies)
	}

	envString("DB_DRIVER", &c.Database.Driver)
	envString("DATABASE_URL", &c.Database.URL)
	envString("DB_HOST", &c.Database.Host)
	envString("DB_USER", &c.Database.User)
	envString("DB_PASSWORD", &c.Database.Password)
	envString("DB_NAME", &c.Database.DBName)
	envString("DB_SSLMODE", &c.Database.SSLMode)
	envString("DB_PATH", &c.Database.Path)
	if replicas := os.Getenv("DB_REPLICA_URLS"); replicas != "" {
		c.Database.ReplicaDSNs = splitList(replicas)
	}

	envString("REDIS_URL", &c.Redis.URL)
	envString("REDIS_HOST", &c.Redis.Host)
	envString("REDIS_PASSWORD", &c.Redis.Password)

	envString("API_PROVIDER", &c.Upstream.Provider)
	envString("MODEL_NAME", &c.Upstream.Model)
	envString("NANOBANANA_API_KEY", &c.Upstream.APIKey)
	envString("CUSTOM_API_URL", &c.Upstream.CustomURL)
	envString("HTTP_PROXY", &c.Upstream.HTTPProxy)
	envString("HTTPS_PROXY", &c.Upstream.HTTPSProxy)

	envString("BREAKER_MODE", &c.Resilience.BreakerMode)
	envString("RATE_BACKEND", &c.RateLimit.Backend)

	envString("STORAGE_BACKEND", &c.Storage.Backend)
	envString("UPLOAD_DIR", &c.Storage.UploadDir)
	envString("MINIO_ENDPOINT", &c.Storage.Minio.Endpoint)
	envString("MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	envString("MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)
	envString("MINIO_BUCKET", &c.Storage.Minio.Bucket)

	envString("ADMIN_API_KEY", &c.Admin.APIKey)
	envString("LOG_LEVEL", &c.Monitoring.LogLevel)

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_PORT", &c.Database.Port},
		{"REDIS_PORT", &c.Redis.Port},
		{"REDIS_DB", &c.Redis.DB},
		{"BREAKER_THRESHOLD", &c.Resilience.BreakerThreshold},
		{"RETRY_MAX", &c.Resilience.RetryMax},
		{"RATE_GENERAL_MAX", &c.RateLimit.GeneralMax},
		{"RATE_VERIFY_MAX", &c.RateLimit.VerifyMax},
		{"ANOMALY_THRESHOLD", &c.Anomaly.Threshold},
		{"UPSTREAM_PACE_BURST", &c.Upstream.PaceBurst},
	}
	for _, v := range ints {
		if err := envInt(v.key, v.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CONNECT_TIMEOUT", &c.Upstream.ConnectTimeout},
		{"READ_TIMEOUT", &c.Upstream.ReadTimeout},
		{"FETCH_TIMEOUT", &c.Upstream.FetchTimeout},
		{"BREAKER_TIMEOUT", &c.Resilience.BreakerTimeout},
		{"RETRY_BACKOFF", &c.Resilience.RetryBackoff},
		{"RATE_GENERAL_WINDOW", &c.RateLimit.GeneralWindow},
		{"RATE_BLOCK_DURATION", &c.RateLimit.BlockDuration},
		{"RATE_VERIFY_WINDOW", &c.RateLimit.VerifyWindow},
		{"REQUEST_TIMEOUT", &c.Server.RequestTimeout},
	}
	for _, v := range durations {
		if err := envDuration(v.key, v.dst); err != nil {
			return err
		}
	}

	if rps := os.Getenv("UPSTREAM_PACE_RPS"); rps != "" {
		f, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("UPSTREAM_PACE_RPS: %w", err)
		}
		c.Upstream.PaceRPS = f
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"MINIO_USE_SSL", &c.Storage.Minio.UseSSL},
		{"METRICS_ENABLED", &c.Monitoring.MetricsEnabled},
		{"TRACING_ENABLED", &c.Monitoring.TracingEnabled},
		{"DB_LOG_SQL", &c.Database.LogSQL},
	}
	for _, v := range bools {
		if raw := os.Getenv(v.key); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", v.key, err)
			}
			*v.dst = b
		}
	}

	return nil
}

func (c *Config) setEnvironmentDefaults() {
	c.setCommonDefaults()

	switch c.Environment {
	case "production":
		c.setProductionDefaults()
	case "staging":
		c.setStagingDefaults()
	default:
		c.setDevelopmentDefaults()
	}
}

func (c *Config) setCommonDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 5 * time.Minute
	}

	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "12ai"
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = "gemini-3-pro-image-preview-2k"
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = 10 * time.Second
	}
	if c.Upstream.ReadTimeout == 0 {
		c.Upstream.ReadTimeout = 120 * time.Second
	}
	if c.Upstream.FetchTimeout == 0 {
		c.Upstream.FetchTimeout = 30 * time.Second
	}
	if c.Upstream.PaceRPS == 0 {
		c.Upstream.PaceRPS = 2
	}
	if c.Upstream.PaceBurst == 0 {
		c.Upstream.PaceBurst = 4
	}

	if c.Resilience.BreakerThreshold == 0 {
		c.Resilience.BreakerThreshold = 5
	}
	if c.Resilience.BreakerTimeout == 0 {
		c.Resilience.BreakerTimeout = 60 * time.Second
	}
	if c.Resilience.BreakerMode == "" {
		c.Resilience.BreakerMode = "probe"
	}
	if c.Resilience.RetryMax == 0 {
		c.Resilience.RetryMax = 3
	}
	if c.Resilience.RetryBackoff == 0 {
		c.Resilience.RetryBackoff = time.Second
	}
	if c.Resilience.RetryMaxDelay == 0 {
		c.Resilience.RetryMaxDelay = 10 * time.Second
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.GeneralMax == 0 {
		c.RateLimit.GeneralMax = 10
	}
	if c.RateLimit.GeneralWindow == 0 {
		c.RateLimit.GeneralWindow = time.Minute
	}
	if c.RateLimit.BlockDuration == 0 {
		c.RateLimit.BlockDuration = 30 * time.Minute
	}
	if c.RateLimit.VerifyMax == 0 {
		c.RateLimit.VerifyMax = 5
	}
	if c.RateLimit.VerifyWindow == 0 {
		c.RateLimit.VerifyWindow = time.Hour
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = 5 * time.Minute
	}

	if c.Anomaly.Threshold == 0 {
		c.Anomaly.Threshold = 100
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "uploads"
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = 16 << 20
	}
	if c.Storage.Minio.Bucket == "" {
		c.Storage.Minio.Bucket = "portraits"
	}

	if c.Database.Driver == "" {
		if c.Database.URL != "" || c.Database.Host != "" {
			c.Database.Driver = "postgres"
		} else {
			c.Database.Driver = "sqlite"
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = "verification_codes.db"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Monitoring.LogLevel == "" {
		c.Monitoring.LogLevel = "info"
	}
	if c.Monitoring.ServiceName == "" {
		c.Monitoring.ServiceName = "portrait"
	}
}

func (c *Config) setDevelopmentDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
}

func (c *Config) setStagingDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	c.Monitoring.MetricsEnabled = true
}

func (c *Config) setProductionDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 20
	}
	if c.Database.MaxLifetime == 0 {
		c.Database.MaxLifetime = time.Hour
	}
	if c.Database.MaxIdleTime == 0 {
		c.Database.MaxIdleTime = 10 * time.Minute
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// uploads wait for the upstream read timeout plus retries
		c.Server.WriteTimeout = 6 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	c.Monitoring.MetricsEnabled = true
}

func (c *Config) GetRedisURL() string {
	if c.Redis.URL != "" {
		return c.Redis.URL
	}
	return fmt.Sprintf("redis://%s:%d/%d", c.Redis.Host, c.Redis.Port, c.Redis.DB)
}

func (c *Config) RedisEnabled() bool {
	return c.Redis.URL != "" || c.Redis.Host != ""
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// envDuration accepts Go duration strings ("90s") and bare integers as seconds.
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
