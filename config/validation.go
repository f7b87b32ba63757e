package config

import (
	"fmt"
	"net"
	"strings"
)

func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if c.RateLimit.Backend == "redis" && !c.RedisEnabled() {
		return fmt.Errorf("rate limit config: redis backend requires REDIS_URL or REDIS_HOST")
	}

	if c.Anomaly.Threshold < 0 {
		return fmt.Errorf("anomaly threshold must not be negative")
	}

	return nil
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case "postgres":
		if c.URL != "" {
			return nil
		}
		if c.Host == "" {
			return fmt.Errorf("host is required")
		}
		if c.User == "" {
			return fmt.Errorf("user is required")
		}
		if c.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("invalid trusted proxy %q", p)
			}
		}
	}
	return nil
}

func (c *UpstreamConfig) Validate() error {
	if strings.EqualFold(c.Provider, "custom") && c.CustomURL == "" {
		return fmt.Errorf("custom provider requires CUSTOM_API_URL")
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.ConnectTimeout > c.ReadTimeout {
		return fmt.Errorf("connect timeout %s exceeds read timeout %s", c.ConnectTimeout, c.ReadTimeout)
	}
	return nil
}

func (c *ResilienceConfig) Validate() error {
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1")
	}
	if c.BreakerMode != "probe" && c.BreakerMode != "reset" {
		return fmt.Errorf("breaker mode must be probe or reset, got %q", c.BreakerMode)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry max must not be negative")
	}
	return nil
}

func (c *RateLimitConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("backend must be memory or redis, got %q", c.Backend)
	}
	if c.GeneralMax < 1 || c.VerifyMax < 1 {
		return fmt.Errorf("max counts must be at least 1")
	}
	if c.GeneralWindow <= 0 || c.VerifyWindow <= 0 {
		return fmt.Errorf("windows must be positive")
	}
	return nil
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "local":
		if c.UploadDir == "" {
			return fmt.Errorf("upload dir is required")
		}
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.AccessKey == "" || c.Minio.SecretKey == "" {
			return fmt.Errorf("minio backend requires endpoint and credentials")
		}
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	return nil
}
