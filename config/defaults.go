// =============================================================================
// 📦 CartPilot 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/cartpilot/agent/browser"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     DefaultAgentConfig(),
		Browser:   DefaultBrowserConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8000,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       0,
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		JWT: JWTConfig{
			Issuer: "cartpilot",
		},
	}
}

// DefaultAgentConfig 返回默认运行配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Model:             "gpt-4o",
		MaxSteps:          25,
		MaxFailures:       3,
		MaxActionsPerStep: 4,
		Runtime:           "scripted",
	}
}

// DefaultBrowserConfig 返回默认浏览器配置
func DefaultBrowserConfig() BrowserConfig {
	b := browser.DefaultConfig()
	return BrowserConfig{
		Driver:         "chromedp",
		Headless:       b.Headless,
		ProfileDir:     b.ProfileDir,
		Args:           b.Args,
		Timeout:        b.Timeout,
		ViewportWidth:  b.ViewportWidth,
		ViewportHeight: b.ViewportHeight,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:   "memory",
		TTL:       7 * 24 * time.Hour,
		KeyPrefix: "cartpilot:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "cartpilot",
		Password:        "",
		Name:            "cartpilot",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cartpilot",
		SampleRate:   0.1,
	}
}

// ToBrowser 转换为 browser.Config
func (b BrowserConfig) ToBrowser() browser.Config {
	return browser.Config{
		Headless:       b.Headless,
		ProfileDir:     b.ProfileDir,
		Args:           append([]string(nil), b.Args...),
		Timeout:        b.Timeout,
		ViewportWidth:  b.ViewportWidth,
		ViewportHeight: b.ViewportHeight,
		UserAgent:      b.UserAgent,
		ProxyURL:       b.ProxyURL,
	}
}
