package config

import (
	"fmt"
	"log"
	"time"

	"xrart/pkg/circuitbreaker"
	"xrart/pkg/config"
)

type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server config.ServerConfig `yaml:"server"`
	DB     config.DBConfig     `yaml:"db"`
	Redis  config.RedisConfig  `yaml:"redis"`
	MQ     config.MQConfig     `yaml:"mq"`
	JWT    config.JWTConfig    `yaml:"jwt"`

	// 离线队列
	Queue struct {
		KeyPrefix string        `yaml:"key_prefix"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"queue"`

	WS struct {
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		PongWait       time.Duration `yaml:"pong_wait"`
		PingPeriod     time.Duration `yaml:"ping_period"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		FrameRate      float64       `yaml:"frame_rate"`
		FrameBurst     int           `yaml:"frame_burst"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"ws"`

	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`

	Notification struct {
		RetryMax     int           `yaml:"retry_max"`
		DedupTTL     time.Duration `yaml:"dedup_ttl"`
		Prefetch     int           `yaml:"prefetch"`
		ResolveNicks bool          `yaml:"resolve_nicknames"`
	} `yaml:"notification"`
}

// Load 使用统一配置中心（CONFIG_ENV / CONFIG_DIR），失败直接退出
func Load() *Config {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfg, err := LoadFrom(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom merges base.yaml with <env>.yaml under dir, applies environment
// overrides and fills defaults.
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	if c.Queue.TTL <= 0 {
		c.Queue.TTL = 24 * time.Hour
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = "notify:offline:"
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker = circuitbreaker.DefaultConfig()
	}
	if c.Notification.RetryMax <= 0 {
		c.Notification.RetryMax = 5
	}
	if c.Notification.DedupTTL <= 0 {
		c.Notification.DedupTTL = 24 * time.Hour
	}
	if c.Notification.Prefetch <= 0 {
		c.Notification.Prefetch = 20
	}
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
