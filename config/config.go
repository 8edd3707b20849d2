package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type SysConfig struct {
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type WebConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

type SessionConfig struct {
	// Path is the durable session root. Overridden by
	// WHATSAPP_SESSION_PATH.
	Path string `yaml:"path" json:"path"`
	// CacheTTL is the redis metadata cache TTL in seconds.
	CacheTTL int `yaml:"cache_ttl" json:"cache_ttl"`
	// CleanupDays is the inactivity threshold for the cleanup sweep.
	CleanupDays int `yaml:"cleanup_days" json:"cleanup_days"`
	// AuthTimeout bounds the unauthenticated phase, in seconds.
	AuthTimeout int `yaml:"auth_timeout" json:"auth_timeout"`
}

type ReconnectConfig struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"`
}

type QueueConfig struct {
	Topic       string `yaml:"topic" json:"topic"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system" json:"system"`
	Logger    LogConfig       `yaml:"logger" json:"logger"`
	Web       WebConfig       `yaml:"web" json:"web"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Sessions  SessionConfig   `yaml:"sessions" json:"sessions"`
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Location: "Asia/Shanghai",
			Workdir:  "/var/wabridge",
			Debug:    false,
		},
		Logger: LogConfig{
			Mode:       "production",
			FileEnable: true,
			Filename:   "/var/wabridge/wabridge.log",
		},
		Web: WebConfig{
			Listen: ":1816",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Sessions: SessionConfig{
			Path:        "/var/wabridge/sessions",
			CacheTTL:    3600,
			CleanupDays: 30,
			AuthTimeout: 120,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelayMs: 2000,
			MaxDelayMs:  30000,
			Multiplier:  2,
		},
		Queue: QueueConfig{
			Topic:       "process-message",
			MaxAttempts: 3,
		},
	}
}

// Load reads the YAML config at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
		case !os.IsNotExist(err):
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("WHATSAPP_SESSION_PATH"); v != "" {
		c.Sessions.Path = v
	}
	if v := os.Getenv("WABRIDGE_WEB_LISTEN"); v != "" {
		c.Web.Listen = v
	}
	if v := os.Getenv("WABRIDGE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("WABRIDGE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("WABRIDGE_REDIS_DB"); v != "" {
		c.Redis.DB = cast.ToInt(v)
	}
	if v := os.Getenv("WABRIDGE_DEBUG"); v != "" {
		c.System.Debug = cast.ToBool(v)
	}
	if v := os.Getenv("WABRIDGE_RECONNECT_MAX_ATTEMPTS"); v != "" {
		c.Reconnect.MaxAttempts = cast.ToInt(v)
	}
}
