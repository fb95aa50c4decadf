package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageMongo  = "mongo"
	StorageMemory = "memory"
)

type (
	Config struct {
		HTTP struct {
			Addr           string   `yaml:"addr"`
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"http"`

		Storage struct {
			Driver   string `yaml:"driver"` // mongo|memory
			MongoURI string `yaml:"mongo_uri"`
			Database string `yaml:"database"`
		} `yaml:"storage"`

		Redis struct {
			Enabled  bool   `yaml:"enabled"`
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`

		Auth struct {
			Secret   string        `yaml:"secret"`
			TokenTTL time.Duration `yaml:"token_ttl"`
		} `yaml:"auth"`

		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`

		Messaging struct {
			EditWindow   time.Duration `yaml:"edit_window"`
			DeleteWindow time.Duration `yaml:"delete_window"`
		} `yaml:"messaging"`

		Log struct {
			Level       string `yaml:"level"`
			Development bool   `yaml:"development"`
		} `yaml:"log"`
	}
)

func Default() *Config {
	var c Config
	c.HTTP.Addr = "localhost:9090"
	c.Storage.Driver = StorageMongo
	c.Storage.MongoURI = "mongodb://localhost:27017"
	c.Storage.Database = "mydb"
	c.Redis.Addr = "localhost:6379"
	c.Redis.Prefix = "sealed"
	c.Auth.TokenTTL = 24 * time.Hour
	c.RateLimit.RPS = 20
	c.RateLimit.Burst = 40
	c.Messaging.EditWindow = time.Hour
	c.Messaging.DeleteWindow = 24 * time.Hour
	c.Log.Level = "info"
	return &c
}

// Load reads the optional YAML file at path on top of Default, then applies
// SEALED_* environment overrides.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.HTTP.Addr, "SEALED_HTTP_ADDR")
	if v := os.Getenv("SEALED_HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	setString(&c.Storage.Driver, "SEALED_STORAGE_DRIVER")
	setString(&c.Storage.MongoURI, "SEALED_MONGO_URI")
	setString(&c.Storage.Database, "SEALED_MONGO_DATABASE")
	setString(&c.Redis.Addr, "SEALED_REDIS_ADDR")
	setString(&c.Redis.Password, "SEALED_REDIS_PASSWORD")
	setString(&c.Redis.Prefix, "SEALED_REDIS_PREFIX")
	setString(&c.Auth.Secret, "SEALED_AUTH_SECRET")
	setString(&c.Log.Level, "SEALED_LOG_LEVEL")

	if err := setBool(&c.Redis.Enabled, "SEALED_REDIS_ENABLED"); err != nil {
		return err
	}
	if err := setBool(&c.Log.Development, "SEALED_LOG_DEVELOPMENT"); err != nil {
		return err
	}
	if v := os.Getenv("SEALED_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEALED_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("SEALED_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SEALED_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RPS = rps
	}
	if err := setDuration(&c.Auth.TokenTTL, "SEALED_AUTH_TOKEN_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.Messaging.EditWindow, "SEALED_EDIT_WINDOW"); err != nil {
		return err
	}
	return setDuration(&c.Messaging.DeleteWindow, "SEALED_DELETE_WINDOW")
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMongo, StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (SEALED_AUTH_SECRET)")
	}
	if c.Messaging.EditWindow <= 0 || c.Messaging.DeleteWindow <= 0 {
		return fmt.Errorf("edit and delete windows must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
