package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

// RWMSConfig points at the remote provisioning service.
type RWMSConfig struct {
	BaseURL     string `yaml:"base_url"`
	TokenSecret string `yaml:"token_secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type Config struct {
	LogLevel            string       `yaml:"log_level"`
	SyncUserProgress    bool         `yaml:"sync_user_progress"`
	LoopIntervalMinutes int          `yaml:"loop_interval_minutes"`
	DB                  DBConfig     `yaml:"db"`
	Redis               RedisConfig  `yaml:"redis"`
	MQ                  MQConfig     `yaml:"mq"`
	RWMS                RWMSConfig   `yaml:"rwms"`
	Server              ServerConfig `yaml:"server"`
}

// Load reads config.yaml when present, applies env overrides and validates.
// Missing required connection parameters are fatal before the cycle loop starts.
func Load() *Config {
	var cfg Config

	if f, err := os.Open("config.yaml"); err == nil {
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			f.Close()
			log.Fatalf("failed to decode config.yaml: %v", err)
		}
		f.Close()
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LoopIntervalMinutes == 0 {
		cfg.LoopIntervalMinutes = 30
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8084"
	}
}

// Validate checks the required connection parameters.
func (c *Config) Validate() error {
	var missing []string

	if c.DB.Host == "" {
		missing = append(missing, "db.host")
	}
	if c.DB.Port == 0 {
		missing = append(missing, "db.port")
	}
	if c.DB.User == "" {
		missing = append(missing, "db.user")
	}
	if c.DB.Password == "" {
		missing = append(missing, "db.password")
	}
	if c.DB.Name == "" {
		missing = append(missing, "db.name")
	}
	if c.Redis.Addr == "" {
		missing = append(missing, "redis.addr")
	}
	if c.Redis.Password == "" {
		missing = append(missing, "redis.password")
	}
	if c.MQ.URL == "" {
		missing = append(missing, "mq.url")
	}
	if c.RWMS.BaseURL == "" {
		missing = append(missing, "rwms.base_url")
	}
	if c.RWMS.TokenSecret == "" {
		missing = append(missing, "rwms.token_secret")
	}

	if len(missing) > 0 {
		return errors.New("missing required settings: " + strings.Join(missing, ", "))
	}
	if c.LoopIntervalMinutes < 0 {
		return errors.New("loop_interval_minutes must be positive")
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	if level := os.Getenv("UN_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if sync := os.Getenv("UN_SYNC_USER_PROGRESS"); sync != "" {
		cfg.SyncUserProgress = strings.EqualFold(sync, "true")
	}
	if interval := os.Getenv("UN_LOOP_INTERVAL"); interval != "" {
		if m, err := strconv.Atoi(interval); err == nil {
			cfg.LoopIntervalMinutes = m
		}
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if baseURL := os.Getenv("RWMS_BASE_URL"); baseURL != "" {
		cfg.RWMS.BaseURL = baseURL
	}
	if secret := os.Getenv("RWMS_TOKEN_SECRET"); secret != "" {
		cfg.RWMS.TokenSecret = secret
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
}
