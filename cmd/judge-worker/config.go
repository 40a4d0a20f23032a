package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/common/db"
	"github.com/openkoi/koi/internal/common/mq"
	"github.com/openkoi/koi/pkg/utils/logger"
)

const defaultEventTopic = "koi.submission.events"

// JudgeConfig holds worker-side judging settings.
type JudgeConfig struct {
	// LimitsProfile selects the resource preset: default, contest or
	// practice.
	LimitsProfile string `yaml:"limitsProfile"`

	// WorkRoot is the parent directory for per-run workspaces.
	WorkRoot string `yaml:"workRoot"`

	// JobTimeout bounds one submission end to end.
	JobTimeout time.Duration `yaml:"jobTimeout"`

	// PrePullImages pulls every language image at startup.
	PrePullImages bool `yaml:"prePullImages"`

	// SweepInterval and SweepMaxAge drive the recovery sweep.
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SweepMaxAge   time.Duration `yaml:"sweepMaxAge"`
}

// EventsConfig holds the optional terminal event stream settings.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
}

// AppConfig holds judge-worker configuration.
type AppConfig struct {
	Logger   logger.Config     `yaml:"logger"`
	Database db.MySQLConfig    `yaml:"database"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Kafka    mq.KafkaConfig    `yaml:"kafka"`
	Events   EventsConfig      `yaml:"events"`
	Judge    JudgeConfig       `yaml:"judge"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Events.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are required when events are enabled")
		}
		if cfg.Events.Topic == "" {
			cfg.Events.Topic = defaultEventTopic
		}
	}
	if cfg.Judge.JobTimeout == 0 {
		cfg.Judge.JobTimeout = 5 * time.Minute
	}
	return &cfg, nil
}
