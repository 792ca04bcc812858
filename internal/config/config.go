// Package config loads syncbase's reference wiring configuration from
// layered sources: built-in defaults, then config/config.yml if
// present, then config/config.local.yml, then environment variables —
// each layer overriding only the keys it sets.
package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig configures the localstore/mongostore reference backend.
type StorageConfig struct {
	MongoURI     string
	DatabaseName string
}

// ReplicationConfig configures the demo replicator wiring.
type ReplicationConfig struct {
	RemoteURL          string
	CheckpointInterval time.Duration
	RetryDelay         time.Duration
}

// Config is the fully resolved configuration for this module's
// reference collaborators and demo wiring.
type Config struct {
	Storage     StorageConfig
	Replication ReplicationConfig
}

// LoadConfig resolves Config from defaults, config/config.yml,
// config/config.local.yml, and the environment, in that order.
func LoadConfig() Config {
	cfg := defaultConfig()

	applyFileLayer(&cfg, "config/config.yml")
	applyFileLayer(&cfg, "config/config.local.yml")
	applyEnvLayer(&cfg)

	return cfg
}

func defaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			MongoURI:     "mongodb://localhost:27017",
			DatabaseName: "syncbase",
		},
		Replication: ReplicationConfig{
			CheckpointInterval: 2 * time.Second,
			RetryDelay:         60 * time.Second,
		},
	}
}

// fileLayer mirrors Config's shape with optional fields, so a layer that
// omits a key leaves the accumulated value from earlier layers alone.
type fileLayer struct {
	Storage struct {
		MongoURI     *string `yaml:"mongo_uri"`
		DatabaseName *string `yaml:"database_name"`
	} `yaml:"storage"`
	Replication struct {
		RemoteURL          *string `yaml:"remote_url"`
		CheckpointInterval *string `yaml:"checkpoint_interval"`
		RetryDelay         *string `yaml:"retry_delay"`
	} `yaml:"replication"`
}

func applyFileLayer(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // a missing layer file is not an error
	}

	var l fileLayer
	if err := yaml.Unmarshal(data, &l); err != nil {
		log.Printf("config: ignoring malformed %s: %v", path, err)
		return
	}

	if l.Storage.MongoURI != nil {
		cfg.Storage.MongoURI = *l.Storage.MongoURI
	}
	if l.Storage.DatabaseName != nil {
		cfg.Storage.DatabaseName = *l.Storage.DatabaseName
	}
	if l.Replication.RemoteURL != nil {
		cfg.Replication.RemoteURL = *l.Replication.RemoteURL
	}
	if l.Replication.CheckpointInterval != nil {
		if d, err := time.ParseDuration(*l.Replication.CheckpointInterval); err == nil {
			cfg.Replication.CheckpointInterval = d
		} else {
			log.Printf("config: ignoring invalid checkpoint_interval in %s: %v", path, err)
		}
	}
	if l.Replication.RetryDelay != nil {
		if d, err := time.ParseDuration(*l.Replication.RetryDelay); err == nil {
			cfg.Replication.RetryDelay = d
		} else {
			log.Printf("config: ignoring invalid retry_delay in %s: %v", path, err)
		}
	}
}

func applyEnvLayer(cfg *Config) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Storage.MongoURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Storage.DatabaseName = v
	}
	if v := os.Getenv("REMOTE_URL"); v != "" {
		cfg.Replication.RemoteURL = v
	}
	if v := os.Getenv("CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.CheckpointInterval = d
		} else {
			log.Printf("config: ignoring invalid CHECKPOINT_INTERVAL: %v", err)
		}
	}
	if v := os.Getenv("RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.RetryDelay = d
		} else {
			log.Printf("config: ignoring invalid RETRY_DELAY: %v", err)
		}
	}
}
