package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"fulfillment/pkg/log"
)

// EnvPrefix prefixes every environment override, e.g. FULFILLMENT_PARTICIPANT_ROLE.
const EnvPrefix = "FULFILLMENT"

var (
	// GlobalConfig holds the global configuration instance
	GlobalConfig *Config

	mu     sync.RWMutex
	loaded *viper.Viper
)

// every key that may come only from the environment has to be known to viper
// before Unmarshal, otherwise AutomaticEnv never consults it.
var envKeys = []string{
	"participant.role", "participant.workers", "participant.instances", "participant.instance",
	"bus.driver", "bus.stream_prefix", "bus.partitions", "bus.block", "bus.consumer",
	"saga.shadow_ttl", "saga.journal_ttl", "saga.purge_deleted", "saga.journal",
	"server.port", "server.mode",
	"redis.host", "redis.port", "redis.password", "redis.db",
	"database.host", "database.port", "database.username", "database.password", "database.dbname",
	"log.level", "log.format", "log.output", "log.filename",
	"metrics.enabled", "metrics.port",
	"tracing.enabled", "tracing.endpoint",
	"security.jwt.secret",
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/fulfillment")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info("Config file not found, using defaults and environment variables")
	} else {
		log.WithField("file", v.ConfigFileUsed()).Info("Using config file")
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = config
	loaded = v
	mu.Unlock()

	return config, nil
}

// MustLoadConfig loads configuration and panics on error
func MustLoadConfig(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return config
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("Config not loaded. Call LoadConfig first.")
	}
	return GlobalConfig
}

// WatchConfig reloads the file on change and hands the new config to callback.
// Only settings that are safe to change at runtime should be read from it;
// topology (role, partitions, topics) stays fixed for the process lifetime.
func WatchConfig(callback func(*Config)) {
	mu.RLock()
	v := loaded
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("Config file changed")
		next := &Config{}
		if err := v.Unmarshal(next); err != nil {
			log.WithError(err).Error("Failed to reload config")
			return
		}
		next.SetDefaults()
		if err := next.Validate(); err != nil {
			log.WithError(err).Error("Reloaded config is invalid, keeping the previous one")
			return
		}
		mu.Lock()
		GlobalConfig = next
		mu.Unlock()
		if callback != nil {
			callback(next)
		}
	})
	v.WatchConfig()
}

// ValidateGateway checks the settings only the HTTP gateway needs.
func (c *Config) ValidateGateway() error {
	if c.Security.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.Gateway.NodeID < 0 || c.Gateway.NodeID > 1023 {
		return fmt.Errorf("gateway node_id out of range: %d", c.Gateway.NodeID)
	}
	return nil
}

// GetEnv returns environment variable value with fallback
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
