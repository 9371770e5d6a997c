package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given YAML file, applies environment
// overrides, and validates the result. The file is optional; defaults plus
// environment variables can carry a full configuration.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			// The file exists but could not be parsed
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides, which
// take precedence over the file
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("UPSERTD_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if dataDir := os.Getenv("UPSERTD_DATA_DIR"); dataDir != "" {
		cfg.Server.DataDir = dataDir
	}

	if brokers := os.Getenv("UPSERTD_INPUT_BROKERS"); brokers != "" {
		cfg.Input.Brokers = splitList(brokers)
	}
	if topic := os.Getenv("UPSERTD_INPUT_TOPIC"); topic != "" {
		cfg.Input.Topic = topic
	}
	if groupID := os.Getenv("UPSERTD_INPUT_GROUP_ID"); groupID != "" {
		cfg.Input.GroupID = groupID
	}

	if brokers := os.Getenv("UPSERTD_OUTPUT_BROKERS"); brokers != "" {
		cfg.Output.Brokers = splitList(brokers)
	}
	if topic := os.Getenv("UPSERTD_OUTPUT_TOPIC"); topic != "" {
		cfg.Output.Topic = topic
	}
	if partitions := os.Getenv("UPSERTD_OUTPUT_PARTITIONS"); partitions != "" {
		if n, err := strconv.Atoi(partitions); err == nil {
			cfg.Output.Partitions = n
		}
	}

	if dir := os.Getenv("UPSERTD_KV_DATA_DIR"); dir != "" {
		cfg.KVStore.DataDir = dir
	}
	if dir := os.Getenv("UPSERTD_UPDATE_LOG_DATA_DIR"); dir != "" {
		cfg.UpdateLog.DataDir = dir
	}

	if level := os.Getenv("UPSERTD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if port := os.Getenv("UPSERTD_METRICS_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = n
		}
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
