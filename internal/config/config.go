package config

import (
	"fmt"
	"time"
)

// ServerConfig identifies this coordinator instance
type ServerConfig struct {
	NodeID  string `mapstructure:"node_id" yaml:"node_id"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// InputConfig holds the input log connection settings
type InputConfig struct {
	Brokers       []string `mapstructure:"brokers" yaml:"brokers"`
	Topic         string   `mapstructure:"topic" yaml:"topic"`
	GroupID       string   `mapstructure:"group_id" yaml:"group_id"`
	MinBytes      int      `mapstructure:"min_bytes" yaml:"min_bytes"`
	MaxBytes      int      `mapstructure:"max_bytes" yaml:"max_bytes"`
	QueueCapacity int      `mapstructure:"queue_capacity" yaml:"queue_capacity"`
}

// OutputConfig holds the output log connection settings
type OutputConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Partitions   int           `mapstructure:"partitions" yaml:"partitions"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// CoordinatorConfig holds the batch cycle settings
type CoordinatorConfig struct {
	FetchMsgDelay            time.Duration `mapstructure:"fetch_msg_delay" yaml:"fetch_msg_delay"`
	FetchMsgMaxDelay         time.Duration `mapstructure:"fetch_msg_max_delay" yaml:"fetch_msg_max_delay"`
	FetchMsgMaxBatchSize     int           `mapstructure:"fetch_msg_max_batch_size" yaml:"fetch_msg_max_batch_size"`
	ConsumerBlockingQueueSize int          `mapstructure:"consumer_blocking_queue_size" yaml:"consumer_blocking_queue_size"`
	OutputAckTimeout         time.Duration `mapstructure:"output_ack_timeout" yaml:"output_ack_timeout"`
	ConsumerRetryBackoff     time.Duration `mapstructure:"consumer_retry_backoff" yaml:"consumer_retry_backoff"`
	TerminationWait          time.Duration `mapstructure:"termination_wait" yaml:"termination_wait"`
}

// KVStoreConfig is passed through to the embedded key-context store
type KVStoreConfig struct {
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	SyncWrites  bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
	CacheSizeMB int64  `mapstructure:"cache_size_mb" yaml:"cache_size_mb"`
}

// UpdateLogConfig holds durable update log settings
type UpdateLogConfig struct {
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// UpdaterConfig holds segment updater settings
type UpdaterConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	GroupID      string        `mapstructure:"group_id" yaml:"group_id"`
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	PollMaxWait  time.Duration `mapstructure:"poll_max_wait" yaml:"poll_max_wait"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// MetricsConfig holds the admin HTTP server settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// HealthConfig holds probe settings
type HealthConfig struct {
	GRPCPort      int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the complete daemon configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Input       InputConfig       `mapstructure:"input" yaml:"input"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	KVStore     KVStoreConfig     `mapstructure:"kv_store" yaml:"kv_store"`
	UpdateLog   UpdateLogConfig   `mapstructure:"update_log" yaml:"update_log"`
	Updater     UpdaterConfig     `mapstructure:"updater" yaml:"updater"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfig returns a config with workable defaults for everything that
// has one. Broker and topic settings have no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:  "upsertd-0",
			DataDir: "./data",
		},
		Input: InputConfig{
			GroupID:  "upsertd-coordinator",
			MinBytes: 1,
			MaxBytes: 10 << 20,
		},
		Output: OutputConfig{
			Partitions:   8,
			BatchSize:    500,
			BatchTimeout: 10 * time.Millisecond,
		},
		Coordinator: CoordinatorConfig{
			FetchMsgDelay:             100 * time.Millisecond,
			FetchMsgMaxDelay:          5 * time.Second,
			FetchMsgMaxBatchSize:      10000,
			ConsumerBlockingQueueSize: 100000,
			OutputAckTimeout:          10 * time.Second,
			ConsumerRetryBackoff:      time.Second,
			TerminationWait:           10 * time.Second,
		},
		KVStore: KVStoreConfig{
			DataDir:     "./data/kv",
			SyncWrites:  true,
			CacheSizeMB: 64,
		},
		UpdateLog: UpdateLogConfig{
			DataDir:    "./data/updatelog",
			SyncWrites: true,
		},
		Updater: UpdaterConfig{
			Enabled:      false,
			GroupID:      "upsertd-updater",
			Workers:      4,
			QueueSize:    64,
			PollMaxWait:  5 * time.Second,
			RetryBackoff: time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			GRPCPort:      9091,
			CheckInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	if len(c.Input.Brokers) == 0 {
		return fmt.Errorf("input.brokers is empty")
	}
	if c.Input.Topic == "" {
		return fmt.Errorf("input.topic is empty")
	}
	if len(c.Output.Brokers) == 0 {
		return fmt.Errorf("output.brokers is empty")
	}
	if c.Output.Topic == "" {
		return fmt.Errorf("output.topic is empty")
	}
	if c.Output.Partitions <= 0 {
		return fmt.Errorf("output.partitions must be positive")
	}
	if c.Coordinator.FetchMsgMaxBatchSize <= 0 {
		return fmt.Errorf("coordinator.fetch_msg_max_batch_size must be positive")
	}
	if c.Coordinator.ConsumerBlockingQueueSize <= 0 {
		return fmt.Errorf("coordinator.consumer_blocking_queue_size must be positive")
	}
	if c.KVStore.DataDir == "" {
		return fmt.Errorf("kv_store.data_dir is empty")
	}
	if c.UpdateLog.DataDir == "" {
		return fmt.Errorf("update_log.data_dir is empty")
	}
	return nil
}
