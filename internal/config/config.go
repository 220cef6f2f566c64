// Package config binds the NOETL_* environment knobs (spec §6) and broker/
// database connection settings using viper, following the teacher's
// pflag+viper binding pattern (grounded on its cmd/ cobra root command setup).
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every externally tunable knob for the coordinator and worker
// binaries.
type Config struct {
	// Postgres backs the Event Log (A) and Command Store (B).
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// Redis backs the Distributed Loop KV (D) and Transient Variable Store (I).
	RedisAddr string `mapstructure:"redis_addr"`

	// NATS backs the Notification Bus (C).
	NATSURL      string `mapstructure:"nats_url"`
	NATSSubject  string `mapstructure:"nats_subject"`
	NATSConsumer string `mapstructure:"nats_consumer"`
	NATSMaxInFlight int `mapstructure:"nats_max_in_flight"`

	// NodeID seeds the Snowflake-style ID generator (must be unique per
	// coordinator process).
	NodeID int64 `mapstructure:"node_id"`

	HTTPAddr  string `mapstructure:"http_addr"`
	ServerURL string `mapstructure:"server_url"`

	// Spec §5/§6 closed environment-knob set.
	LoopResultMaxBytes          int           `mapstructure:"loop_result_max_bytes"`
	LoopResultPreviewKeys       int           `mapstructure:"loop_result_preview_keys"`
	LoopResultPreviewItems      int           `mapstructure:"loop_result_preview_items"`
	TaskSeqLoopRepairThreshold  int           `mapstructure:"taskseq_loop_repair_threshold"`
	PaginationMaxPages          int           `mapstructure:"pagination_max_pages"`
	StuckExecutionThreshold     time.Duration `mapstructure:"stuck_execution_threshold"`
}

// BindFlags registers the coordinator/worker's command-line flags and binds
// them, plus NOETL_*-prefixed environment variables, into v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("postgres_dsn", "postgres://localhost:5432/noetl", "PostgreSQL DSN for the event log and command store")
	flags.String("redis_addr", "localhost:6379", "Redis address for loop KV and variable store")
	flags.String("nats_url", "nats://localhost:4222", "NATS server URL for the notification bus")
	flags.String("nats_subject", "noetl.commands", "NATS subject commands are published on (not read: the bus always uses noetl.commands)")
	flags.String("nats_consumer", "noetl-worker-pool", "NATS durable consumer name")
	flags.Int("nats_max_in_flight", 64, "NATS consumer max ack-pending")
	flags.Int64("node_id", 1, "node ID for Snowflake-style ID generation")
	flags.String("http_addr", ":8080", "HTTP façade listen address")
	flags.String("server_url", "http://localhost:8080", "coordinator's own URL, published in notifications")
	flags.Int("loop_result_max_bytes", 64*1024, "byte threshold for compacting loop iteration results to a preview (not read: results are never compacted)")
	flags.Int("loop_result_preview_keys", 5, "number of map keys sampled in a compacted loop-result preview (not read: results are never compacted)")
	flags.Int("loop_result_preview_items", 5, "number of list items sampled in a compacted loop-result preview (not read: results are never compacted)")
	flags.Int("taskseq_loop_repair_threshold", 10, "max missing iterations the tail-repair pass will reissue")
	flags.Int("pagination_max_pages", 100, "cap on pages a pagination collect will accumulate (not read: the cap is fixed at 100)")
	flags.Duration("stuck_execution_threshold", time.Hour, "age past which an execution with no terminal event is considered stuck (not read: cleanup uses the request's threshold, default one hour)")

	v.BindPFlags(flags)
	v.SetEnvPrefix("noetl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load unmarshals the bound viper instance into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
