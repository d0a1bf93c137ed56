// Package config loads process configuration via viper, following the
// teacher's config-singleton idiom (pkg/config/genesis/generation.go,
// and harness/engine/network.go's direct spf13/viper usage) but scoped
// to the fields spec.md §6 actually names: network, database connection
// string, message bus connection string, plus the node RPC endpoint
// needed to reach the external collaborator of §6.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration (spec.md §6).
type Config struct {
	// Network selects address decoding rules (spec.md §6): mainnet,
	// testnet, regtest, simnet.
	Network string `mapstructure:"network"`

	// Postgres is the relational storage DSN (spec.md §6).
	Postgres string `mapstructure:"postgres_dsn"`

	// AMQPURL and AMQPExchange address the message bus (spec.md §6).
	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`

	// Node addresses the upstream Bitcoin node RPC (spec.md §6).
	NodeHost string `mapstructure:"node_host"`
	NodeUser string `mapstructure:"node_user"`
	NodePass string `mapstructure:"node_pass"`
	NodeTLS  bool   `mapstructure:"node_tls"`

	// OuterLoopRetryBackoff is spec.md §4.7's "refreshing stored_latest
	// from the DB (retrying with 1s backoff until it succeeds)".
	OuterLoopRetryBackoff time.Duration `mapstructure:"outer_loop_retry_backoff"`
	// InnerLoopRetryBackoff is spec.md §4.7's "log and retry after 5s"
	// for the mempool-reconciliation loop.
	InnerLoopRetryBackoff time.Duration `mapstructure:"inner_loop_retry_backoff"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("network", "mainnet")
	v.SetDefault("amqp_exchange", "chromanode")
	v.SetDefault("outer_loop_retry_backoff", time.Second)
	v.SetDefault("inner_loop_retry_backoff", 5*time.Second)
	v.SetDefault("node_tls", true)
}

// Load reads configuration from environment variables prefixed
// CHROMANODE_, path (if non-empty), and the defaults above, in that
// order of decreasing priority — matching viper's usual layering.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("chromanode")
	v.AutomaticEnv()

	// Unmarshal only sees keys viper already knows of; keys without a
	// default must be bound explicitly for their env vars to apply.
	for _, key := range []string{"postgres_dsn", "amqp_url", "node_host", "node_user", "node_pass"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// validate enforces the "Fatal (configuration missing...)" case of
// spec.md §7: a missing required field must terminate the process, not
// be silently defaulted.
func (c *Config) validate() error {
	if c.Postgres == "" {
		return fmt.Errorf("postgres_dsn is required")
	}

	if c.AMQPURL == "" {
		return fmt.Errorf("amqp_url is required")
	}

	if c.NodeHost == "" {
		return fmt.Errorf("node_host is required")
	}

	return nil
}
