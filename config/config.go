// Package config loads the finalizer configuration from a YAML file and
// TXFINALIZER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/tranvictor/txfinalizer"
)

// EnvPrefix is prepended to every environment variable, e.g. TXFINALIZER_REDIS_ADDR
const EnvPrefix = "TXFINALIZER"

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Event backends
const (
	EventsNone  = "none"
	EventsRedis = "redis"
	EventsKafka = "kafka"
)

type Config struct {
	Chains []ChainConfig `mapstructure:"chains" validate:"dive"`
	Gas    GasConfig     `mapstructure:"gas"`
	Swap   SwapConfig    `mapstructure:"swap"`
	Store  StoreConfig   `mapstructure:"store"`
	Events EventsConfig  `mapstructure:"events"`
	Redis  RedisConfig   `mapstructure:"redis"`
	Kafka  KafkaConfig   `mapstructure:"kafka"`
}

type ChainConfig struct {
	Name          string  `mapstructure:"name" validate:"required"`
	ChainID       uint64  `mapstructure:"chain_id" validate:"required"`
	RPCURL        string  `mapstructure:"rpc_url" validate:"required,url"`
	Custom        bool    `mapstructure:"custom"`
	GasMultiplier float64 `mapstructure:"gas_multiplier" validate:"gte=0"`

	// NativeToken overrides the swap default token of the chain
	NativeToken *TokenConfig `mapstructure:"native_token"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol" validate:"required"`
	Address  string `mapstructure:"address" validate:"omitempty,eth_addr"`
	Decimals uint8  `mapstructure:"decimals"`
}

type GasConfig struct {
	DefaultMultiplier float64 `mapstructure:"default_multiplier" validate:"gt=0"`
}

type SwapConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gt=0"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

type StoreConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=memory redis"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl" validate:"gt=0"`
}

type EventsConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=none redis kafka"`
	Prefix  string `mapstructure:"prefix"`
	// MaxLen caps redis streams, zero means unbounded
	MaxLen int64 `mapstructure:"max_len" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gas.default_multiplier", txfinalizer.DefaultGasMultiplier)

	v.SetDefault("swap.max_attempts", txfinalizer.SwapBalanceMaxAttempts)
	v.SetDefault("swap.retry_delay", txfinalizer.SwapBalanceRetryDelay)

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.claim_ttl", txfinalizer.DefaultClaimTTL)

	v.SetDefault("events.backend", EventsNone)
	v.SetDefault("events.prefix", "txfinalizer.")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "txfinalizer:")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
}

// Load reads path, if not empty, then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("couldn't read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("couldn't decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.ChainID] {
			return fmt.Errorf("invalid config: chain id %d listed twice", ch.ChainID)
		}
		seen[ch.ChainID] = true
	}

	needRedis := c.Store.Backend == StoreRedis || c.Events.Backend == EventsRedis
	if needRedis && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required by the redis backend")
	}
	if c.Events.Backend == EventsKafka && len(c.Kafka.Brokers) == 0 {
		return errors.New("invalid config: kafka.brokers is required by the kafka backend")
	}
	return nil
}

// SwapTokens returns the configured default token overrides keyed by chain id
func (c *Config) SwapTokens() map[uint64]txfinalizer.SwapToken {
	out := make(map[uint64]txfinalizer.SwapToken)
	for _, ch := range c.Chains {
		if ch.NativeToken == nil {
			continue
		}
		tok := txfinalizer.SwapToken{
			Symbol:   ch.NativeToken.Symbol,
			Decimals: ch.NativeToken.Decimals,
		}
		if ch.NativeToken.Address != "" {
			tok.Address = common.HexToAddress(ch.NativeToken.Address)
		}
		if tok.Decimals == 0 {
			tok.Decimals = 18
		}
		out[ch.ChainID] = tok
	}
	return out
}
