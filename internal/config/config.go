package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	APISecret     string        `mapstructure:"api_secret"` // empty disables HMAC on mint/redeem
	HMACClockSkew time.Duration `mapstructure:"hmac_clock_skew"`
}

type ChainConfig struct {
	ChainID              int64         `mapstructure:"chain_id"`
	RPCURL               string        `mapstructure:"rpc_url"`
	PrivateKey           string        `mapstructure:"private_key"`
	NetworkWatchInterval time.Duration `mapstructure:"network_watch_interval"`
}

type ContractsConfig struct {
	MintedToken string `mapstructure:"minted_token"`
	StableToken string `mapstructure:"stable_token"`
}

type IndexerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type ReceiptsConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"` // empty selects the in-memory store
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables override file values. Prefix: PEGMINT_; nested keys
// use underscore: PEGMINT_CHAIN_RPC_URL, PEGMINT_INDEXER_API_KEY, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.hmac_clock_skew", time.Minute)
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.network_watch_interval", 15*time.Second)
	v.SetDefault("contracts.minted_token", "0xed7fd16423Bc19b9143313ac5E4B7F731D714e97")
	v.SetDefault("contracts.stable_token", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	v.SetDefault("indexer.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("PEGMINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Contracts.MintedToken) {
		return fmt.Errorf("invalid minted token address %q", c.Contracts.MintedToken)
	}
	if !common.IsHexAddress(c.Contracts.StableToken) {
		return fmt.Errorf("invalid stable token address %q", c.Contracts.StableToken)
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive, got %d", c.Chain.ChainID)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.Port)
	}
	return nil
}
