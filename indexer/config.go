package indexer

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

// MarketplaceConfig describes one scanner: a marketplace's contracts on one chain and how to decode them
type MarketplaceConfig struct {
	Marketplace persist.Marketplace
	Variant     persist.ProviderVariant
	Kind        Kind
	Chain       persist.Chain
	Contracts   []string
	// EventSignature is hashed into the log topic unless Topic is set
	EventSignature  string
	Topic           string
	DeploymentBlock uint64
	BlockRange      uint64
}

// SaleTopic is topic0 of the sale logs
func (c MarketplaceConfig) SaleTopic() (common.Hash, error) {
	if c.Topic != "" {
		if !strings.HasPrefix(c.Topic, "0x") || len(c.Topic) != 66 {
			return common.Hash{}, fmt.Errorf("topic override %q of %s is not a 32 byte hex string", c.Topic, c.Marketplace)
		}
		return common.HexToHash(c.Topic), nil
	}
	if c.EventSignature == "" {
		return common.Hash{}, fmt.Errorf("%s has neither an event signature nor a topic", c.Marketplace)
	}
	return crypto.Keccak256Hash([]byte(c.EventSignature)), nil
}

// Key identifies the checkpoint the scanner owns
func (c MarketplaceConfig) Key() string {
	return persist.AdapterStateSK(c.Marketplace, c.Chain, c.Variant)
}

func (c MarketplaceConfig) validate() error {
	switch {
	case c.Marketplace == "":
		return fmt.Errorf("marketplace name is required")
	case len(c.Contracts) == 0:
		return fmt.Errorf("%s has no contracts", c.Marketplace)
	}
	for _, a := range c.Contracts {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("%s contract %q is not an address", c.Marketplace, a)
		}
	}
	switch c.Kind {
	case KindLegacy, KindOrderFulfillment, KindAggregator:
	default:
		return fmt.Errorf("%s has unknown kind %q", c.Marketplace, c.Kind)
	}
	_, err := c.SaleTopic()
	return err
}

// SetDefaults registers the defaults of every variable the indexer reads
func SetDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 6000)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MATURE_BLOCK_AGE", 12)
	viper.SetDefault("EVENT_BLOCK_RANGE", 250)
	viper.SetDefault("AGGREGATOR_EVENT_BLOCK_RANGE", 50)
	viper.SetDefault("GET_BLOCK_PARALLELISM", 5)
	viper.SetDefault("EVENT_RECEIPT_PARALLELISM", 10)
	viper.SetDefault("ADAPTER_SLEEP_PERIOD", "1m")
	viper.SetDefault("ADAPTER_MAX_RESPAWNS", 3)
	viper.SetDefault("ADAPTER_LOCK_TTL", "5m")
	viper.SetDefault("MARKETPLACES_CONFIG", "")
	viper.SetDefault("CHAINS", "ethereum")
	viper.SetDefault("ETHEREUM_RPC_URLS", "")
	viper.SetDefault("ARBITRUM_RPC_URLS", "")
	viper.SetDefault("POLYGON_RPC_URLS", "")
	viper.SetDefault("OPTIMISM_RPC_URLS", "")
	viper.SetDefault("BASE_RPC_URLS", "")
	viper.SetDefault("STORE_BACKEND", "memory")
	viper.SetDefault("DYNAMO_TABLE", "sales")
	viper.SetDefault("AWS_REGION", "us-east-1")
	viper.SetDefault("POSTGRES_HOST", "0.0.0.0")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "salesindexer")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "postgres")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("SENTRY_DSN", "")
	viper.SetDefault("SENTRY_TRACES_SAMPLE_RATE", 0.2)
	viper.SetDefault("GCLOUD_SALES_LOGS_BUCKET", "")
	viper.SetDefault("STATISTICS_GRANULARITY", "day")
	viper.SetDefault("CLUSTER_SIZE", 0)
	viper.SetDefault("CLUSTER_MAX_IN_FLIGHT", 8)
	viper.SetDefault("CLUSTER_MAX_RESPAWNS", 5)
	viper.SetDefault("CLUSTER_MODE", "local")
	viper.SetDefault("WORKER_UUID", "")
	viper.SetDefault("RUN_CRON_NAME", "")
	viper.SetDefault("LLAMA_API_URL", "https://coins.llama.fi")
	viper.SetDefault("COINGECKO_API_URL", "https://api.coingecko.com/api/v3")
	viper.SetDefault("COINGECKO_API_KEY", "")
	viper.SetDefault("BASE_CURRENCY", "ethereum")
	viper.AutomaticEnv()

	env.RegisterValidation("STORE_BACKEND", "oneof=memory dynamo postgres")
	env.RegisterValidation("CLUSTER_MODE", "oneof=local process")
	env.RegisterValidation("STATISTICS_GRANULARITY", "oneof=hour day week")
	env.RegisterValidation("LLAMA_API_URL", "required,url")
	env.RegisterValidation("COINGECKO_API_URL", "required,url")
	env.RegisterValidation("REDIS_URL", "omitempty,url")
	env.RegisterValidation("LOG_LEVEL", "oneof=trace debug info warn warning error")
	if !env.IsLocal() {
		env.RegisterValidation("SENTRY_DSN", "required,url")
		env.RegisterValidation("ETHEREUM_RPC_URLS", "required")
	}
}

// DefaultMarketplaces are the scanners run when MARKETPLACES_CONFIG is not set
func DefaultMarketplaces() []MarketplaceConfig {
	blockRange := env.GetUint64("EVENT_BLOCK_RANGE")
	return []MarketplaceConfig{
		{
			Marketplace:     "opensea",
			Variant:         "wyvern",
			Kind:            KindLegacy,
			Chain:           persist.ChainETH,
			Contracts:       []string{"0x7f268357a8c2552623316e2562d90e642bb538e5"},
			EventSignature:  contracts.WyvernABI.Events["OrdersMatched"].Sig,
			DeploymentBlock: 14120913,
			BlockRange:      blockRange,
		},
		{
			Marketplace:     "opensea",
			Variant:         "seaport",
			Kind:            KindOrderFulfillment,
			Chain:           persist.ChainETH,
			Contracts:       []string{"0x00000000006c3852cbef3e08e8df289169ede581"},
			EventSignature:  contracts.SeaportABI.Events["OrderFulfilled"].Sig,
			DeploymentBlock: 14946474,
			BlockRange:      blockRange,
		},
		{
			Marketplace:     "opensea",
			Variant:         "seaport-1.5",
			Kind:            KindOrderFulfillment,
			Chain:           persist.ChainETH,
			Contracts:       []string{"0x00000000000000adc04c56bf30ac9d3c0aaf14dc"},
			EventSignature:  contracts.SeaportABI.Events["OrderFulfilled"].Sig,
			DeploymentBlock: 17129405,
			BlockRange:      blockRange,
		},
		{
			Marketplace:     "rarible",
			Variant:         "exchange-v2",
			Kind:            KindAggregator,
			Chain:           persist.ChainETH,
			Contracts:       []string{"0x9757f2d2b135150bbeb65308d4a91804107cd8d6"},
			EventSignature:  contracts.RaribleABI.Events["Match"].Sig,
			DeploymentBlock: 12617828,
			BlockRange:      env.GetUint64("AGGREGATOR_EVENT_BLOCK_RANGE"),
		},
	}
}

type rawMarketplace struct {
	Marketplace     string   `mapstructure:"marketplace"`
	Variant         string   `mapstructure:"variant"`
	Kind            string   `mapstructure:"kind"`
	Chain           string   `mapstructure:"chain"`
	Contracts       []string `mapstructure:"contracts"`
	EventSignature  string   `mapstructure:"eventSignature"`
	Topic           string   `mapstructure:"topic"`
	DeploymentBlock uint64   `mapstructure:"deploymentBlock"`
	BlockRange      uint64   `mapstructure:"blockRange"`
}

// LoadMarketplaces reads the scanners from the YAML file named by MARKETPLACES_CONFIG, or returns
// DefaultMarketplaces when it is unset
func LoadMarketplaces() ([]MarketplaceConfig, error) {
	path := env.GetString("MARKETPLACES_CONFIG")
	if path == "" {
		return DefaultMarketplaces(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read marketplaces config: %w", err)
	}
	return ParseMarketplaces(raw)
}

// ParseMarketplaces decodes a YAML document with a top level "marketplaces" list
func ParseMarketplaces(raw []byte) ([]MarketplaceConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parse marketplaces config: %w", err)
	}

	var entries []rawMarketplace
	if err := v.UnmarshalKey("marketplaces", &entries); err != nil {
		return nil, fmt.Errorf("decode marketplaces config: %w", err)
	}

	configs := make([]MarketplaceConfig, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		chain := persist.ChainETH
		if e.Chain != "" {
			c, err := persist.ChainFromString(e.Chain)
			if err != nil {
				return nil, err
			}
			chain = c
		}
		kind := Kind(e.Kind)
		blockRange := e.BlockRange
		if blockRange == 0 {
			blockRange = env.GetUint64("EVENT_BLOCK_RANGE")
			if kind == KindAggregator {
				blockRange = env.GetUint64("AGGREGATOR_EVENT_BLOCK_RANGE")
			}
		}
		variant := e.Variant
		if variant == "" {
			variant = "default"
		}
		cfg := MarketplaceConfig{
			Marketplace:     persist.Marketplace(strings.ToLower(e.Marketplace)),
			Variant:         persist.ProviderVariant(variant),
			Kind:            kind,
			Chain:           chain,
			Contracts:       e.Contracts,
			EventSignature:  e.EventSignature,
			Topic:           e.Topic,
			DeploymentBlock: e.DeploymentBlock,
			BlockRange:      blockRange,
		}
		if cfg.BlockRange == 0 {
			cfg.BlockRange = 250
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if seen[cfg.Key()] {
			return nil, fmt.Errorf("duplicate scanner %s", cfg.Key())
		}
		seen[cfg.Key()] = true
		configs = append(configs, cfg)
	}
	return configs, nil
}
