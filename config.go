package vegamarket

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kaifufi/vega-market-go/chain"
)

// ChainID represents a blockchain chain ID
type ChainID int64

const (
	ChainIDMainnet ChainID = 1        // Ethereum mainnet
	ChainIDSepolia ChainID = 11155111 // Sepolia testnet
	ChainIDHardhat ChainID = 31337    // local hardhat / anvil node
)

// SupportedChainIDs lists all supported chain IDs
var SupportedChainIDs = []ChainID{ChainIDMainnet, ChainIDSepolia, ChainIDHardhat}

// EIP-712 domain values every signature is bound to
const (
	DefaultDomainName    = chain.EIP712DomainName
	DefaultDomainVersion = chain.EIP712DomainVersion
)

// Environment variables read after the config file; they win over file values
const (
	EnvPrivateKey = "VEGA_PRIVATE_KEY"
	EnvRPCURL     = "VEGA_RPC_URL"
	EnvStorePath  = "VEGA_STORE_PATH"
	EnvListen     = "VEGA_LISTEN"
)

// Config holds everything needed to run a market and its relay
type Config struct {
	ChainID ChainID `yaml:"chain_id"`

	Market struct {
		Address     string        `yaml:"address"`
		MaxPriceAge time.Duration `yaml:"max_price_age"`
	} `yaml:"market"`

	Feed struct {
		RPCURL       string `yaml:"rpc_url"`
		Address      string `yaml:"address"`
		TokenAddress string `yaml:"token_address"`
	} `yaml:"feed"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Relay struct {
		Listen        string  `yaml:"listen"`
		RateLimit     float64 `yaml:"rate_limit"` // meta-transactions per second per signer
		Burst         int     `yaml:"burst"`
		PeerRateLimit float64 `yaml:"peer_rate_limit"` // requests per second per remote host
		PeerBurst     int     `yaml:"peer_burst"`
	} `yaml:"relay"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// PrivateKey is the relayer key. Only ever read from the environment.
	PrivateKey string `yaml:"-"`
}

// DefaultConfig returns a config for a local development chain
func DefaultConfig() *Config {
	cfg := &Config{ChainID: ChainIDHardhat}
	cfg.Store.Path = "vegamarket.db"
	cfg.Relay.Listen = ":8080"
	cfg.Relay.RateLimit = 1
	cfg.Relay.Burst = 5
	cfg.Relay.PeerRateLimit = 10
	cfg.Relay.PeerBurst = 20
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads path (optional) over the defaults, then applies .env and environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv(EnvPrivateKey); v != "" {
		cfg.PrivateKey = strings.TrimPrefix(v, "0x")
	}
	if v := os.Getenv(EnvRPCURL); v != "" {
		cfg.Feed.RPCURL = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Relay.Listen = v
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	supported := false
	for _, id := range SupportedChainIDs {
		if c.ChainID == id {
			supported = true
			break
		}
	}
	if !supported {
		return &InvalidParamError{Message: fmt.Sprintf("chain_id must be one of %v", SupportedChainIDs)}
	}

	if c.Market.Address != "" && !common.IsHexAddress(c.Market.Address) {
		return &InvalidParamError{Message: fmt.Sprintf("invalid market address: %s", c.Market.Address)}
	}
	if c.Feed.Address != "" && !common.IsHexAddress(c.Feed.Address) {
		return &InvalidParamError{Message: fmt.Sprintf("invalid feed address: %s", c.Feed.Address)}
	}
	if c.Feed.TokenAddress != "" && !common.IsHexAddress(c.Feed.TokenAddress) {
		return &InvalidParamError{Message: fmt.Sprintf("invalid token address: %s", c.Feed.TokenAddress)}
	}
	if c.Market.MaxPriceAge < 0 {
		return &InvalidParamError{Message: "max_price_age must not be negative"}
	}
	if c.Relay.RateLimit < 0 || c.Relay.Burst < 0 {
		return &InvalidParamError{Message: "relay rate_limit and burst must not be negative"}
	}
	if c.Relay.PeerRateLimit < 0 || c.Relay.PeerBurst < 0 {
		return &InvalidParamError{Message: "relay peer_rate_limit and peer_burst must not be negative"}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return &InvalidParamError{Message: fmt.Sprintf("unknown log format: %s", c.Logging.Format)}
	}
	return nil
}
