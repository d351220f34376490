package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID     int64  `json:"chainId"`
	NetworkName string `json:"networkName"`
	TotalSupply uint64 `json:"totalSupply"`
	Contracts   struct {
		MyEpicNFT string `json:"MyEpicNFT"`
	} `json:"contracts"`
	Links LinksConfig `json:"links"`
}

// LinksConfig holds the outbound links rendered on the mint page.
type LinksConfig struct {
	OpenSea       string `json:"openSea"`
	Collection    string `json:"collection"`
	Explorer      string `json:"explorer"`
	TwitterHandle string `json:"twitterHandle"`
}

// AppConfig ties together deployment info and environment values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
}

type ServiceConfig struct {
	HTTPPort             int           `env:"EPICNFT_HTTP_PORT" envDefault:"3000"`
	ShutdownTimeout      time.Duration `env:"EPICNFT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	APISecret            string        `env:"EPICNFT_API_SECRET"`
	HMACClockSkew        time.Duration `env:"EPICNFT_HMAC_CLOCK_SKEW" envDefault:"60s"`
	IdempotencyWindow    time.Duration `env:"EPICNFT_IDEMPOTENCY_WINDOW" envDefault:"24h"`
	IdempotencyStorePath string        `env:"EPICNFT_IDEMPOTENCY_STORE_PATH"`
	DatabaseURL          string        `env:"EPICNFT_DATABASE_URL"`
	MaxNotices           int           `env:"EPICNFT_MAX_NOTICES" envDefault:"32"`
}

type ChainConfig struct {
	RPCURL           string        `env:"EPICNFT_RPC_URL" envDefault:"http://localhost:8545"`
	Contract         string        `env:"EPICNFT_CONTRACT"`
	Wallet           string        `env:"EPICNFT_WALLET" envDefault:"auto"`
	PrivateKey       string        `env:"EPICNFT_PRIVATE_KEY"`
	KeystoreDir      string        `env:"EPICNFT_KEYSTORE_DIR"`
	KeystorePassword string        `env:"EPICNFT_KEYSTORE_PASSWORD"`
	Account          string        `env:"EPICNFT_ACCOUNT"`
	PollInterval     time.Duration `env:"EPICNFT_POLL_INTERVAL" envDefault:"4s"`
}

const (
	defaultDeploymentsPath = "deployments.json"
	defaultTotalSupply     = 50
)

// Load aggregates configuration from disk and environment. A missing
// deployments file at the default path falls back to DefaultDeployment.
func Load() (*AppConfig, error) {
	deployCfg := DefaultDeployment()
	path := os.Getenv("EPICNFT_DEPLOYMENTS_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultDeploymentsPath
	}
	if err := loadDeployments(path, &deployCfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
	}

	var serviceCfg ServiceConfig
	if err := env.Parse(&serviceCfg); err != nil {
		return nil, fmt.Errorf("parse service env: %w", err)
	}
	if serviceCfg.IdempotencyStorePath == "" {
		serviceCfg.IdempotencyStorePath = filepath.Join(os.TempDir(), "epicnft-idem.json")
	}

	var chainCfg ChainConfig
	if err := env.Parse(&chainCfg); err != nil {
		return nil, fmt.Errorf("parse chain env: %w", err)
	}

	cfg := &AppConfig{
		Deployment: deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
	}
	return cfg, nil
}

// DefaultDeployment returns the rinkeby deployment the page was first built for.
func DefaultDeployment() DeploymentConfig {
	var d DeploymentConfig
	d.ChainID = 4
	d.NetworkName = "Rinkeby Test Network"
	d.TotalSupply = defaultTotalSupply
	d.Contracts.MyEpicNFT = "0x067A7cb439d745c01973558584209f3bB871f790"
	d.Links = LinksConfig{
		OpenSea:       "https://testnets.opensea.io",
		Collection:    "https://testnets.opensea.io/collection/squarenft-t3laea313b",
		Explorer:      "https://rinkeby.etherscan.io",
		TwitterHandle: "KartikKSahoo",
	}
	return d
}

// Validate reports configuration that cannot produce a working minter.
func (c *AppConfig) Validate() error {
	if !common.IsHexAddress(c.contractHex()) || c.ContractAddress() == (common.Address{}) {
		return fmt.Errorf("invalid contract address %q", c.contractHex())
	}
	if c.Chain.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if c.Deployment.ChainID <= 0 {
		return fmt.Errorf("invalid chain id %d", c.Deployment.ChainID)
	}
	switch c.Chain.Wallet {
	case "auto", "rpc", "keystore", "key", "none":
	default:
		return fmt.Errorf("unknown wallet kind %q", c.Chain.Wallet)
	}
	if c.Deployment.TotalSupply == 0 {
		return errors.New("total supply must be positive")
	}
	return nil
}

// ContractAddress resolves the MyEpicNFT address, preferring the env override.
func (c *AppConfig) ContractAddress() common.Address {
	return common.HexToAddress(c.contractHex())
}

func (c *AppConfig) contractHex() string {
	if c.Chain.Contract != "" {
		return c.Chain.Contract
	}
	return c.Deployment.Contracts.MyEpicNFT
}

// ExpectedChainID is the chain the wallet has to be connected to.
func (c *AppConfig) ExpectedChainID() *big.Int {
	return big.NewInt(c.Deployment.ChainID)
}

func loadDeployments(path string, cfg *DeploymentConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return err
	}
	return nil
}
