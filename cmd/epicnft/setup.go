package main

import (
	"context"
	"fmt"
	"math/big"

	"epicnft/internal/config"
	"epicnft/internal/idempotency"
	"epicnft/internal/minter"
	"epicnft/internal/nft"
	"epicnft/internal/wallet"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"
)

// loadConfig reads the deployments file and environment, then applies flags.
func loadConfig(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IsSet(rpcFlag.Name) {
		cfg.Chain.RPCURL = c.String(rpcFlag.Name)
	}
	if c.IsSet(contractFlag.Name) {
		cfg.Chain.Contract = c.String(contractFlag.Name)
	}
	if c.IsSet(walletFlag.Name) {
		cfg.Chain.Wallet = c.String(walletFlag.Name)
	}
	if c.IsSet(keystoreFlag.Name) {
		cfg.Chain.KeystoreDir = c.String(keystoreFlag.Name)
	}
	if c.IsSet(accountFlag.Name) {
		cfg.Chain.Account = c.String(accountFlag.Name)
	}
	if c.IsSet(portFlag.Name) {
		cfg.Service.HTTPPort = c.Int(portFlag.Name)
	}
	if c.IsSet(pollFlag.Name) {
		cfg.Chain.PollInterval = c.Duration(pollFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func minterConfig(cfg *config.AppConfig) minter.Config {
	return minter.Config{
		Contract:        cfg.ContractAddress(),
		ExpectedChainID: cfg.ExpectedChainID(),
		NetworkName:     cfg.Deployment.NetworkName,
		TotalSupply:     cfg.Deployment.TotalSupply,
		OpenSeaURL:      cfg.Deployment.Links.OpenSea,
		ExplorerURL:     cfg.Deployment.Links.Explorer,
		MaxNotices:      cfg.Service.MaxNotices,
	}
}

// backend is a controller plus whatever has to be closed after it.
type backend struct {
	ctrl   *minter.Controller
	client *ethclient.Client
}

func (b *backend) Close() {
	b.ctrl.Close()
	if b.client != nil {
		b.client.Close()
	}
}

func openBackend(ctx context.Context, c *cli.Context, cfg *config.AppConfig) (*backend, error) {
	if c.Bool(dryRunFlag.Name) {
		return openDryRun(cfg)
	}

	rc, err := rpc.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	ec := ethclient.NewClient(rc)

	w, err := wallet.Open(wallet.Config{
		Kind:             cfg.Chain.Wallet,
		PrivateKey:       cfg.Chain.PrivateKey,
		KeystoreDir:      cfg.Chain.KeystoreDir,
		KeystorePassword: cfg.Chain.KeystorePassword,
		Account:          cfg.Chain.Account,
	}, rc, ec)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("wallet: %w", err)
	}

	contract, err := nft.NewEthClient(ec, nft.EthClientConfig{
		Contract:     cfg.ContractAddress(),
		PollInterval: cfg.Chain.PollInterval,
	})
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("contract client: %w", err)
	}

	log.Info("Connected to node", "rpc", cfg.Chain.RPCURL, "contract", cfg.ContractAddress())
	return &backend{ctrl: minter.New(minterConfig(cfg), w, contract), client: ec}, nil
}

type staticChain struct {
	id *big.Int
}

func (s staticChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.id), nil
}

// openDryRun backs the controller with an in-memory contract and a
// throwaway key on the expected chain.
func openDryRun(cfg *config.AppConfig) (*backend, error) {
	var w wallet.Provider
	if cfg.Chain.Wallet != wallet.KindNone {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		kp, err := wallet.NewKeyProvider(hexutil.Encode(crypto.FromECDSA(key)), staticChain{id: cfg.ExpectedChainID()})
		if err != nil {
			return nil, err
		}
		w = kp
		log.Warn("Dry run, nothing is sent to a node", "account", crypto.PubkeyToAddress(key.PublicKey))
	}
	return &backend{ctrl: minter.New(minterConfig(cfg), w, nft.NewFakeClient(0))}, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Service.DatabaseURL != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		log.Info("Using postgres idempotency store")
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency store: %w", err)
	}
	log.Info("Using file idempotency store", "path", cfg.Service.IdempotencyStorePath)
	return fs, func() {}, nil
}
