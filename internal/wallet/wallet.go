// Package wallet stands in for a browser-injected Ethereum provider. It
// exposes the account and chain queries a dApp makes (eth_accounts,
// eth_requestAccounts, eth_chainId) and hands out transactors that sign with
// whichever backend holds the keys.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrNoWallet       = errors.New("no wallet provider configured")
	ErrNoAccounts     = errors.New("wallet returned no accounts")
	ErrUnknownAccount = errors.New("account not managed by wallet")
)

// Provider is what the minter needs from a wallet.
type Provider interface {
	// Accounts lists accounts already authorized for this app.
	Accounts(ctx context.Context) ([]common.Address, error)
	// RequestAccounts asks the wallet to authorize and return its accounts.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// ChainID reports the chain the wallet is connected to.
	ChainID(ctx context.Context) (*big.Int, error)
	// Transactor returns signing options for account.
	Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
}

// ChainIDReader is satisfied by *ethclient.Client.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Kinds accepted by Open.
const (
	KindAuto     = "auto"
	KindRPC      = "rpc"
	KindKeystore = "keystore"
	KindKey      = "key"
	KindNone     = "none"
)

type Config struct {
	Kind             string
	PrivateKey       string
	KeystoreDir      string
	KeystorePassword string
	Account          string
}

// Open builds the provider selected by cfg. KindNone yields (nil, nil): the
// caller runs without a wallet. KindAuto prefers a keystore, then a raw key,
// then the accounts of the rpc endpoint.
func Open(cfg Config, rc *rpc.Client, chain ChainIDReader) (Provider, error) {
	kind := cfg.Kind
	if kind == "" || kind == KindAuto {
		switch {
		case cfg.KeystoreDir != "":
			kind = KindKeystore
		case cfg.PrivateKey != "":
			kind = KindKey
		default:
			kind = KindRPC
		}
	}

	switch kind {
	case KindNone:
		return nil, nil
	case KindKeystore:
		p, err := NewKeystoreProvider(KeystoreConfig{
			Dir:        cfg.KeystoreDir,
			Passphrase: cfg.KeystorePassword,
			Account:    cfg.Account,
		}, chain)
		if err != nil {
			return nil, err
		}
		log.Info("Using keystore wallet", "dir", cfg.KeystoreDir)
		return p, nil
	case KindKey:
		p, err := NewKeyProvider(cfg.PrivateKey, chain)
		if err != nil {
			return nil, err
		}
		log.Info("Using private key wallet", "account", p.address)
		return p, nil
	case KindRPC:
		if rc == nil {
			return nil, fmt.Errorf("rpc wallet needs an rpc client")
		}
		log.Info("Using rpc endpoint accounts as wallet")
		return NewRPCProvider(rc), nil
	default:
		return nil, fmt.Errorf("unknown wallet kind %q", kind)
	}
}

func first(accounts []common.Address, err error) (common.Address, error) {
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoAccounts
	}
	return accounts[0], nil
}

// First returns the primary authorized account, like accounts[0] in a dApp.
func First(ctx context.Context, p Provider, request bool) (common.Address, error) {
	if p == nil {
		return common.Address{}, ErrNoWallet
	}
	if request {
		return first(p.RequestAccounts(ctx))
	}
	return first(p.Accounts(ctx))
}
