package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

type KeystoreConfig struct {
	Dir        string
	Passphrase string
	// Account picks one keystore entry; empty means the first one.
	Account string
	// ScryptN and ScryptP default to the standard keystore parameters and only
	// matter for accounts created through this provider.
	ScryptN int
	ScryptP int
}

// KeystoreProvider wraps a geth keystore directory. Nothing is authorized
// until RequestAccounts unlocks the selected account.
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	passphrase string
	want       common.Address
	chain      ChainIDReader

	mu       sync.Mutex
	unlocked []accounts.Account
}

func NewKeystoreProvider(cfg KeystoreConfig, chain ChainIDReader) (*KeystoreProvider, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("keystore dir is required")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain reader is required")
	}
	if cfg.Account != "" && !common.IsHexAddress(cfg.Account) {
		return nil, fmt.Errorf("invalid keystore account %q", cfg.Account)
	}
	n, p := cfg.ScryptN, cfg.ScryptP
	if n == 0 || p == 0 {
		n, p = keystore.StandardScryptN, keystore.StandardScryptP
	}
	return &KeystoreProvider{
		ks:         keystore.NewKeyStore(cfg.Dir, n, p),
		passphrase: cfg.Passphrase,
		want:       common.HexToAddress(cfg.Account),
		chain:      chain,
	}, nil
}

func (p *KeystoreProvider) Accounts(context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.Address, 0, len(p.unlocked))
	for _, a := range p.unlocked {
		out = append(out, a.Address)
	}
	return out, nil
}

func (p *KeystoreProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	acct, err := p.selectAccount()
	if err != nil {
		return nil, err
	}
	if err := p.ks.Unlock(acct, p.passphrase); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", acct.Address.Hex(), err)
	}

	p.mu.Lock()
	if !containsAccount(p.unlocked, acct.Address) {
		p.unlocked = append(p.unlocked, acct)
	}
	p.mu.Unlock()
	return p.Accounts(ctx)
}

func (p *KeystoreProvider) selectAccount() (accounts.Account, error) {
	all := p.ks.Accounts()
	if len(all) == 0 {
		return accounts.Account{}, ErrNoAccounts
	}
	if p.want == (common.Address{}) {
		return all[0], nil
	}
	for _, a := range all {
		if a.Address == p.want {
			return a, nil
		}
	}
	return accounts.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, p.want.Hex())
}

func (p *KeystoreProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.chain.ChainID(ctx)
}

func (p *KeystoreProvider) Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	p.mu.Lock()
	var acct accounts.Account
	found := false
	for _, a := range p.unlocked {
		if a.Address == account {
			acct, found = a, true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: %s is not unlocked", ErrUnknownAccount, account.Hex())
	}

	chainID, err := p.chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	opts, err := bind.NewKeyStoreTransactorWithChainID(p.ks, acct, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func containsAccount(list []accounts.Account, addr common.Address) bool {
	for _, a := range list {
		if a.Address == addr {
			return true
		}
	}
	return false
}
