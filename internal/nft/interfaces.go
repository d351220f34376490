package nft

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

var (
	ErrReadOnly = errors.New("no transactor for mint")
	ErrTxFailed = errors.New("mint transaction reverted")
)

// Client abstracts the on-chain MyEpicNFT interaction.
type Client interface {
	// Mint sends makeAnEpicNFT signed by opts.
	Mint(ctx context.Context, opts *bind.TransactOpts) (*types.Transaction, error)
	// WaitMined blocks until tx is included and fails if it reverted.
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	// TotalMinted calls getTotalNFTsMintedSoFar.
	TotalMinted(ctx context.Context) (uint64, error)
	// WatchMinted streams NewEpicNFTMinted events into sink.
	WatchMinted(ctx context.Context, sink chan<- MintedEvent) (event.Subscription, error)
}

// HealthChecker is implemented by clients that can check their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// MintedEvent is a decoded NewEpicNFTMinted log.
type MintedEvent struct {
	From        common.Address
	TokenID     *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}
