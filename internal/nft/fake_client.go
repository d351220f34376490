package nft

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"epicnft/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

var fakeContract = common.HexToAddress("0x00000000000000000000000000000000000e9c")

// FakeClient is an in-memory MyEpicNFT used by tests and dry runs. Mined mints
// bump the counter and are broadcast to watchers like the real event.
type FakeClient struct {
	// MintErr and WaitErr, when set, fail the corresponding call.
	MintErr error
	WaitErr error

	mu      sync.Mutex
	minted  uint64
	nonce   uint64
	pending map[common.Hash]common.Address
	feed    event.Feed
}

func NewFakeClient(alreadyMinted uint64) *FakeClient {
	return &FakeClient{
		minted:  alreadyMinted,
		pending: make(map[common.Hash]common.Address),
	}
}

func (f *FakeClient) Mint(_ context.Context, opts *bind.TransactOpts) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrReadOnly
	}
	if f.MintErr != nil {
		return nil, f.MintErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[common.Hash]common.Address)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    f.nonce,
		To:       &fakeContract,
		Gas:      250_000,
		GasPrice: big.NewInt(1),
		Data:     crypto.Keccak256([]byte(contracts.MethodMint + "()"))[:4],
	})
	f.nonce++
	f.pending[tx.Hash()] = opts.From
	return tx, nil
}

func (f *FakeClient) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if f.WaitErr != nil {
		return nil, f.WaitErr
	}

	f.mu.Lock()
	from, ok := f.pending[tx.Hash()]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("unknown transaction %s", tx.Hash().Hex())
	}
	delete(f.pending, tx.Hash())
	tokenID := new(big.Int).SetUint64(f.minted)
	f.minted++
	block := f.minted
	f.mu.Unlock()

	f.feed.Send(MintedEvent{From: from, TokenID: tokenID, TxHash: tx.Hash(), BlockNumber: block})
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(block),
	}, nil
}

func (f *FakeClient) TotalMinted(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minted, nil
}

func (f *FakeClient) WatchMinted(_ context.Context, sink chan<- MintedEvent) (event.Subscription, error) {
	return f.feed.Subscribe(sink), nil
}

// Emit simulates another wallet minting the next token.
func (f *FakeClient) Emit(from common.Address) MintedEvent {
	f.mu.Lock()
	tokenID := new(big.Int).SetUint64(f.minted)
	f.minted++
	block := f.minted
	f.mu.Unlock()

	ev := MintedEvent{From: from, TokenID: tokenID, BlockNumber: block}
	f.feed.Send(ev)
	return ev
}

// Sent reports how many mint transactions have been broadcast.
func (f *FakeClient) Sent() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce
}

func (f *FakeClient) Ping(context.Context) error {
	return nil
}
