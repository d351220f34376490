// Package minter holds the state behind the mint page: the connected account,
// whether a mint transaction is outstanding, and how many tokens have been
// minted. It drives the wallet and contract clients and turns their results
// into notices for whoever renders the page.
package minter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"epicnft/internal/nft"
	"epicnft/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

var (
	ErrNoWallet       = wallet.ErrNoWallet
	ErrNotConnected   = errors.New("wallet not connected")
	ErrMintInProgress = errors.New("a mint is already in progress")
)

const (
	defaultMaxNotices = 32
	mintedSinkSize    = 16

	defaultResubscribeBackoff = time.Second
	maxResubscribeBackoff     = 30 * time.Second
)

type Config struct {
	Contract        common.Address
	ExpectedChainID *big.Int
	NetworkName     string
	TotalSupply     uint64
	OpenSeaURL      string
	ExplorerURL     string
	MaxNotices      int
	// ResubscribeBackoff is the first wait before re-subscribing after the
	// event subscription drops. It doubles up to 30s.
	ResubscribeBackoff time.Duration
}

// State is a snapshot of what the page shows.
type State struct {
	Account      string
	Minting      bool
	Minted       uint64
	Total        uint64
	ChainID      string
	WrongNetwork bool
	Listening    bool
	LastTxHash   string
}

// Connected reports whether an account is set.
func (s State) Connected() bool { return s.Account != "" }

// MintResult describes a mined mint transaction.
type MintResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	ExplorerURL string
}

// Recorder receives controller events for metrics.
type Recorder interface {
	MintAttempt(status string)
	MintEvent()
	MintedCount(n uint64)
	NetworkMismatch()
}

type nopRecorder struct{}

func (nopRecorder) MintAttempt(string) {}
func (nopRecorder) MintEvent()         {}
func (nopRecorder) MintedCount(uint64) {}
func (nopRecorder) NetworkMismatch()   {}

// Controller is safe for concurrent use.
type Controller struct {
	cfg      Config
	wallet   wallet.Provider
	contract nft.Client

	// base outlives request contexts: the event subscription and background
	// mints hang off it.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	account  common.Address
	state    State
	notices  []Notice
	sub      event.Subscription
	recorder Recorder
	now      func() time.Time
	mints    sync.WaitGroup
	workers  sync.WaitGroup
}

// New returns a controller. w may be nil; Connect and Mint then report
// ErrNoWallet.
func New(cfg Config, w wallet.Provider, contract nft.Client) *Controller {
	if cfg.MaxNotices <= 0 {
		cfg.MaxNotices = defaultMaxNotices
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = defaultResubscribeBackoff
	}
	cfg.OpenSeaURL = strings.TrimRight(cfg.OpenSeaURL, "/")
	cfg.ExplorerURL = strings.TrimRight(cfg.ExplorerURL, "/")

	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		wallet:   w,
		contract: contract,
		base:     base,
		cancel:   cancel,
		state:    State{Total: cfg.TotalSupply},
		recorder: nopRecorder{},
		now:      time.Now,
	}
}

// SetRecorder installs r; nil restores the no-op recorder.
func (c *Controller) SetRecorder(r Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		r = nopRecorder{}
	}
	c.recorder = r
}

func (c *Controller) rec() Recorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorder
}

// HasWallet reports whether a wallet provider is present.
func (c *Controller) HasWallet() bool {
	return c.wallet != nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckWallet picks up an account the wallet has already authorized, without
// prompting. It is what the page does on load.
func (c *Controller) CheckWallet(ctx context.Context) error {
	if c.wallet == nil {
		log.Info("No wallet provider, make sure one is configured")
		return nil
	}
	log.Debug("Wallet provider present", "type", fmt.Sprintf("%T", c.wallet))

	accounts, err := c.wallet.Accounts(ctx)
	if err != nil {
		log.Warn("Reading authorized accounts failed", "err", err)
		return err
	}
	if len(accounts) == 0 {
		log.Info("No authorized account found")
		return nil
	}
	log.Info("Found an authorized account", "account", accounts[0])
	c.setAccount(accounts[0])
	c.postConnect(ctx)
	return nil
}

// Connect asks the wallet for access and connects its first account.
func (c *Controller) Connect(ctx context.Context) error {
	if c.wallet == nil {
		c.Notify(NoticeError, "Get a wallet! No wallet provider is configured.", "")
		return ErrNoWallet
	}

	account, err := wallet.First(ctx, c.wallet, true)
	if err != nil {
		log.Warn("Connecting wallet failed", "err", err)
		return err
	}
	log.Info("Connected", "account", account)
	c.setAccount(account)
	c.postConnect(ctx)
	return nil
}

func (c *Controller) setAccount(account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
	c.state.Account = account.Hex()
}

// postConnect runs the follow-ups of a connect. Each failure is logged and
// does not undo the connection.
func (c *Controller) postConnect(ctx context.Context) {
	if err := c.CheckNetwork(ctx); err != nil {
		log.Warn("Network check failed", "err", err)
	}
	if err := c.RefreshMinted(ctx); err != nil {
		log.Warn("Fetching minted count failed", "err", err)
	}
	if err := c.Listen(); err != nil {
		log.Warn("Setting up event listener failed", "err", err)
	}
}

// CheckNetwork compares the wallet's chain with the expected one and warns
// on mismatch.
func (c *Controller) CheckNetwork(ctx context.Context) error {
	if c.wallet == nil {
		return ErrNoWallet
	}
	chainID, err := c.wallet.ChainID(ctx)
	if err != nil {
		return err
	}
	log.Info("Connected to chain", "chainId", chainID)

	wrong := c.cfg.ExpectedChainID != nil && chainID.Cmp(c.cfg.ExpectedChainID) != 0
	c.mu.Lock()
	c.state.ChainID = chainID.String()
	c.state.WrongNetwork = wrong
	c.mu.Unlock()

	if wrong {
		c.rec().NetworkMismatch()
		c.Notify(NoticeWarning, fmt.Sprintf("You are not connected to the %s!", c.networkName()), "")
	}
	return nil
}

func (c *Controller) networkName() string {
	if c.cfg.NetworkName != "" {
		return c.cfg.NetworkName
	}
	return fmt.Sprintf("chain %s", c.cfg.ExpectedChainID)
}

// RefreshMinted reloads the minted count from the contract.
func (c *Controller) RefreshMinted(ctx context.Context) error {
	total, err := c.contract.TotalMinted(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state.Minted = total
	c.mu.Unlock()
	c.rec().MintedCount(total)
	return nil
}

// Listen subscribes to mint events once. Calling it while a subscription is
// live does nothing.
func (c *Controller) Listen() error {
	c.mu.Lock()
	live := c.sub != nil
	c.mu.Unlock()
	if live {
		return nil
	}
	if err := c.base.Err(); err != nil {
		return err
	}

	sink := make(chan nft.MintedEvent, mintedSinkSize)
	sub, err := c.contract.WatchMinted(c.base, sink)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.state.Listening = true
	c.mu.Unlock()

	go c.eventLoop(sink, sub)
	return nil
}

func (c *Controller) eventLoop(sink <-chan nft.MintedEvent, sub event.Subscription) {
	for {
		select {
		case ev := <-sink:
			c.handleMinted(ev)
		case err := <-sub.Err():
			// Close cancels base before taking mu, so the Add below never
			// races its Wait.
			c.mu.Lock()
			if c.sub == sub {
				c.sub = nil
				c.state.Listening = false
			}
			retry := err != nil && c.base.Err() == nil
			if retry {
				c.workers.Add(1)
			}
			c.mu.Unlock()
			if retry {
				log.Warn("Mint event subscription dropped", "err", err)
				go c.resubscribe()
			}
			return
		}
	}
}

// resubscribe retries Listen with backoff until it succeeds or the
// controller is closed. Events missed in between are picked up by re-reading
// the minted count.
func (c *Controller) resubscribe() {
	defer c.workers.Done()

	backoff := c.cfg.ResubscribeBackoff
	for {
		select {
		case <-c.base.Done():
			return
		case <-time.After(backoff):
		}
		if err := c.Listen(); err != nil {
			log.Warn("Re-subscribing to mint events failed", "retry", backoff, "err", err)
			backoff *= 2
			if backoff > maxResubscribeBackoff {
				backoff = maxResubscribeBackoff
			}
			continue
		}
		log.Info("Re-subscribed to mint events")
		if err := c.RefreshMinted(c.base); err != nil {
			log.Warn("Fetching minted count failed", "err", err)
		}
		return
	}
}

func (c *Controller) handleMinted(ev nft.MintedEvent) {
	log.Info("NFT minted", "from", ev.From, "tokenId", ev.TokenID)

	c.mu.Lock()
	c.state.Minted++
	minted := c.state.Minted
	c.mu.Unlock()

	rec := c.rec()
	rec.MintEvent()
	rec.MintedCount(minted)

	link := c.assetURL(ev.TokenID)
	n := Notice{
		Kind: NoticeMinted,
		Message: fmt.Sprintf(
			"Hey there! We've minted your NFT and sent it to your wallet. It may be blank right now. "+
				"It can take a max of 10 min to show up on OpenSea. Here's the link: %s", link),
		Link: link,
	}
	if ev.TxHash != (common.Hash{}) {
		n.TxHash = ev.TxHash.Hex()
	}
	c.push(n)
}

func (c *Controller) assetURL(tokenID *big.Int) string {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return fmt.Sprintf("%s/assets/%s/%s", c.cfg.OpenSeaURL, c.cfg.Contract.Hex(), id)
}

func (c *Controller) txURL(hash common.Hash) string {
	return fmt.Sprintf("%s/tx/%s", c.cfg.ExplorerURL, hash.Hex())
}

// MintOption adjusts a single Mint call.
type MintOption func(*mintOptions)

type mintOptions struct {
	onSent func(common.Hash)
}

// OnSent registers fn to run once the mint transaction has been broadcast,
// before waiting for it to be mined.
func OnSent(fn func(common.Hash)) MintOption {
	return func(o *mintOptions) { o.onSent = fn }
}

// Mint sends makeAnEpicNFT from the connected account and waits for it to be
// mined. Minting stays true for exactly that span.
func (c *Controller) Mint(ctx context.Context, opts ...MintOption) (*MintResult, error) {
	var o mintOptions
	for _, opt := range opts {
		opt(&o)
	}
	account, err := c.beginMint()
	if err != nil {
		return nil, err
	}
	return c.runMint(ctx, account, o)
}

// MintAsync starts a mint in the background and returns once it is under way.
// Failures end up as error notices.
func (c *Controller) MintAsync() error {
	account, err := c.beginMint()
	if err != nil {
		return err
	}
	c.mints.Add(1)
	go func() {
		defer c.mints.Done()
		if _, err := c.runMint(c.base, account, mintOptions{}); err != nil {
			c.Notify(NoticeError, "Minting failed: "+err.Error(), "")
		}
	}()
	return nil
}

func (c *Controller) beginMint() (common.Address, error) {
	if c.wallet == nil {
		return common.Address{}, ErrNoWallet
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Account == "" {
		return common.Address{}, ErrNotConnected
	}
	if c.state.Minting {
		return common.Address{}, ErrMintInProgress
	}
	c.state.Minting = true
	return c.account, nil
}

func (c *Controller) runMint(ctx context.Context, account common.Address, o mintOptions) (result *MintResult, err error) {
	rec := c.rec()
	defer func() {
		c.mu.Lock()
		c.state.Minting = false
		c.mu.Unlock()
		if err != nil {
			log.Warn("Mint failed", "account", account, "err", err)
			rec.MintAttempt("failed")
			return
		}
		rec.MintAttempt("mined")
	}()

	txOpts, err := c.wallet.Transactor(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	log.Info("Going to pop wallet now to pay gas", "account", account)
	tx, err := c.contract.Mint(ctx, txOpts)
	if err != nil {
		return nil, err
	}

	log.Info("Mining, please wait", "tx", tx.Hash())
	c.mu.Lock()
	c.state.LastTxHash = tx.Hash().Hex()
	c.mu.Unlock()
	if o.onSent != nil {
		o.onSent(tx.Hash())
	}

	receipt, err := c.contract.WaitMined(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", tx.Hash().Hex(), err)
	}
	return c.mined(tx, receipt), nil
}

func (c *Controller) mined(tx *types.Transaction, receipt *types.Receipt) *MintResult {
	res := &MintResult{
		TxHash:      tx.Hash(),
		ExplorerURL: c.txURL(tx.Hash()),
	}
	if receipt != nil && receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	log.Info("Mined", "tx", res.ExplorerURL, "block", res.BlockNumber)
	c.Notify(NoticeInfo, "Mined, see transaction: "+res.ExplorerURL, res.ExplorerURL)
	return res
}

// Ping checks the contract client's node when it supports it.
func (c *Controller) Ping(ctx context.Context) error {
	if hc, ok := c.contract.(nft.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Close stops the event subscription and cancels background mints.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.state.Listening = false
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	c.mints.Wait()
	c.workers.Wait()
}
