package minter

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"epicnft/internal/nft"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

var (
	testContract = common.HexToAddress("0x067A7cb439d745c01973558584209f3bB871f790")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type stubWallet struct {
	mu         sync.Mutex
	accounts   []common.Address
	authorized []common.Address
	chainID    int64
	requests   int
}

func (w *stubWallet) Accounts(context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authorized, nil
}

func (w *stubWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests++
	w.authorized = w.accounts
	return w.authorized, nil
}

func (w *stubWallet) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(w.chainID), nil
}

func (w *stubWallet) Transactor(_ context.Context, account common.Address) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{From: account}, nil
}

// gatedClient holds WaitMined until released.
type gatedClient struct {
	*nft.FakeClient
	started chan struct{}
	release chan struct{}
}

func (g *gatedClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	close(g.started)
	<-g.release
	return g.FakeClient.WaitMined(ctx, tx)
}

type countingRecorder struct {
	mu         sync.Mutex
	attempts   map[string]int
	events     int
	mismatches int
}

func (r *countingRecorder) MintAttempt(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	r.attempts[status]++
}

func (r *countingRecorder) MintEvent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
}

func (r *countingRecorder) MintedCount(uint64) {}

func (r *countingRecorder) NetworkMismatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches++
}

func testConfig() Config {
	return Config{
		Contract:        testContract,
		ExpectedChainID: big.NewInt(4),
		NetworkName:     "Rinkeby Test Network",
		TotalSupply:     50,
		OpenSeaURL:      "https://testnets.opensea.io/",
		ExplorerURL:     "https://rinkeby.etherscan.io",
	}
}

func newController(t *testing.T, w *stubWallet, client nft.Client) *Controller {
	t.Helper()
	var c *Controller
	if w == nil {
		c = New(testConfig(), nil, client)
	} else {
		c = New(testConfig(), w, client)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSetsAccountAndChecksNetwork(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice, bob}, chainID: 1}
	rec := &countingRecorder{}
	c := newController(t, w, nft.NewFakeClient(5))
	c.SetRecorder(rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	st := c.Snapshot()
	if st.Account != alice.Hex() {
		t.Fatalf("expected first account, got %q", st.Account)
	}
	if st.ChainID != "1" || !st.WrongNetwork {
		t.Fatalf("expected wrong network on chain 1, got %+v", st)
	}
	if st.Minted != 5 || st.Total != 50 {
		t.Fatalf("unexpected counts %d/%d", st.Minted, st.Total)
	}
	if !st.Listening {
		t.Fatalf("expected event listener after connect")
	}
	if rec.mismatches != 1 {
		t.Fatalf("expected one network mismatch, got %d", rec.mismatches)
	}

	notices := c.Notices()
	if len(notices) != 1 || notices[0].Kind != NoticeWarning {
		t.Fatalf("expected one warning notice, got %+v", notices)
	}
	if notices[0].Message != "You are not connected to the Rinkeby Test Network!" {
		t.Fatalf("unexpected message %q", notices[0].Message)
	}
	if len(c.Notices()) != 0 {
		t.Fatalf("notices should be drained")
	}
}

func TestConnectOnExpectedNetworkIsQuiet(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	c := newController(t, w, nft.NewFakeClient(0))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.Snapshot().WrongNetwork {
		t.Fatalf("chain 4 is the expected network")
	}
	if n := c.Notices(); len(n) != 0 {
		t.Fatalf("expected no notices, got %+v", n)
	}
}

func TestCheckWallet(t *testing.T) {
	tests := map[string]struct {
		authorized  []common.Address
		wantAccount string
	}{
		"nothing authorized": {},
		"already authorized": {
			authorized:  []common.Address{bob},
			wantAccount: bob.Hex(),
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			w := &stubWallet{accounts: []common.Address{alice}, authorized: test.authorized, chainID: 4}
			c := newController(t, w, nft.NewFakeClient(0))

			if err := c.CheckWallet(context.Background()); err != nil {
				t.Fatalf("check wallet: %v", err)
			}
			if got := c.Snapshot().Account; got != test.wantAccount {
				t.Fatalf("expected account %q, got %q", test.wantAccount, got)
			}
			if w.requests != 0 {
				t.Fatalf("check wallet must not prompt for accounts")
			}
		})
	}
}

func TestConnectWithoutWallet(t *testing.T) {
	c := newController(t, nil, nft.NewFakeClient(0))

	if err := c.CheckWallet(context.Background()); err != nil {
		t.Fatalf("check wallet without provider should be silent: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}
	notices := c.Notices()
	if len(notices) != 1 || notices[0].Kind != NoticeError {
		t.Fatalf("expected an error notice, got %+v", notices)
	}
	if _, err := c.Mint(context.Background()); !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet from mint, got %v", err)
	}
}

func TestMintRequiresConnection(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	c := newController(t, w, nft.NewFakeClient(0))

	if _, err := c.Mint(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.Snapshot().Minting {
		t.Fatalf("minting flag set without a transaction")
	}
}

func TestMintTogglesMintingFlag(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	gated := &gatedClient{
		FakeClient: nft.NewFakeClient(2),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	rec := &countingRecorder{}
	c := newController(t, w, gated)
	c.SetRecorder(rec)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	type outcome struct {
		res *MintResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Mint(ctx)
		done <- outcome{res, err}
	}()

	<-gated.started
	st := c.Snapshot()
	if !st.Minting {
		t.Fatalf("expected minting while transaction is outstanding")
	}
	if st.LastTxHash == "" {
		t.Fatalf("expected pending tx hash")
	}
	if _, err := c.Mint(ctx); !errors.Is(err, ErrMintInProgress) {
		t.Fatalf("expected ErrMintInProgress, got %v", err)
	}

	close(gated.release)
	out := <-done
	if out.err != nil {
		t.Fatalf("mint: %v", out.err)
	}
	if c.Snapshot().Minting {
		t.Fatalf("minting flag still set after the transaction was mined")
	}
	if !strings.HasPrefix(out.res.ExplorerURL, "https://rinkeby.etherscan.io/tx/0x") {
		t.Fatalf("unexpected explorer link %q", out.res.ExplorerURL)
	}

	waitFor(t, "own mint event", func() bool { return c.Snapshot().Minted == 3 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.attempts["mined"] != 1 {
		t.Fatalf("expected one mined attempt, got %v", rec.attempts)
	}
}

func TestMintFailureClearsFlag(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	fake := nft.NewFakeClient(0)
	fake.MintErr = errors.New("user rejected transaction")
	c := newController(t, w, fake)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.Mint(ctx); err == nil {
		t.Fatalf("expected mint error")
	}
	if c.Snapshot().Minting {
		t.Fatalf("minting flag must be cleared after a failure")
	}
}

func TestMintAsyncReportsFailure(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	fake := nft.NewFakeClient(0)
	fake.WaitErr = nft.ErrTxFailed
	c := newController(t, w, fake)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.MintAsync(); err != nil {
		t.Fatalf("mint async: %v", err)
	}

	var got []Notice
	waitFor(t, "failure notice", func() bool {
		got = append(got, c.Notices()...)
		return len(got) > 0
	})
	if got[0].Kind != NoticeError {
		t.Fatalf("expected error notice, got %+v", got[0])
	}
	waitFor(t, "minting cleared", func() bool { return !c.Snapshot().Minting })
}

func TestMintEventsIncrementCountByOne(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	fake := nft.NewFakeClient(7)
	c := newController(t, w, fake)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const minters = 10
	var wg sync.WaitGroup
	for i := 0; i < minters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fake.Emit(bob)
		}()
	}
	wg.Wait()

	waitFor(t, "all mint events", func() bool { return c.Snapshot().Minted == 7+minters })

	var minted []Notice
	waitFor(t, "minted notices", func() bool {
		minted = append(minted, c.Notices()...)
		return len(minted) == minters
	})
	prefix := "https://testnets.opensea.io/assets/" + testContract.Hex() + "/"
	for _, n := range minted {
		if n.Kind != NoticeMinted || !strings.HasPrefix(n.Link, prefix) {
			t.Fatalf("unexpected notice %+v", n)
		}
	}
}

func TestListenIsIdempotent(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	fake := nft.NewFakeClient(0)
	c := newController(t, w, fake)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	fake.Emit(bob)
	waitFor(t, "mint event", func() bool { return c.Snapshot().Minted == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := c.Snapshot().Minted; got != 1 {
		t.Fatalf("a second listener double counted: %d", got)
	}
}

func TestNoticeQueueIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNotices = 2
	c := New(cfg, nil, nft.NewFakeClient(0))
	defer c.Close()

	c.Notify(NoticeInfo, "one", "")
	c.Notify(NoticeInfo, "two", "")
	c.Notify(NoticeInfo, "three", "")

	got := c.Notices()
	if len(got) != 2 || got[0].Message != "two" || got[1].Message != "three" {
		t.Fatalf("unexpected notices %+v", got)
	}
}

func TestMintReportsSentTxBeforeWaiting(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	fake := nft.NewFakeClient(0)
	fake.WaitErr = context.DeadlineExceeded
	c := newController(t, w, fake)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var sent common.Hash
	_, err := c.Mint(ctx, OnSent(func(h common.Hash) { sent = h }))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if sent == (common.Hash{}) {
		t.Fatalf("sent hook not called")
	}
	if !strings.Contains(err.Error(), sent.Hex()) {
		t.Fatalf("error should name the broadcast tx: %v", err)
	}
	if c.Snapshot().LastTxHash != sent.Hex() {
		t.Fatalf("last tx hash %q, want %s", c.Snapshot().LastTxHash, sent.Hex())
	}
}

func TestMintedNoticeCarriesTxHash(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	c := newController(t, w, nft.NewFakeClient(0))
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := c.Mint(ctx)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	var minted *Notice
	waitFor(t, "minted notice", func() bool {
		for _, n := range c.Notices() {
			if n.Kind == NoticeMinted {
				n := n
				minted = &n
			}
		}
		return minted != nil
	})
	if minted.TxHash != res.TxHash.Hex() {
		t.Fatalf("minted notice tx %q, want %s", minted.TxHash, res.TxHash.Hex())
	}
}

// flakyClient fails its first subscription right after handing it out.
type flakyClient struct {
	*nft.FakeClient
	watches atomic.Int32
}

func (f *flakyClient) WatchMinted(ctx context.Context, sink chan<- nft.MintedEvent) (event.Subscription, error) {
	if f.watches.Add(1) == 1 {
		return event.NewSubscription(func(<-chan struct{}) error {
			return errors.New("connection reset")
		}), nil
	}
	return f.FakeClient.WatchMinted(ctx, sink)
}

func TestListenResubscribesAfterDrop(t *testing.T) {
	w := &stubWallet{accounts: []common.Address{alice}, chainID: 4}
	client := &flakyClient{FakeClient: nft.NewFakeClient(0)}
	cfg := testConfig()
	cfg.ResubscribeBackoff = 5 * time.Millisecond
	c := New(cfg, w, client)
	t.Cleanup(c.Close)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "second subscription", func() bool {
		return client.watches.Load() == 2 && c.Snapshot().Listening
	})

	client.Emit(bob)
	waitFor(t, "minted notice after resubscribe", func() bool {
		for _, n := range c.Notices() {
			if n.Kind == NoticeMinted {
				return true
			}
		}
		return false
	})
}
