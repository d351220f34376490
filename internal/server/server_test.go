package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"epicnft/internal/config"
	"epicnft/internal/hmacauth"
	"epicnft/internal/idempotency"
	"epicnft/internal/minter"
	"epicnft/internal/nft"
	"epicnft/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type stubWallet struct {
	chainID int64
}

func (stubWallet) Accounts(context.Context) ([]common.Address, error) {
	return nil, nil
}

func (stubWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{alice}, nil
}

func (w stubWallet) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(w.chainID), nil
}

func (stubWallet) Transactor(_ context.Context, account common.Address) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{From: account}, nil
}

type fixture struct {
	srv      *Server
	ctrl     *minter.Controller
	contract *nft.FakeClient
	verifier *hmacauth.Verifier
}

func newFixture(t *testing.T, w wallet.Provider, secret string) *fixture {
	t.Helper()

	cfg := &config.AppConfig{
		Deployment: config.DefaultDeployment(),
		Service: config.ServiceConfig{
			APISecret:         secret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}

	contract := nft.NewFakeClient(3)
	ctrl := minter.New(minter.Config{
		Contract:        cfg.ContractAddress(),
		ExpectedChainID: cfg.ExpectedChainID(),
		NetworkName:     cfg.Deployment.NetworkName,
		TotalSupply:     cfg.Deployment.TotalSupply,
		OpenSeaURL:      cfg.Deployment.Links.OpenSea,
		ExplorerURL:     cfg.Deployment.Links.Explorer,
	}, w, contract)
	t.Cleanup(ctrl.Close)

	return &fixture{
		srv:      NewServer(cfg, ctrl, idempotency.NewMemoryStore()),
		ctrl:     ctrl,
		contract: contract,
		verifier: &hmacauth.Verifier{Secret: secret, MaxSkew: time.Minute},
	}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) mint(t *testing.T, key string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mint", bytes.NewReader(body))
	req.Header.Set(idempotencyHeader, key)
	f.verifier.Sign(req, body)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateResponse {
	t.Helper()
	var st stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v (%s)", err, rec.Body.String())
	}
	return st
}

func waitIdle(t *testing.T, ctrl *minter.Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Snapshot().Minting {
		if time.Now().After(deadline) {
			t.Fatal("mint did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectUpdatesState(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "")

	st := decodeState(t, f.do(t, http.MethodGet, "/api/v1/state", nil, nil))
	if st.Connected || !st.HasWallet || st.Total != 50 {
		t.Fatalf("unexpected initial state: %+v", st)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/connect", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	st = decodeState(t, rec)
	if st.Account != alice.Hex() || st.Minted != 3 || st.ChainID != "4" || st.WrongNetwork || !st.Listening {
		t.Fatalf("unexpected connected state: %+v", st)
	}
}

func TestConnectWithoutWallet(t *testing.T) {
	f := newFixture(t, nil, "")

	rec := f.do(t, http.MethodPost, "/api/v1/connect", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}

	var notices []minter.Notice
	_ = json.Unmarshal(f.do(t, http.MethodGet, "/api/v1/notices", nil, nil).Body.Bytes(), &notices)
	if len(notices) != 1 || notices[0].Kind != minter.NoticeError {
		t.Fatalf("expected one error notice, got %+v", notices)
	}
}

func TestPageRendersByConnection(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "")

	body := f.do(t, http.MethodGet, "/", nil, nil).Body.String()
	for _, want := range []string{"My NFT Collection", "Connect to Wallet", "View Collection on OpenSea", "built on @KartikKSahoo"} {
		if !strings.Contains(body, want) {
			t.Fatalf("page missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "Mint NFT") {
		t.Fatalf("mint button shown before connecting")
	}

	rec := f.do(t, http.MethodPost, "/connect", nil, nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	body = f.do(t, http.MethodGet, "/", nil, nil).Body.String()
	if !strings.Contains(body, "Mint NFT") || !strings.Contains(body, "3/50 NFTs minted so far") {
		t.Fatalf("connected page missing mint button or count:\n%s", body)
	}
	if strings.Contains(body, "Connect to Wallet") {
		t.Fatalf("connect button shown after connecting")
	}
}

func TestPageWarnsOnWrongNetwork(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 1}, "")

	f.do(t, http.MethodPost, "/connect", nil, nil)
	body := f.do(t, http.MethodGet, "/", nil, nil).Body.String()
	if !strings.Contains(body, "You are not connected to the Rinkeby Test Network!") {
		t.Fatalf("expected network warning:\n%s", body)
	}
}

func TestMintIdempotency(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "test-secret")
	f.do(t, http.MethodPost, "/api/v1/connect", nil, nil)

	payload := []byte(`{}`)
	rec := f.mint(t, "key-1", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp mintResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "mined" || resp.TxHash == "" || !strings.HasPrefix(resp.ExplorerURL, "https://rinkeby.etherscan.io/tx/") {
		t.Fatalf("unexpected mint response: %+v", resp)
	}

	rec2 := f.mint(t, "key-1", payload)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec2.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if total, _ := f.contract.TotalMinted(context.Background()); total != 4 {
		t.Fatalf("replay minted again: total %d", total)
	}

	rec3 := f.mint(t, "key-1", []byte(`{"async":true}`))
	if rec3.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", rec3.Code)
	}
}

func TestMintRejections(t *testing.T) {
	tests := map[string]struct {
		connect bool
		signed  bool
		key     string
		want    int
	}{
		"unsigned":      {connect: true, key: "k", want: http.StatusUnauthorized},
		"missing key":   {connect: true, signed: true, want: http.StatusBadRequest},
		"not connected": {signed: true, key: "k", want: http.StatusConflict},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, stubWallet{chainID: 4}, "test-secret")
			if test.connect {
				f.do(t, http.MethodPost, "/api/v1/connect", nil, nil)
			}

			body := []byte(`{}`)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/mint", bytes.NewReader(body))
			if test.key != "" {
				req.Header.Set(idempotencyHeader, test.key)
			}
			if test.signed {
				f.verifier.Sign(req, body)
			}
			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, req)

			if rec.Code != test.want {
				t.Fatalf("expected %d got %d: %s", test.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAsyncMintViaForm(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "")
	f.do(t, http.MethodPost, "/connect", nil, nil)
	f.ctrl.Notices()

	rec := f.do(t, http.MethodPost, "/mint", nil, nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 got %d", rec.Code)
	}
	waitIdle(t, f.ctrl)

	deadline := time.Now().Add(2 * time.Second)
	for f.ctrl.Snapshot().Minted != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("minted count stuck at %d", f.ctrl.Snapshot().Minted)
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := f.do(t, http.MethodGet, "/", nil, nil).Body.String()
	if !strings.Contains(body, "Mined, see transaction") {
		t.Fatalf("expected mined notice:\n%s", body)
	}
	if !strings.Contains(body, "4/50 NFTs minted so far") {
		t.Fatalf("expected updated count:\n%s", body)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "")

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id header not set")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/health", nil, http.Header{requestIDHeader: []string{"given"}})
	if got := rec.Header().Get(requestIDHeader); got != "given" {
		t.Fatalf("request id not propagated, got %q", got)
	}
}

func TestMetricsExposeMintCounters(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "")
	f.do(t, http.MethodPost, "/api/v1/connect", nil, nil)
	f.mint(t, "m-1", nil)

	body := f.do(t, http.MethodGet, "/api/v1/metrics", nil, nil).Body.String()
	for _, want := range []string{`epicnft_mint_attempts_total{status="mined"} 1`, `epicnft_api_requests_total{endpoint="mint",result="mined"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestMintFormRequiresSignatureWithSecret(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "test-secret")

	if rec := f.do(t, http.MethodPost, "/connect", nil, nil); rec.Code != http.StatusSeeOther {
		t.Fatalf("connect form should stay open, got %d", rec.Code)
	}
	body := f.do(t, http.MethodGet, "/", nil, nil).Body.String()
	if strings.Contains(body, "Mint NFT") || !strings.Contains(body, "Minting requires a signed API request.") {
		t.Fatalf("expected signed-only note instead of the mint button:\n%s", body)
	}

	if rec := f.do(t, http.MethodPost, "/mint", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned form mint, got %d", rec.Code)
	}
	if f.contract.Sent() != 0 {
		t.Fatalf("unsigned form mint sent a transaction")
	}

	req := httptest.NewRequest(http.MethodPost, "/mint", nil)
	f.verifier.Sign(req, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 for signed form mint, got %d", rec.Code)
	}
	waitIdle(t, f.ctrl)
	if f.contract.Sent() != 1 {
		t.Fatalf("expected one transaction, got %d", f.contract.Sent())
	}
}

func TestMintRetryAfterWaitFailureReplaysPending(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "test-secret")
	f.do(t, http.MethodPost, "/api/v1/connect", nil, nil)

	f.contract.WaitErr = context.DeadlineExceeded
	rec := f.mint(t, "key-1", []byte(`{}`))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 got %d: %s", rec.Code, rec.Body.String())
	}
	f.contract.WaitErr = nil

	rec = f.mint(t, "key-1", []byte(`{}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 replay got %d: %s", rec.Code, rec.Body.String())
	}
	var resp mintResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "pending" || resp.TxHash != f.ctrl.Snapshot().LastTxHash {
		t.Fatalf("unexpected replay %+v, last tx %s", resp, f.ctrl.Snapshot().LastTxHash)
	}
	if f.contract.Sent() != 1 {
		t.Fatalf("retry broadcast again: %d transactions", f.contract.Sent())
	}
}

func TestHeadDoesNotDrainNotices(t *testing.T) {
	f := newFixture(t, stubWallet{chainID: 4}, "")
	f.ctrl.Notify(minter.NoticeInfo, "kept for the next view", "")

	if rec := f.do(t, http.MethodHead, "/", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	body := f.do(t, http.MethodGet, "/", nil, nil).Body.String()
	if !strings.Contains(body, "kept for the next view") || !strings.Contains(body, `data-kind="info"`) {
		t.Fatalf("notice drained by HEAD:\n%s", body)
	}
}
