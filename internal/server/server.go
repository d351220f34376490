package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"epicnft/internal/config"
	"epicnft/internal/hmacauth"
	"epicnft/internal/idempotency"
	"epicnft/internal/minter"
	"epicnft/internal/wallet"

	"github.com/a-h/templ"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
	maxMintBody       = 1 << 16
	healthTimeout     = 2 * time.Second
)

type Server struct {
	cfg         *config.AppConfig
	minter      *minter.Controller
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// NewServer wires the page and the JSON API around ctrl. The server's metrics
// become ctrl's recorder.
func NewServer(cfg *config.AppConfig, ctrl *minter.Controller, store idempotency.Store) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Service.APISecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()
	ctrl.SetRecorder(metrics)

	s := &Server{
		cfg:         cfg,
		minter:      ctrl,
		store:       store,
		hmac:        hmacVerifier,
		metrics:     metrics,
		rpcHealthFn: ctrl.Ping,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePage)
	mux.HandleFunc("/connect", s.handleConnectForm)
	mux.Handle("/mint", s.hmac.Middleware(http.HandlerFunc(s.handleMintForm)))
	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/connect", s.handleConnect)
	mux.Handle("/api/v1/mint", s.hmac.Middleware(http.HandlerFunc(s.handleMint)))
	mux.HandleFunc("/api/v1/notices", s.handleNotices)
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the root handler, request id middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type stateResponse struct {
	Account      string `json:"account,omitempty"`
	Connected    bool   `json:"connected"`
	HasWallet    bool   `json:"hasWallet"`
	Minting      bool   `json:"minting"`
	Minted       uint64 `json:"minted"`
	Total        uint64 `json:"total"`
	ChainID      string `json:"chainId,omitempty"`
	WrongNetwork bool   `json:"wrongNetwork"`
	Listening    bool   `json:"listening"`
	LastTxHash   string `json:"lastTxHash,omitempty"`
}

type mintRequest struct {
	Async bool `json:"async"`
}

type mintResponse struct {
	Status      string `json:"status"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) stateResponse() stateResponse {
	st := s.minter.Snapshot()
	return stateResponse{
		Account:      st.Account,
		Connected:    st.Connected(),
		HasWallet:    s.minter.HasWallet(),
		Minting:      st.Minting,
		Minted:       st.Minted,
		Total:        st.Total,
		ChainID:      st.ChainID,
		WrongNetwork: st.WrongNetwork,
		Listening:    st.Listening,
		LastTxHash:   st.LastTxHash,
	}
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var notices []minter.Notice
	if r.Method == http.MethodGet {
		notices = s.minter.Notices()
	}
	page := mintPage(pageData{
		State:         s.minter.Snapshot(),
		HasWallet:     s.minter.HasWallet(),
		SignedMints:   s.cfg.Service.APISecret != "",
		Notices:       notices,
		CollectionURL: s.cfg.Deployment.Links.Collection,
		TwitterHandle: s.cfg.Deployment.Links.TwitterHandle,
	})
	templ.Handler(page).ServeHTTP(w, r)
}

func (s *Server) handleConnectForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Connect already queues a notice when there is no wallet.
	if err := s.minter.Connect(r.Context()); err != nil && !errors.Is(err, minter.ErrNoWallet) {
		s.minter.Notify(minter.NoticeError, "Connecting wallet failed: "+err.Error(), "")
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleMintForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.minter.MintAsync(); err != nil {
		s.minter.Notify(minter.NoticeError, "Minting failed: "+err.Error(), "")
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.minter.Connect(r.Context()); err != nil {
		s.metrics.incAPI("connect", "failed")
		writeError(w, err)
		return
	}
	s.metrics.incAPI("connect", "ok")
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		http.Error(w, "missing "+idempotencyHeader+" header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMintBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	fingerprint := idempotency.Fingerprint(body)

	existing, err := idempotency.Check(ctx, s.store, key, fingerprint)
	if errors.Is(err, idempotency.ErrKeyReused) {
		s.metrics.incAPI("mint", "conflict")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		log.Warn("Idempotency lookup failed", "key", key, "err", err)
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incAPI("mint", "cached")
		return
	}

	var payload mintRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid json payload", http.StatusBadRequest)
			return
		}
	}

	status := http.StatusOK
	var resp mintResponse
	if payload.Async {
		if err := s.minter.MintAsync(); err != nil {
			s.metrics.incAPI("mint", "failed")
			writeError(w, err)
			return
		}
		status = http.StatusAccepted
		resp = mintResponse{Status: "minting"}
	} else {
		// A mint whose wait fails after broadcast must still replay as the
		// same transaction.
		pending := func(hash common.Hash) {
			b, _ := json.Marshal(mintResponse{Status: "pending", TxHash: hash.Hex()})
			s.saveRecord(ctx, key, fingerprint, http.StatusAccepted, b)
		}
		result, err := s.minter.Mint(ctx, minter.OnSent(pending))
		if err != nil {
			s.metrics.incAPI("mint", "failed")
			writeError(w, err)
			return
		}
		resp = mintResponse{
			Status:      "mined",
			TxHash:      result.TxHash.Hex(),
			BlockNumber: result.BlockNumber,
			ExplorerURL: result.ExplorerURL,
		}
	}

	b, _ := json.Marshal(resp)
	s.saveRecord(ctx, key, fingerprint, status, b)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
	s.metrics.incAPI("mint", resp.Status)
}

// saveRecord stores a response for replay. It outlives ctx so a client that
// hangs up mid-mint still finds its transaction on retry.
func (s *Server) saveRecord(ctx context.Context, key, fingerprint string, status int, body []byte) {
	now := time.Now()
	record := idempotency.Record{
		StatusCode:  status,
		Response:    body,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(context.WithoutCancel(ctx), key, record); err != nil {
		log.Warn("Saving idempotency record failed", "key", key, "err", err)
	}
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	notices := s.minter.Notices()
	if notices == nil {
		notices = []minter.Notice{}
	}
	writeJSON(w, http.StatusOK, notices)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	st := s.minter.Snapshot()
	resp := struct {
		Status    string      `json:"status"`
		RPC       interface{} `json:"rpc"`
		Database  interface{} `json:"database"`
		Wallet    bool        `json:"wallet"`
		Listening bool        `json:"listening"`
	}{
		Status:    status,
		RPC:       rpcInfo,
		Database:  dbInfo,
		Wallet:    s.minter.HasWallet(),
		Listening: st.Listening,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// statusFor maps controller errors onto HTTP statuses. Anything unrecognised
// came from the node or the wallet backend.
func statusFor(err error) int {
	switch {
	case errors.Is(err, minter.ErrNoWallet):
		return http.StatusServiceUnavailable
	case errors.Is(err, minter.ErrNotConnected),
		errors.Is(err, minter.ErrMintInProgress),
		errors.Is(err, wallet.ErrNoAccounts):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "id", id)
		next.ServeHTTP(w, r)
	})
}
