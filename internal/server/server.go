package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pegmint/internal/amount"
	"pegmint/internal/balances"
	"pegmint/internal/config"
	"pegmint/internal/hmacauth"
	"pegmint/internal/orchestrator"
	"pegmint/internal/receipts"
	"pegmint/internal/wallet"
)

// Orchestrator is the slice of the transaction orchestrator the server needs.
type Orchestrator interface {
	Mint(ctx context.Context, rawAmount string) error
	Redeem(ctx context.Context, rawAmount string) error
	State() orchestrator.RunState
	Dismiss()
}

// Connector is the wallet session surface. *wallet.Session satisfies it.
type Connector interface {
	Connect(ctx context.Context) (*wallet.Connection, error)
	Connection() *wallet.Connection
}

// BalanceSource is the tracker surface. *balances.Tracker satisfies it.
type BalanceSource interface {
	RefreshAll(ctx context.Context, conn *wallet.Connection) (balances.Snapshot, error)
	RefreshSupply(ctx context.Context) (balances.SupplyInfo, error)
	Snapshot() balances.Snapshot
	Supply() balances.SupplyInfo
}

// Pinger is probed optionally for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        *config.Config
	session    Connector
	tracker    BalanceSource
	orch       Orchestrator
	store      receipts.Store
	hmac       *hmacauth.Verifier
	metrics    *metricsRegistry
	httpServer *http.Server
	log        zerolog.Logger

	rpcHealthFn   func(context.Context) error
	storeHealthFn func(context.Context) error
}

func NewServer(cfg *config.Config, session Connector, tracker BalanceSource, orch Orchestrator, store receipts.Store, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		session: session,
		tracker: tracker,
		orch:    orch,
		store:   store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Server.APISecret,
			MaxSkew: cfg.Server.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		log:     log.With().Str("component", "server").Logger(),
	}

	if p, ok := session.(Pinger); ok {
		s.rpcHealthFn = p.Ping
	}
	if p, ok := store.(Pinger); ok {
		s.storeHealthFn = p.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/wallet/connect", s.handleConnect)
	mux.HandleFunc("/api/v1/wallet", s.handleWallet)
	mux.HandleFunc("/api/v1/balances", s.handleBalances)
	mux.HandleFunc("/api/v1/balances/refresh", s.handleRefresh)
	mux.HandleFunc("/api/v1/supply", s.handleSupply)
	mux.Handle("/api/v1/mint", s.hmac.Middleware(http.HandlerFunc(s.handleMint)))
	mux.Handle("/api/v1/redeem", s.hmac.Middleware(http.HandlerFunc(s.handleRedeem)))
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/status/dismiss", s.handleDismiss)
	mux.HandleFunc("/api/v1/receipts", s.handleReceipts)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.Handle("/api/v1/metrics", s.metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           s.requestMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.session.Connect(r.Context())
	if err != nil {
		var wrongNet *wallet.WrongNetworkError
		switch {
		case errors.Is(err, wallet.ErrNoProvider):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:  "No web3 wallet detected. Please configure a wallet provider.",
				Reason: "no_provider",
			})
		case errors.As(err, &wrongNet):
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:  "Please switch your wallet to the supported network.",
				Reason: "wrong_network",
			})
		default:
			writeJSON(w, http.StatusBadGateway, errorResponse{
				Error:  "Error connecting wallet: " + err.Error(),
				Reason: "rejected",
			})
		}
		return
	}

	// First balance sync after connect; native failures degrade inside the
	// tracker, so only chain-read failures show up here.
	if _, err := s.tracker.RefreshAll(r.Context(), conn); err != nil {
		s.metrics.incRefresh("failed")
		s.log.Warn().Err(err).Msg("initial balance refresh failed")
	} else {
		s.metrics.incRefresh("ok")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": conn.Address.Hex(),
		"chainId": conn.ChainID.Int64(),
	})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	conn := s.session.Connection()
	if conn == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"connected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": true,
		"address":   conn.Address.Hex(),
		"chainId":   conn.ChainID.Int64(),
	})
}

type balancesResponse struct {
	Minted      string    `json:"minted"`
	Stable      string    `json:"stable"`
	Native      string    `json:"native"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

func toBalancesResponse(snap balances.Snapshot) balancesResponse {
	return balancesResponse{
		Minted: snap.Minted.String(),
		Stable: snap.Stable.String(),
		// Native is informational; shown truncated like the page does.
		Native:      snap.Native.Truncated(4),
		RefreshedAt: snap.RefreshedAt,
	}
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBalancesResponse(s.tracker.Snapshot()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn := s.session.Connection()
	if conn == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "wallet not connected", Reason: "not_connected"})
		return
	}

	snap, err := s.tracker.RefreshAll(r.Context(), conn)
	if err != nil {
		s.metrics.incRefresh("failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Error fetching balances: " + err.Error()})
		return
	}
	s.metrics.incRefresh("ok")
	writeJSON(w, http.StatusOK, toBalancesResponse(snap))
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	info := s.tracker.Supply()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalMinted":   info.TotalMinted.String(),
		"cap":           info.Cap.String(),
		"percentMinted": info.PercentMinted(),
	})
}

type submitRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, "mint", s.orch.Mint, func() amount.Amount { return s.tracker.Snapshot().Stable })
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, "redeem", s.orch.Redeem, func() amount.Amount { return s.tracker.Snapshot().Minted })
}

// handleSubmit gates a sequence the way the page would: reject while one is
// in flight, reject invalid amounts, then hand off to the orchestrator. The
// orchestrator re-checks both independently; this layer exists so callers get
// an immediate verdict instead of polling one out of /status.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, kind string, run func(context.Context, string) error, balance func() amount.Amount) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload submitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json payload"})
		return
	}

	state := s.orch.State()
	if state.Phase.Blocking() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: orchestrator.ErrBusy.Error(), Reason: "busy"})
		return
	}
	if state.Phase.Terminal() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: orchestrator.ErrAwaitingDismissal.Error(), Reason: "awaiting_dismissal"})
		return
	}

	if _, verr := amount.Validate(payload.Amount, amount.TokenDecimals, balance()); verr != nil {
		s.metrics.incValidationFailure(string(verr.Reason))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Reason: string(verr.Reason)})
		return
	}

	go func() {
		err := run(context.Background(), payload.Amount)
		switch {
		case err == nil:
			s.metrics.incSequence(kind, "succeeded")
		case errors.Is(err, orchestrator.ErrBusy) || errors.Is(err, orchestrator.ErrAwaitingDismissal):
			s.metrics.incSequence(kind, "rejected")
		default:
			s.metrics.incSequence(kind, "failed")
		}
		s.metrics.setPhase(s.orch.State().Phase)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": kind})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.orch.State()
	s.metrics.setPhase(state.Phase)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phase":    state.Phase,
		"kind":     state.Kind,
		"blocking": state.IsBlocking(),
		"message":  state.Message,
		"reason":   state.Reason,
	})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.orch.Dismiss()
	s.metrics.setPhase(s.orch.State().Phase)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Recent(r.Context(), 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []receipts.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	storeInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.storeHealthFn != nil {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.storeHealthFn(storeCtx); err != nil {
			storeInfo.Connected = false
			storeInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Receipts interface{} `json:"receipts"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Receipts: storeInfo,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.log.Debug().
			Str("request_id", r.Header.Get("X-Request-Id")).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
