package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegmint/internal/amount"
	"pegmint/internal/balances"
	"pegmint/internal/config"
	"pegmint/internal/hmacauth"
	"pegmint/internal/orchestrator"
	"pegmint/internal/receipts"
	"pegmint/internal/wallet"
)

type fakeSession struct {
	conn       *wallet.Connection
	connectErr error
	pingErr    error
}

func (f *fakeSession) Connect(context.Context) (*wallet.Connection, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.conn, nil
}

func (f *fakeSession) Connection() *wallet.Connection { return f.conn }

func (f *fakeSession) Ping(context.Context) error { return f.pingErr }

type fakeBalances struct {
	mu       sync.Mutex
	snapshot balances.Snapshot
	supply   balances.SupplyInfo
	refreshN int
}

func (f *fakeBalances) RefreshAll(context.Context, *wallet.Connection) (balances.Snapshot, error) {
	f.mu.Lock()
	f.refreshN++
	f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeBalances) RefreshSupply(context.Context) (balances.SupplyInfo, error) {
	return f.supply, nil
}

func (f *fakeBalances) Snapshot() balances.Snapshot { return f.snapshot }
func (f *fakeBalances) Supply() balances.SupplyInfo { return f.supply }

func (f *fakeBalances) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshN
}

type fakeOrch struct {
	mu     sync.Mutex
	state  orchestrator.RunState
	mints  int
	runs   chan string
	runErr error
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{state: orchestrator.RunState{Phase: orchestrator.PhaseIdle}, runs: make(chan string, 4)}
}

func (f *fakeOrch) Mint(_ context.Context, raw string) error {
	f.mu.Lock()
	f.mints++
	f.mu.Unlock()
	f.runs <- "mint:" + raw
	return f.runErr
}

func (f *fakeOrch) Redeem(_ context.Context, raw string) error {
	f.runs <- "redeem:" + raw
	return f.runErr
}

func (f *fakeOrch) State() orchestrator.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeOrch) Dismiss() {
	f.mu.Lock()
	f.state = orchestrator.RunState{Phase: orchestrator.PhaseIdle}
	f.mu.Unlock()
}

func (f *fakeOrch) setState(s orchestrator.RunState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func testConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func testConnection() *wallet.Connection {
	return &wallet.Connection{
		Address: common.HexToAddress("0x00000000000000000000000000000000deadbeef"),
		ChainID: big.NewInt(1),
	}
}

func newTestServer(t *testing.T, session *fakeSession, tracker *fakeBalances, orch *fakeOrch) *Server {
	t.Helper()
	return NewServer(testConfig(), session, tracker, orch, receipts.NewMemoryStore(), zerolog.Nop())
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestConnectSuccessTriggersRefresh(t *testing.T) {
	session := &fakeSession{conn: testConnection()}
	tracker := &fakeBalances{}
	s := newTestServer(t, session, tracker, newFakeOrch())

	rec := doRequest(s, http.MethodPost, "/api/v1/wallet/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testConnection().Address.Hex(), resp["address"])
	assert.Equal(t, 1, tracker.refreshes())
}

func TestConnectWrongNetwork(t *testing.T) {
	session := &fakeSession{connectErr: &wallet.WrongNetworkError{Got: 5, Want: 1}}
	s := newTestServer(t, session, &fakeBalances{}, newFakeOrch())

	rec := doRequest(s, http.MethodPost, "/api/v1/wallet/connect", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "wrong_network")
}

func TestConnectNoProvider(t *testing.T) {
	session := &fakeSession{connectErr: wallet.ErrNoProvider}
	s := newTestServer(t, session, &fakeBalances{}, newFakeOrch())

	rec := doRequest(s, http.MethodPost, "/api/v1/wallet/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_provider")
}

func TestWalletStatus(t *testing.T) {
	s := newTestServer(t, &fakeSession{}, &fakeBalances{}, newFakeOrch())
	rec := doRequest(s, http.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":false`)
}

func TestMintAccepted(t *testing.T) {
	tracker := &fakeBalances{snapshot: balances.Snapshot{
		Stable: amount.MustParse("100", amount.TokenDecimals),
		Minted: amount.Zero(amount.TokenDecimals),
		Native: amount.Zero(amount.NativeDecimals),
	}}
	orch := newFakeOrch()
	s := newTestServer(t, &fakeSession{conn: testConnection()}, tracker, orch)

	rec := doRequest(s, http.MethodPost, "/api/v1/mint", []byte(`{"amount":"25.5"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case run := <-orch.runs:
		assert.Equal(t, "mint:25.5", run)
	case <-time.After(time.Second):
		t.Fatal("orchestrator was never invoked")
	}
}

func TestMintRejectsInvalidAmount(t *testing.T) {
	tracker := &fakeBalances{snapshot: balances.Snapshot{
		Stable: amount.MustParse("100", amount.TokenDecimals),
	}}
	orch := newFakeOrch()
	s := newTestServer(t, &fakeSession{}, tracker, orch)

	rec := doRequest(s, http.MethodPost, "/api/v1/mint", []byte(`{"amount":"100.1234567"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too_many_decimals")
	assert.Empty(t, orch.runs)
}

func TestMintRejectedWhileBusy(t *testing.T) {
	orch := newFakeOrch()
	orch.setState(orchestrator.RunState{Phase: orchestrator.PhaseApprovalPending, Kind: "mint"})
	s := newTestServer(t, &fakeSession{}, &fakeBalances{}, orch)

	rec := doRequest(s, http.MethodPost, "/api/v1/mint", []byte(`{"amount":"1"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "busy")
	assert.Empty(t, orch.runs)
}

func TestMintRejectedUntilDismissed(t *testing.T) {
	orch := newFakeOrch()
	orch.setState(orchestrator.RunState{Phase: orchestrator.PhaseFailed, Reason: "transaction reverted"})
	s := newTestServer(t, &fakeSession{}, &fakeBalances{}, orch)

	rec := doRequest(s, http.MethodPost, "/api/v1/mint", []byte(`{"amount":"1"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "awaiting_dismissal")

	rec = doRequest(s, http.MethodPost, "/api/v1/status/dismiss", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, orchestrator.PhaseIdle, orch.State().Phase)
}

func TestRedeemValidatesAgainstMintedBalance(t *testing.T) {
	tracker := &fakeBalances{snapshot: balances.Snapshot{
		Stable: amount.MustParse("1000", amount.TokenDecimals),
		Minted: amount.MustParse("5", amount.TokenDecimals),
	}}
	orch := newFakeOrch()
	s := newTestServer(t, &fakeSession{}, tracker, orch)

	rec := doRequest(s, http.MethodPost, "/api/v1/redeem", []byte(`{"amount":"10"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds_balance")
}

func TestMintRequiresSignatureWhenSecretConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APISecret = "top-secret"
	tracker := &fakeBalances{snapshot: balances.Snapshot{
		Stable: amount.MustParse("100", amount.TokenDecimals),
	}}
	orch := newFakeOrch()
	s := NewServer(cfg, &fakeSession{}, tracker, orch, receipts.NewMemoryStore(), zerolog.Nop())

	body := []byte(`{"amount":"1"}`)
	rec := doRequest(s, http.MethodPost, "/api/v1/mint", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mint", bytes.NewReader(body))
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.ComputeSignature("top-secret", ts, body))
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSupplyResponse(t *testing.T) {
	tracker := &fakeBalances{supply: balances.SupplyInfo{
		TotalMinted: amount.MustParse("210000", amount.TokenDecimals),
		Cap:         balances.SupplyCap,
	}}
	s := newTestServer(t, &fakeSession{}, tracker, newFakeOrch())

	rec := doRequest(s, http.MethodGet, "/api/v1/supply", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TotalMinted   string  `json:"totalMinted"`
		Cap           string  `json:"cap"`
		PercentMinted float64 `json:"percentMinted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "210000", resp.TotalMinted)
	assert.Equal(t, "420000", resp.Cap)
	assert.InDelta(t, 50.0, resp.PercentMinted, 0.001)
}

func TestBalancesResponseTruncatesNative(t *testing.T) {
	tracker := &fakeBalances{snapshot: balances.Snapshot{
		Minted:      amount.MustParse("12.5", amount.TokenDecimals),
		Stable:      amount.MustParse("100", amount.TokenDecimals),
		Native:      amount.MustParse("1.234567891234567891", amount.NativeDecimals),
		RefreshedAt: time.Now(),
	}}
	s := newTestServer(t, &fakeSession{}, tracker, newFakeOrch())

	rec := doRequest(s, http.MethodGet, "/api/v1/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp balancesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "12.5", resp.Minted)
	assert.Equal(t, "100", resp.Stable)
	assert.Equal(t, "1.2345", resp.Native)
}

func TestRefreshRequiresConnection(t *testing.T) {
	s := newTestServer(t, &fakeSession{}, &fakeBalances{}, newFakeOrch())
	rec := doRequest(s, http.MethodPost, "/api/v1/balances/refresh", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_connected")
}

func TestReceiptsEndpoint(t *testing.T) {
	store := receipts.NewMemoryStore()
	require.NoError(t, store.Append(context.Background(), receipts.Record{
		ID: "r1", Kind: "mint", Amount: "10", Outcome: receipts.OutcomeSucceeded,
	}))
	s := NewServer(testConfig(), &fakeSession{}, &fakeBalances{}, newFakeOrch(), store, zerolog.Nop())

	rec := doRequest(s, http.MethodGet, "/api/v1/receipts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []receipts.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "mint", got[0].Kind)
}

func TestHealthDegradedOnRPCFailure(t *testing.T) {
	session := &fakeSession{pingErr: errors.New("rpc down")}
	s := newTestServer(t, session, &fakeBalances{}, newFakeOrch())

	rec := doRequest(s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestHealthHealthy(t *testing.T) {
	s := newTestServer(t, &fakeSession{}, &fakeBalances{}, newFakeOrch())
	rec := doRequest(s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestStatusEndpoint(t *testing.T) {
	orch := newFakeOrch()
	orch.setState(orchestrator.RunState{
		Phase:   orchestrator.PhaseMintPending,
		Kind:    "mint",
		Message: "Processing minting...",
	})
	s := newTestServer(t, &fakeSession{}, &fakeBalances{}, orch)

	rec := doRequest(s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"blocking":true`)
	assert.Contains(t, rec.Body.String(), "mint_pending")
}
