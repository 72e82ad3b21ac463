package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrNoProvider means no wallet provider is reachable in this environment.
var ErrNoProvider = errors.New("no wallet provider detected")

// WrongNetworkError is returned when the provider sits on a different chain
// than the one this service is hard-wired to.
type WrongNetworkError struct {
	Got  int64
	Want int64
}

func (e *WrongNetworkError) Error() string {
	return fmt.Sprintf("wrong network: provider is on chain %d, expected %d", e.Got, e.Want)
}

// RejectedError wraps a provider-level refusal (declined signer request,
// provider fault) during connect.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return "wallet connection rejected: " + e.Err.Error() }
func (e *RejectedError) Unwrap() error { return e.Err }

// Provider is the opaque wallet capability: network identity, signing, and a
// backend for contract calls.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Signer(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, common.Address, error)
	Backend() bind.ContractBackend
}

// Connection is the established wallet state: address, verified chain and a
// ready transactor. Cleared on disconnect or network mismatch.
type Connection struct {
	Address common.Address
	ChainID *big.Int
	TxOpts  *bind.TransactOpts
	Backend bind.ContractBackend
}

// Session negotiates and owns the single wallet connection.
type Session struct {
	provider    Provider
	wantChainID int64
	log         zerolog.Logger

	mu   sync.RWMutex
	conn *Connection
}

func NewSession(provider Provider, chainID int64, log zerolog.Logger) *Session {
	return &Session{
		provider:    provider,
		wantChainID: chainID,
		log:         log.With().Str("component", "wallet").Logger(),
	}
}

// Connect establishes the connection. Network identity is verified before any
// address or signer is exposed; a mismatch leaves the session disconnected.
// There is no automatic retry.
func (s *Session) Connect(ctx context.Context) (*Connection, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		return nil, &RejectedError{Err: err}
	}
	if chainID.Int64() != s.wantChainID {
		return nil, &WrongNetworkError{Got: chainID.Int64(), Want: s.wantChainID}
	}

	opts, address, err := s.provider.Signer(ctx, chainID)
	if err != nil {
		return nil, &RejectedError{Err: err}
	}

	conn := &Connection{
		Address: address,
		ChainID: chainID,
		TxOpts:  opts,
		Backend: s.provider.Backend(),
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Str("address", address.Hex()).Int64("chain_id", chainID.Int64()).Msg("wallet connected")
	return conn, nil
}

// Connection returns the active connection, or nil when disconnected.
func (s *Session) Connection() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

// WatchNetwork polls the provider's chain id and drops the connection if the
// network changes after connect. Blocks until ctx is cancelled.
func (s *Session) WatchNetwork(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.Connection() == nil {
			continue
		}
		chainID, err := s.provider.ChainID(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("network re-check failed")
			continue
		}
		if chainID.Int64() != s.wantChainID {
			s.log.Error().Int64("chain_id", chainID.Int64()).Msg("network changed, dropping connection")
			s.Disconnect()
		}
	}
}
