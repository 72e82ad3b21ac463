package balances

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pegmint/internal/amount"
	"pegmint/internal/contracts"
	"pegmint/internal/wallet"
)

// SupplyCap is the fixed minted-token cap the contract enforces. This layer
// only displays the ratio; it never assumes the cap locally.
var SupplyCap = amount.MustParse("420000", amount.TokenDecimals)

// ChainReader is the read-only slice of the contract bindings.
type ChainReader interface {
	BalanceOf(ctx context.Context, kind contracts.TokenKind, addr common.Address) (amount.Amount, error)
}

// Indexer is the external indexing API used for data that must be available
// without a wallet connection (supply) or off-chain (native balance).
type Indexer interface {
	AccountBalance(ctx context.Context, address string) (*big.Int, error)
	TokenSupply(ctx context.Context, contractAddress string) (*big.Int, error)
}

// Snapshot is the cached balance set for the connected address.
type Snapshot struct {
	Minted      amount.Amount
	Stable      amount.Amount
	Native      amount.Amount
	RefreshedAt time.Time
}

// SupplyInfo is the global minted-token supply against its fixed cap.
type SupplyInfo struct {
	TotalMinted amount.Amount
	Cap         amount.Amount
}

// PercentMinted is for display only; never used in comparisons.
func (s SupplyInfo) PercentMinted() float64 {
	capUnits := s.Cap.Units()
	if capUnits.Sign() == 0 {
		return 0
	}
	minted, _ := new(big.Float).SetInt(s.TotalMinted.Units()).Float64()
	capF, _ := new(big.Float).SetInt(capUnits).Float64()
	return minted / capF * 100
}

// Tracker owns the cached balances and supply. It is the only mutator of
// either; everyone else reads through Snapshot and Supply.
type Tracker struct {
	reader     ChainReader
	indexer    Indexer
	mintedAddr common.Address
	log        zerolog.Logger

	mu       sync.RWMutex
	snapshot Snapshot
	supply   SupplyInfo
}

func NewTracker(reader ChainReader, indexer Indexer, mintedAddr common.Address, log zerolog.Logger) *Tracker {
	return &Tracker{
		reader:     reader,
		indexer:    indexer,
		mintedAddr: mintedAddr,
		log:        log.With().Str("component", "balances").Logger(),
		snapshot: Snapshot{
			Minted: amount.Zero(amount.TokenDecimals),
			Stable: amount.Zero(amount.TokenDecimals),
			Native: amount.Zero(amount.NativeDecimals),
		},
		supply: SupplyInfo{
			TotalMinted: amount.Zero(amount.TokenDecimals),
			Cap:         SupplyCap,
		},
	}
}

// RefreshAll re-reads both token balances (concurrently, no ordering between
// them) and then the native balance from the indexer. A native fetch failure
// never fails the refresh: the on-chain results still land and native
// degrades to zero with a logged warning.
func (t *Tracker) RefreshAll(ctx context.Context, conn *wallet.Connection) (Snapshot, error) {
	if conn == nil {
		return Snapshot{}, contracts.ErrNotConnected
	}

	var minted, stable amount.Amount
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		minted, err = t.reader.BalanceOf(gctx, contracts.MintedToken, conn.Address)
		return err
	})
	g.Go(func() error {
		var err error
		stable, err = t.reader.BalanceOf(gctx, contracts.PeggedStable, conn.Address)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("refresh balances: %w", err)
	}

	native := amount.Zero(amount.NativeDecimals)
	if wei, err := t.indexer.AccountBalance(ctx, conn.Address.Hex()); err != nil {
		t.log.Warn().Err(err).Msg("native balance fetch failed, showing zero")
	} else {
		native = amount.FromUnits(wei, amount.NativeDecimals)
	}

	snap := Snapshot{
		Minted:      minted,
		Stable:      stable,
		Native:      native,
		RefreshedAt: time.Now(),
	}

	t.mu.Lock()
	t.snapshot = snap
	t.mu.Unlock()
	return snap, nil
}

// RefreshSupply re-reads the global minted supply from the indexer. It needs
// no wallet connection. Unlike the native balance, a failure here propagates:
// the supply drives the displayed mint-cap ratio.
func (t *Tracker) RefreshSupply(ctx context.Context) (SupplyInfo, error) {
	units, err := t.indexer.TokenSupply(ctx, t.mintedAddr.Hex())
	if err != nil {
		return SupplyInfo{}, fmt.Errorf("refresh supply: %w", err)
	}

	info := SupplyInfo{
		TotalMinted: amount.FromUnits(units, amount.TokenDecimals),
		Cap:         SupplyCap,
	}

	t.mu.Lock()
	t.supply = info
	t.mu.Unlock()
	return info, nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}

func (t *Tracker) Supply() SupplyInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}
