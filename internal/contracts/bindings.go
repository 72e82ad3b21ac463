package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"pegmint/internal/amount"
	"pegmint/internal/wallet"
)

// ErrNotConnected is returned for any call made without an active wallet
// connection.
var ErrNotConnected = errors.New("wallet not connected")

// TokenKind selects one of the two bound token contracts.
type TokenKind string

const (
	MintedToken  TokenKind = "minted"
	PeggedStable TokenKind = "stable"
)

// RevertedError means the ledger permanently rejected a submitted transaction.
type RevertedError struct {
	TxHash common.Hash
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
}

// ReceiptReader is the slice of the RPC client needed to confirm
// transactions. *ethclient.Client satisfies it.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Pending is a submitted transaction awaiting inclusion.
type Pending interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined, returning *RevertedError on
	// a failed receipt.
	Wait(ctx context.Context) error
}

// Bindings exposes typed calls against the two fixed token contracts, checked
// against the session's live connection on every call.
type Bindings struct {
	session    *wallet.Session
	mintedAddr common.Address
	stableAddr common.Address
	mintedABI  abi.ABI
	stableABI  abi.ABI
	decimals   uint8
}

func NewBindings(session *wallet.Session, mintedAddr, stableAddr common.Address) (*Bindings, error) {
	minted, err := abi.JSON(strings.NewReader(mintedTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse minted token abi: %w", err)
	}
	stable, err := abi.JSON(strings.NewReader(stableTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse stable token abi: %w", err)
	}
	return &Bindings{
		session:    session,
		mintedAddr: mintedAddr,
		stableAddr: stableAddr,
		mintedABI:  minted,
		stableABI:  stable,
		decimals:   amount.TokenDecimals,
	}, nil
}

func (b *Bindings) bound(kind TokenKind) (*bind.BoundContract, *wallet.Connection, error) {
	conn := b.session.Connection()
	if conn == nil {
		return nil, nil, ErrNotConnected
	}
	switch kind {
	case MintedToken:
		return bind.NewBoundContract(b.mintedAddr, b.mintedABI, conn.Backend, conn.Backend, conn.Backend), conn, nil
	case PeggedStable:
		return bind.NewBoundContract(b.stableAddr, b.stableABI, conn.Backend, conn.Backend, conn.Backend), conn, nil
	}
	return nil, nil, fmt.Errorf("unknown token kind %q", kind)
}

// BalanceOf reads the token balance of an address. No signing involved.
func (b *Bindings) BalanceOf(ctx context.Context, kind TokenKind, addr common.Address) (amount.Amount, error) {
	contract, _, err := b.bound(kind)
	if err != nil {
		return amount.Amount{}, err
	}

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", addr); err != nil {
		return amount.Amount{}, fmt.Errorf("balanceOf %s: %w", kind, err)
	}
	return amount.FromUnits(out[0].(*big.Int), b.decimals), nil
}

// TotalSupply reads the minted-token supply.
func (b *Bindings) TotalSupply(ctx context.Context) (amount.Amount, error) {
	contract, _, err := b.bound(MintedToken)
	if err != nil {
		return amount.Amount{}, err
	}

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "totalSupply"); err != nil {
		return amount.Amount{}, fmt.Errorf("totalSupply: %w", err)
	}
	return amount.FromUnits(out[0].(*big.Int), b.decimals), nil
}

// Approve grants the minted-token contract a spend limit on the stable token.
func (b *Bindings) Approve(ctx context.Context, amt amount.Amount) (Pending, error) {
	return b.transact(ctx, PeggedStable, "approve", b.mintedAddr, amt.Units())
}

// Mint deposits the approved stable amount and mints 1:1.
func (b *Bindings) Mint(ctx context.Context, amt amount.Amount) (Pending, error) {
	return b.transact(ctx, MintedToken, "mint", amt.Units())
}

// Redeem burns minted tokens and releases the stable deposit.
func (b *Bindings) Redeem(ctx context.Context, amt amount.Amount) (Pending, error) {
	return b.transact(ctx, MintedToken, "redeem", amt.Units())
}

func (b *Bindings) transact(ctx context.Context, kind TokenKind, method string, args ...interface{}) (Pending, error) {
	contract, conn, err := b.bound(kind)
	if err != nil {
		return nil, err
	}
	if conn.TxOpts == nil {
		return nil, fmt.Errorf("%s: connection is read-only", method)
	}

	opts := *conn.TxOpts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}

	receipts, _ := conn.Backend.(ReceiptReader)
	return &pendingTx{tx: tx, receipts: receipts}, nil
}

type pendingTx struct {
	tx       *types.Transaction
	receipts ReceiptReader
}

func (p *pendingTx) Hash() common.Hash { return p.tx.Hash() }

// Wait polls until the transaction is mined or the context is cancelled.
func (p *pendingTx) Wait(ctx context.Context) error {
	if p.receipts == nil {
		return fmt.Errorf("backend cannot read receipts")
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := p.receipts.TransactionReceipt(ctx, p.tx.Hash())
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return &RevertedError{TxHash: p.tx.Hash()}
			}
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) && err.Error() != "not found" {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
