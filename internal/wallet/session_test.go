package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	chainID   int64
	chainErr  error
	signerErr error
	address   common.Address
}

func (f *fakeProvider) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return big.NewInt(f.chainID), nil
}

func (f *fakeProvider) Signer(_ context.Context, chainID *big.Int) (*bind.TransactOpts, common.Address, error) {
	if f.signerErr != nil {
		return nil, common.Address{}, f.signerErr
	}
	return &bind.TransactOpts{From: f.address}, f.address, nil
}

func (f *fakeProvider) Backend() bind.ContractBackend { return nil }

func (f *fakeProvider) setChainID(id int64) {
	f.mu.Lock()
	f.chainID = id
	f.mu.Unlock()
}

func TestConnectNoProvider(t *testing.T) {
	s := NewSession(nil, 1, zerolog.Nop())
	_, err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Nil(t, s.Connection())
}

func TestConnectWrongNetwork(t *testing.T) {
	s := NewSession(&fakeProvider{chainID: 5}, 1, zerolog.Nop())
	_, err := s.Connect(context.Background())

	var wrongNet *WrongNetworkError
	require.ErrorAs(t, err, &wrongNet)
	assert.Equal(t, int64(5), wrongNet.Got)
	assert.Equal(t, int64(1), wrongNet.Want)

	// No address or signer may leak on a network mismatch.
	assert.Nil(t, s.Connection())
}

func TestConnectRejected(t *testing.T) {
	s := NewSession(&fakeProvider{chainID: 1, signerErr: errors.New("user declined")}, 1, zerolog.Nop())
	_, err := s.Connect(context.Background())

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Nil(t, s.Connection())
}

func TestConnectSuccess(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	s := NewSession(&fakeProvider{chainID: 1, address: addr}, 1, zerolog.Nop())

	conn, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, conn.Address)
	assert.Equal(t, int64(1), conn.ChainID.Int64())
	require.NotNil(t, s.Connection())
	assert.Equal(t, addr, s.Connection().Address)
}

func TestWatchNetworkDropsConnectionOnChange(t *testing.T) {
	provider := &fakeProvider{chainID: 1}
	s := NewSession(provider, 1, zerolog.Nop())

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchNetwork(ctx, 5*time.Millisecond)

	provider.setChainID(5)

	require.Eventually(t, func() bool {
		return s.Connection() == nil
	}, time.Second, 5*time.Millisecond, "connection should drop after network change")
}
