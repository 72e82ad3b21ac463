package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCProvider backs the wallet capability with an Ethereum JSON-RPC endpoint
// and a locally held key.
type RPCProvider struct {
	client *ethclient.Client
	key    *ecdsa.PrivateKey
}

// Dial connects to the RPC endpoint. An empty URL means the environment has
// no provider at all, which callers surface as ErrNoProvider.
func Dial(ctx context.Context, rpcURL, privateKeyHex string) (*RPCProvider, error) {
	if rpcURL == "" {
		return nil, ErrNoProvider
	}

	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	var key *ecdsa.PrivateKey
	if privateKeyHex != "" {
		key, err = parsePrivateKey(privateKeyHex)
		if err != nil {
			return nil, err
		}
	}

	return &RPCProvider{client: cli, key: key}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.client.ChainID(ctx)
}

func (p *RPCProvider) Signer(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, common.Address, error) {
	if p.key == nil {
		return nil, common.Address{}, fmt.Errorf("no signing key configured")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(p.key, chainID)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate

	return opts, crypto.PubkeyToAddress(p.key.PublicKey), nil
}

func (p *RPCProvider) Backend() bind.ContractBackend {
	return p.client
}

// Ping reports RPC liveness for the health endpoint.
func (p *RPCProvider) Ping(ctx context.Context) error {
	_, err := p.client.BlockNumber(ctx)
	return err
}
