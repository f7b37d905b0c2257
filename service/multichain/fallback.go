package multichain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
)

// Endpoint is one RPC endpoint of a chain
type Endpoint struct {
	Name   string
	Client rpc.ChainClient
}

// FallbackClient spreads calls over the endpoints of one chain. Endpoints are tried in
// priority order starting from the last one that answered; when every endpoint fails the
// call returns an rpc.QuorumError.
type FallbackClient struct {
	chain     persist.Chain
	endpoints []Endpoint

	mu      sync.Mutex
	current int
}

// NewFallbackClient panics if no endpoints are given
func NewFallbackClient(chain persist.Chain, endpoints ...Endpoint) *FallbackClient {
	if len(endpoints) == 0 {
		panic("fallback client needs at least one endpoint for " + chain.String())
	}
	return &FallbackClient{chain: chain, endpoints: endpoints}
}

func (f *FallbackClient) Chain() persist.Chain {
	return f.chain
}

func (f *FallbackClient) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, f, "eth_blockNumber", func(c rpc.ChainClient) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

func (f *FallbackClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return call(ctx, f, "eth_getBlockByNumber", func(c rpc.ChainClient) (*types.Header, error) {
		return c.HeaderByNumber(ctx, number)
	})
}

func (f *FallbackClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, f, "eth_getLogs", func(c rpc.ChainClient) ([]types.Log, error) {
		return c.FilterLogs(ctx, q)
	})
}

func (f *FallbackClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return call(ctx, f, "eth_getTransactionReceipt", func(c rpc.ChainClient) (*types.Receipt, error) {
		return c.TransactionReceipt(ctx, txHash)
	})
}

func (f *FallbackClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	type result struct {
		tx      *types.Transaction
		pending bool
	}
	r, err := call(ctx, f, "eth_getTransactionByHash", func(c rpc.ChainClient) (result, error) {
		tx, pending, err := c.TransactionByHash(ctx, hash)
		return result{tx, pending}, err
	})
	return r.tx, r.pending, err
}

func (f *FallbackClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, f, "eth_call", func(c rpc.ChainClient) ([]byte, error) {
		return c.CallContract(ctx, msg, blockNumber)
	})
}

func call[T any](ctx context.Context, f *FallbackClient, method string, fn func(rpc.ChainClient) (T, error)) (T, error) {
	f.mu.Lock()
	start := f.current
	f.mu.Unlock()

	var (
		zero T
		errs *multierror.Error
	)
	for i := 0; i < len(f.endpoints); i++ {
		idx := (start + i) % len(f.endpoints)
		endpoint := f.endpoints[idx]

		res, err := fn(endpoint.Client)
		if err == nil {
			if i > 0 {
				f.mu.Lock()
				f.current = idx
				f.mu.Unlock()
			}
			return res, nil
		}

		// answers that any healthy endpoint would give are not failures of this endpoint
		if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}

		logger.For(ctx).WithError(err).WithFields(logrus.Fields{
			"chain":    f.chain,
			"endpoint": endpoint.Name,
			"rpcCall":  method,
		}).Warn("rpc endpoint failed, falling back")
		errs = multierror.Append(errs, err)
	}

	return zero, rpc.QuorumError{Chain: f.chain, Method: method, Errs: errs}
}
