// Package rpctest provides an in-memory rpc.ChainClient for tests.
package rpctest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client serves logs, headers, receipts and transactions from memory and records every log query
type Client struct {
	mu sync.Mutex

	Head         uint64
	Logs         []types.Log
	Receipts     map[common.Hash]*types.Receipt
	Transactions map[common.Hash]*types.Transaction
	// BlockTimes maps a block number to its header time. Missing blocks get 1000 + number*12.
	BlockTimes map[uint64]uint64
	Decimals   map[common.Address]uint8

	// FailLogs makes the next n FilterLogs calls fail with FailErr
	FailLogs int
	// FailHeaders makes the next n HeaderByNumber calls fail with FailErr
	FailHeaders int
	FailErr     error

	Queries      []ethereum.FilterQuery
	HeaderCalls  map[uint64]int
	ReceiptCalls int
}

func NewClient(head uint64) *Client {
	return &Client{
		Head:         head,
		Receipts:     make(map[common.Hash]*types.Receipt),
		Transactions: make(map[common.Hash]*types.Transaction),
		BlockTimes:   make(map[uint64]uint64),
		Decimals:     make(map[common.Address]uint8),
		HeaderCalls:  make(map[uint64]int),
		FailErr:      errors.New("endpoint unavailable"),
	}
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Head, nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := number.Uint64()
	c.HeaderCalls[n]++
	if c.FailHeaders > 0 {
		c.FailHeaders--
		return nil, c.FailErr
	}
	t, ok := c.BlockTimes[n]
	if !ok {
		t = 1000 + n*12
	}
	return &types.Header{Number: new(big.Int).Set(number), Time: t}, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, q)
	if c.FailLogs > 0 {
		c.FailLogs--
		return nil, c.FailErr
	}

	var out []types.Log
	for _, l := range c.Logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchesTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReceiptCalls++
	r, ok := c.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.Transactions[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

// CallContract answers decimals() calls from Decimals
func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call.To == nil {
		return nil, errors.New("no contract")
	}
	d, ok := c.Decimals[*call.To]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return common.LeftPadBytes([]byte{d}, 32), nil
}

// QueryCount returns the number of log queries served so far
func (c *Client) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Queries)
}

func containsAddress(addrs []common.Address, a common.Address) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

func matchesTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, o := range options {
			if o == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
