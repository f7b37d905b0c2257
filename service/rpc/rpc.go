package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

const (
	defaultRetries = 4
	rpcTimeout     = 30 * time.Second
)

// ChainClient is the subset of the JSON-RPC API the indexer uses. *ethclient.Client satisfies it.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// QuorumError is returned when no endpoint of a chain could serve a call
type QuorumError struct {
	Chain  persist.Chain
	Method string
	Errs   *multierror.Error
}

func (e QuorumError) Error() string {
	return fmt.Sprintf("no %s endpoint could serve %s: %s", e.Chain, e.Method, e.Errs)
}

func (e QuorumError) Unwrap() error {
	return e.Errs.ErrorOrNil()
}

// IsQuorumError reports whether err means every endpoint of a chain failed
func IsQuorumError(err error) bool {
	var q QuorumError
	return errors.As(err, &q)
}

// NewEthClient dials an http or websocket endpoint
func NewEthClient(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", RedactURL(url), err)
	}
	return client, nil
}

// RetryGetBlockNumber calls BlockNumber with backoff
func RetryGetBlockNumber(ctx context.Context, client ChainClient) (uint64, error) {
	var height uint64
	err := retryRateLimited(ctx, "eth_blockNumber", func(ctx context.Context) (err error) {
		height, err = client.BlockNumber(ctx)
		return err
	})
	return height, err
}

// RetryGetLogs calls FilterLogs with backoff
func RetryGetLogs(ctx context.Context, client ChainClient, query ethereum.FilterQuery) ([]types.Log, error) {
	logs := make([]types.Log, 0)
	err := retryRateLimited(ctx, "eth_getLogs", func(ctx context.Context) (err error) {
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// RetryGetHeader calls HeaderByNumber with backoff
func RetryGetHeader(ctx context.Context, client ChainClient, number persist.BlockNumber) (*types.Header, error) {
	var header *types.Header
	err := retryRateLimited(ctx, "eth_getBlockByNumber", func(ctx context.Context) (err error) {
		header, err = client.HeaderByNumber(ctx, number.BigInt())
		return err
	})
	return header, err
}

// RetryGetTransactionReceipt calls TransactionReceipt with backoff
func RetryGetTransactionReceipt(ctx context.Context, client ChainClient, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := retryRateLimited(ctx, "eth_getTransactionReceipt", func(ctx context.Context) (err error) {
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// RetryGetTransaction calls TransactionByHash with backoff
func RetryGetTransaction(ctx context.Context, client ChainClient, txHash common.Hash) (*types.Transaction, error) {
	var tx *types.Transaction
	err := retryRateLimited(ctx, "eth_getTransactionByHash", func(ctx context.Context) (err error) {
		tx, _, err = client.TransactionByHash(ctx, txHash)
		return err
	})
	return tx, err
}

// GetTokenDecimals calls decimals() on an ERC-20 contract
func GetTokenDecimals(ctx context.Context, client ChainClient, token common.Address) (uint8, error) {
	data, err := contracts.ERC20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	var out []byte
	err = retryRateLimited(ctx, "eth_call", func(ctx context.Context) (err error) {
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	res, err := contracts.ERC20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals of %s: %w", token, err)
	}
	decimals, ok := res[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", res[0])
	}
	return decimals, nil
}

// retryRateLimited retries f while the endpoint reports rate limiting. Other errors are returned at once.
func retryRateLimited(ctx context.Context, method string, f func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultRetries), ctx)
	return backoff.RetryNotify(func() error {
		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		defer cancel()
		err := f(callCtx)
		if err != nil && !isRateLimited(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logger.For(ctx).WithError(err).WithFields(logrus.Fields{"rpcCall": method, "wait": wait}).Debug("rate limited, retrying")
	})
}

func isRateLimited(err error) bool {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 429 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// RedactURL drops everything after the host, where providers put API keys
func RedactURL(url string) string {
	rest := url
	scheme := ""
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return scheme + rest
}
