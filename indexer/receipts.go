package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"

	"github.com/SplitFi/go-salesindexer/service/cluster"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
)

// MethodFetchReceipts is the cluster method that fetches a slice of receipts on a worker
const MethodFetchReceipts = "fetchReceipts"

const defaultReceiptParallelism = 10

// ReceiptFetcher loads transaction receipts in bulk
type ReceiptFetcher interface {
	FetchReceipts(ctx context.Context, chain persist.Chain, hashes []common.Hash) (map[common.Hash]*types.Receipt, error)
}

// ClientLookup returns the chain client of a chain
type ClientLookup func(persist.Chain) (rpc.ChainClient, error)

// LocalReceiptFetcher fetches receipts in process with a bounded pool
type LocalReceiptFetcher struct {
	clients     ClientLookup
	parallelism int
}

func NewLocalReceiptFetcher(clients ClientLookup, parallelism int) *LocalReceiptFetcher {
	if parallelism <= 0 {
		parallelism = defaultReceiptParallelism
	}
	return &LocalReceiptFetcher{clients: clients, parallelism: parallelism}
}

func (f *LocalReceiptFetcher) FetchReceipts(ctx context.Context, chain persist.Chain, hashes []common.Hash) (map[common.Hash]*types.Receipt, error) {
	client, err := f.clients(chain)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	receipts := make(map[common.Hash]*types.Receipt, len(hashes))

	wp := workerpool.New(f.parallelism)
	for _, h := range hashes {
		hash := h
		wp.Submit(func() {
			ctx := sentryutil.NewSentryHubContext(ctx)
			receipt, err := rpc.RetryGetTransactionReceipt(ctx, client, hash)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("receipt %s: %w", hash.Hex(), err))
				return
			}
			receipts[hash] = receipt
		})
	}
	wp.StopWait()

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// ClusterReceiptFetcher splits the receipts of a window across cluster workers
type ClusterReceiptFetcher struct {
	manager *cluster.Manager
}

func NewClusterReceiptFetcher(manager *cluster.Manager) *ClusterReceiptFetcher {
	return &ClusterReceiptFetcher{manager: manager}
}

type fetchReceiptsArgs struct {
	Chain persist.Chain `json:"chain"`
}

func (f *ClusterReceiptFetcher) FetchReceipts(ctx context.Context, chain persist.Chain, hashes []common.Hash) (map[common.Hash]*types.Receipt, error) {
	if len(hashes) == 0 {
		return map[common.Hash]*types.Receipt{}, nil
	}
	results, err := cluster.ParallelizeMethod[common.Hash, *types.Receipt](ctx, f.manager, MethodFetchReceipts, hashes, fetchReceiptsArgs{Chain: chain})
	if err != nil {
		return nil, err
	}
	receipts := make(map[common.Hash]*types.Receipt, len(results))
	for _, r := range results {
		if r != nil {
			receipts[r.TxHash] = r
		}
	}
	for _, h := range hashes {
		if _, ok := receipts[h]; !ok {
			return nil, fmt.Errorf("worker returned no receipt for %s", h.Hex())
		}
	}
	return receipts, nil
}

// WorkerMethods are the cluster methods an indexer worker serves
func WorkerMethods(local ReceiptFetcher) cluster.Methods {
	return cluster.Methods{
		MethodFetchReceipts: cluster.SliceHandler(func(ctx context.Context, rawArgs json.RawMessage, hashes []common.Hash) ([]*types.Receipt, error) {
			var args fetchReceiptsArgs
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return nil, err
			}
			byHash, err := local.FetchReceipts(ctx, args.Chain, hashes)
			if err != nil {
				return nil, err
			}
			out := make([]*types.Receipt, 0, len(hashes))
			for _, h := range hashes {
				out = append(out, byHash[h])
			}
			return out, nil
		}),
	}
}
