package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/metrics"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
)

const (
	defaultBlockParallelism = 5
	blockAlertAfter         = 5
)

type blockFuture struct {
	once   sync.Once
	done   chan struct{}
	header *types.Header
	err    error
}

// BlockCache resolves block headers lazily. At most parallelism fetches run at a time and each
// finished fetch starts the next queued one. Entries live as long as the cache.
type BlockCache struct {
	chain   persist.Chain
	client  rpc.ChainClient
	wp      *workerpool.WorkerPool
	backoff func() backoff.BackOff

	mu      sync.Mutex
	futures map[persist.BlockNumber]*blockFuture
}

func NewBlockCache(chain persist.Chain, client rpc.ChainClient, parallelism int) *BlockCache {
	if parallelism <= 0 {
		parallelism = defaultBlockParallelism
	}
	return &BlockCache{
		chain:   chain,
		client:  client,
		wp:      workerpool.New(parallelism),
		futures: make(map[persist.BlockNumber]*blockFuture),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Retrieve schedules fetches for every block in [from, to]
func (b *BlockCache) Retrieve(ctx context.Context, from, to persist.BlockNumber) {
	for n := from; n <= to; n++ {
		f, created := b.future(n)
		if !created {
			continue
		}
		number := n
		b.wp.Submit(func() {
			b.resolve(ctx, number, f)
		})
	}
}

// Get returns the header of block n, fetching it now if it hasn't started yet
func (b *BlockCache) Get(ctx context.Context, n persist.BlockNumber) (*types.Header, error) {
	f, _ := b.future(n)
	b.resolve(ctx, n, f)
	select {
	case <-f.done:
		return f.header, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetBlockList returns the headers of [from, to] in order
func (b *BlockCache) GetBlockList(ctx context.Context, from, to persist.BlockNumber) ([]*types.Header, error) {
	b.Retrieve(ctx, from, to)
	headers := make([]*types.Header, 0, to-from+1)
	for n := from; n <= to; n++ {
		h, err := b.Get(ctx, n)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// TimestampMs returns the time of block n in milliseconds
func (b *BlockCache) TimestampMs(ctx context.Context, n persist.BlockNumber) (int64, error) {
	h, err := b.Get(ctx, n)
	if err != nil {
		return 0, err
	}
	return int64(h.Time) * 1000, nil
}

// Len is the number of blocks the cache knows about
func (b *BlockCache) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.futures)
}

// Close waits for running fetches and stops the pool
func (b *BlockCache) Close() {
	b.wp.StopWait()
}

func (b *BlockCache) future(n persist.BlockNumber) (*blockFuture, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.futures[n]; ok {
		return f, false
	}
	f := &blockFuture{done: make(chan struct{})}
	b.futures[n] = f
	return f, true
}

func (b *BlockCache) resolve(ctx context.Context, n persist.BlockNumber, f *blockFuture) {
	f.once.Do(func() {
		defer close(f.done)
		f.header, f.err = b.fetch(ctx, n)
		if f.err != nil {
			// a cancelled fetch must not poison the cache
			b.mu.Lock()
			delete(b.futures, n)
			b.mu.Unlock()
		}
	})
}

// fetch retries until the block is returned or ctx ends
func (b *BlockCache) fetch(ctx context.Context, n persist.BlockNumber) (*types.Header, error) {
	var header *types.Header
	failures := 0
	err := backoff.RetryNotify(func() error {
		h, err := rpc.RetryGetHeader(ctx, b.client, n)
		if err != nil {
			return err
		}
		header = h
		return nil
	}, backoff.WithContext(b.backoff(), ctx), func(err error, wait time.Duration) {
		failures++
		metrics.BlockFetchFailures.WithLabelValues(b.chain.String()).Inc()
		entry := logger.For(ctx).WithError(err).WithFields(logrus.Fields{
			"block":    n.Uint64(),
			"chain":    b.chain.String(),
			"failures": failures,
			"wait":     wait,
		})
		if failures%blockAlertAfter == 0 {
			entry.Error("block fetch keeps failing")
			sentryutil.ReportError(ctx, err, logrus.Fields{"block": n.Uint64(), "chain": b.chain.String(), "failures": failures})
			return
		}
		entry.Warn("block fetch failed, retrying")
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}
