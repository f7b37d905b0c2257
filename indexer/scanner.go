package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/metrics"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
	"github.com/SplitFi/go-salesindexer/service/tracing"
)

const maxWindowRetries = 3

// Kind selects how a scanner turns sale logs into trades
type Kind string

const (
	// KindLegacy reads maker, taker and price from the sale event and the token legs before it
	KindLegacy Kind = "legacy"
	// KindOrderFulfillment decodes the offer and consideration items of a Seaport order
	KindOrderFulfillment Kind = "order-fulfillment"
	// KindAggregator rebuilds the trade from the transaction because the event carries fills only
	KindAggregator Kind = "aggregator"
)

// TxReceipt is a transaction's receipt with the trades decoded from it, in log order
type TxReceipt struct {
	Receipt *types.Receipt          `json:"receipt,omitempty"`
	Meta    []persist.EventMetadata `json:"meta"`
}

// TxReceiptsWithMetadata maps a transaction hash to its trades
type TxReceiptsWithMetadata map[common.Hash]*TxReceipt

// ChainEvents is one scanned block window
type ChainEvents struct {
	Chain          persist.Chain
	Events         []types.Log
	BlockRange     persist.BlockRange
	Receipts       TxReceiptsWithMetadata
	Blocks         map[persist.BlockNumber]*types.Header
	ProviderName   string
	AdapterRunName string
}

// MarketplaceScanner yields the sale logs of one marketplace contract set on one chain
type MarketplaceScanner interface {
	Name() string
	Marketplace() persist.Marketplace
	Variant() persist.ProviderVariant
	Kind() Kind
	Chain() persist.Chain
	// FetchSales scans from the persisted checkpoint up to the mature head. The batch channel is
	// closed when the pass ends; the error channel then yields at most one fatal error.
	FetchSales(ctx context.Context) (<-chan ChainEvents, <-chan error)
	Close()
}

// ScannerDeps are the collaborators shared by every scanner variant
type ScannerDeps struct {
	Client           rpc.ChainClient
	States           persist.AdapterStateRepository
	Receipts         ReceiptFetcher
	Archive          LogArchive
	MatureBlockAge   uint64
	BlockParallelism int
	RunName          string
}

// NewScanner builds the scanner variant cfg asks for
func NewScanner(cfg MarketplaceConfig, deps ScannerDeps) (MarketplaceScanner, error) {
	base, err := newScanBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindLegacy:
		return &legacyScanner{scanBase: base}, nil
	case KindOrderFulfillment:
		return &seaportScanner{scanBase: base}, nil
	case KindAggregator:
		return &aggregatorScanner{scanBase: base}, nil
	default:
		return nil, fmt.Errorf("unknown scanner kind %q for %s", cfg.Kind, cfg.Marketplace)
	}
}

// windowDecoder is the part of a scanner that differs between variants
type windowDecoder interface {
	decodeWindow(ctx context.Context, w *window) error
}

type window struct {
	persist.BlockRange
	logs     []types.Log
	receipts TxReceiptsWithMetadata
}

func (w *window) add(txHash common.Hash, receipt *types.Receipt, meta persist.EventMetadata) {
	r, ok := w.receipts[txHash]
	if !ok {
		r = &TxReceipt{Receipt: receipt}
		w.receipts[txHash] = r
	}
	if r.Receipt == nil {
		r.Receipt = receipt
	}
	r.Meta = append(r.Meta, meta)
}

// txHashes returns the distinct transactions of the window in log order
func (w *window) txHashes() []common.Hash {
	seen := make(map[common.Hash]bool)
	hashes := make([]common.Hash, 0, len(w.logs))
	for _, l := range w.logs {
		if !seen[l.TxHash] {
			seen[l.TxHash] = true
			hashes = append(hashes, l.TxHash)
		}
	}
	return hashes
}

// scanBase holds the window loop every variant runs
type scanBase struct {
	cfg       MarketplaceConfig
	client    rpc.ChainClient
	states    persist.AdapterStateRepository
	receipts  ReceiptFetcher
	archive   LogArchive
	blocks    *BlockCache
	matureAge uint64
	runName   string
	addresses []common.Address
	topics    [][]common.Hash
	retryWait time.Duration
}

func newScanBase(cfg MarketplaceConfig, deps ScannerDeps) (*scanBase, error) {
	if deps.Client == nil || deps.States == nil {
		return nil, fmt.Errorf("scanner %s needs a chain client and an adapter state store", cfg.Marketplace)
	}
	topic, err := cfg.SaleTopic()
	if err != nil {
		return nil, err
	}
	addresses := make([]common.Address, 0, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		addresses = append(addresses, common.HexToAddress(c))
	}
	receipts := deps.Receipts
	if receipts == nil {
		receipts = NewLocalReceiptFetcher(func(persist.Chain) (rpc.ChainClient, error) { return deps.Client, nil }, 0)
	}
	return &scanBase{
		cfg:       cfg,
		client:    deps.Client,
		states:    deps.States,
		receipts:  receipts,
		archive:   deps.Archive,
		blocks:    NewBlockCache(cfg.Chain, deps.Client, deps.BlockParallelism),
		matureAge: deps.MatureBlockAge,
		runName:   deps.RunName,
		addresses: addresses,
		topics:    [][]common.Hash{{topic}},
		retryWait: 2 * time.Second,
	}, nil
}

func (s *scanBase) Name() string {
	return fmt.Sprintf("%s-%s-%s", s.cfg.Marketplace, s.cfg.Variant, s.cfg.Chain)
}

func (s *scanBase) Marketplace() persist.Marketplace {
	return s.cfg.Marketplace
}

func (s *scanBase) Variant() persist.ProviderVariant {
	return s.cfg.Variant
}

func (s *scanBase) Kind() Kind {
	return s.cfg.Kind
}

func (s *scanBase) Chain() persist.Chain {
	return s.cfg.Chain
}

func (s *scanBase) Close() {
	s.blocks.Close()
}

func (s *scanBase) logFields() logrus.Fields {
	return logrus.Fields{
		"marketplace": s.cfg.Marketplace,
		"variant":     s.cfg.Variant,
		"chain":       s.cfg.Chain.String(),
	}
}

// scan runs the window loop in a goroutine, handing each batch to the caller before moving on
func (s *scanBase) scan(ctx context.Context, dec windowDecoder) (<-chan ChainEvents, <-chan error) {
	out := make(chan ChainEvents)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		ctx := logger.NewContextWithFields(sentryutil.NewSentryHubContext(ctx), s.logFields())
		if err := s.scanLoop(ctx, dec, out); err != nil {
			errs <- err
		}
	}()
	return out, errs
}

func (s *scanBase) scanLoop(ctx context.Context, dec windowDecoder, out chan<- ChainEvents) (err error) {
	defer sentryutil.RecoverAndReport(ctx, &err)

	span, ctx := tracing.StartSpan(ctx, "indexer.scan", s.Name(), sentry.TransactionName("indexer:scan"))
	defer tracing.FinishSpan(span)

	head, err := rpc.RetryGetBlockNumber(ctx, s.client)
	if err != nil {
		return fmt.Errorf("get head of %s: %w", s.cfg.Chain, err)
	}
	if head <= s.matureAge {
		return nil
	}
	matureHead := head - s.matureAge

	deployment := persist.BlockNumber(s.cfg.DeploymentBlock)
	state, err := s.states.GetSalesAdapterState(ctx, s.cfg.Marketplace, s.cfg.Chain, true, deployment, s.cfg.Variant)
	if err != nil {
		return fmt.Errorf("read checkpoint of %s: %w", s.Name(), err)
	}
	checkpoint := state.LastSyncedBlockNumber.Uint64()
	if checkpoint < deployment.Uint64() {
		checkpoint = deployment.Uint64()
	}

	tracing.AddEventDataToSpan(span, map[string]interface{}{"checkpoint": checkpoint, "matureHead": matureHead})

	if matureHead <= checkpoint || matureHead-checkpoint <= s.matureAge {
		logger.For(ctx).Debugf("no mature history past block %d (mature head %d)", checkpoint, matureHead)
		return nil
	}

	logger.For(ctx).Infof("scanning blocks %d to %d in windows of %d", checkpoint, matureHead, s.cfg.BlockRange)

	retries := 0
	for start := checkpoint; start < matureHead; {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + s.cfg.BlockRange
		if end > matureHead {
			end = matureHead
		}
		blockRange := persist.BlockRange{StartBlock: persist.BlockNumber(start), EndBlock: persist.BlockNumber(end)}

		batch, err := s.scanWindow(ctx, dec, blockRange)
		if err != nil {
			retries++
			class := "rpc"
			if rpc.IsQuorumError(err) {
				class = "quorum"
			}
			metrics.ScannerQueryRetries.WithLabelValues(s.cfg.Marketplace.String(), s.cfg.Chain.String(), class).Inc()
			entry := logger.For(ctx).WithError(err).WithFields(logrus.Fields{
				"errorClass": class,
				"fromBlock":  start,
				"toBlock":    end - 1,
				"attempt":    retries,
			})
			if retries > maxWindowRetries {
				entry.Error("window keeps failing, giving up")
				return fmt.Errorf("scan %s blocks %d-%d: %w", s.Name(), start, end-1, err)
			}
			entry.Warn("window failed, retrying")
			select {
			case <-time.After(s.retryWait * time.Duration(retries)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retries = 0

		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		metrics.ScannerWindowsTotal.WithLabelValues(s.cfg.Marketplace.String(), s.cfg.Chain.String()).Inc()
		start = end
	}
	return nil
}

// scanWindow queries and decodes [r.StartBlock, r.EndBlock)
func (s *scanBase) scanWindow(ctx context.Context, dec windowDecoder, r persist.BlockRange) (ChainEvents, error) {
	logs, err := s.windowLogs(ctx, r)
	if err != nil {
		return ChainEvents{}, err
	}

	w := &window{BlockRange: r, logs: logs, receipts: make(TxReceiptsWithMetadata)}
	batch := ChainEvents{
		Chain:          s.cfg.Chain,
		Events:         logs,
		BlockRange:     r,
		Receipts:       w.receipts,
		Blocks:         make(map[persist.BlockNumber]*types.Header),
		ProviderName:   s.Name(),
		AdapterRunName: s.runName,
	}
	if len(logs) == 0 {
		return batch, nil
	}

	var blockNumbers []persist.BlockNumber
	for _, l := range logs {
		n := persist.BlockNumber(l.BlockNumber)
		if len(blockNumbers) == 0 || blockNumbers[len(blockNumbers)-1] != n {
			blockNumbers = append(blockNumbers, n)
		}
	}
	for _, n := range blockNumbers {
		s.blocks.Retrieve(ctx, n, n)
	}

	if err := dec.decodeWindow(ctx, w); err != nil {
		return ChainEvents{}, err
	}

	for _, run := range blockRuns(blockNumbers) {
		headers, err := s.blocks.GetBlockList(ctx, run[0], run[1])
		if err != nil {
			return ChainEvents{}, err
		}
		for i, h := range headers {
			batch.Blocks[run[0]+persist.BlockNumber(i)] = h
		}
	}
	return batch, nil
}

// blockRuns collapses ascending block numbers into inclusive runs of consecutive blocks
func blockRuns(numbers []persist.BlockNumber) [][2]persist.BlockNumber {
	var runs [][2]persist.BlockNumber
	for _, n := range numbers {
		if len(runs) > 0 && runs[len(runs)-1][1]+1 == n {
			runs[len(runs)-1][1] = n
			continue
		}
		runs = append(runs, [2]persist.BlockNumber{n, n})
	}
	return runs
}

// windowLogs returns the live sale logs of the window sorted by position
func (s *scanBase) windowLogs(ctx context.Context, r persist.BlockRange) ([]types.Log, error) {
	var logs []types.Log
	archived := false
	if s.archive != nil {
		logs, archived = s.archive.Load(ctx, s.cfg.Chain, s.cfg.Marketplace, r)
	}

	if !archived {
		var err error
		logs, err = rpc.RetryGetLogs(ctx, s.client, ethereum.FilterQuery{
			FromBlock: r.StartBlock.BigInt(),
			ToBlock:   persist.BlockNumber(r.EndBlock.Uint64() - 1).BigInt(),
			Addresses: s.addresses,
			Topics:    s.topics,
		})
		if err != nil {
			return nil, err
		}
		if s.archive != nil {
			toSave := logs
			go func() {
				ctx := sentryutil.NewSentryHubContext(ctx)
				if err := s.archive.Save(ctx, s.cfg.Chain, s.cfg.Marketplace, r, toSave); err != nil {
					logger.For(ctx).WithError(err).Warn("failed to archive logs")
				}
			}()
		}
	}

	live := make([]types.Log, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		live = append(live, l)
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].BlockNumber != live[j].BlockNumber {
			return live[i].BlockNumber < live[j].BlockNumber
		}
		return live[i].Index < live[j].Index
	})
	return live, nil
}

func (s *scanBase) decoded(n int) {
	metrics.ScannerLogsDecoded.WithLabelValues(s.cfg.Marketplace.String(), s.cfg.Chain.String()).Add(float64(n))
}

// dropped records a log that contributes no trade
func (s *scanBase) dropped(ctx context.Context, l types.Log, reason error) {
	metrics.ScannerLogsDropped.WithLabelValues(s.cfg.Marketplace.String(), s.cfg.Chain.String()).Inc()
	logger.For(ctx).WithError(reason).WithFields(logrus.Fields{
		"txHash":   l.TxHash.Hex(),
		"logIndex": l.Index,
		"block":    l.BlockNumber,
	}).Warn("dropping non-standard sale log")
}

// fetchReceipts loads the receipts of every transaction in the window
func (s *scanBase) fetchReceipts(ctx context.Context, w *window) (map[common.Hash]*types.Receipt, error) {
	span, ctx := tracing.StartSpan(ctx, "indexer.receipts", "fetchReceipts")
	defer tracing.FinishSpan(span)

	hashes := w.txHashes()
	tracing.AddEventDataToSpan(span, map[string]interface{}{"transactions": len(hashes)})
	return s.receipts.FetchReceipts(ctx, s.cfg.Chain, hashes)
}
