package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

// LogArchive keeps the raw logs of scanned windows so a rescan can skip the log query
type LogArchive interface {
	Load(ctx context.Context, chain persist.Chain, marketplace persist.Marketplace, window persist.BlockRange) ([]types.Log, bool)
	Save(ctx context.Context, chain persist.Chain, marketplace persist.Marketplace, window persist.BlockRange, logs []types.Log) error
}

// GCSArchive stores each window as a JSON object named {chain}/{marketplace}/{from}-{to}
type GCSArchive struct {
	client *storage.Client
	bucket string
	// serializes large encodes so concurrent windows don't pile up in memory
	memoryMu sync.Mutex
}

func NewGCSArchive(client *storage.Client, bucket string) *GCSArchive {
	return &GCSArchive{client: client, bucket: bucket}
}

func archiveObjectName(chain persist.Chain, marketplace persist.Marketplace, window persist.BlockRange) string {
	return fmt.Sprintf("%s/%s/%d-%d", chain, marketplace, window.StartBlock, window.EndBlock)
}

func (g *GCSArchive) Load(ctx context.Context, chain persist.Chain, marketplace persist.Marketplace, window persist.BlockRange) ([]types.Log, bool) {
	reader, err := g.client.Bucket(g.bucket).Object(archiveObjectName(chain, marketplace, window)).NewReader(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			logger.For(ctx).WithError(err).Warn("error getting logs from GCP")
		}
		return nil, false
	}
	defer reader.Close()

	g.memoryMu.Lock()
	defer g.memoryMu.Unlock()

	var logs []types.Log
	if err := json.NewDecoder(reader).Decode(&logs); err != nil {
		logger.For(ctx).WithError(err).Warn("archived logs are corrupt, ignoring them")
		return nil, false
	}
	return logs, true
}

func (g *GCSArchive) Save(ctx context.Context, chain persist.Chain, marketplace persist.Marketplace, window persist.BlockRange, logs []types.Log) error {
	g.memoryMu.Lock()
	defer g.memoryMu.Unlock()

	name := archiveObjectName(chain, marketplace, window)
	logger.For(ctx).Debugf("saving %d logs to %s", len(logs), name)

	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if err := json.NewEncoder(w).Encode(logs); err != nil {
		w.Close()
		return fmt.Errorf("encode logs of %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write logs of %s: %w", name, err)
	}
	return nil
}
