package docstore

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

const attrLastSyncedBlock = "lastSyncedBlockNumber"

// AdapterStateRepository stores scanner checkpoints
type AdapterStateRepository struct {
	store persist.Store
}

// NewAdapterStateRepository creates a new AdapterStateRepository
func NewAdapterStateRepository(store persist.Store) *AdapterStateRepository {
	return &AdapterStateRepository{store: store}
}

// GetSalesAdapterState reads a checkpoint, writing defaultBlock first when it is missing and createIfMissing is set
func (r *AdapterStateRepository) GetSalesAdapterState(pCtx context.Context, pMarketplace persist.Marketplace, pChain persist.Chain, createIfMissing bool, defaultBlock persist.BlockNumber, pVariant persist.ProviderVariant) (persist.AdapterStateRecord, error) {
	key := persist.Key{PK: persist.AdapterStatePK, SK: persist.AdapterStateSK(pMarketplace, pChain, pVariant)}
	item, err := r.store.Get(pCtx, key)
	if err == nil {
		return adapterStateFromItem(item)
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return persist.AdapterStateRecord{}, err
	}
	if !createIfMissing {
		return persist.AdapterStateRecord{}, persist.ErrAdapterStateNotFound{Marketplace: pMarketplace, Chain: pChain, Variant: pVariant}
	}

	state := persist.AdapterStateRecord{
		Marketplace:           pMarketplace,
		Chain:                 pChain,
		ProviderVariant:       pVariant,
		LastSyncedBlockNumber: defaultBlock,
	}
	if err := r.store.Put(pCtx, adapterStateToItem(state)); err != nil {
		return persist.AdapterStateRecord{}, err
	}
	return state, nil
}

// UpdateSalesLastSyncedBlockNumber advances a checkpoint. Moving it backwards is refused with a warning.
func (r *AdapterStateRepository) UpdateSalesLastSyncedBlockNumber(pCtx context.Context, pMarketplace persist.Marketplace, pBlockNumber persist.BlockNumber, pChain persist.Chain, pVariant persist.ProviderVariant) error {
	err := r.store.Update(pCtx, persist.UpdateInput{
		Key: persist.Key{PK: persist.AdapterStatePK, SK: persist.AdapterStateSK(pMarketplace, pChain, pVariant)},
		Set: map[string]any{
			attrLastSyncedBlock: float64(pBlockNumber),
			"marketplace":       pMarketplace.String(),
			"chain":             pChain.String(),
			"providerVariant":   pVariant.String(),
		},
		Condition: &persist.Condition{Attribute: attrLastSyncedBlock, AtMost: float64(pBlockNumber)},
	})
	if errors.Is(err, persist.ErrConditionFailed) {
		logger.For(pCtx).WithFields(logrus.Fields{
			"marketplace": pMarketplace,
			"chain":       pChain,
			"variant":     pVariant,
			"block":       pBlockNumber,
		}).Warn("refusing to move adapter checkpoint backwards")
		return nil
	}
	return err
}

// ListAdapterStates returns every checkpoint
func (r *AdapterStateRepository) ListAdapterStates(pCtx context.Context) ([]persist.AdapterStateRecord, error) {
	q := persist.QueryInput{PartitionValue: persist.AdapterStatePK, ScanForward: true}
	states := make([]persist.AdapterStateRecord, 0)
	for {
		page, err := r.store.Query(pCtx, q)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			state, err := adapterStateFromItem(item)
			if err != nil {
				return nil, err
			}
			states = append(states, state)
		}
		if page.LastEvaluatedKey == nil {
			return states, nil
		}
		q.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func adapterStateToItem(s persist.AdapterStateRecord) persist.Item {
	item := persist.NewItem(persist.Key{PK: persist.AdapterStatePK, SK: persist.AdapterStateSK(s.Marketplace, s.Chain, s.ProviderVariant)})
	item["marketplace"] = s.Marketplace.String()
	item["chain"] = s.Chain.String()
	item["providerVariant"] = s.ProviderVariant.String()
	item[attrLastSyncedBlock] = float64(s.LastSyncedBlockNumber)
	return item
}

func adapterStateFromItem(item persist.Item) (persist.AdapterStateRecord, error) {
	chain, err := persist.ChainFromString(item.String("chain"))
	if err != nil {
		return persist.AdapterStateRecord{}, err
	}
	return persist.AdapterStateRecord{
		Marketplace:           persist.Marketplace(item.String("marketplace")),
		Chain:                 chain,
		ProviderVariant:       persist.ProviderVariant(item.String("providerVariant")),
		LastSyncedBlockNumber: persist.BlockNumber(item.Uint64(attrLastSyncedBlock)),
	}, nil
}
