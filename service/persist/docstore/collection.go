package docstore

import (
	"context"
	"errors"

	"github.com/SplitFi/go-salesindexer/service/persist"
)

// CollectionRepository maps contracts to collection slugs
type CollectionRepository struct {
	store persist.Store
}

func NewCollectionRepository(store persist.Store) *CollectionRepository {
	return &CollectionRepository{store: store}
}

func (r *CollectionRepository) GetSlug(pCtx context.Context, pChain persist.Chain, pContract persist.Address) (string, error) {
	item, err := r.store.Get(pCtx, persist.Key{PK: persist.CollectionsPK, SK: persist.CollectionSK(pChain, pContract)})
	if errors.Is(err, persist.ErrNotFound) {
		return "", persist.ErrCollectionNotFound{Chain: pChain, Contract: pContract}
	}
	if err != nil {
		return "", err
	}
	return item.String("slug"), nil
}

func (r *CollectionRepository) ListCollections(pCtx context.Context) ([]persist.Collection, error) {
	q := persist.QueryInput{PartitionValue: persist.CollectionsPK, ScanForward: true}
	collections := make([]persist.Collection, 0)
	for {
		page, err := r.store.Query(pCtx, q)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			chain, err := persist.ChainFromString(item.String("chain"))
			if err != nil {
				return nil, err
			}
			collections = append(collections, persist.Collection{
				Slug:            item.String("slug"),
				Chain:           chain,
				ContractAddress: persist.Address(item.String("contractAddress")),
			})
		}
		if page.LastEvaluatedKey == nil {
			return collections, nil
		}
		q.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (r *CollectionRepository) UpsertCollection(pCtx context.Context, pCollection persist.Collection) error {
	item := persist.NewItem(persist.Key{PK: persist.CollectionsPK, SK: persist.CollectionSK(pCollection.Chain, pCollection.ContractAddress)})
	item["slug"] = pCollection.Slug
	item["chain"] = pCollection.Chain.String()
	item["contractAddress"] = pCollection.ContractAddress.String()
	return r.store.Put(pCtx, item)
}
