package persist

import (
	"context"
	"fmt"
)

// CollectionsPK is the partition mapping contracts to collection slugs
const CollectionsPK = "collections"

// Collection ties a contract on a chain to a collection slug
type Collection struct {
	Slug            string  `json:"slug"`
	Chain           Chain   `json:"chain"`
	ContractAddress Address `json:"contractAddress"`
}

// CollectionRepository resolves contracts to collections
type CollectionRepository interface {
	GetSlug(ctx context.Context, chain Chain, contract Address) (string, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	UpsertCollection(ctx context.Context, c Collection) error
}

// ErrCollectionNotFound is returned when a contract has no collection
type ErrCollectionNotFound struct {
	Chain    Chain
	Contract Address
}

func (e ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("no collection for contract %s on %s", e.Contract, e.Chain)
}

// CollectionSK is the sort key of a contract lookup
func CollectionSK(chain Chain, contract Address) string {
	return fmt.Sprintf("%s#%s", chain, contract.String())
}
