package persist

import (
	"context"
	"fmt"
)

// AdapterStateRecord is the sync checkpoint of one scanner
type AdapterStateRecord struct {
	Marketplace           Marketplace     `json:"marketplace"`
	Chain                 Chain           `json:"chain"`
	ProviderVariant       ProviderVariant `json:"providerVariant"`
	LastSyncedBlockNumber BlockNumber     `json:"lastSyncedBlockNumber"`
}

// AdapterStateRepository reads and advances scanner checkpoints
type AdapterStateRepository interface {
	GetSalesAdapterState(ctx context.Context, marketplace Marketplace, chain Chain, createIfMissing bool, defaultBlock BlockNumber, variant ProviderVariant) (AdapterStateRecord, error)
	UpdateSalesLastSyncedBlockNumber(ctx context.Context, marketplace Marketplace, blockNumber BlockNumber, chain Chain, variant ProviderVariant) error
	ListAdapterStates(ctx context.Context) ([]AdapterStateRecord, error)
}

// ErrAdapterStateNotFound is returned when no checkpoint exists and createIfMissing is false
type ErrAdapterStateNotFound struct {
	Marketplace Marketplace
	Chain       Chain
	Variant     ProviderVariant
}

func (e ErrAdapterStateNotFound) Error() string {
	return fmt.Sprintf("no adapter state for marketplace=%s chain=%s variant=%s", e.Marketplace, e.Chain, e.Variant)
}

// AdapterStatePK is the single partition holding every checkpoint
const AdapterStatePK = "adapterState"

// AdapterStateSK is the sort key of one checkpoint
func AdapterStateSK(marketplace Marketplace, chain Chain, variant ProviderVariant) string {
	return fmt.Sprintf("sales#%s#chain#%s#variant#%s", marketplace, chain, variant)
}
