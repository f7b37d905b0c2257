package persist

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	// RecordStateUnprocessed is the state of a freshly ingested sale
	RecordStateUnprocessed RecordState = "UNPROCESSED"
	// RecordStateCollectionExists means the sale's contract maps to a known collection
	RecordStateCollectionExists RecordState = "COLLECTION_EXISTS"
	// RecordStateVolumeRecorded means the sale was rolled into the statistics rows
	RecordStateVolumeRecorded RecordState = "VOLUME_RECORDED"
)

const (
	// PriceStatePending means the sale has not been through the currency converter yet
	PriceStatePending PriceState = "PENDING"
	// PriceStateConverted means PriceBase and PriceUSD are set
	PriceStateConverted PriceState = "CONVERTED"
	// PriceStateUnconverted means no price was found; PriceBase and PriceUSD stay nil
	PriceStateUnconverted PriceState = "UNCONVERTED"
)

// RecordState tracks how far downstream batch jobs have processed a sale
type RecordState string

// PriceState is the outcome of currency conversion for a sale
type PriceState string

// Marketplace is the name of a marketplace, e.g. "opensea"
type Marketplace string

// ProviderVariant distinguishes scanners of the same marketplace, e.g. "wyvern" and "seaport"
type ProviderVariant string

func (m Marketplace) String() string {
	return string(m)
}

func (v ProviderVariant) String() string {
	return string(v)
}

// Payment is the currency leg of a sale
type Payment struct {
	Address Address  `json:"address"`
	Amount  *big.Int `json:"amount"`
}

// EventMetadata is a decoded trade
type EventMetadata struct {
	ContractAddress Address     `json:"contractAddress"`
	Buyer           Address     `json:"buyer"`
	Seller          Address     `json:"seller"`
	TokenID         string      `json:"tokenID"`
	TokenIDs        []string    `json:"tokenIDs,omitempty"`
	Price           *big.Int    `json:"price"`
	Payment         Payment     `json:"payment"`
	Count           uint64      `json:"count"`
	EventSignatures []string    `json:"eventSignatures"`
	Data            string      `json:"data"`
	LogIndex        uint        `json:"logIndex"`
	BlockNumber     BlockNumber `json:"blockNumber"`
	BundleSale      bool        `json:"bundleSale"`
	NonStandard     bool        `json:"nonStandard,omitempty"`
}

// SaleData is the persisted sale record
type SaleData struct {
	EventMetadata
	TxnHash     string      `json:"txnHash"`
	Timestamp   string      `json:"timestamp"`
	PriceBase   *float64    `json:"priceBase"`
	PriceUSD    *float64    `json:"priceUSD"`
	PriceState  PriceState  `json:"priceState"`
	Marketplace Marketplace `json:"marketplace"`
	Chain       Chain       `json:"chain"`
	RecordState RecordState `json:"recordState"`
}

// SaleRepository stores sales. Writing a sale again never undoes the recording of its volume.
type SaleRepository interface {
	PutSales(ctx context.Context, sales []SaleData) error
	GetUnrecorded(ctx context.Context, sales []SaleData) ([]SaleData, error)
	GetSales(ctx context.Context, contract Address, marketplace Marketplace, fromMs, toMs int64) ([]SaleData, error)
	GetSalesByRecordState(ctx context.Context, state RecordState, limit int, cursor Item) ([]SaleData, Item, error)
	UpdateRecordState(ctx context.Context, sales []SaleData, state RecordState) error
	MigrateLegacyKeys(ctx context.Context) (int, error)
}

// TimestampMs parses the sale timestamp
func (s SaleData) TimestampMs() (int64, error) {
	return strconv.ParseInt(s.Timestamp, 10, 64)
}

// Key returns the store key of the sale
func (s SaleData) Key() Key {
	return Key{PK: SalePK(s.ContractAddress, s.Marketplace), SK: SaleSK(s.Timestamp, s.TxnHash, s.LogIndex)}
}

// LegacyKey returns the key the sale would have had before log indexes were appended
func (s SaleData) LegacyKey() Key {
	return Key{PK: SalePK(s.ContractAddress, s.Marketplace), SK: LegacySaleSK(s.Timestamp, s.TxnHash)}
}

// HasValidPrice reports whether the sale may contribute to volume.
func (s SaleData) HasValidPrice() bool {
	if s.PriceState != PriceStateConverted || s.PriceBase == nil || s.PriceUSD == nil {
		return false
	}
	if s.Price == nil || s.Price.Sign() <= 0 {
		return false
	}
	return *s.PriceBase > 0 && *s.PriceUSD > 0
}

// SalePK is the partition key of the sales of one contract on one marketplace
func SalePK(contract Address, marketplace Marketplace) string {
	return fmt.Sprintf("sales#%s#marketplace#%s", contract.String(), marketplace)
}

// SaleSK is the sort key of a sale
func SaleSK(timestampMs, txnHash string, logIndex uint) string {
	return fmt.Sprintf("%s#%d", LegacySaleSK(timestampMs, txnHash), logIndex)
}

// LegacySaleSK is the sort key format used before bundle sales were disambiguated
func LegacySaleSK(timestampMs, txnHash string) string {
	return fmt.Sprintf("%s#txnHash#%s", padTimestamp(timestampMs), strings.ToLower(txnHash))
}

// padTimestamp pads a decimal timestamp the way BucketSK does. Anything else is kept as is.
func padTimestamp(timestampMs string) string {
	ms, err := strconv.ParseInt(timestampMs, 10, 64)
	if err != nil {
		return timestampMs
	}
	return BucketSK(ms)
}

// unpadTimestamp drops the padding added by padTimestamp
func unpadTimestamp(timestampMs string) string {
	ms, err := strconv.ParseInt(timestampMs, 10, 64)
	if err != nil {
		return timestampMs
	}
	return strconv.FormatInt(ms, 10)
}

// IsLegacySaleSK reports whether sk lacks the trailing log index
func IsLegacySaleSK(sk string) bool {
	return strings.Count(sk, "#") == 2
}

// ParseSaleSK splits a sort key into its parts. logIndex is -1 for legacy keys.
func ParseSaleSK(sk string) (timestampMs, txnHash string, logIndex int, err error) {
	parts := strings.Split(sk, "#")
	switch {
	case len(parts) == 3 && parts[1] == "txnHash":
		return unpadTimestamp(parts[0]), parts[2], -1, nil
	case len(parts) == 4 && parts[1] == "txnHash":
		idx, err := strconv.Atoi(parts[3])
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid log index in sort key %q: %w", sk, err)
		}
		return unpadTimestamp(parts[0]), parts[2], idx, nil
	default:
		return "", "", 0, fmt.Errorf("invalid sale sort key %q", sk)
	}
}
