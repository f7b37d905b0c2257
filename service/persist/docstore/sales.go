// Package docstore implements the persist repositories on top of a persist.Store.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

const salesPKPrefix = "sales#"

const (
	attrRecordState    = "recordState"
	attrVolumeRecorded = "volumeRecorded"
	attrPriceState     = "priceState"

	// concurrent recorders cancel a sale write at most a few times in a row
	maxSaleWriteAttempts = 3
)

var priceAttrs = []string{"priceBase", "priceUSD", attrPriceState}

// SaleRepository is the repository for interacting with sales in a document store
type SaleRepository struct {
	store persist.Store
}

// NewSaleRepository creates a new SaleRepository
func NewSaleRepository(store persist.Store) *SaleRepository {
	return &SaleRepository{store: store}
}

// PutSales writes sales in one transaction per transaction hash. Legacy keys of the same
// sales are deleted in that transaction so no sale is stored twice. A sale whose volume has
// been recorded keeps its record state and prices, and a converted price is never replaced
// by an unconverted one.
func (r *SaleRepository) PutSales(pCtx context.Context, pSales []persist.SaleData) error {
	byHash := make(map[string][]persist.SaleData)
	hashes := make([]string, 0)
	for _, sale := range pSales {
		h := strings.ToLower(sale.TxnHash)
		if _, ok := byHash[h]; !ok {
			hashes = append(hashes, h)
		}
		byHash[h] = append(byHash[h], sale)
	}

	for _, h := range hashes {
		if err := r.putTxnSales(pCtx, byHash[h]); err != nil {
			return fmt.Errorf("put sales of txn %s: %w", h, err)
		}
	}
	return nil
}

// putTxnSales re-reads and rewrites the sales when a recorder marked one of them in between
func (r *SaleRepository) putTxnSales(pCtx context.Context, pSales []persist.SaleData) error {
	var err error
	for attempt := 0; attempt < maxSaleWriteAttempts; attempt++ {
		var in persist.TransactWriteInput
		in, err = r.saleWrites(pCtx, pSales)
		if err != nil {
			return err
		}
		err = r.transact(pCtx, in)
		if !errors.Is(err, persist.ErrTransactionCanceled) {
			return err
		}
	}
	return err
}

// GetSales returns the sales of a contract on a marketplace with timestamps in [fromMs, toMs]
func (r *SaleRepository) GetSales(pCtx context.Context, pContract persist.Address, pMarketplace persist.Marketplace, fromMs, toMs int64) ([]persist.SaleData, error) {
	q := persist.QueryInput{
		PartitionValue: persist.SalePK(pContract, pMarketplace),
		Sort:           persist.SortCondition{Between: &[2]string{persist.BucketSK(fromMs), persist.BucketSK(toMs) + "#~"}},
		ScanForward:    true,
	}

	var legacy []persist.SaleData
	sales := make([]persist.SaleData, 0)
	for {
		page, err := r.store.Query(pCtx, q)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			sale, err := saleFromItem(item)
			if err != nil {
				return nil, err
			}
			if persist.IsLegacySaleSK(persist.KeyOf(item).SK) {
				legacy = append(legacy, sale)
			}
			sales = append(sales, sale)
		}
		if page.LastEvaluatedKey == nil {
			break
		}
		q.ExclusiveStartKey = page.LastEvaluatedKey
	}

	if len(legacy) > 0 {
		if err := r.PutSales(pCtx, legacy); err != nil {
			logger.For(pCtx).WithError(err).WithFields(logrus.Fields{"contract": pContract, "marketplace": pMarketplace}).Warn("failed to migrate legacy sale keys")
		}
	}
	return sales, nil
}

// GetUnrecorded re-reads sales and returns the stored copies of those whose volume has not
// been recorded yet. Sales that are not stored are left out.
func (r *SaleRepository) GetUnrecorded(pCtx context.Context, pSales []persist.SaleData) ([]persist.SaleData, error) {
	keys := make([]persist.Key, len(pSales))
	for i, sale := range pSales {
		keys[i] = sale.Key()
	}

	out := make([]persist.SaleData, 0, len(keys))
	for _, key := range util.Dedupe(keys) {
		item, err := r.store.Get(pCtx, key)
		if errors.Is(err, persist.ErrNotFound) {
			logger.For(pCtx).WithFields(logrus.Fields{"pk": key.PK, "sk": key.SK}).Warn("sale is not stored")
			continue
		}
		if err != nil {
			return nil, err
		}
		if recorded(item) {
			continue
		}
		sale, err := saleFromItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, nil
}

// GetSalesByRecordState returns up to limit sales in state, starting after cursor. The
// returned cursor is nil once every sale has been read.
func (r *SaleRepository) GetSalesByRecordState(pCtx context.Context, pState persist.RecordState, limit int, cursor persist.Item) ([]persist.SaleData, persist.Item, error) {
	page, err := r.store.Query(pCtx, persist.QueryInput{
		Index:             persist.RecordStateIndex,
		PartitionValue:    string(pState),
		Limit:             limit,
		ScanForward:       true,
		ExclusiveStartKey: cursor,
	})
	if err != nil {
		return nil, nil, err
	}
	sales, err := util.Map(page.Items, saleFromItem)
	if err != nil {
		return nil, nil, err
	}
	return sales, page.LastEvaluatedKey, nil
}

// UpdateRecordState moves sales to state, rewriting any that still use a legacy key. Sales
// whose volume has been recorded keep their state.
func (r *SaleRepository) UpdateRecordState(pCtx context.Context, pSales []persist.SaleData, pState persist.RecordState) error {
	updated := make([]persist.SaleData, len(pSales))
	for i, sale := range pSales {
		sale.RecordState = pState
		updated[i] = sale
	}
	return r.PutSales(pCtx, updated)
}

// MigrateLegacyKeys rewrites every sale stored under a legacy sort key. It returns the number of sales migrated.
func (r *SaleRepository) MigrateLegacyKeys(pCtx context.Context) (int, error) {
	migrated := 0
	in := persist.ScanInput{Limit: 500}
	for {
		page, err := r.store.Scan(pCtx, in)
		if err != nil {
			return migrated, err
		}

		var (
			puts    []persist.Item
			deletes []persist.Key
		)
		for _, item := range page.Items {
			key := persist.KeyOf(item)
			if !strings.HasPrefix(key.PK, salesPKPrefix) || !persist.IsLegacySaleSK(key.SK) {
				continue
			}
			sale, err := saleFromItem(item)
			if err != nil {
				logger.For(pCtx).WithError(err).WithFields(logrus.Fields{"pk": key.PK, "sk": key.SK}).Warn("skipping unreadable legacy sale")
				continue
			}
			puts = append(puts, saleToItem(sale))
			deletes = append(deletes, key)
		}

		if len(puts) > 0 {
			if err := r.store.BatchWrite(pCtx, puts, deletes); err != nil {
				return migrated, err
			}
			migrated += len(puts)
			logger.For(pCtx).Infof("migrated %d legacy sale keys", migrated)
		}

		if page.LastEvaluatedKey == nil {
			return migrated, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (r *SaleRepository) saleWrites(pCtx context.Context, pSales []persist.SaleData) (persist.TransactWriteInput, error) {
	var in persist.TransactWriteInput
	stored := make(map[persist.Key]persist.Item)
	looked := make(map[persist.Key]bool)
	for _, sale := range pSales {
		legacy := sale.LegacyKey()
		if looked[legacy] {
			continue
		}
		looked[legacy] = true

		// the legacy sort key prefixes the current keys of every sale of the transaction
		page, err := r.store.Query(pCtx, persist.QueryInput{
			PartitionValue: legacy.PK,
			Sort:           persist.SortCondition{BeginsWith: legacy.SK},
			ScanForward:    true,
		})
		if err != nil {
			return in, fmt.Errorf("look up legacy key %s: %w", legacy.SK, err)
		}
		for _, item := range page.Items {
			stored[persist.KeyOf(item)] = item
		}
	}

	migrated := make(map[persist.Key]bool)
	for _, sale := range pSales {
		item := saleToItem(sale)
		if cur, ok := stored[sale.Key()]; ok {
			in.Updates = append(in.Updates, saleUpdate(item, cur, false))
			continue
		}

		legacy := sale.LegacyKey()
		if old, ok := stored[legacy]; ok && !migrated[legacy] {
			migrated[legacy] = true
			in.Deletes = append(in.Deletes, legacy)
			in.Updates = append(in.Updates, saleUpdate(item, old, true))
			continue
		}
		in.Updates = append(in.Updates, saleUpdate(item, nil, false))
	}
	return in, nil
}

// saleUpdate writes item over cur. Attributes cur must keep are left out of the update, or
// copied from cur when it lives under another key.
func saleUpdate(item, cur persist.Item, moved bool) persist.UpdateInput {
	in := persist.UpdateInput{Key: persist.KeyOf(item), Set: make(map[string]any, len(item))}
	for attr, v := range item {
		if attr != "PK" && attr != "SK" {
			in.Set[attr] = v
		}
	}

	keep := func(attr string) {
		delete(in.Set, attr)
		if v, ok := cur[attr]; ok && moved {
			in.Set[attr] = v
		}
	}

	if cur == nil {
		in.Condition = &persist.Condition{Attribute: attrVolumeRecorded, AtMost: 0}
		return in
	}

	incoming := persist.PriceState(item.String(attrPriceState))
	storedState := persist.PriceState(cur.String(attrPriceState))
	if recorded(cur) || incoming == persist.PriceStatePending || (storedState == persist.PriceStateConverted && incoming != persist.PriceStateConverted) {
		for _, attr := range priceAttrs {
			keep(attr)
		}
	}

	if recorded(cur) {
		keep(attrRecordState)
		if moved {
			in.Set[attrVolumeRecorded] = float64(1)
		}
		return in
	}
	in.Condition = &persist.Condition{Attribute: attrVolumeRecorded, AtMost: 0}
	return in
}

// recorded reports whether the sale's volume has been added to the statistics
func recorded(item persist.Item) bool {
	if v, ok := item.Float(attrVolumeRecorded); ok && v > 0 {
		return true
	}
	return item.String(attrRecordState) == string(persist.RecordStateVolumeRecorded)
}

// transact commits in, splitting it when it exceeds what one transaction may carry
func (r *SaleRepository) transact(pCtx context.Context, in persist.TransactWriteInput) error {
	if in.Len() <= persist.MaxTransactItems {
		return r.store.TransactWrite(pCtx, in)
	}
	logger.For(pCtx).WithFields(logrus.Fields{"writes": in.Len()}).Warn("sale transaction too large, splitting it")
	for _, updates := range util.ChunkBy(in.Updates, persist.MaxTransactItems) {
		if err := r.store.TransactWrite(pCtx, persist.TransactWriteInput{Updates: updates}); err != nil {
			return err
		}
	}
	for _, puts := range util.ChunkBy(in.Puts, persist.MaxTransactItems) {
		if err := r.store.TransactWrite(pCtx, persist.TransactWriteInput{Puts: puts}); err != nil {
			return err
		}
	}
	// legacy keys go last so a failed split write never loses a sale
	for _, deletes := range util.ChunkBy(in.Deletes, persist.MaxTransactItems) {
		if err := r.store.TransactWrite(pCtx, persist.TransactWriteInput{Deletes: deletes}); err != nil {
			return err
		}
	}
	return nil
}

func saleToItem(s persist.SaleData) persist.Item {
	item := persist.NewItem(s.Key())
	item["contractAddress"] = s.ContractAddress.String()
	item["buyer"] = s.Buyer.String()
	item["seller"] = s.Seller.String()
	item["tokenID"] = s.TokenID
	if len(s.TokenIDs) > 0 {
		item["tokenIDs"] = append([]string(nil), s.TokenIDs...)
	}
	item["price"] = bigString(s.Price)
	item["paymentAddress"] = s.Payment.Address.String()
	item["paymentAmount"] = bigString(s.Payment.Amount)
	item["count"] = float64(s.Count)
	if len(s.EventSignatures) > 0 {
		item["eventSignatures"] = append([]string(nil), s.EventSignatures...)
	}
	item["data"] = s.Data
	item["logIndex"] = float64(s.LogIndex)
	item["blockNumber"] = float64(s.BlockNumber)
	item["bundleSale"] = s.BundleSale
	item["nonStandard"] = s.NonStandard
	item["txnHash"] = strings.ToLower(s.TxnHash)
	item["timestamp"] = s.Timestamp
	if s.PriceBase != nil {
		item["priceBase"] = *s.PriceBase
	}
	if s.PriceUSD != nil {
		item["priceUSD"] = *s.PriceUSD
	}
	item[attrPriceState] = string(s.PriceState)
	item["marketplace"] = s.Marketplace.String()
	item["chain"] = s.Chain.String()
	item[attrRecordState] = string(s.RecordState)
	if s.RecordState == persist.RecordStateVolumeRecorded {
		item[attrVolumeRecorded] = float64(1)
	}
	return item
}

func saleFromItem(item persist.Item) (persist.SaleData, error) {
	key := persist.KeyOf(item)
	ts, hash, logIndex, err := persist.ParseSaleSK(key.SK)
	if err != nil {
		return persist.SaleData{}, err
	}

	chain, err := persist.ChainFromString(item.String("chain"))
	if err != nil {
		return persist.SaleData{}, err
	}

	price, err := parseBig(item.String("price"))
	if err != nil {
		return persist.SaleData{}, fmt.Errorf("sale %s/%s price: %w", key.PK, key.SK, err)
	}
	amount, err := parseBig(item.String("paymentAmount"))
	if err != nil {
		return persist.SaleData{}, fmt.Errorf("sale %s/%s payment amount: %w", key.PK, key.SK, err)
	}
	if amount == nil && price != nil {
		amount = new(big.Int).Set(price)
	}

	sale := persist.SaleData{
		EventMetadata: persist.EventMetadata{
			ContractAddress: persist.Address(item.String("contractAddress")),
			Buyer:           persist.Address(item.String("buyer")),
			Seller:          persist.Address(item.String("seller")),
			TokenID:         item.String("tokenID"),
			TokenIDs:        item.Strings("tokenIDs"),
			Price:           price,
			Payment:         persist.Payment{Address: persist.Address(item.String("paymentAddress")), Amount: amount},
			Count:           item.Uint64("count"),
			EventSignatures: item.Strings("eventSignatures"),
			Data:            item.String("data"),
			LogIndex:        uint(item.Uint64("logIndex")),
			BlockNumber:     persist.BlockNumber(item.Uint64("blockNumber")),
			BundleSale:      item.Bool("bundleSale"),
			NonStandard:     item.Bool("nonStandard"),
		},
		TxnHash:     hash,
		Timestamp:   ts,
		PriceState:  persist.PriceState(item.String("priceState")),
		Marketplace: persist.Marketplace(item.String("marketplace")),
		Chain:       chain,
		RecordState: persist.RecordState(item.String("recordState")),
	}
	if logIndex >= 0 {
		sale.LogIndex = uint(logIndex)
	}
	if sale.PriceState == "" {
		sale.PriceState = persist.PriceStatePending
	}
	if v, ok := item.Float("priceBase"); ok {
		sale.PriceBase = &v
	}
	if v, ok := item.Float("priceUSD"); ok {
		sale.PriceUSD = &v
	}
	return sale, nil
}

func bigString(i *big.Int) string {
	if i == nil {
		return ""
	}
	return i.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("not a base 10 integer: " + s)
	}
	return i, nil
}
