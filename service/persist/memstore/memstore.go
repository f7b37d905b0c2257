// Package memstore is an in-process persist.Store. It backs tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

// Store keeps every item in memory, keyed by PK then SK
type Store struct {
	mu      sync.RWMutex
	items   map[string]map[string]persist.Item
	indexes map[string]persist.Index

	// failTransactions makes the next n TransactWrite calls fail
	failTransactions int
	transactCalls    int
}

// New returns an empty store. Secondary indexes must be declared up front.
func New(indexes ...persist.Index) *Store {
	s := &Store{
		items:   make(map[string]map[string]persist.Item),
		indexes: make(map[string]persist.Index),
	}
	for _, idx := range indexes {
		s.indexes[idx.Name] = idx
	}
	return s
}

// FailNextTransactions makes the next n transactional writes fail with persist.ErrTransactionCanceled.
func (s *Store) FailNextTransactions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTransactions = n
}

// TransactCalls returns the number of TransactWrite calls so far, failed ones included.
func (s *Store) TransactCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactCalls
}

// Len returns the number of stored items
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.items {
		n += len(p)
	}
	return n
}

func (s *Store) Get(ctx context.Context, key persist.Key) (persist.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key.PK][key.SK]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return item.Clone(), nil
}

func (s *Store) Put(ctx context.Context, item persist.Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(item)
	return nil
}

func (s *Store) Delete(ctx context.Context, key persist.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *Store) Update(ctx context.Context, in persist.UpdateInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.conditionHolds(in) {
		return persist.ErrConditionFailed
	}
	s.updateLocked(in)
	return nil
}

func (s *Store) Query(ctx context.Context, in persist.QueryInput) (persist.Page, error) {
	idx := in.Index
	if idx.PartitionKey == "" {
		idx = persist.PrimaryIndex
	}
	if idx.Name != "" {
		if _, ok := s.indexes[idx.Name]; !ok {
			return persist.Page{}, fmt.Errorf("unknown index %q", idx.Name)
		}
	}

	s.mu.RLock()
	var candidates []persist.Item
	if idx.Name == "" {
		for _, item := range s.items[in.PartitionValue] {
			candidates = append(candidates, item.Clone())
		}
	} else {
		for _, partition := range s.items {
			for _, item := range partition {
				if item.String(idx.PartitionKey) == in.PartitionValue {
					candidates = append(candidates, item.Clone())
				}
			}
		}
	}
	s.mu.RUnlock()

	candidates = util.Filter(candidates, func(item persist.Item) bool {
		sk := item.String(idx.SortKey)
		if in.Sort.BeginsWith != "" && !strings.HasPrefix(sk, in.Sort.BeginsWith) {
			return false
		}
		if in.Sort.Between != nil && (sk < in.Sort.Between[0] || sk > in.Sort.Between[1]) {
			return false
		}
		return true
	}, true)

	less := func(a, b persist.Item) bool {
		if c := persist.CompareSortValues(a.String(idx.SortKey), b.String(idx.SortKey)); c != 0 {
			return c < 0
		}
		if c := persist.CompareSortValues(a.String("PK"), b.String("PK")); c != 0 {
			return c < 0
		}
		return a.String("SK") < b.String("SK")
	}
	before := func(a, b persist.Item) bool {
		if in.ScanForward {
			return less(a, b)
		}
		return less(b, a)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return before(candidates[i], candidates[j])
	})

	return paginate(candidates, in.ExclusiveStartKey, in.Limit, before, func(item persist.Item) persist.Item {
		k := persist.NewItem(persist.KeyOf(item))
		if idx.Name != "" {
			k[idx.PartitionKey] = item[idx.PartitionKey]
			k[idx.SortKey] = item[idx.SortKey]
		}
		return k
	}), nil
}

func (s *Store) Scan(ctx context.Context, in persist.ScanInput) (persist.Page, error) {
	s.mu.RLock()
	all := make([]persist.Item, 0)
	for _, partition := range s.items {
		for _, item := range partition {
			all = append(all, item.Clone())
		}
	}
	s.mu.RUnlock()

	before := func(x, y persist.Item) bool {
		a, b := persist.KeyOf(x), persist.KeyOf(y)
		if a.PK != b.PK {
			return a.PK < b.PK
		}
		return a.SK < b.SK
	}
	sort.Slice(all, func(i, j int) bool {
		return before(all[i], all[j])
	})

	return paginate(all, in.ExclusiveStartKey, in.Limit, before, func(item persist.Item) persist.Item {
		return persist.NewItem(persist.KeyOf(item))
	}), nil
}

func (s *Store) BatchWrite(ctx context.Context, puts []persist.Item, deletes []persist.Key) error {
	for _, item := range puts {
		if err := validateItem(item); err != nil {
			return err
		}
	}
	for _, chunk := range util.ChunkBy(puts, persist.BatchWriteChunkSize) {
		s.mu.Lock()
		for _, item := range chunk {
			s.putLocked(item)
		}
		s.mu.Unlock()
	}
	for _, chunk := range util.ChunkBy(deletes, persist.BatchWriteChunkSize) {
		s.mu.Lock()
		for _, key := range chunk {
			s.deleteLocked(key)
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) TransactWrite(ctx context.Context, in persist.TransactWriteInput) error {
	for _, item := range in.Puts {
		if err := validateItem(item); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactCalls++
	if s.failTransactions > 0 {
		s.failTransactions--
		return persist.ErrTransactionCanceled
	}

	for _, u := range in.Updates {
		if !s.conditionHolds(u) {
			return fmt.Errorf("%w: condition on %s/%s", persist.ErrTransactionCanceled, u.Key.PK, u.Key.SK)
		}
	}
	for _, key := range in.Deletes {
		s.deleteLocked(key)
	}
	for _, item := range in.Puts {
		s.putLocked(item)
	}
	for _, u := range in.Updates {
		s.updateLocked(u)
	}
	return nil
}

func (s *Store) putLocked(item persist.Item) {
	key := persist.KeyOf(item)
	partition, ok := s.items[key.PK]
	if !ok {
		partition = make(map[string]persist.Item)
		s.items[key.PK] = partition
	}
	partition[key.SK] = item.Clone()
}

func (s *Store) deleteLocked(key persist.Key) {
	partition, ok := s.items[key.PK]
	if !ok {
		return
	}
	delete(partition, key.SK)
	if len(partition) == 0 {
		delete(s.items, key.PK)
	}
}

func (s *Store) conditionHolds(in persist.UpdateInput) bool {
	if in.Condition == nil {
		return true
	}
	item, ok := s.items[in.Key.PK][in.Key.SK]
	if !ok {
		return true
	}
	cur, ok := item.Float(in.Condition.Attribute)
	return !ok || cur <= in.Condition.AtMost
}

func (s *Store) updateLocked(in persist.UpdateInput) {
	item, ok := s.items[in.Key.PK][in.Key.SK]
	if !ok {
		item = persist.NewItem(in.Key)
	} else {
		item = item.Clone()
	}
	for attr, delta := range in.Add {
		cur, _ := item.Float(attr)
		item[attr] = cur + delta
	}
	for attr, v := range in.Set {
		item[attr] = v
	}
	s.putLocked(item)
}

// paginate skips every item ordered at or before start, so pages stay stable when the start item was deleted.
func paginate(items []persist.Item, start persist.Item, limit int, before func(a, b persist.Item) bool, keyOf func(persist.Item) persist.Item) persist.Page {
	if start != nil {
		i := sort.Search(len(items), func(i int) bool { return before(start, items[i]) })
		items = items[i:]
	}
	if limit <= 0 || len(items) <= limit {
		return persist.Page{Items: items}
	}
	page := items[:limit]
	return persist.Page{Items: page, LastEvaluatedKey: keyOf(page[len(page)-1])}
}

func validateItem(item persist.Item) error {
	key := persist.KeyOf(item)
	if key.PK == "" || key.SK == "" {
		return fmt.Errorf("item is missing its key: %v", key)
	}
	return nil
}
