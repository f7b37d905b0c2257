package statistics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/redis"
)

// UnitState is the progress of one collection through a distributed pass
type UnitState string

const (
	UnitUnprocessed UnitState = "UNPROCESSED"
	UnitInProgress  UnitState = "IN_PROGRESS"
	// UnitCompleted units have volumes computed but not yet written
	UnitCompleted UnitState = "COMPLETED"
	UnitError     UnitState = "ERROR"
	UnitWriting   UnitState = "WRITING"
	UnitWritten   UnitState = "WRITTEN"
)

// Unit is the work of aggregating one collection
type Unit struct {
	Slug        string               `json:"slug"`
	Collections []persist.Collection `json:"collections"`
	State       UnitState            `json:"state"`
	Result      *UnitResult          `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// UnitResult is what a worker computed for a unit
type UnitResult struct {
	Volumes []CollectionVolume `json:"volumes"`
	// Sales are the records rolled into Volumes, marked VOLUME_RECORDED once written
	Sales []persist.SaleData `json:"sales"`
}

// UnitStore keeps the unit map of a pass outside the process so a restarted primary can resume it
type UnitStore interface {
	Load(ctx context.Context, pass string) (map[string]Unit, error)
	Save(ctx context.Context, pass string, units ...Unit) error
	Clear(ctx context.Context, pass string) error
}

// RedisUnitStore keeps each pass in one redis hash, one field per collection
type RedisUnitStore struct {
	cache *redis.Cache
}

func NewRedisUnitStore(cache *redis.Cache) *RedisUnitStore {
	return &RedisUnitStore{cache: cache}
}

func unitsKey(pass string) string {
	return "units:" + pass
}

func (s *RedisUnitStore) Load(ctx context.Context, pass string) (map[string]Unit, error) {
	fields, err := s.cache.HGetAll(ctx, unitsKey(pass))
	if err != nil {
		return nil, fmt.Errorf("load units of %s: %w", pass, err)
	}
	units := make(map[string]Unit, len(fields))
	for slug, raw := range fields {
		var u Unit
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("decode unit %s: %w", slug, err)
		}
		units[slug] = u
	}
	return units, nil
}

func (s *RedisUnitStore) Save(ctx context.Context, pass string, units ...Unit) error {
	fields := make(map[string]string, len(units))
	for _, u := range units {
		raw, err := json.Marshal(u)
		if err != nil {
			return err
		}
		fields[u.Slug] = string(raw)
	}
	return s.cache.HSet(ctx, unitsKey(pass), fields)
}

func (s *RedisUnitStore) Clear(ctx context.Context, pass string) error {
	return s.cache.Delete(ctx, unitsKey(pass))
}

// MemoryUnitStore is a UnitStore for a single process
type MemoryUnitStore struct {
	mu     sync.Mutex
	passes map[string]map[string]Unit
}

func NewMemoryUnitStore() *MemoryUnitStore {
	return &MemoryUnitStore{passes: make(map[string]map[string]Unit)}
}

func (s *MemoryUnitStore) Load(_ context.Context, pass string) (map[string]Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	units := make(map[string]Unit, len(s.passes[pass]))
	for slug, u := range s.passes[pass] {
		units[slug] = u
	}
	return units, nil
}

func (s *MemoryUnitStore) Save(_ context.Context, pass string, units ...Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passes[pass] == nil {
		s.passes[pass] = make(map[string]Unit)
	}
	for _, u := range units {
		s.passes[pass][u.Slug] = u
	}
	return nil
}

func (s *MemoryUnitStore) Clear(_ context.Context, pass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passes, pass)
	return nil
}
