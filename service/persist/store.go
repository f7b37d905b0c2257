package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// BatchWriteChunkSize is the largest number of writes a single batch request may carry.
const BatchWriteChunkSize = 25

const (
	attrPK = "PK"
	attrSK = "SK"
)

var (
	// ErrNotFound is returned by Get when no item has the key
	ErrNotFound = errors.New("item not found")
	// ErrConditionFailed is returned when an update's condition does not hold
	ErrConditionFailed = errors.New("condition failed")
	// ErrTransactionCanceled is returned when a transactional write is rejected as a whole
	ErrTransactionCanceled = errors.New("transaction canceled")
)

// Key is the composite primary key of an item
type Key struct {
	PK string `json:"PK"`
	SK string `json:"SK"`
}

// Item is a schemaless document. Numbers are float64, lists are []any or []string.
type Item map[string]any

// Index describes a secondary index over the item attributes
type Index struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// PrimaryIndex is the table's own key
var PrimaryIndex = Index{PartitionKey: attrPK, SortKey: attrSK}

// RecordStateIndex lists sales by their record state
var RecordStateIndex = Index{Name: "recordState-index", PartitionKey: "recordState", SortKey: attrSK}

// SortCondition restricts the sort key of a query. Only one field may be set.
type SortCondition struct {
	BeginsWith string
	// Between is inclusive on both ends
	Between *[2]string
}

// QueryInput selects the items of one partition
type QueryInput struct {
	Index             Index
	PartitionValue    string
	Sort              SortCondition
	Limit             int
	ScanForward       bool
	ExclusiveStartKey Item
}

// ScanInput pages through every item of the table
type ScanInput struct {
	Limit             int
	ExclusiveStartKey Item
}

// Page is one page of results. LastEvaluatedKey is nil on the last page.
type Page struct {
	Items            []Item
	LastEvaluatedKey Item
}

// Condition holds when Attribute is absent or numerically <= AtMost.
type Condition struct {
	Attribute string
	AtMost    float64
}

// UpdateInput is a partial update: ADD for numeric deltas, SET for assignments.
type UpdateInput struct {
	Key       Key
	Add       map[string]float64
	Set       map[string]any
	Condition *Condition
}

// TransactWriteInput is committed all-or-nothing
type TransactWriteInput struct {
	Puts    []Item
	Updates []UpdateInput
	Deletes []Key
}

// Store is the document store every repository is built on
type Store interface {
	Get(ctx context.Context, key Key) (Item, error)
	Put(ctx context.Context, item Item) error
	Delete(ctx context.Context, key Key) error
	Update(ctx context.Context, in UpdateInput) error
	Query(ctx context.Context, in QueryInput) (Page, error)
	Scan(ctx context.Context, in ScanInput) (Page, error)
	BatchWrite(ctx context.Context, puts []Item, deletes []Key) error
	TransactWrite(ctx context.Context, in TransactWriteInput) error
}

// Len returns the number of operations in the transaction
func (t TransactWriteInput) Len() int {
	return len(t.Puts) + len(t.Updates) + len(t.Deletes)
}

// KeyOf reads the primary key of an item
func KeyOf(item Item) Key {
	return Key{PK: item.String(attrPK), SK: item.String(attrSK)}
}

// NewItem returns an item with its key set
func NewItem(key Key) Item {
	return Item{attrPK: key.PK, attrSK: key.SK}
}

// Clone returns a shallow copy
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

func (i Item) String(attr string) string {
	switch v := i[attr].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Float reads a numeric attribute. ok is false when the attribute is missing.
func (i Item) Float(attr string) (float64, bool) {
	switch v := i[attr].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Uint64 reads a non-negative integer attribute
func (i Item) Uint64(attr string) uint64 {
	if s, ok := i[attr].(string); ok {
		n, _ := strconv.ParseUint(s, 10, 64)
		return n
	}
	f, _ := i.Float(attr)
	if f < 0 {
		return 0
	}
	return uint64(f)
}

func (i Item) Bool(attr string) bool {
	b, _ := i[attr].(bool)
	return b
}

// Strings reads a list of strings
func (i Item) Strings(attr string) []string {
	switch v := i[attr].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// CompareSortValues orders two sort key values lexicographically, as the store does.
func CompareSortValues(a, b any) int {
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
