// Package postgres implements persist.Store on a single jsonb documents table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

const createDocumentsTable = `
create table if not exists documents (
	pk text not null,
	sk text not null,
	item jsonb not null,
	primary key (pk, sk)
)`

const upsertDocument = `
insert into documents (pk, sk, item) values ($1, $2, ($3::text)::jsonb)
on conflict (pk, sk) do update set item = excluded.item`

const deleteDocument = `delete from documents where pk = $1 and sk = $2`

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is a persist.Store backed by postgres
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the documents table if needed
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, createDocumentsTable); err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Get(ctx context.Context, key persist.Key) (persist.Item, error) {
	return get(ctx, s.pool, key, false)
}

func (s *Store) Put(ctx context.Context, item persist.Item) error {
	return put(ctx, s.pool, item)
}

func (s *Store) Delete(ctx context.Context, key persist.Key) error {
	_, err := s.pool.Exec(ctx, deleteDocument, key.PK, key.SK)
	return err
}

func (s *Store) Update(ctx context.Context, in persist.UpdateInput) error {
	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		return update(ctx, tx, in, persist.ErrConditionFailed)
	})
}

func (s *Store) Query(ctx context.Context, in persist.QueryInput) (persist.Page, error) {
	idx := in.Index
	if idx.PartitionKey == "" {
		idx = persist.PrimaryIndex
	}

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	dir, cmp := "asc", ">"
	if !in.ScanForward {
		dir, cmp = "desc", "<"
	}

	var sortExpr, order string
	if idx.Name == "" {
		sortExpr = "sk"
		where = append(where, "pk = "+arg(in.PartitionValue))
		order = fmt.Sprintf("sk %s", dir)
		if in.ExclusiveStartKey != nil {
			where = append(where, fmt.Sprintf("sk %s %s", cmp, arg(persist.KeyOf(in.ExclusiveStartKey).SK)))
		}
	} else {
		sortExpr = "item->>" + arg(idx.SortKey)
		where = append(where, fmt.Sprintf("item->>%s = %s", arg(idx.PartitionKey), arg(in.PartitionValue)))
		order = fmt.Sprintf("%s %s, pk %s, sk %s", sortExpr, dir, dir, dir)
		if in.ExclusiveStartKey != nil {
			start := persist.KeyOf(in.ExclusiveStartKey)
			where = append(where, fmt.Sprintf("(%s, pk, sk) %s (%s, %s, %s)",
				sortExpr, cmp, arg(in.ExclusiveStartKey.String(idx.SortKey)), arg(start.PK), arg(start.SK)))
		}
	}

	switch {
	case in.Sort.BeginsWith != "":
		where = append(where, fmt.Sprintf("starts_with(%s, %s)", sortExpr, arg(in.Sort.BeginsWith)))
	case in.Sort.Between != nil:
		where = append(where, fmt.Sprintf("%s between %s and %s", sortExpr, arg(in.Sort.Between[0]), arg(in.Sort.Between[1])))
	}

	sql := fmt.Sprintf("select item from documents where %s order by %s", strings.Join(where, " and "), order)
	if in.Limit > 0 {
		sql += " limit " + arg(in.Limit)
	}

	items, err := queryItems(ctx, s.pool, sql, args...)
	if err != nil {
		return persist.Page{}, fmt.Errorf("query %s=%s: %w", idx.PartitionKey, in.PartitionValue, err)
	}
	page := persist.Page{Items: items}
	if in.Limit > 0 && len(items) == in.Limit {
		last := items[len(items)-1]
		page.LastEvaluatedKey = persist.NewItem(persist.KeyOf(last))
		if idx.Name != "" {
			page.LastEvaluatedKey[idx.PartitionKey] = last[idx.PartitionKey]
			page.LastEvaluatedKey[idx.SortKey] = last[idx.SortKey]
		}
	}
	return page, nil
}

func (s *Store) Scan(ctx context.Context, in persist.ScanInput) (persist.Page, error) {
	sql := "select item from documents"
	var args []interface{}
	if in.ExclusiveStartKey != nil {
		start := persist.KeyOf(in.ExclusiveStartKey)
		sql += " where (pk, sk) > ($1, $2)"
		args = append(args, start.PK, start.SK)
	}
	sql += " order by pk, sk"
	if in.Limit > 0 {
		args = append(args, in.Limit)
		sql += fmt.Sprintf(" limit $%d", len(args))
	}

	items, err := queryItems(ctx, s.pool, sql, args...)
	if err != nil {
		return persist.Page{}, fmt.Errorf("scan: %w", err)
	}
	page := persist.Page{Items: items}
	if in.Limit > 0 && len(items) == in.Limit {
		page.LastEvaluatedKey = persist.NewItem(persist.KeyOf(items[len(items)-1]))
	}
	return page, nil
}

// BatchWrite sends each chunk of 25 writes as one pipelined batch. Chunks are not atomic with each other.
func (s *Store) BatchWrite(ctx context.Context, puts []persist.Item, deletes []persist.Key) error {
	type write struct {
		sql  string
		args []interface{}
	}

	writes := make([]write, 0, len(puts)+len(deletes))
	for _, item := range puts {
		key, doc, err := encode(item)
		if err != nil {
			return err
		}
		writes = append(writes, write{sql: upsertDocument, args: []interface{}{key.PK, key.SK, doc}})
	}
	for _, key := range deletes {
		writes = append(writes, write{sql: deleteDocument, args: []interface{}{key.PK, key.SK}})
	}

	for _, chunk := range util.ChunkBy(writes, persist.BatchWriteChunkSize) {
		batch := &pgx.Batch{}
		for _, w := range chunk {
			batch.Queue(w.sql, w.args...)
		}
		results := s.pool.SendBatch(ctx, batch)
		for range chunk {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("batch write: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
	}
	return nil
}

func (s *Store) TransactWrite(ctx context.Context, in persist.TransactWriteInput) error {
	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, key := range in.Deletes {
			if _, err := tx.Exec(ctx, deleteDocument, key.PK, key.SK); err != nil {
				return err
			}
		}
		for _, item := range in.Puts {
			if err := put(ctx, tx, item); err != nil {
				return err
			}
		}
		for _, u := range in.Updates {
			if err := update(ctx, tx, u, persist.ErrTransactionCanceled); err != nil {
				return err
			}
		}
		return nil
	})
}

func get(ctx context.Context, q querier, key persist.Key, forUpdate bool) (persist.Item, error) {
	sql := "select item from documents where pk = $1 and sk = $2"
	if forUpdate {
		sql += " for update"
	}
	var raw []byte
	err := q.QueryRow(ctx, sql, key.PK, key.SK).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", key.PK, key.SK, err)
	}
	return decode(raw)
}

func put(ctx context.Context, q querier, item persist.Item) error {
	key, doc, err := encode(item)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, upsertDocument, key.PK, key.SK, doc)
	return err
}

// update locks the row, applies the operations and writes it back. A failed condition returns condErr.
func update(ctx context.Context, q querier, in persist.UpdateInput, condErr error) error {
	item, err := get(ctx, q, in.Key, true)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		item = persist.NewItem(in.Key)
	case err != nil:
		return err
	case in.Condition != nil:
		if cur, ok := item.Float(in.Condition.Attribute); ok && cur > in.Condition.AtMost {
			return fmt.Errorf("%w: condition on %s/%s", condErr, in.Key.PK, in.Key.SK)
		}
	}

	for attr, delta := range in.Add {
		cur, _ := item.Float(attr)
		item[attr] = cur + delta
	}
	for attr, v := range in.Set {
		item[attr] = v
	}
	return put(ctx, q, item)
}

func queryItems(ctx context.Context, q querier, sql string, args ...interface{}) ([]persist.Item, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]persist.Item, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		item, err := decode(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func encode(item persist.Item) (persist.Key, string, error) {
	key := persist.KeyOf(item)
	if key.PK == "" || key.SK == "" {
		return key, "", fmt.Errorf("item is missing its key: %v", key)
	}
	b, err := json.Marshal(item)
	if err != nil {
		return key, "", err
	}
	return key, string(b), nil
}

func decode(raw []byte) (persist.Item, error) {
	item := persist.Item{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return item, nil
}
