// Package dynamo implements persist.Store on a DynamoDB table keyed by PK/SK.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

// Store is a persist.Store backed by DynamoDB
type Store struct {
	db    *dynamodb.DynamoDB
	table string
}

// NewStoreFromEnv builds a store from AWS_REGION, DYNAMO_ENDPOINT and DYNAMO_TABLE.
func NewStoreFromEnv() *Store {
	cfg := &aws.Config{Region: aws.String(env.GetString("AWS_REGION"))}
	if endpoint := env.GetString("DYNAMO_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	sess := session.Must(session.NewSession(cfg))
	return NewStore(dynamodb.New(sess), env.GetString("DYNAMO_TABLE"))
}

func NewStore(db *dynamodb.DynamoDB, table string) *Store {
	return &Store{db: db, table: table}
}

func (s *Store) Get(ctx context.Context, key persist.Key) (persist.Item, error) {
	k, err := marshalKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", key.PK, key.SK, err)
	}
	if len(out.Item) == 0 {
		return nil, persist.ErrNotFound
	}
	return unmarshalItem(out.Item)
}

func (s *Store) Put(ctx context.Context, item persist.Item) error {
	av, err := dynamodbattribute.MarshalMap(map[string]any(item))
	if err != nil {
		return err
	}
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av})
	return err
}

func (s *Store) Delete(ctx context.Context, key persist.Key) error {
	k, err := marshalKey(key)
	if err != nil {
		return err
	}
	_, err = s.db.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: k})
	return err
}

func (s *Store) Update(ctx context.Context, in persist.UpdateInput) error {
	u, err := s.updateInput(in)
	if err != nil {
		return err
	}
	_, err = s.db.UpdateItemWithContext(ctx, u)
	if isAWSCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
		return persist.ErrConditionFailed
	}
	return err
}

func (s *Store) Query(ctx context.Context, in persist.QueryInput) (persist.Page, error) {
	idx := in.Index
	if idx.PartitionKey == "" {
		idx = persist.PrimaryIndex
	}

	keyCond := expression.Key(idx.PartitionKey).Equal(expression.Value(in.PartitionValue))
	switch {
	case in.Sort.BeginsWith != "":
		keyCond = keyCond.And(expression.Key(idx.SortKey).BeginsWith(in.Sort.BeginsWith))
	case in.Sort.Between != nil:
		keyCond = keyCond.And(expression.Key(idx.SortKey).Between(expression.Value(in.Sort.Between[0]), expression.Value(in.Sort.Between[1])))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return persist.Page{}, err
	}

	q := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(in.ScanForward),
	}
	if idx.Name != "" {
		q.IndexName = aws.String(idx.Name)
	}
	if in.Limit > 0 {
		q.Limit = aws.Int64(int64(in.Limit))
	}
	if in.ExclusiveStartKey != nil {
		if q.ExclusiveStartKey, err = dynamodbattribute.MarshalMap(map[string]any(in.ExclusiveStartKey)); err != nil {
			return persist.Page{}, err
		}
	}

	out, err := s.db.QueryWithContext(ctx, q)
	if err != nil {
		return persist.Page{}, fmt.Errorf("query %s=%s: %w", idx.PartitionKey, in.PartitionValue, err)
	}
	return toPage(out.Items, out.LastEvaluatedKey)
}

func (s *Store) Scan(ctx context.Context, in persist.ScanInput) (persist.Page, error) {
	sc := &dynamodb.ScanInput{TableName: aws.String(s.table)}
	if in.Limit > 0 {
		sc.Limit = aws.Int64(int64(in.Limit))
	}
	if in.ExclusiveStartKey != nil {
		var err error
		if sc.ExclusiveStartKey, err = dynamodbattribute.MarshalMap(map[string]any(in.ExclusiveStartKey)); err != nil {
			return persist.Page{}, err
		}
	}
	out, err := s.db.ScanWithContext(ctx, sc)
	if err != nil {
		return persist.Page{}, fmt.Errorf("scan: %w", err)
	}
	return toPage(out.Items, out.LastEvaluatedKey)
}

// BatchWrite writes in chunks of 25, resubmitting unprocessed requests with backoff.
func (s *Store) BatchWrite(ctx context.Context, puts []persist.Item, deletes []persist.Key) error {
	requests := make([]*dynamodb.WriteRequest, 0, len(puts)+len(deletes))
	for _, item := range puts {
		av, err := dynamodbattribute.MarshalMap(map[string]any(item))
		if err != nil {
			return err
		}
		requests = append(requests, &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: av}})
	}
	for _, key := range deletes {
		k, err := marshalKey(key)
		if err != nil {
			return err
		}
		requests = append(requests, &dynamodb.WriteRequest{DeleteRequest: &dynamodb.DeleteRequest{Key: k}})
	}

	for _, chunk := range util.ChunkBy(requests, persist.BatchWriteChunkSize) {
		pending := map[string][]*dynamodb.WriteRequest{s.table: chunk}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
		err := backoff.Retry(func() error {
			out, err := s.db.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			if len(out.UnprocessedItems[s.table]) == 0 {
				return nil
			}
			logger.For(ctx).WithFields(logrus.Fields{"unprocessed": len(out.UnprocessedItems[s.table])}).Debug("resubmitting unprocessed batch writes")
			pending = out.UnprocessedItems
			return errors.New("unprocessed items remain")
		}, b)
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
	}
	return nil
}

func (s *Store) TransactWrite(ctx context.Context, in persist.TransactWriteInput) error {
	items := make([]*dynamodb.TransactWriteItem, 0, in.Len())
	for _, item := range in.Puts {
		av, err := dynamodbattribute.MarshalMap(map[string]any(item))
		if err != nil {
			return err
		}
		items = append(items, &dynamodb.TransactWriteItem{Put: &dynamodb.Put{TableName: aws.String(s.table), Item: av}})
	}
	for _, u := range in.Updates {
		ui, err := s.updateInput(u)
		if err != nil {
			return err
		}
		items = append(items, &dynamodb.TransactWriteItem{Update: &dynamodb.Update{
			TableName:                 ui.TableName,
			Key:                       ui.Key,
			UpdateExpression:          ui.UpdateExpression,
			ConditionExpression:       ui.ConditionExpression,
			ExpressionAttributeNames:  ui.ExpressionAttributeNames,
			ExpressionAttributeValues: ui.ExpressionAttributeValues,
		}})
	}
	for _, key := range in.Deletes {
		k, err := marshalKey(key)
		if err != nil {
			return err
		}
		items = append(items, &dynamodb.TransactWriteItem{Delete: &dynamodb.Delete{TableName: aws.String(s.table), Key: k}})
	}

	_, err := s.db.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(fmt.Sprintf("%d", time.Now().UnixNano())),
	})
	if isAWSCode(err, dynamodb.ErrCodeTransactionCanceledException) {
		return fmt.Errorf("%w: %s", persist.ErrTransactionCanceled, err)
	}
	return err
}

func (s *Store) updateInput(in persist.UpdateInput) (*dynamodb.UpdateItemInput, error) {
	if len(in.Add) == 0 && len(in.Set) == 0 {
		return nil, errors.New("update has no operations")
	}

	var update expression.UpdateBuilder
	for attr, delta := range in.Add {
		update = update.Add(expression.Name(attr), expression.Value(delta))
	}
	for attr, v := range in.Set {
		update = update.Set(expression.Name(attr), expression.Value(v))
	}

	builder := expression.NewBuilder().WithUpdate(update)
	if in.Condition != nil {
		name := expression.Name(in.Condition.Attribute)
		builder = builder.WithCondition(name.AttributeNotExists().Or(name.LessThanEqual(expression.Value(in.Condition.AtMost))))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, err
	}

	k, err := marshalKey(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       k,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

func marshalKey(key persist.Key) (map[string]*dynamodb.AttributeValue, error) {
	return dynamodbattribute.MarshalMap(key)
}

func unmarshalItem(av map[string]*dynamodb.AttributeValue) (persist.Item, error) {
	item := persist.Item{}
	if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
		return nil, err
	}
	return item, nil
}

func toPage(items []map[string]*dynamodb.AttributeValue, last map[string]*dynamodb.AttributeValue) (persist.Page, error) {
	page := persist.Page{Items: make([]persist.Item, 0, len(items))}
	for _, av := range items {
		item, err := unmarshalItem(av)
		if err != nil {
			return persist.Page{}, err
		}
		page.Items = append(page.Items, item)
	}
	if len(last) > 0 {
		lek, err := unmarshalItem(last)
		if err != nil {
			return persist.Page{}, err
		}
		page.LastEvaluatedKey = lek
	}
	return page, nil
}

func isAWSCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
