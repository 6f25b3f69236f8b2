package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/singleflight"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// referenceItem is the DynamoDB shape; expiresAt doubles as the table TTL attribute.
type referenceItem struct {
	SenderID   string `dynamodbav:"senderId"`
	ThreadID   string `dynamodbav:"threadId"`
	CreatedAt  int64  `dynamodbav:"createdAt"`
	LastSeenAt int64  `dynamodbav:"lastSeenAt"`
	ExpiresAt  int64  `dynamodbav:"expiresAt"`
}

func (i referenceItem) reference() Reference {
	return Reference{
		SenderID:   i.SenderID,
		ThreadID:   i.ThreadID,
		CreatedAt:  time.Unix(i.CreatedAt, 0).UTC(),
		LastSeenAt: time.Unix(i.LastSeenAt, 0).UTC(),
	}
}

// DynamoStore persists references in DynamoDB using conditional puts.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
	group     singleflight.Group
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string, ttl time.Duration) *DynamoStore {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DynamoStore{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

func senderKey(senderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"senderId": &types.AttributeValueMemberS{Value: senderID},
	}
}

func unixAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// GetOrCreate returns the live reference for senderID or creates one.
func (s *DynamoStore) GetOrCreate(ctx context.Context, senderID string, create CreateFunc) (Reference, bool, error) {
	if err := validateSender(senderID); err != nil {
		return Reference{}, false, err
	}
	ref, err := s.touch(ctx, senderID)
	if err == nil {
		return ref, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Reference{}, false, err
	}

	return createOnce(&s.group, senderID, func() (Reference, bool, error) {
		if ref, err := s.touch(ctx, senderID); err == nil {
			return ref, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Reference{}, false, err
		}

		threadID, err := newThread(ctx, create)
		if err != nil {
			return Reference{}, false, err
		}
		now := s.now().UTC()
		item := referenceItem{
			SenderID:   senderID,
			ThreadID:   threadID,
			CreatedAt:  now.Unix(),
			LastSeenAt: now.Unix(),
			ExpiresAt:  now.Add(s.ttl).Unix(),
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return Reference{}, false, fmt.Errorf("conversation: failed to marshal reference: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(senderId) OR expiresAt <= :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": unixAttr(now),
			},
		})
		if err == nil {
			return item.reference(), true, nil
		}
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return Reference{}, false, fmt.Errorf("conversation: failed to persist reference: %w", err)
		}
		existing, err := s.Get(ctx, senderID)
		if err != nil {
			return Reference{}, false, err
		}
		return existing, false, nil
	})
}

// Get returns the live reference for senderID.
func (s *DynamoStore) Get(ctx context.Context, senderID string) (Reference, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            senderKey(senderID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Reference{}, fmt.Errorf("conversation: failed to load reference: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Reference{}, ErrNotFound
	}
	var item referenceItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Reference{}, fmt.Errorf("conversation: failed to decode reference: %w", err)
	}
	// DynamoDB TTL deletion lags; treat expired items as absent.
	if item.ExpiresAt <= s.now().Unix() {
		return Reference{}, ErrNotFound
	}
	return item.reference(), nil
}

// Delete removes the reference for senderID.
func (s *DynamoStore) Delete(ctx context.Context, senderID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       senderKey(senderID),
	})
	if err != nil {
		return fmt.Errorf("conversation: failed to delete reference: %w", err)
	}
	return nil
}

// Count scans the table for live references.
func (s *DynamoStore) Count(ctx context.Context) (int, error) {
	total := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			Select:           types.SelectCount,
			FilterExpression: aws.String("expiresAt > :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": unixAttr(s.now()),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("conversation: failed to count references: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) touch(ctx context.Context, senderID string) (Reference, error) {
	now := s.now().UTC()
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 senderKey(senderID),
		UpdateExpression:    aws.String("SET lastSeenAt = :now, expiresAt = :exp"),
		ConditionExpression: aws.String("attribute_exists(senderId) AND expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": unixAttr(now),
			":exp": unixAttr(now.Add(s.ttl)),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return Reference{}, ErrNotFound
		}
		return Reference{}, fmt.Errorf("conversation: failed to refresh reference: %w", err)
	}
	var item referenceItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return Reference{}, fmt.Errorf("conversation: failed to decode reference: %w", err)
	}
	return item.reference(), nil
}
