package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/aws"
)

// ConditionKeyAbsent guards the put that claims a key.
const ConditionKeyAbsent = "attribute_not_exists(idempotency_key)"

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // 0 disables TTL stamping
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: how long a key stays reserved; 0 keeps it forever.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// TableName returns the idempotency table name.
func (s *Store) TableName() string { return s.tableName }

// GuardedPut builds the transaction item that reserves key for recordID. It
// fails the enclosing transaction when the key is already taken, so the
// caller can create the record in the same TransactWriteItems call.
func (s *Store) GuardedPut(key, recordID string) (types.TransactWriteItem, error) {
	now := s.nowFunc()
	entry := Entry{
		IdempotencyKey: key,
		RecordID:       recordID,
		CreatedAt:      now,
	}
	if s.ttlWindow > 0 {
		entry.ExpiresAt = now.Add(s.ttlWindow).Unix()
	}

	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString(ConditionKeyAbsent),
		},
	}, nil
}

// Get retrieves an entry by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	input := &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: awsBool(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var entry Entry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &entry, nil
}

// Helpers
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
