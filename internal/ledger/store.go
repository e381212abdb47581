// Package ledger persists dispatch records in DynamoDB.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/aws"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/idempotency"
)

var (
	// ErrDuplicateKey is returned by Create when the idempotency key already
	// belongs to another record.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrAttemptConflict is returned when a conditional attempt write loses
	// to a concurrent one.
	ErrAttemptConflict = errors.New("attempt conflict")
	ErrRecordNotFound  = errors.New("record not found")
)

const (
	conditionRecordAbsent = "attribute_not_exists(id)"
	conditionClaim        = "attempts = :expected AND (#s = :pending OR #s = :failed) AND (attribute_not_exists(failure_kind) OR failure_kind <> :permanent)"
	conditionOutcome      = "attribute_exists(id) AND #s <> :success"
)

// Store encapsulates operations on the dispatch table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	keys      *idempotency.Store
	nowFunc   func() time.Time
}

// NewStore creates a new dispatch Store. keys holds the idempotency table.
func NewStore(client aws.DynamoDBAPI, tableName string, keys *idempotency.Store) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		keys:      keys,
		nowFunc:   time.Now,
	}
}

// Create persists rec and returns its id. A record carrying an idempotency
// key is written in one transaction with the key reservation, so two callers
// racing on the same key cannot both create a record.
func (s *Store) Create(ctx context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.nowFunc()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	if rec.IdempotencyKey == "" {
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString(conditionRecordAbsent),
		})
		if err != nil {
			return "", fmt.Errorf("put record: %w", err)
		}
		return rec.ID, nil
	}

	guard, err := s.keys.GuardedPut(rec.IdempotencyKey, rec.ID)
	if err != nil {
		return "", err
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			guard,
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                item,
					ConditionExpression: awsString(conditionRecordAbsent),
				},
			},
		},
	})
	if err != nil {
		if isTransactionConditionFailure(err) {
			return "", ErrDuplicateKey
		}
		return "", fmt.Errorf("transact write: %w", err)
	}
	return rec.ID, nil
}

// FindByIdempotencyKey returns the record created for key, or (nil, nil).
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	entry, err := s.keys.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	rec, err := s.Get(ctx, entry.RecordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("idempotency key %q points at missing record %s: %w", key, entry.RecordID, ErrRecordNotFound)
	}
	return rec, nil
}

// Get fetches a record by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// AttemptsOf returns the attempt count of a record.
func (s *Store) AttemptsOf(ctx context.Context, id string) (int, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, ErrRecordNotFound
	}
	return rec.Attempts, nil
}

// IncrementAttempts moves attempts from expected to expected+1 and returns
// the updated record. next_attempt_at is set to leaseUntil so that retries
// arriving while the attempt is in flight are skipped. It fails with
// ErrAttemptConflict if another attempt got there first or the record can no
// longer be attempted.
func (s *Store) IncrementAttempts(ctx context.Context, id string, expected int, leaseUntil time.Time) (*Record, error) {
	ua, err := attributevalue.Marshal(s.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("marshal updated_at: %w", err)
	}
	lease, err := attributevalue.Marshal(leaseUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal next_attempt_at: %w", err)
	}
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      recordKey(id),
		UpdateExpression:         awsString("SET attempts = :next, updated_at = :ua, next_attempt_at = :na"),
		ConditionExpression:      awsString(conditionClaim),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected":  number(expected),
			":next":      number(expected + 1),
			":ua":        ua,
			":na":        lease,
			":pending":   &types.AttributeValueMemberS{Value: StatusPending},
			":failed":    &types.AttributeValueMemberS{Value: StatusFailed},
			":permanent": &types.AttributeValueMemberS{Value: FailurePermanent},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, ErrAttemptConflict
		}
		return nil, fmt.Errorf("increment attempts: %w", err)
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Update writes an attempt outcome. A successful record is never
// overwritten; with ExpectedAttempts set a stale outcome is rejected with
// ErrAttemptConflict.
func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	ua, err := attributevalue.Marshal(s.nowFunc())
	if err != nil {
		return fmt.Errorf("marshal updated_at: %w", err)
	}

	sets := []string{
		"#s = :status",
		"last_response_code = :code",
		"last_error = :err",
		"response_body = :body",
		"failure_kind = :fk",
		"updated_at = :ua",
	}
	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: p.Status},
		":code":    number(p.LastResponseCode),
		":err":     &types.AttributeValueMemberS{Value: p.LastError},
		":body":    &types.AttributeValueMemberS{Value: p.ResponseBody},
		":fk":      &types.AttributeValueMemberS{Value: p.FailureKind},
		":ua":      ua,
		":success": &types.AttributeValueMemberS{Value: StatusSuccess},
	}
	if p.DispatchID != "" {
		sets = append(sets, "dispatch_id = :did")
		values[":did"] = &types.AttributeValueMemberS{Value: p.DispatchID}
	}

	expr := "SET " + strings.Join(sets, ", ")
	if p.NextAttemptAt != nil {
		na, err := attributevalue.Marshal(p.NextAttemptAt.UTC())
		if err != nil {
			return fmt.Errorf("marshal next_attempt_at: %w", err)
		}
		expr += ", next_attempt_at = :na"
		values[":na"] = na
	} else {
		expr += " REMOVE next_attempt_at"
	}

	cond := conditionOutcome
	if p.ExpectedAttempts != nil {
		cond += " AND attempts = :expected"
		values[":expected"] = number(*p.ExpectedAttempts)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       recordKey(id),
		UpdateExpression:          &expr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrAttemptConflict
		}
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func recordKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

// isTransactionConditionFailure reports a cancelled transaction caused by a
// failed condition. Cancellations without reasons are treated the same way.
func isTransactionConditionFailure(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if len(tce.CancellationReasons) == 0 {
		return true
	}
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func number(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
