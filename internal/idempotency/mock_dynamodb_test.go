package idempotency

import (
	"context"
	"errors"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory DynamoDB keyed by idempotency_key. Only the
// calls the Store makes are meaningful.
type simpleMock struct {
	mu            sync.Mutex
	table         map[string]map[string]types.AttributeValue
	getCalls      int
	transactCalls int
	getErr        error
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	return nil, errors.New("PutItem not used by idempotency store")
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("UpdateItem not used by idempotency store")
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	keyAttr := params.Key["idempotency_key"]
	if keyAttr == nil {
		return nil, errors.New("missing key")
	}
	k := keyAttr.(*types.AttributeValueMemberS).Value
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil && p.ConditionExpression != nil && *p.ConditionExpression == ConditionKeyAbsent {
			kattr := p.Item["idempotency_key"]
			if kattr == nil {
				return nil, errors.New("missing key in transact put")
			}
			if _, ok := m.table[kattr.(*types.AttributeValueMemberS).Value]; ok {
				return nil, &types.TransactionCanceledException{
					CancellationReasons: []types.CancellationReason{{Code: awsString("ConditionalCheckFailed")}},
				}
			}
		}
	}
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			if kattr := p.Item["idempotency_key"]; kattr != nil {
				m.table[kattr.(*types.AttributeValueMemberS).Value] = p.Item
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
