package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is an in-memory multi-table DynamoDB. It understands exactly the
// condition and update expressions the ledger and idempotency stores emit.
type mockDynamo struct {
	mu            sync.Mutex
	tables        map[string]map[string]map[string]types.AttributeValue
	putCalls      int
	updateCalls   int
	transactCalls int
	transactErr   error
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func pkOf(item map[string]types.AttributeValue) (string, error) {
	for _, name := range []string{"id", "idempotency_key"} {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value, nil
		}
	}
	return "", errors.New("item has no primary key")
}

func (m *mockDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := m.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		m.tables[name] = t
	}
	return t
}

func (m *mockDynamo) item(table, pk string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table(table)[pk]
}

func (m *mockDynamo) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table(table))
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table(*params.TableName)[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	pk, err := pkOf(params.Item)
	if err != nil {
		return nil, err
	}
	t := m.table(*params.TableName)
	if params.ConditionExpression != nil && strings.HasPrefix(*params.ConditionExpression, "attribute_not_exists") {
		if _, exists := t[pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t[pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if m.transactErr != nil {
		return nil, m.transactErr
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false
	for i, it := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: awsString("None")}
		p := it.Put
		if p == nil {
			return nil, errors.New("mock only supports Put in transactions")
		}
		pk, err := pkOf(p.Item)
		if err != nil {
			return nil, err
		}
		if p.ConditionExpression != nil && strings.HasPrefix(*p.ConditionExpression, "attribute_not_exists") {
			if _, exists := m.table(*p.TableName)[pk]; exists {
				reasons[i] = types.CancellationReason{Code: awsString("ConditionalCheckFailed")}
				cancelled = true
			}
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, it := range params.TransactItems {
		pk, _ := pkOf(it.Put.Item)
		m.table(*it.Put.TableName)[pk] = copyItem(it.Put.Item)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	t := m.table(*params.TableName)
	item, ok := t[pk]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if !conditionHolds(item, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}

	updated := copyItem(item)
	expr := *params.UpdateExpression
	setPart, removePart, _ := strings.Cut(expr, " REMOVE ")
	for _, assign := range strings.Split(strings.TrimPrefix(setPart, "SET "), ", ") {
		name, placeholder, found := strings.Cut(assign, " = ")
		if !found {
			return nil, fmt.Errorf("unsupported update clause %q", assign)
		}
		if alias, ok := params.ExpressionAttributeNames[name]; ok {
			name = alias
		}
		updated[name] = params.ExpressionAttributeValues[placeholder]
	}
	if removePart != "" {
		for _, name := range strings.Split(removePart, ", ") {
			delete(updated, name)
		}
	}
	t[pk] = updated

	if params.ReturnValues == types.ReturnValueAllNew {
		return &dyn.UpdateItemOutput{Attributes: copyItem(updated)}, nil
	}
	return &dyn.UpdateItemOutput{}, nil
}

// conditionHolds evaluates the store's condition expressions by the
// placeholders they bind.
func conditionHolds(item, values map[string]types.AttributeValue) bool {
	str := func(name string) string {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	val := func(ph string) string {
		switch v := values[ph].(type) {
		case *types.AttributeValueMemberS:
			return v.Value
		case *types.AttributeValueMemberN:
			return v.Value
		}
		return ""
	}

	if _, ok := values[":expected"]; ok {
		attempts, _ := item["attempts"].(*types.AttributeValueMemberN)
		if attempts == nil || attempts.Value != val(":expected") {
			return false
		}
	}
	if _, ok := values[":pending"]; ok {
		if s := str("status"); s != val(":pending") && s != val(":failed") {
			return false
		}
	}
	if _, ok := values[":permanent"]; ok && str("failure_kind") == val(":permanent") {
		return false
	}
	if _, ok := values[":success"]; ok && str("status") == val(":success") {
		return false
	}
	return true
}
