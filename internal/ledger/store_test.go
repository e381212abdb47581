package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/idempotency"
)

const (
	recordsTable = "Dispatches"
	keysTable    = "DispatchIdempotency"
)

var testLease = time.Date(2026, 4, 1, 9, 0, 40, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *mockDynamo) {
	t.Helper()
	mock := newMockDynamo()
	s := NewStore(mock, recordsTable, idempotency.NewStore(mock, keysTable, 0))
	s.nowFunc = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }
	return s, mock
}

func newRecord(key string) *Record {
	return &Record{
		DispatchID:      "local-1",
		Code:            "ABC123",
		Kind:            KindWallet,
		Amount:          1000,
		Currency:        "IRR",
		Destination:     "store-1",
		PayloadSnapshot: `{"code":"ABC123"}`,
		IdempotencyKey:  key,
		Status:          StatusPending,
	}
}

func TestCreate_Get(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, newRecord(""))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, mock.putCalls)
	assert.Equal(t, 0, mock.transactCalls)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ABC123", rec.Code)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.False(t, rec.CreatedAt.IsZero())

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreate_WithKeyIsTransactional(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, newRecord("key-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.transactCalls)
	assert.NotNil(t, mock.item(keysTable, "key-1"))

	found, err := s.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.ID)

	_, err = s.Create(ctx, newRecord("key-1"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, 1, mock.count(recordsTable))
}

func TestCreate_ConcurrentSameKey(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, dupes := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, newRecord("race"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateKey):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 9, dupes)
	assert.Equal(t, 1, mock.count(recordsTable))
}

func TestCreate_TransactError(t *testing.T) {
	s, mock := newTestStore(t)
	mock.transactErr = errors.New("throttled")

	_, err := s.Create(context.Background(), newRecord("k"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateKey)
}

func TestFindByIdempotencyKey_Unknown(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.FindByIdempotencyKey(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIncrementAttempts_CompareAndIncrement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, newRecord(""))
	require.NoError(t, err)

	rec, err := s.IncrementAttempts(ctx, id, 0, testLease)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "ABC123", rec.Code)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, testLease.Equal(*rec.NextAttemptAt), "claim leases the record")

	_, err = s.IncrementAttempts(ctx, id, 0, testLease)
	assert.ErrorIs(t, err, ErrAttemptConflict)

	n, err := s.AttemptsOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIncrementAttempts_ConcurrentClaims(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, newRecord(""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementAttempts(ctx, id, 0, testLease); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestIncrementAttempts_TerminalRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		patch Patch
	}{
		{"success", Patch{Status: StatusSuccess}},
		{"exhausted", Patch{Status: StatusExhausted, FailureKind: FailureRecoverable}},
		{"permanent", Patch{Status: StatusFailed, FailureKind: FailurePermanent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.Create(ctx, newRecord(""))
			require.NoError(t, err)
			require.NoError(t, s.Update(ctx, id, tt.patch))

			_, err = s.IncrementAttempts(ctx, id, 0, testLease)
			assert.ErrorIs(t, err, ErrAttemptConflict)
		})
	}
}

func TestIncrementAttempts_RecoverableFailureCanBeClaimed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, newRecord(""))
	require.NoError(t, err)

	_, err = s.IncrementAttempts(ctx, id, 0, testLease)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, id, Patch{Status: StatusFailed, FailureKind: FailureRecoverable, LastResponseCode: 500}))

	rec, err := s.IncrementAttempts(ctx, id, 1, testLease)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestUpdate_WritesOutcome(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, newRecord(""))
	require.NoError(t, err)

	next := time.Date(2026, 4, 1, 9, 0, 30, 0, time.UTC)
	one := 1
	_, err = s.IncrementAttempts(ctx, id, 0, testLease)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, id, Patch{
		Status:           StatusFailed,
		LastResponseCode: 500,
		LastError:        "store-1 responded HTTP 500",
		ResponseBody:     "boom",
		FailureKind:      FailureRecoverable,
		NextAttemptAt:    &next,
		ExpectedAttempts: &one,
	}))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 500, rec.LastResponseCode)
	assert.Equal(t, "boom", rec.ResponseBody)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, next.Equal(*rec.NextAttemptAt))
	assert.Equal(t, "local-1", rec.DispatchID)

	require.NoError(t, s.Update(ctx, id, Patch{
		Status:           StatusSuccess,
		DispatchID:       "xyz-1",
		LastResponseCode: 200,
		ExpectedAttempts: &one,
	}))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "xyz-1", rec.DispatchID)
	assert.Nil(t, rec.NextAttemptAt)
	_, ok := mock.item(recordsTable, id)["next_attempt_at"]
	assert.False(t, ok)
}

func TestUpdate_Guards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, newRecord(""))
	require.NoError(t, err)

	stale := 3
	err = s.Update(ctx, id, Patch{Status: StatusFailed, ExpectedAttempts: &stale})
	assert.ErrorIs(t, err, ErrAttemptConflict)

	require.NoError(t, s.Update(ctx, id, Patch{Status: StatusSuccess}))
	err = s.Update(ctx, id, Patch{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrAttemptConflict, "success must never be overwritten")

	err = s.Update(ctx, "missing", Patch{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrAttemptConflict)
}

func TestAttemptsOf_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.AttemptsOf(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRecord_Terminal(t *testing.T) {
	assert.True(t, (&Record{Status: StatusSuccess}).Terminal())
	assert.True(t, (&Record{Status: StatusExhausted}).Terminal())
	assert.True(t, (&Record{Status: StatusFailed, FailureKind: FailurePermanent}).Terminal())
	assert.False(t, (&Record{Status: StatusFailed, FailureKind: FailureRecoverable}).Terminal())
	assert.False(t, (&Record{Status: StatusPending}).Terminal())
}

func TestConditionFailureDetection(t *testing.T) {
	assert.True(t, isConditionFailure(&types.ConditionalCheckFailedException{}))
	assert.False(t, isConditionFailure(errors.New("other")))
	assert.True(t, isTransactionConditionFailure(&types.TransactionCanceledException{}))
	assert.False(t, isTransactionConditionFailure(&types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: awsString("TransactionConflict")}},
	}))
}
