package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/destination"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/ledger"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/signer"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/validation"
)

const (
	testKeyID  = "key-1"
	testSecret = "secret-1"
)

// memLedger is an in-memory Ledger with the same conditional semantics as
// the DynamoDB store.
type memLedger struct {
	mu      sync.Mutex
	records map[string]ledger.Record
	keys    map[string]string
	getErr  error
	// failUpdates makes the next n Update calls fail without writing.
	failUpdates int
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[string]ledger.Record{}, keys: map[string]string{}}
}

func clone(r ledger.Record) *ledger.Record {
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		r.NextAttemptAt = &t
	}
	return &r
}

func (m *memLedger) Create(ctx context.Context, rec *ledger.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.IdempotencyKey != "" {
		if _, taken := m.keys[rec.IdempotencyKey]; taken {
			return "", ledger.ErrDuplicateKey
		}
		m.keys[rec.IdempotencyKey] = rec.ID
	}
	m.records[rec.ID] = *clone(*rec)
	return rec.ID, nil
}

func (m *memLedger) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		return nil, nil
	}
	return clone(m.records[id]), nil
}

func (m *memLedger) Get(ctx context.Context, id string) (*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return clone(r), nil
}

func (m *memLedger) IncrementAttempts(ctx context.Context, id string, expected int, leaseUntil time.Time) (*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Attempts != expected || r.Terminal() {
		return nil, ledger.ErrAttemptConflict
	}
	r.Attempts++
	r.NextAttemptAt = &leaseUntil
	m.records[id] = r
	return clone(r), nil
}

func (m *memLedger) Update(ctx context.Context, id string, p ledger.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates > 0 {
		m.failUpdates--
		return errors.New("dynamodb: throttled")
	}
	r, ok := m.records[id]
	if !ok || r.Status == ledger.StatusSuccess {
		return ledger.ErrAttemptConflict
	}
	if p.ExpectedAttempts != nil && r.Attempts != *p.ExpectedAttempts {
		return ledger.ErrAttemptConflict
	}
	r.Status = p.Status
	if p.DispatchID != "" {
		r.DispatchID = p.DispatchID
	}
	r.LastResponseCode = p.LastResponseCode
	r.LastError = p.LastError
	r.ResponseBody = p.ResponseBody
	r.FailureKind = p.FailureKind
	r.NextAttemptAt = nil
	if p.NextAttemptAt != nil {
		t := *p.NextAttemptAt
		r.NextAttemptAt = &t
	}
	m.records[id] = r
	return nil
}

func (m *memLedger) only(t *testing.T) *ledger.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1)
	for _, r := range m.records {
		return clone(r)
	}
	return nil
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type scheduled struct {
	at       time.Time
	recordID string
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (f *fakeScheduler) ScheduleAt(ctx context.Context, at time.Time, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, scheduled{at: at, recordID: recordID})
	return nil
}

func (f *fakeScheduler) all() []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduled(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type received struct {
	path      string
	body      string
	header    http.Header
	signedOK  bool
	canonical signer.Canonical
}

// partner is a TLS partner store. Responses are served from statuses in
// order; the last one repeats.
type partner struct {
	srv *httptest.Server

	mu       sync.Mutex
	statuses []int
	respBody string
	delay    time.Duration
	requests []received
}

func newPartner(t *testing.T, statuses ...int) *partner {
	t.Helper()
	p := &partner{statuses: statuses}
	p.srv = httptest.NewTLSServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *partner) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c, err := signer.FromRequest(r, body)
	ok := err == nil && signer.Verify(testSecret, c, r.Header.Get(signer.HeaderSignature), time.Unix(c.Timestamp, 0), time.Minute) == nil

	p.mu.Lock()
	p.requests = append(p.requests, received{path: r.URL.Path, body: string(body), header: r.Header.Clone(), signedOK: ok, canonical: c})
	status := http.StatusOK
	if len(p.statuses) > 0 {
		status = p.statuses[0]
		if len(p.statuses) > 1 {
			p.statuses = p.statuses[1:]
		}
	}
	respBody, delay := p.respBody, p.delay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status >= 300 && status < 400 {
		w.Header().Set("Location", "https://elsewhere.example.com/")
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, respBody)
}

func (p *partner) respond(body string, statuses ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respBody = body
	p.statuses = statuses
}

func (p *partner) hits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *partner) seen() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.requests...)
}

type harness struct {
	svc       *Service
	ledger    *memLedger
	scheduler *fakeScheduler
	clock     *fakeClock
	partner   *partner
}

func newHarness(t *testing.T, p *partner, maxAttempts int, extra ...destination.Destination) *harness {
	t.Helper()
	dests := append([]destination.Destination{
		{ID: "store-1", BaseURL: p.srv.URL, SigningKey: testKeyID, Secret: testSecret, Timeout: 2 * time.Second},
		{ID: "store-2", BaseURL: "https://store-2.example.com", SigningKey: "key-2"},
	}, extra...)
	reg, err := destination.NewRegistry(dests...)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		ledger:    newMemLedger(),
		scheduler: &fakeScheduler{},
		clock:     newFakeClock(),
		partner:   p,
	}
	h.svc = NewService(Config{
		Ledger:      h.ledger,
		Registry:    reg,
		Scheduler:   h.scheduler,
		Sender:      NewSender(p.srv.Client()),
		Logger:      logrus.NewEntry(logger),
		MaxAttempts: maxAttempts,
		Now:         h.clock.Now,
	})
	return h
}

func walletRequest(dest string) validation.DispatchRequest {
	return validation.DispatchRequest{
		Code:        "ABC123",
		Kind:        "wallet",
		Amount:      1000,
		Currency:    "IRR",
		Destination: dest,
	}
}

func walletRecord(status, failureKind string, next *time.Time) *ledger.Record {
	return &ledger.Record{
		ID:            "rec-1",
		Kind:          ledger.KindWallet,
		Status:        status,
		FailureKind:   failureKind,
		NextAttemptAt: next,
	}
}
