package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pixelift/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for Store, Ledger and Enhancer. These let us test the real
// lifecycle controller logic without a database or a live provider.
// ---------------------------------------------------------------------------

type mockStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMockStore(jobs ...*models.Job) *mockStore {
	m := &mockStore{jobs: make(map[uuid.UUID]*models.Job)}
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *mockStore) GetByID(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *j
	return &cp, nil
}

func (m *mockStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) MarkProcessing(_ context.Context, jobID uuid.UUID, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusProcessing
	j.ProcessingStartedAt = &startedAt
	return true, nil
}

func (m *mockStore) MarkCompleted(_ context.Context, jobID uuid.UUID, resultRef string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j.Status != models.JobStatusProcessing {
		return false, nil
	}
	j.Status = models.JobStatusCompleted
	j.ResultRef = &resultRef
	j.ProcessingCompletedAt = &completedAt
	return true, nil
}

func (m *mockStore) MarkFailed(_ context.Context, jobID uuid.UUID, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j.Status != models.JobStatusPending && j.Status != models.JobStatusProcessing {
		return false, nil
	}
	j.Status = models.JobStatusFailed
	j.ErrorMessage = &errorMessage
	return true, nil
}

func (m *mockStore) MarkRefunded(_ context.Context, jobID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j.Status != models.JobStatusFailed {
		return false, nil
	}
	j.Status = models.JobStatusRefunded
	return true, nil
}

func (m *mockStore) MarkCancelled(_ context.Context, jobID uuid.UUID, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j.Status != models.JobStatusPending && j.Status != models.JobStatusProcessing {
		return false, nil
	}
	j.Status = models.JobStatusCancelled
	j.ErrorMessage = &errorMessage
	return true, nil
}

func (m *mockStore) IncrementRetry(_ context.Context, jobID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.RetryCount++
	return j.RetryCount, nil
}

func (m *mockStore) statusOf(jobID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].Status
}

// ---

type refundCall struct {
	userID   uuid.UUID
	amount   int64
	sourceID string
	reason   string
}

type mockLedger struct {
	mu      sync.Mutex
	calls   []refundCall
	failErr error
}

func (m *mockLedger) Refund(_ context.Context, userID uuid.UUID, amount int64, sourceID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	// Idempotent per source id, like the real ledger.
	for _, c := range m.calls {
		if c.sourceID == sourceID {
			return 0, nil
		}
	}
	m.calls = append(m.calls, refundCall{userID: userID, amount: amount, sourceID: sourceID, reason: reason})
	return 0, nil
}

func (m *mockLedger) refunds() []refundCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]refundCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---

// mockEnhancer returns the scripted results in order, repeating the last one.
type mockEnhancer struct {
	mu      sync.Mutex
	results []error
	calls   int
	// hook runs inside Enhance, before returning; used to simulate a
	// cancellation racing an in-flight provider call.
	hook func()
}

func (m *mockEnhancer) Enhance(_ context.Context, imageRef, tier string) (string, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	err := m.results[i]
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return "result-" + imageRef + "-" + tier, nil
}

func (m *mockEnhancer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func pendingJob(userID uuid.UUID, cost int64) *models.Job {
	return &models.Job{
		ID:       uuid.New(),
		UserID:   userID,
		ImageRef: "img-1",
		Tier:     models.TierHigh,
		Cost:     cost,
		Status:   models.JobStatusPending,
	}
}

func newTestService(store *mockStore, led *mockLedger, enh *mockEnhancer, maxRetries int) *Service {
	return NewService(store, led, enh, ServiceOptions{
		ProviderTimeout: time.Second,
		MaxRetries:      maxRetries,
	})
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcessSuccess(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{}
	enh := &mockEnhancer{results: []error{nil}}
	svc := newTestService(store, led, enh, 2)

	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := store.GetByID(context.Background(), job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.ResultRef == nil || *got.ResultRef == "" {
		t.Error("expected result ref to be set")
	}
	if got.ProcessingStartedAt == nil || got.ProcessingCompletedAt == nil {
		t.Error("expected processing timestamps to be set")
	}
	// Success reverses nothing: the cost was consumed at creation and stays.
	if n := len(led.refunds()); n != 0 {
		t.Errorf("expected no refunds on success, got %d", n)
	}
}

func TestProcessProviderFailureRefunds(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{}
	enh := &mockEnhancer{results: []error{errors.New("provider timeout")}}
	svc := newTestService(store, led, enh, 2)

	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := store.statusOf(job.ID); got != models.JobStatusRefunded {
		t.Errorf("expected refunded, got %s", got)
	}
	refunds := led.refunds()
	if len(refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(refunds))
	}
	if refunds[0].sourceID != job.ID.String() || refunds[0].amount != 5 || refunds[0].reason != "processing_failed" {
		t.Errorf("unexpected refund %+v", refunds[0])
	}
	got, _ := store.GetByID(context.Background(), job.ID)
	if got.ErrorMessage == nil {
		t.Error("expected error message on failed job")
	}
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{}
	enh := &mockEnhancer{results: []error{errors.New("flaky"), errors.New("flaky"), nil}}
	svc := newTestService(store, led, enh, 2)

	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := store.GetByID(context.Background(), job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected completed after retries, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", got.RetryCount)
	}
	// Retries re-attempt the provider call only; no new job, no new spend,
	// no refund.
	if n := len(led.refunds()); n != 0 {
		t.Errorf("expected no refunds, got %d", n)
	}
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{}
	enh := &mockEnhancer{results: []error{errors.New("down")}}
	svc := newTestService(store, led, enh, 2)

	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Initial attempt plus two retries.
	if n := enh.callCount(); n != 3 {
		t.Errorf("expected 3 provider attempts, got %d", n)
	}
	if got := store.statusOf(job.ID); got != models.JobStatusRefunded {
		t.Errorf("expected refunded, got %s", got)
	}
	if n := len(led.refunds()); n != 1 {
		t.Errorf("expected exactly one refund, got %d", n)
	}
}

func TestProcessRefundFailureLeavesJobFailed(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{failErr: errors.New("ledger unavailable")}
	enh := &mockEnhancer{results: []error{errors.New("provider error")}}
	svc := newTestService(store, led, enh, 0)

	err := svc.Process(context.Background(), job.ID)
	if err == nil {
		t.Fatal("expected cleanup error to propagate for redelivery")
	}
	// The job must not rest at refunded without the refund having landed.
	if got := store.statusOf(job.ID); got != models.JobStatusFailed {
		t.Errorf("expected failed, got %s", got)
	}

	// The substrate redelivers; this time the ledger is back.
	led.failErr = nil
	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("redelivered Process: %v", err)
	}
	if got := store.statusOf(job.ID); got != models.JobStatusRefunded {
		t.Errorf("expected refunded after redelivery, got %s", got)
	}
	if n := len(led.refunds()); n != 1 {
		t.Errorf("expected exactly one refund, got %d", n)
	}
}

func TestProcessDiscardsLateResultAfterCancel(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{}
	enh := &mockEnhancer{results: []error{nil}}
	svc := newTestService(store, led, enh, 0)

	// The user cancels while the provider call is in flight. The provider's
	// eventual success must not resurrect the cancelled job.
	enh.hook = func() {
		if err := svc.Cancel(context.Background(), job.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}

	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := store.statusOf(job.ID); got != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
	got, _ := store.GetByID(context.Background(), job.ID)
	if got.ResultRef != nil {
		t.Error("late provider result must be discarded")
	}
	refunds := led.refunds()
	if len(refunds) != 1 || refunds[0].reason != "cancelled" {
		t.Fatalf("expected one cancellation refund, got %+v", refunds)
	}
}

func TestCancelActiveJobRefunds(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	store := newMockStore(job)
	led := &mockLedger{}
	svc := newTestService(store, led, &mockEnhancer{results: []error{nil}}, 0)

	if err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := store.statusOf(job.ID); got != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
	refunds := led.refunds()
	if len(refunds) != 1 || refunds[0].amount != 5 || refunds[0].sourceID != job.ID.String() {
		t.Fatalf("expected one refund of 5 keyed by job id, got %+v", refunds)
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	job.Status = models.JobStatusCompleted
	store := newMockStore(job)
	led := &mockLedger{}
	svc := newTestService(store, led, &mockEnhancer{results: []error{nil}}, 0)

	if err := svc.Cancel(context.Background(), job.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if n := len(led.refunds()); n != 0 {
		t.Errorf("completed work must never be refunded, got %d refunds", n)
	}
}

func TestProcessSettlesPreviouslyFailedJob(t *testing.T) {
	userID := uuid.New()
	job := pendingJob(userID, 5)
	job.Status = models.JobStatusFailed
	msg := "provider error"
	job.ErrorMessage = &msg
	store := newMockStore(job)
	led := &mockLedger{}
	svc := newTestService(store, led, &mockEnhancer{results: []error{nil}}, 0)

	// Redelivery of a job a previous run failed without completing the
	// refund: settle, do not call the provider again.
	if err := svc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := store.statusOf(job.ID); got != models.JobStatusRefunded {
		t.Errorf("expected refunded, got %s", got)
	}
	if n := len(led.refunds()); n != 1 {
		t.Errorf("expected exactly one refund, got %d", n)
	}
}
