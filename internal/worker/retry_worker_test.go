package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/sender"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

var testPolicy = worker.RetryPolicy{
	MaxRetries: 3,
	Backoff:    []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute},
	Lease:      10 * time.Minute,
}

func failedRecord(t *testing.T, repo *repository.MockDeliveryRepository, kind domain.FailureKind, retryCount int, failedAt time.Time) *domain.DeliveryRecord {
	t.Helper()
	h := &harness{deliveries: repo}
	return h.enqueueWith(t, domain.ChannelEmail, "a@example.com", 0, failedAt, func(r *domain.DeliveryRecord) {
		msg := "boom"
		r.Status = domain.StatusFailed
		r.FailureKind = &kind
		r.ErrorMessage = &msg
		r.RetryCount = retryCount
		r.UpdatedAt = failedAt
	})
}

func TestRetryWorker_RequeuesAfterBackoff(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := repository.NewMockDeliveryRepository()

	due := failedRecord(t, repo, domain.FailureTransient, 1, now.Add(-time.Minute))
	waiting := failedRecord(t, repo, domain.FailureRateLimited, 2, now.Add(-time.Minute))
	permanent := failedRecord(t, repo, domain.FailureMalformedCredential, 1, now.Add(-time.Hour))
	exhausted := failedRecord(t, repo, domain.FailureTransport, 3, now.Add(-time.Hour))
	clamped := failedRecord(t, repo, domain.FailureTransport, 2, now.Add(-3*time.Minute))

	var requeuedHook int
	rw := worker.NewRetryWorker(repo, repository.NewMockStatusRepository(), testPolicy, time.Minute, zap.NewNop(),
		worker.MetricHooks{OnRequeued: func(domain.Channel) { requeuedHook++ }})
	rw.SetClock(func() time.Time { return now })

	expired, requeued, err := rw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if expired != 0 || requeued != 2 || requeuedHook != 2 {
		t.Fatalf("expected 2 requeued, got expired=%d requeued=%d hook=%d", expired, requeued, requeuedHook)
	}

	tests := []struct {
		name string
		id   string
		want domain.Status
	}{
		{"backoff elapsed", due.ID, domain.StatusPending},
		{"backoff not elapsed", waiting.ID, domain.StatusFailed},
		{"permanent kind", permanent.ID, domain.StatusFailed},
		{"retries exhausted", exhausted.ID, domain.StatusFailed},
		{"second backoff elapsed", clamped.ID, domain.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := repo.GetByID(context.Background(), tt.id)
			if got.Status != tt.want {
				t.Fatalf("got %s, want %s", got.Status, tt.want)
			}
		})
	}

	got, _ := repo.GetByID(context.Background(), due.ID)
	if got.RetryCount != 1 {
		t.Fatalf("re-queue must keep retry_count, got %d", got.RetryCount)
	}
}

func TestRetryWorker_ExpiresStaleProcessing(t *testing.T) {
	repo := repository.NewMockDeliveryRepository()
	statuses := repository.NewMockStatusRepository()
	h := &harness{deliveries: repo}
	start := time.Now().UTC()

	stale := h.enqueue(t, domain.ChannelPush, `{}`, 0, start.Add(-time.Hour))
	if _, err := repo.ClaimBatch(context.Background(), domain.ChannelPush, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A long backoff keeps the expired row from being re-queued in the same sweep.
	policy := testPolicy
	policy.Backoff = []time.Duration{time.Hour}

	var expiredHook int
	rw := worker.NewRetryWorker(repo, statuses, policy, time.Minute, zap.NewNop(),
		worker.MetricHooks{OnLeaseExpired: func(domain.Channel) { expiredHook++ }})

	// Still within the lease.
	rw.SetClock(func() time.Time { return start.Add(time.Minute) })
	if expired, _, err := rw.RunOnce(context.Background()); err != nil || expired != 0 {
		t.Fatalf("expected nothing expired, got %d %v", expired, err)
	}

	rw.SetClock(func() time.Time { return start.Add(11 * time.Minute) })
	expired, _, err := rw.RunOnce(context.Background())
	if err != nil || expired != 1 || expiredHook != 1 {
		t.Fatalf("expected one expiry, got %d hook=%d %v", expired, expiredHook, err)
	}

	got, _ := repo.GetByID(context.Background(), stale.ID)
	if got.Status != domain.StatusFailed || *got.FailureKind != domain.FailureLeaseExpired || got.RetryCount != 1 {
		t.Fatalf("unexpected record after expiry: %s/%v/%d", got.Status, got.FailureKind, got.RetryCount)
	}
	st, ok := statuses.Get(stale.NotificationID, domain.ChannelPush)
	if !ok || st.Status != domain.StatusFailed {
		t.Fatalf("expected failed status projection, got %+v", st)
	}
}

func TestRetryWorker_LostRequeueRaceIsIgnored(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := repository.NewMockDeliveryRepository()
	failedRecord(t, repo, domain.FailureTransient, 1, now.Add(-time.Hour))
	repo.RequeueErr = domain.ErrClaimConflict

	rw := worker.NewRetryWorker(repo, repository.NewMockStatusRepository(), testPolicy, time.Minute, zap.NewNop(), worker.MetricHooks{})
	rw.SetClock(func() time.Time { return now })

	_, requeued, err := rw.RunOnce(context.Background())
	if err != nil || requeued != 0 {
		t.Fatalf("a lost race is not an error: requeued=%d err=%v", requeued, err)
	}
}

func TestRetryWorker_ExpiryProjectsEveryRecordDespiteStatusFailure(t *testing.T) {
	repo := repository.NewMockDeliveryRepository()
	statuses := repository.NewMockStatusRepository()
	h := &harness{deliveries: repo}
	start := time.Now().UTC()

	first := h.enqueue(t, domain.ChannelPush, `{}`, 0, start.Add(-time.Hour))
	second := h.enqueue(t, domain.ChannelPush, `{}`, 0, start.Add(-time.Hour))
	if _, err := repo.ClaimBatch(context.Background(), domain.ChannelPush, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	errStatusDown := errors.New("status table unavailable")
	statuses.UpsertErrFor = map[string]error{first.ID: errStatusDown}

	policy := testPolicy
	policy.Backoff = []time.Duration{time.Hour}
	var expiredHook int
	rw := worker.NewRetryWorker(repo, statuses, policy, time.Minute, zap.NewNop(),
		worker.MetricHooks{OnLeaseExpired: func(domain.Channel) { expiredHook++ }})
	rw.SetClock(func() time.Time { return start.Add(11 * time.Minute) })

	expired, _, err := rw.RunOnce(context.Background())
	if !errors.Is(err, errStatusDown) {
		t.Fatalf("expected the status write error, got %v", err)
	}
	if expired != 2 || expiredHook != 2 {
		t.Fatalf("expected both records expired, got %d hook=%d", expired, expiredHook)
	}

	for _, id := range []string{first.ID, second.ID} {
		if got, _ := repo.GetByID(context.Background(), id); got.Status != domain.StatusFailed {
			t.Fatalf("record %s: got %s, want failed", id, got.Status)
		}
	}
	st, ok := statuses.Get(second.NotificationID, domain.ChannelPush)
	if !ok || st.Status != domain.StatusFailed {
		t.Fatalf("the record after the failed write must still be projected, got %+v", st)
	}
	if _, ok := statuses.Get(first.NotificationID, domain.ChannelPush); ok {
		t.Fatal("failed write should leave no projection")
	}
}

func TestRetryWorker_LeaseOutlivesRunDeadline(t *testing.T) {
	const (
		batchSize   = 10
		itemTimeout = time.Second
	)
	runDeadline := batchSize * itemTimeout

	started := make(chan struct{})
	release := make(chan struct{})
	email := &fakeSender{channel: domain.ChannelEmail, fn: func(context.Context, *domain.DeliveryRecord) error {
		close(started)
		<-release
		return nil
	}}
	h := newHarness(t, harnessOpts{senders: []sender.Sender{email}, batchSize: batchSize, itemTimeout: itemTimeout})
	rec := h.enqueue(t, domain.ChannelEmail, "a@example.com", 0, time.Now().Add(-time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(context.Background(), domain.ChannelEmail)
		done <- err
	}()
	<-started

	policy := testPolicy
	policy.Lease = runDeadline + time.Minute
	rw := worker.NewRetryWorker(h.deliveries, h.statuses, policy, time.Minute, zap.NewNop(), worker.MetricHooks{})
	rw.SetClock(func() time.Time { return time.Now().Add(runDeadline) })

	expired, _, err := rw.RunOnce(context.Background())
	if err != nil || expired != 0 {
		t.Fatalf("an in-flight record must not expire before the run deadline: expired=%d err=%v", expired, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.get(t, rec.ID); got.Status != domain.StatusSent || got.RetryCount != 0 {
		t.Fatalf("expected sent with no retries, got %s/%d", got.Status, got.RetryCount)
	}
}
