package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/lock"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/sender"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

// fakeSender records every call and delegates the outcome to fn.
type fakeSender struct {
	channel domain.Channel
	fn      func(ctx context.Context, r *domain.DeliveryRecord) error

	mu       sync.Mutex
	order    []string
	inFlight int32
	maxSeen  int32
}

func (f *fakeSender) Channel() domain.Channel { return f.channel }

func (f *fakeSender) Send(ctx context.Context, r *domain.DeliveryRecord) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.order = append(f.order, r.ID)
	f.mu.Unlock()

	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, r)
}

func (f *fakeSender) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// fakePushTransport answers every push with a fixed status.
type fakePushTransport struct {
	status int
	calls  int32
}

func (f *fakePushTransport) Push(context.Context, *domain.PushCredential, []byte, string) (*sender.PushResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	return &sender.PushResponse{StatusCode: f.status}, nil
}

type harness struct {
	deliveries *repository.MockDeliveryRepository
	devices    *repository.MockDeviceRepository
	statuses   *repository.MockStatusRepository
	runner     *worker.Runner
	pruned     int32
}

type harnessOpts struct {
	senders     []sender.Sender
	batchSize   int
	concurrency int
	itemTimeout time.Duration
	locker      lock.Locker
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.batchSize == 0 {
		opts.batchSize = 10
	}
	if opts.concurrency == 0 {
		opts.concurrency = 4
	}
	if opts.itemTimeout == 0 {
		opts.itemTimeout = 2 * time.Second
	}

	h := &harness{
		deliveries: repository.NewMockDeliveryRepository(),
		devices:    repository.NewMockDeviceRepository(),
		statuses:   repository.NewMockStatusRepository(),
	}
	reconciler := worker.NewReconciler(h.deliveries, h.devices, h.statuses, zap.NewNop(), func() {
		atomic.AddInt32(&h.pruned, 1)
	})
	h.runner = worker.NewRunner(
		worker.NewDispatcher(h.deliveries),
		sender.NewRegistry(opts.senders...),
		reconciler,
		ratelimiter.New(0),
		opts.locker,
		worker.RunnerConfig{
			BatchSize:   opts.batchSize,
			Concurrency: opts.concurrency,
			ItemTimeout: opts.itemTimeout,
		},
		zap.NewNop(),
		worker.MetricHooks{},
	)
	return h
}

func (h *harness) enqueue(t *testing.T, ch domain.Channel, target string, priority int, scheduled time.Time) *domain.DeliveryRecord {
	t.Helper()
	return h.enqueueWith(t, ch, target, priority, scheduled, nil)
}

func (h *harness) enqueueWith(t *testing.T, ch domain.Channel, target string, priority int, scheduled time.Time, mutate func(*domain.DeliveryRecord)) *domain.DeliveryRecord {
	t.Helper()
	now := time.Now().UTC()
	payload := json.RawMessage(`{"subject":"Task assigned","text":"You have a new task"}`)
	if ch == domain.ChannelPush {
		payload = json.RawMessage(`{"title":"Task assigned","body":"You have a new task","data":{"notification_id":"n"}}`)
	}
	r := &domain.DeliveryRecord{
		ID:             uuid.New().String(),
		NotificationID: uuid.New().String(),
		Channel:        ch,
		Target:         target,
		Payload:        payload,
		Status:         domain.StatusPending,
		Priority:       priority,
		ScheduledFor:   scheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if mutate != nil {
		mutate(r)
	}
	if err := h.deliveries.Create(context.Background(), r); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return r
}

func (h *harness) get(t *testing.T, id string) *domain.DeliveryRecord {
	t.Helper()
	r, err := h.deliveries.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return r
}

func (h *harness) addDevice(t *testing.T, userID, endpoint string) *domain.DeviceEndpoint {
	t.Helper()
	cred := `{"endpoint":"` + endpoint + `","keys":{"p256dh":"BNcRd","auth":"tBHI"}}`
	d, err := h.devices.Upsert(context.Background(), &domain.DeviceEndpoint{
		ID:         uuid.New().String(),
		UserID:     userID,
		Platform:   domain.DefaultPlatform,
		Endpoint:   endpoint,
		Credential: json.RawMessage(cred),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("add device: %v", err)
	}
	return d
}
