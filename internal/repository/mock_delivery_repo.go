package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// MockDeliveryRepository is a hand-written, in-memory implementation of
// DeliveryRepository used in unit tests. Every method holds the lock for its
// whole transition, which gives the same exclusivity as the conditional
// UPDATEs of the pgx implementation.
type MockDeliveryRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.DeliveryRecord

	// Now is the store clock; tests may replace it.
	Now func() time.Time

	// Optional error overrides. Set in tests to simulate failure paths.
	CreateErr     error
	ClaimErr      error
	MarkSentErr   error
	MarkFailedErr error
	RequeueErr    error
}

func NewMockDeliveryRepository() *MockDeliveryRepository {
	return &MockDeliveryRepository{
		records: make(map[string]*domain.DeliveryRecord),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MockDeliveryRepository) Create(_ context.Context, d *domain.DeliveryRecord) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[d.ID]; exists {
		return fmt.Errorf("insert delivery record: duplicate id %s", d.ID)
	}
	clone := *d
	m.records[d.ID] = &clone
	return nil
}

func (m *MockDeliveryRepository) CreateMany(ctx context.Context, records []*domain.DeliveryRecord) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	for _, d := range records {
		if err := m.Create(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockDeliveryRepository) GetByID(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *MockDeliveryRepository) ListByNotification(_ context.Context, notificationID string) ([]*domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.DeliveryRecord
	for _, d := range m.records {
		if d.NotificationID == notificationID {
			clone := *d
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MockDeliveryRepository) ClaimBatch(_ context.Context, channel domain.Channel, limit int) ([]*domain.DeliveryRecord, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var due []*domain.DeliveryRecord
	for _, d := range m.records {
		if d.Channel == channel && d.Status.CanTransitionTo(domain.StatusProcessing) && !d.ScheduledFor.After(now) {
			due = append(due, d)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return domain.DispatchOrderLess(due[i], due[j]) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.DeliveryRecord, 0, len(due))
	for _, d := range due {
		d.Status = domain.StatusProcessing
		d.UpdatedAt = now
		clone := *d
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (m *MockDeliveryRepository) MarkSent(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	if m.MarkSentErr != nil {
		return nil, m.MarkSentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	switch {
	case d.Status.CanTransitionTo(domain.StatusSent):
		now := m.Now()
		d.Status = domain.StatusSent
		if d.SentAt == nil {
			d.SentAt = &now
		}
		d.ErrorMessage = nil
		d.FailureKind = nil
		d.UpdatedAt = now
	case d.Status == domain.StatusSent:
	default:
		return nil, fmt.Errorf("record %s is %s: %w", id, d.Status, domain.ErrClaimConflict)
	}
	clone := *d
	return &clone, nil
}

func (m *MockDeliveryRepository) MarkFailed(_ context.Context, id string, kind domain.FailureKind, errMsg string) (*domain.DeliveryRecord, error) {
	if m.MarkFailedErr != nil {
		return nil, m.MarkFailedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	switch {
	case d.Status.CanTransitionTo(domain.StatusFailed):
		msg, k := errMsg, kind
		d.Status = domain.StatusFailed
		d.ErrorMessage = &msg
		d.FailureKind = &k
		d.RetryCount++
		d.UpdatedAt = m.Now()
	case d.Status == domain.StatusFailed:
	default:
		return nil, fmt.Errorf("record %s is %s: %w", id, d.Status, domain.ErrClaimConflict)
	}
	clone := *d
	return &clone, nil
}

func (m *MockDeliveryRepository) FindRetryable(_ context.Context, kinds []domain.FailureKind, maxRetries, limit int) ([]*domain.DeliveryRecord, error) {
	allowed := make(map[domain.FailureKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.DeliveryRecord
	for _, d := range m.records {
		if d.Status != domain.StatusFailed || d.FailureKind == nil || !allowed[*d.FailureKind] {
			continue
		}
		if d.RetryCount >= maxRetries {
			continue
		}
		clone := *d
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockDeliveryRepository) Requeue(_ context.Context, id string, retryCount int) error {
	if m.RequeueErr != nil {
		return m.RequeueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok || !d.Status.CanTransitionTo(domain.StatusPending) || d.RetryCount != retryCount {
		return fmt.Errorf("requeue %s: %w", id, domain.ErrClaimConflict)
	}
	now := m.Now()
	d.Status = domain.StatusPending
	d.ScheduledFor = now
	d.UpdatedAt = now
	return nil
}

func (m *MockDeliveryRepository) ExpireStale(_ context.Context, cutoff time.Time, limit int) ([]*domain.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*domain.DeliveryRecord
	for _, d := range m.records {
		if d.Status == domain.StatusProcessing && d.UpdatedAt.Before(cutoff) {
			stale = append(stale, d)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}

	now := m.Now()
	result := make([]*domain.DeliveryRecord, 0, len(stale))
	for _, d := range stale {
		kind, msg := domain.FailureLeaseExpired, leaseExpiredMessage
		d.Status = domain.StatusFailed
		d.FailureKind = &kind
		d.ErrorMessage = &msg
		d.RetryCount++
		d.UpdatedAt = now
		clone := *d
		result = append(result, &clone)
	}
	return result, nil
}

func (m *MockDeliveryRepository) Depths(_ context.Context) (map[domain.Channel]map[domain.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	depths := make(map[domain.Channel]map[domain.Status]int)
	for _, d := range m.records {
		if depths[d.Channel] == nil {
			depths[d.Channel] = make(map[domain.Status]int)
		}
		depths[d.Channel][d.Status]++
	}
	return depths, nil
}

// All returns a snapshot of every stored record. Test helper.
func (m *MockDeliveryRepository) All() []*domain.DeliveryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.DeliveryRecord, 0, len(m.records))
	for _, d := range m.records {
		clone := *d
		result = append(result, &clone)
	}
	return result
}
