package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

type statusKey struct {
	notificationID string
	channel        domain.Channel
}

// MockStatusRepository is an in-memory StatusRepository for unit tests.
type MockStatusRepository struct {
	mu       sync.RWMutex
	statuses map[statusKey]*domain.DeliveryStatus

	UpsertErr error
	// UpsertErrFor fails upserts for the given delivery record IDs.
	UpsertErrFor map[string]error
}

func NewMockStatusRepository() *MockStatusRepository {
	return &MockStatusRepository{statuses: make(map[statusKey]*domain.DeliveryStatus)}
}

func (m *MockStatusRepository) Upsert(_ context.Context, s *domain.DeliveryStatus) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if err := m.UpsertErrFor[s.DeliveryRecordID]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statusKey{s.NotificationID, s.Channel}
	if existing, ok := m.statuses[key]; ok && existing.UpdatedAt.After(s.UpdatedAt) {
		return nil
	}
	clone := *s
	m.statuses[key] = &clone
	return nil
}

func (m *MockStatusRepository) ListByNotification(_ context.Context, notificationID string) ([]*domain.DeliveryStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.DeliveryStatus
	for k, s := range m.statuses {
		if k.notificationID == notificationID {
			clone := *s
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Channel < result[j].Channel })
	return result, nil
}

// Get returns the status for one (notification, channel) pair. Test helper.
func (m *MockStatusRepository) Get(notificationID string, channel domain.Channel) (*domain.DeliveryStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[statusKey{notificationID, channel}]
	if !ok {
		return nil, false
	}
	clone := *s
	return &clone, true
}
