package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// MockDeviceRepository is an in-memory DeviceRepository for unit tests.
type MockDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*domain.DeviceEndpoint

	// Deletes counts successful deletions, so tests can assert exactly-once cleanup.
	Deletes int

	DeleteErr error
	ListErr   error
}

func NewMockDeviceRepository() *MockDeviceRepository {
	return &MockDeviceRepository{devices: make(map[string]*domain.DeviceEndpoint)}
}

func (m *MockDeviceRepository) Upsert(_ context.Context, d *domain.DeviceEndpoint) (*domain.DeviceEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.Endpoint == d.Endpoint {
			existing.UserID = d.UserID
			existing.Platform = d.Platform
			existing.Credential = d.Credential
			existing.Enabled = true
			existing.UpdatedAt = time.Now().UTC()
			clone := *existing
			return &clone, nil
		}
	}
	clone := *d
	clone.Enabled = true
	m.devices[d.ID] = &clone
	out := clone
	return &out, nil
}

func (m *MockDeviceRepository) GetByID(_ context.Context, id string) (*domain.DeviceEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *MockDeviceRepository) ListByUser(_ context.Context, userID string, enabledOnly bool) ([]*domain.DeviceEndpoint, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.DeviceEndpoint
	for _, d := range m.devices {
		if d.UserID != userID || (enabledOnly && !d.Enabled) {
			continue
		}
		clone := *d
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MockDeviceRepository) SetEnabled(_ context.Context, id string, enabled bool) (*domain.DeviceEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	d.Enabled = enabled
	d.UpdatedAt = time.Now().UTC()
	clone := *d
	return &clone, nil
}

func (m *MockDeviceRepository) DeleteForUser(_ context.Context, userID, endpoint string) (bool, error) {
	return m.deleteWhere(func(d *domain.DeviceEndpoint) bool {
		return d.UserID == userID && d.Endpoint == endpoint
	})
}

func (m *MockDeviceRepository) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.devices {
		if d.UserID == userID {
			delete(m.devices, id)
			m.Deletes++
			n++
		}
	}
	return n, nil
}

func (m *MockDeviceRepository) DeleteByID(_ context.Context, id string) (bool, error) {
	return m.deleteWhere(func(d *domain.DeviceEndpoint) bool { return d.ID == id })
}

func (m *MockDeviceRepository) DeleteByEndpoint(_ context.Context, endpoint string) (bool, error) {
	return m.deleteWhere(func(d *domain.DeviceEndpoint) bool { return d.Endpoint == endpoint })
}

func (m *MockDeviceRepository) deleteWhere(match func(*domain.DeviceEndpoint) bool) (bool, error) {
	if m.DeleteErr != nil {
		return false, m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		if match(d) {
			delete(m.devices, id)
			m.Deletes++
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of registered devices. Test helper.
func (m *MockDeviceRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}
