package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

// DeliveryService is the producer side of the pipeline: it inserts pending
// records and maintains the device registry. Sending happens only in the
// queue runner.
type DeliveryService struct {
	deliveries repository.DeliveryRepository
	devices    repository.DeviceRepository
	statuses   repository.StatusRepository
	logger     *zap.Logger

	now func() time.Time
}

func NewDeliveryService(
	deliveries repository.DeliveryRepository,
	devices repository.DeviceRepository,
	statuses repository.StatusRepository,
	logger *zap.Logger,
) *DeliveryService {
	return &DeliveryService{
		deliveries: deliveries,
		devices:    devices,
		statuses:   statuses,
		logger:     logging.OrNop(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// DeliveryReport is everything known about the delivery of one notification.
type DeliveryReport struct {
	NotificationID string                   `json:"notification_id"`
	Statuses       []*domain.DeliveryStatus `json:"statuses"`
	Records        []*domain.DeliveryRecord `json:"records"`
}

// Enqueue validates req and inserts one pending record. scheduled_for
// defaults to now.
func (s *DeliveryService) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.DeliveryRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec := s.buildRecord(req.NotificationID, req.Channel, req.Target, req.Payload, req.Priority, req.ScheduledFor)
	if err := s.deliveries.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist delivery record: %w", err)
	}

	logging.FromContext(ctx, s.logger).Debug("delivery enqueued",
		zap.String("delivery_id", rec.ID),
		zap.String("notification_id", rec.NotificationID),
		zap.String("channel", string(rec.Channel)),
	)
	return rec, nil
}

// NotifyUserDevices enqueues payload once for every enabled device of userID.
// Each record targets the device credential and remembers the device id so
// a dead endpoint can be removed precisely.
func (s *DeliveryService) NotifyUserDevices(ctx context.Context, userID string, payload domain.PushPayload, priority int) ([]*domain.DeliveryRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidUserID
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(payload.Data.NotificationID); err != nil {
		return nil, domain.ErrInvalidNotificationID
	}

	devices, err := s.devices.ListByUser(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, domain.ErrNoDevices
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode push payload: %w", err)
	}

	records := make([]*domain.DeliveryRecord, len(devices))
	for i, d := range devices {
		rec := s.buildRecord(payload.Data.NotificationID, domain.ChannelPush, string(d.Credential), raw, priority, nil)
		id := d.ID
		rec.DeviceID = &id
		records[i] = rec
	}

	if err := s.deliveries.CreateMany(ctx, records); err != nil {
		return nil, fmt.Errorf("persist delivery records: %w", err)
	}
	return records, nil
}

// Subscribe registers a device credential for a user. Registering an
// endpoint that already exists rebinds it to the user and re-enables it.
func (s *DeliveryService) Subscribe(ctx context.Context, req domain.SubscribeRequest) (*domain.DeviceEndpoint, error) {
	cred, err := req.Validate()
	if err != nil {
		return nil, err
	}

	platform := strings.TrimSpace(req.Platform)
	if platform == "" {
		platform = domain.DefaultPlatform
	}

	// Stored in canonical form so the runner reads exactly what was parsed.
	canonical, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}

	now := s.now()
	d, err := s.devices.Upsert(ctx, &domain.DeviceEndpoint{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Platform:   platform,
		Endpoint:   cred.Endpoint,
		Credential: canonical,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return d, nil
}

// Unsubscribe removes one endpoint of a user. Removing an unknown endpoint
// is not an error; removed reports whether anything was deleted.
func (s *DeliveryService) Unsubscribe(ctx context.Context, userID, endpoint string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, domain.ErrInvalidUserID
	}
	if strings.TrimSpace(endpoint) == "" {
		return false, domain.ErrInvalidCredential
	}
	return s.devices.DeleteForUser(ctx, userID, endpoint)
}

// UnsubscribeAll removes every device of a user and reports how many went.
func (s *DeliveryService) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, domain.ErrInvalidUserID
	}
	return s.devices.DeleteAllForUser(ctx, userID)
}

func (s *DeliveryService) SetDeviceEnabled(ctx context.Context, deviceID string, enabled bool) (*domain.DeviceEndpoint, error) {
	return s.devices.SetEnabled(ctx, deviceID, enabled)
}

func (s *DeliveryService) ListDevices(ctx context.Context, userID string) ([]*domain.DeviceEndpoint, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidUserID
	}
	devices, err := s.devices.ListByUser(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*domain.DeviceEndpoint{}
	}
	return devices, nil
}

// DeliveryStatus returns the per-channel statuses and the underlying records
// of a notification. A notification with no records is ErrNotFound.
func (s *DeliveryService) DeliveryStatus(ctx context.Context, notificationID string) (*DeliveryReport, error) {
	if _, err := uuid.Parse(notificationID); err != nil {
		return nil, domain.ErrInvalidNotificationID
	}

	records, err := s.deliveries.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	statuses, err := s.statuses.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if statuses == nil {
		statuses = []*domain.DeliveryStatus{}
	}
	return &DeliveryReport{NotificationID: notificationID, Statuses: statuses, Records: records}, nil
}

// QueueDepths counts records per channel and status. Every channel and
// status is present, zero when empty.
func (s *DeliveryService) QueueDepths(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error) {
	counted, err := s.deliveries.Depths(ctx)
	if err != nil {
		return nil, err
	}
	depths := make(map[domain.Channel]map[domain.Status]int, len(domain.Channels))
	for _, ch := range domain.Channels {
		depths[ch] = map[domain.Status]int{
			domain.StatusPending:    counted[ch][domain.StatusPending],
			domain.StatusProcessing: counted[ch][domain.StatusProcessing],
			domain.StatusSent:       counted[ch][domain.StatusSent],
			domain.StatusFailed:     counted[ch][domain.StatusFailed],
		}
	}
	return depths, nil
}

func (s *DeliveryService) buildRecord(
	notificationID string,
	ch domain.Channel,
	target string,
	payload json.RawMessage,
	priority int,
	scheduledFor *time.Time,
) *domain.DeliveryRecord {
	now := s.now()
	scheduled := now
	if scheduledFor != nil {
		scheduled = scheduledFor.UTC()
	}
	return &domain.DeliveryRecord{
		ID:             uuid.New().String(),
		NotificationID: notificationID,
		Channel:        ch,
		Target:         target,
		Payload:        payload,
		Status:         domain.StatusPending,
		Priority:       priority,
		ScheduledFor:   scheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
