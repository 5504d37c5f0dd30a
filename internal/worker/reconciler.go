package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

const defaultWriteTimeout = 5 * time.Second

// Reconciler applies a send outcome to the record, to the per-channel
// delivery status and, for dead endpoints, to the device registry.
//
// Writes run on a context detached from the caller's cancellation: an item
// that hit its deadline must still have its outcome recorded.
type Reconciler struct {
	deliveries   repository.DeliveryRepository
	devices      repository.DeviceRepository
	statuses     repository.StatusRepository
	writeTimeout time.Duration
	onPruned     func()
	logger       *zap.Logger
}

func NewReconciler(
	deliveries repository.DeliveryRepository,
	devices repository.DeviceRepository,
	statuses repository.StatusRepository,
	logger *zap.Logger,
	onPruned func(),
) *Reconciler {
	if onPruned == nil {
		onPruned = func() {}
	}
	return &Reconciler{
		deliveries:   deliveries,
		devices:      devices,
		statuses:     statuses,
		writeTimeout: defaultWriteTimeout,
		onPruned:     onPruned,
		logger:       logging.OrNop(logger),
	}
}

// Reconcile records the outcome of sending rec. sendErr nil means delivered.
// The returned error is non-nil only when the store could not be written;
// an outcome that conflicts with the row's current state is reported in
// the ItemResult instead.
func (r *Reconciler) Reconcile(ctx context.Context, rec *domain.DeliveryRecord, sendErr error) (domain.ItemResult, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	if sendErr == nil {
		return r.sent(wctx, rec)
	}
	return r.failed(wctx, rec, domain.ClassifyError(sendErr))
}

func (r *Reconciler) sent(ctx context.Context, rec *domain.DeliveryRecord) (domain.ItemResult, error) {
	res := domain.ItemResult{ID: rec.ID, NotificationID: rec.NotificationID}

	updated, err := r.deliveries.MarkSent(ctx, rec.ID)
	if err != nil {
		return r.storeFailure(res, err)
	}

	res.Status = updated.Status
	err = r.statuses.Upsert(ctx, &domain.DeliveryStatus{
		NotificationID:   updated.NotificationID,
		Channel:          updated.Channel,
		DeliveryRecordID: updated.ID,
		Status:           domain.StatusSent,
		SentAt:           updated.SentAt,
		UpdatedAt:        updated.UpdatedAt,
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func (r *Reconciler) failed(ctx context.Context, rec *domain.DeliveryRecord, de *domain.DeliveryError) (domain.ItemResult, error) {
	kind := de.Kind
	res := domain.ItemResult{
		ID:             rec.ID,
		NotificationID: rec.NotificationID,
		Error:          de.Message,
		FailureKind:    &kind,
	}

	updated, err := r.deliveries.MarkFailed(ctx, rec.ID, de.Kind, de.Message)
	if err != nil {
		return r.storeFailure(res, err)
	}
	res.Status = updated.Status

	failedAt := updated.UpdatedAt
	err = r.statuses.Upsert(ctx, &domain.DeliveryStatus{
		NotificationID:   updated.NotificationID,
		Channel:          updated.Channel,
		DeliveryRecordID: updated.ID,
		Status:           domain.StatusFailed,
		FailedAt:         &failedAt,
		ErrorMessage:     updated.ErrorMessage,
		UpdatedAt:        updated.UpdatedAt,
	})
	if err != nil {
		return res, err
	}

	if de.Kind == domain.FailureInvalidEndpoint {
		removed, err := r.pruneDevice(ctx, rec)
		if err != nil {
			return res, err
		}
		res.DeviceRemoved = removed
	}
	return res, nil
}

// pruneDevice deletes the endpoint the provider reported as permanently gone.
// Records fanned out from the registry carry the device id; records enqueued
// with a bare credential are matched by endpoint.
func (r *Reconciler) pruneDevice(ctx context.Context, rec *domain.DeliveryRecord) (bool, error) {
	var (
		removed bool
		err     error
	)
	if rec.DeviceID != nil {
		removed, err = r.devices.DeleteByID(ctx, *rec.DeviceID)
	} else {
		cred, perr := domain.ParsePushCredential(rec.Target)
		if perr != nil {
			return false, nil
		}
		removed, err = r.devices.DeleteByEndpoint(ctx, cred.Endpoint)
	}
	if err != nil {
		return false, err
	}
	if removed {
		r.onPruned()
		r.logger.Info("removed dead device endpoint",
			zap.String("delivery_id", rec.ID),
			zap.Stringp("device_id", rec.DeviceID),
		)
	}
	return removed, nil
}

// storeFailure separates a state conflict, which belongs to this item only,
// from an unreachable store, which ends the run.
func (r *Reconciler) storeFailure(res domain.ItemResult, err error) (domain.ItemResult, error) {
	if errors.Is(err, domain.ErrClaimConflict) || errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("outcome not applied", zap.String("delivery_id", res.ID), zap.Error(err))
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res, nil
	}
	return res, err
}
