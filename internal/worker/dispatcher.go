package worker

import (
	"context"
	"fmt"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

// Dispatcher claims due pending records for one run.
type Dispatcher struct {
	repo repository.DeliveryRepository
}

func NewDispatcher(repo repository.DeliveryRepository) *Dispatcher {
	return &Dispatcher{repo: repo}
}

// FetchBatch claims up to limit due records of ch, already moved to
// processing, in dispatch order. An empty queue yields an empty slice.
func (d *Dispatcher) FetchBatch(ctx context.Context, ch domain.Channel, limit int) ([]*domain.DeliveryRecord, error) {
	if !ch.IsValid() {
		return nil, domain.ErrInvalidChannel
	}
	if limit <= 0 {
		return nil, nil
	}
	batch, err := d.repo.ClaimBatch(ctx, ch, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s batch: %w", ch, err)
	}
	return batch, nil
}
