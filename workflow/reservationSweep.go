package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReservationSweep cancels pending orders whose checkout soft-hold outlived
// CHECKOUT_RESERVATION_TTL_MINUTES. Cancelling through the state machine
// releases the reservation counters in the same transaction. A race with a
// late webhook is safe from both sides: the reconciler refuses to confirm an
// order it saw leave pending, and a sweep commit that lands between the
// reconciler's read and write dies on the conditional status update.
type ReservationSweep struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	Interval  time.Duration
	BatchSize int
}

func NewReservationSweep(db *gorm.DB, logger *logrus.Logger) *ReservationSweep {
	return &ReservationSweep{
		DB:        db,
		Logger:    logger,
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

func (s *ReservationSweep) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *ReservationSweep) sweepOnce(ctx context.Context) {
	if s.DB == nil {
		return
	}
	ttl := time.Duration(config.CheckoutReservationTTLMinutes()) * time.Minute
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-ttl)

	var staleIds []int
	err := s.DB.WithContext(ctx).Model(&models.Order{}).
		Where("status = ? AND stock_reserved = ? AND created_at <= ?", models.OrderStatusPending, true, cutoff).
		Order("id ASC").
		Limit(s.BatchSize).
		Pluck("id", &staleIds).Error
	if err != nil {
		config.LogError(s.Logger, "reservationSweep.go", "sweepOnce", "Pluck", cutoff, err)
		return
	}

	for _, orderId := range staleIds {
		result, err := models.TransitionOrderStatus(ctx, orderId, models.OrderStatusCancelled)
		if err != nil {
			config.LogError(s.Logger, "reservationSweep.go", "sweepOnce", "TransitionOrderStatus", orderId, err)
			continue
		}
		if result.Applied {
			s.Logger.WithField("orderId", orderId).Info("stale pending order cancelled, reservation released")
		}
	}
}
