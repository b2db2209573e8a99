package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"usernotify/internal/model"
)

// ExpirationStore reads the expiration detector inputs in one transaction,
// pruning ledger rows whose account left the 3-day window first.
type ExpirationStore interface {
	ExpirationSnapshot(ctx context.Context) (model.ExpirationSnapshot, error)
}

// ExpirationFinder computes which accounts just entered the 1-day and
// 3-days-before-expiry windows and still need notifying.
type ExpirationFinder struct {
	store  ExpirationStore
	logger *zap.Logger
	now    func() time.Time
}

func NewExpirationFinder(store ExpirationStore, logger *zap.Logger) *ExpirationFinder {
	return &ExpirationFinder{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Find buckets accounts by remaining time-to-expiry. Windows are half-open
// on the lower bound and closed on the upper bound: exactly 3 days left
// belongs to the 3-day bucket, exactly 1 day left to the 1-day bucket.
// Accounts already flagged in the ledger and accounts with an active
// recurring payment are suppressed.
func (f *ExpirationFinder) Find(ctx context.Context) (model.ExpiringNotifications, error) {
	result := model.ExpiringNotifications{
		OneDayLeft:    make(map[int64]struct{}),
		ThreeDaysLeft: make(map[int64]struct{}),
	}

	f.logger.Info("Starting search for users with expiring subscriptions")

	snapshot, err := f.store.ExpirationSnapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("expiration snapshot: %w", err)
	}

	now := f.now()
	for _, acc := range snapshot.Expiring {
		remaining := acc.ExpireAt.Sub(now)
		switch {
		case remaining > 0 && remaining <= 24*time.Hour:
			result.OneDayLeft[acc.TelegramID] = struct{}{}
		case remaining > 48*time.Hour && remaining <= 72*time.Hour:
			result.ThreeDaysLeft[acc.TelegramID] = struct{}{}
		}
	}

	f.logger.Info("Bucketed expiring subscriptions",
		zap.Int("one_day_left", len(result.OneDayLeft)),
		zap.Int("three_days_left", len(result.ThreeDaysLeft)),
	)

	for telegramID, flags := range snapshot.Notified {
		if flags.OneDayBefore {
			delete(result.OneDayLeft, telegramID)
		}
		if flags.ThreeDaysBefore {
			delete(result.ThreeDaysLeft, telegramID)
		}
	}

	// Recurring payments auto-renew; expiring-soon reminders are noise there.
	for telegramID := range snapshot.Recurring {
		delete(result.OneDayLeft, telegramID)
		delete(result.ThreeDaysLeft, telegramID)
	}

	f.logger.Info("After filtering already notified and recurrent",
		zap.Int("one_day_left", len(result.OneDayLeft)),
		zap.Int("three_days_left", len(result.ThreeDaysLeft)),
	)
	return result, nil
}
