package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"usernotify/internal/model"
)

// ExpiredStore reads expired and already-notified handles in one
// transaction, clearing ledger rows for renewed subscriptions first so a
// later real expiry can notify again.
type ExpiredStore interface {
	ExpiredSnapshot(ctx context.Context) (model.ExpiredSnapshot, error)
}

// ExpiredFinder computes accounts whose subscription has expired and that
// were not yet notified about it.
type ExpiredFinder struct {
	store  ExpiredStore
	logger *zap.Logger
}

func NewExpiredFinder(store ExpiredStore, logger *zap.Logger) *ExpiredFinder {
	return &ExpiredFinder{
		store:  store,
		logger: logger,
	}
}

func (f *ExpiredFinder) Find(ctx context.Context) (map[int64]struct{}, error) {
	f.logger.Info("Starting search for expired users to notify")

	snapshot, err := f.store.ExpiredSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("expired snapshot: %w", err)
	}

	result := make(map[int64]struct{})
	for telegramID := range snapshot.Expired {
		if _, notified := snapshot.Notified[telegramID]; notified {
			continue
		}
		result[telegramID] = struct{}{}
	}

	f.logger.Info("Expired users search finished",
		zap.Int("expired", len(snapshot.Expired)),
		zap.Int("already_notified", len(snapshot.Notified)),
		zap.Int("to_notify", len(result)),
	)
	return result, nil
}
