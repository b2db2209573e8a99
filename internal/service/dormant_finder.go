package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"usernotify/internal/model"
)

// DormantStore reads handles already notified as created-but-unused.
type DormantStore interface {
	DormantNotified(ctx context.Context) (map[int64]struct{}, error)
}

// DormantFinder computes accounts created exactly one calendar day ago
// that never produced any traffic. It works off the directory population,
// which carries created_at and lifetime traffic as the provisioning
// service observes them.
type DormantFinder struct {
	store  DormantStore
	logger *zap.Logger
	now    func() time.Time
}

func NewDormantFinder(store DormantStore, logger *zap.Logger) *DormantFinder {
	return &DormantFinder{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (f *DormantFinder) Find(ctx context.Context, users []model.DirectoryUser) (map[int64]struct{}, error) {
	f.logger.Info("Searching not connected users")

	notified, err := f.store.DormantNotified(ctx)
	if err != nil {
		return nil, fmt.Errorf("dormant notified handles: %w", err)
	}

	now := f.now()
	result := make(map[int64]struct{})
	for _, user := range users {
		if user.CreatedAt == nil {
			continue
		}
		if !createdExactlyYesterday(*user.CreatedAt, now) {
			continue
		}
		if user.LifetimeUsedTrafficBytes > 0 {
			continue
		}

		telegramID, err := strconv.ParseInt(user.Username, 10, 64)
		if err != nil {
			f.logger.Warn("Skipping user with non-numeric username",
				zap.String("username", user.Username),
			)
			continue
		}
		if _, ok := notified[telegramID]; ok {
			continue
		}

		f.logger.Info("User created yesterday with no traffic, will be notified",
			zap.String("username", user.Username),
			zap.Time("created_at", *user.CreatedAt),
		)
		result[telegramID] = struct{}{}
	}

	f.logger.Info("Not connected users search finished",
		zap.Int("already_notified", len(notified)),
		zap.Int("to_notify", len(result)),
	)
	return result, nil
}

// createdExactlyYesterday compares date-truncated timestamps, not a rolling
// 24-hour window: an account created 23:59 yesterday qualifies this morning.
func createdExactlyYesterday(created, now time.Time) bool {
	cy, cm, cd := created.UTC().Date()
	ny, nm, nd := now.UTC().Date()

	createdDay := time.Date(cy, cm, cd, 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)

	return nowDay.Sub(createdDay) == 24*time.Hour
}
