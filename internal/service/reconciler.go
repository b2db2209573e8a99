package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"usernotify/internal/model"
	"usernotify/pkg/metrics"
)

// LedgerMarker records sent notifications. Writes happen only after a
// successful dispatch: a crash between dispatch and write re-notifies on
// the next cycle, which is the accepted trade-off for at-least-once
// delivery to the queue.
type LedgerMarker interface {
	MarkOneDayNotified(ctx context.Context, handles []int64) error
	MarkThreeDaysNotified(ctx context.Context, handles []int64) error
	MarkExpiredNotified(ctx context.Context, handles []int64) error
	MarkDormantNotified(ctx context.Context, handles []int64) error
}

// BotPublisher delivers messages to the downstream bot queues.
type BotPublisher interface {
	PushToVPNBot(ctx context.Context, message any) error
	PushToVPSBot(ctx context.Context, message any) error
	PushToStat(ctx context.Context, message any) error
}

// ConversionPublisher mirrors conversions to the analytics exchange.
type ConversionPublisher interface {
	PublishConversion(ctx context.Context, c model.Conversion) error
}

// EventLog persists analytics events alongside dispatched conversions.
type EventLog interface {
	SaveTrafficThresholds(ctx context.Context, conversions []model.Conversion) error
}

type ExpirationDetector interface {
	Find(ctx context.Context) (model.ExpiringNotifications, error)
}

type ExpiredDetector interface {
	Find(ctx context.Context) (map[int64]struct{}, error)
}

type DormantDetector interface {
	Find(ctx context.Context, users []model.DirectoryUser) (map[int64]struct{}, error)
}

type TrafficDetector interface {
	Find(ctx context.Context, users []model.DirectoryUser) ([]model.Conversion, map[int64]int, error)
}

// Reconciler drives one reconciliation cycle: it sequences the detectors,
// dispatches their results and records sent notifications in the ledger.
// A failing detector yields an empty result for the pass and never blocks
// the others; a failing queue dispatch aborts the cycle after marking
// whatever was already delivered.
type Reconciler struct {
	expiration ExpirationDetector
	expired    ExpiredDetector
	dormant    DormantDetector
	traffic    TrafficDetector
	directory  Directory
	ledger     LedgerMarker
	bots       BotPublisher
	analytics  ConversionPublisher
	events     EventLog
	logger     *zap.Logger
}

func NewReconciler(
	expiration ExpirationDetector,
	expired ExpiredDetector,
	dormant DormantDetector,
	traffic TrafficDetector,
	directory Directory,
	ledger LedgerMarker,
	bots BotPublisher,
	analytics ConversionPublisher,
	events EventLog,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		expiration: expiration,
		expired:    expired,
		dormant:    dormant,
		traffic:    traffic,
		directory:  directory,
		ledger:     ledger,
		bots:       bots,
		analytics:  analytics,
		events:     events,
		logger:     logger,
	}
}

// RunCycle executes one full pass. Detector phases run strictly in
// sequence; there is no mid-cycle cancellation.
func (r *Reconciler) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		duration := time.Since(start)
		metrics.CycleDuration.Observe(duration.Seconds())
		r.logger.Info("Iteration finished", zap.Duration("duration", duration))
	}()

	if err := r.runExpirationPhase(ctx); err != nil {
		return err
	}
	if err := r.runExpiredPhase(ctx); err != nil {
		return err
	}

	users, err := r.directory.FetchAllUsers(ctx)
	if err != nil || len(users) == 0 {
		// Empty means "unknown", not "no active accounts": skip the
		// directory-driven detectors and try again next cycle.
		r.logger.Warn("Failed to fetch active users from provisioning service",
			zap.Error(err),
		)
		return nil
	}
	r.logger.Info("Fetched active users from provisioning service",
		zap.Int("count", len(users)),
	)

	if err := r.runDormantPhase(ctx, users); err != nil {
		return err
	}
	return r.runTrafficPhase(ctx, users)
}

func (r *Reconciler) runExpirationPhase(ctx context.Context) error {
	t0 := time.Now()
	expiring, err := r.expiration.Find(ctx)
	metrics.RecordDetectorDuration("subscription_expiration", time.Since(t0))
	if err != nil {
		r.logger.Error("Subscription expiration detector failed", zap.Error(err))
		return nil
	}
	r.logger.Info("Subscription expiration pass finished",
		zap.Int("one_day_left", len(expiring.OneDayLeft)),
		zap.Int("three_days_left", len(expiring.ThreeDaysLeft)),
		zap.Duration("took", time.Since(t0)),
	)

	if err := r.notifyAndMark(ctx, model.NotificationOneDayLeft, expiring.OneDayLeft, r.ledger.MarkOneDayNotified); err != nil {
		return err
	}
	return r.notifyAndMark(ctx, model.NotificationThreeDaysLeft, expiring.ThreeDaysLeft, r.ledger.MarkThreeDaysNotified)
}

func (r *Reconciler) runExpiredPhase(ctx context.Context) error {
	t0 := time.Now()
	expired, err := r.expired.Find(ctx)
	metrics.RecordDetectorDuration("expired_users", time.Since(t0))
	if err != nil {
		r.logger.Error("Expired users detector failed", zap.Error(err))
		return nil
	}
	r.logger.Info("Expired users pass finished",
		zap.Int("count", len(expired)),
		zap.Duration("took", time.Since(t0)),
	)

	return r.notifyAndMark(ctx, model.NotificationSubscriptionEnded, expired, r.ledger.MarkExpiredNotified)
}

func (r *Reconciler) runDormantPhase(ctx context.Context, users []model.DirectoryUser) error {
	t0 := time.Now()
	dormant, err := r.dormant.Find(ctx, users)
	metrics.RecordDetectorDuration("nc_users", time.Since(t0))
	if err != nil {
		r.logger.Error("Not connected users detector failed", zap.Error(err))
		return nil
	}
	r.logger.Info("Not connected users pass finished",
		zap.Int("count", len(dormant)),
		zap.Duration("took", time.Since(t0)),
	)

	return r.notifyAndMark(ctx, model.NotificationNotConnected, dormant, r.ledger.MarkDormantNotified)
}

func (r *Reconciler) runTrafficPhase(ctx context.Context, users []model.DirectoryUser) error {
	t0 := time.Now()
	conversions, bonuses, err := r.traffic.Find(ctx, users)
	metrics.RecordDetectorDuration("traffic_progress", time.Since(t0))
	if err != nil {
		r.logger.Error("Traffic progress detector failed", zap.Error(err))
		return nil
	}

	for referrerHandle, referralCount := range bonuses {
		message := model.NewReferralTrafficBonusAppliedMessage(referrerHandle, referralCount)
		if err := r.pushToBots(ctx, message); err != nil {
			r.logger.Error("Failed to dispatch bonus-applied message",
				zap.Int64("telegram_id", referrerHandle),
				zap.Error(err),
			)
			return err
		}
	}

	for _, c := range conversions {
		if err := r.bots.PushToStat(ctx, model.NewSendConversionMessage(c)); err != nil {
			r.logger.Error("Failed to dispatch conversion event",
				zap.String("username", c.Username),
				zap.Error(err),
			)
			return err
		}
		// Analytics mirror is best-effort.
		if err := r.analytics.PublishConversion(ctx, c); err != nil {
			r.logger.Warn("Failed to mirror conversion to analytics exchange",
				zap.String("username", c.Username),
				zap.Error(err),
			)
		}
	}

	if err := r.events.SaveTrafficThresholds(ctx, conversions); err != nil {
		r.logger.Error("Failed to save traffic threshold event log", zap.Error(err))
	}
	return nil
}

// notifyAndMark dispatches one notification kind and records the handles
// that were actually delivered. On dispatch failure the already delivered
// handles are still marked, then the error aborts the cycle.
func (r *Reconciler) notifyAndMark(
	ctx context.Context,
	kind model.NotificationType,
	handles map[int64]struct{},
	mark func(ctx context.Context, handles []int64) error,
) error {
	sent := make([]int64, 0, len(handles))
	var dispatchErr error

	for handle := range handles {
		message := model.NewNotificateUserMessage(kind, handle)
		if err := r.pushToBots(ctx, message); err != nil {
			dispatchErr = fmt.Errorf("dispatch %s to %d: %w", kind, handle, err)
			break
		}
		sent = append(sent, handle)
		metrics.IncrementNotificationsPublished(string(kind))
	}

	if err := mark(ctx, sent); err != nil {
		// Unmarked but sent notifications re-fire next cycle; prefer a
		// duplicate over a lost notification.
		r.logger.Error("Failed to record sent notifications in ledger",
			zap.String("type", string(kind)),
			zap.Int("handles", len(sent)),
			zap.Error(err),
		)
	}

	if dispatchErr != nil {
		r.logger.Error("Notification dispatch failed",
			zap.String("type", string(kind)),
			zap.Error(dispatchErr),
		)
		return dispatchErr
	}
	return nil
}

func (r *Reconciler) pushToBots(ctx context.Context, message any) error {
	if err := r.bots.PushToVPNBot(ctx, message); err != nil {
		return err
	}
	return r.bots.PushToVPSBot(ctx, message)
}
