package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"usernotify/internal/model"
	"usernotify/pkg/metrics"
)

// TrafficStore persists milestone progress and the referral bonus ledger.
type TrafficStore interface {
	SeedProgress(ctx context.Context, users []model.DirectoryUser) error
	ProgressByUsername(ctx context.Context) (map[string]model.TrafficProgress, error)
	ReferralCandidates(ctx context.Context, userIDs []int64) ([]model.ReferralLink, error)
	ReferralsWithTrafficBonus(ctx context.Context, referralIDs []int64) (map[int64]struct{}, error)
	Referrers(ctx context.Context, referrerIDs []int64) (map[int64]model.Referrer, error)
	CommitPass(
		ctx context.Context,
		updates []model.ProgressUpdate,
		bonuses []model.ReferralBonus,
		extensions []model.SubscriptionExtension,
	) error
}

// Directory is the remote provisioning service.
type Directory interface {
	FetchAllUsers(ctx context.Context) ([]model.DirectoryUser, error)
	GetUserByUsername(ctx context.Context, username string) (*model.DirectoryUser, error)
	UpdateUser(ctx context.Context, req model.UpdateUserRequest) error
}

// TrafficWatcher detects traffic milestone crossings and cascades referral
// bonuses to referrers when a referral crosses 100 MB.
//
// All flag updates and bonus inserts of one pass commit as a single
// transaction. The provisioning-service subscription push happens after
// that commit against a different system: when it fails, the local ledger
// shows a bonus that was never applied externally. That gap is logged
// loudly, not silently resolved.
type TrafficWatcher struct {
	store     TrafficStore
	directory Directory
	logger    *zap.Logger
	now       func() time.Time

	// syncProgress triggers the one-time progress backfill and is consumed
	// after the first successful seed. The seed itself is idempotent, so
	// re-enabling the flag later is always safe.
	syncProgress bool
}

func NewTrafficWatcher(store TrafficStore, directory Directory, syncProgress bool, logger *zap.Logger) *TrafficWatcher {
	return &TrafficWatcher{
		store:        store,
		directory:    directory,
		logger:       logger,
		now:          time.Now,
		syncProgress: syncProgress,
	}
}

// Find returns milestone conversions in threshold order plus, per referrer
// handle, the number of their referrals that crossed 100 MB this pass.
func (w *TrafficWatcher) Find(ctx context.Context, users []model.DirectoryUser) ([]model.Conversion, map[int64]int, error) {
	w.logger.Info("Searching user traffic progress")

	if w.syncProgress {
		if err := w.store.SeedProgress(ctx, users); err != nil {
			return nil, nil, fmt.Errorf("seed traffic progress: %w", err)
		}
		w.syncProgress = false
	}

	progress, err := w.store.ProgressByUsername(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load traffic progress: %w", err)
	}

	updates, conversions, crossed100 := computeDelta(users, progress)

	bonuses, extensions, pushes, counts, err := w.evaluateBonuses(ctx, crossed100)
	if err != nil {
		return nil, nil, err
	}

	if err := w.store.CommitPass(ctx, updates, bonuses, extensions); err != nil {
		return nil, nil, fmt.Errorf("commit traffic pass: %w", err)
	}

	// External pushes only after the local commit succeeded.
	for _, push := range pushes {
		if err := w.directory.UpdateUser(ctx, push); err != nil {
			w.logger.Error("Bonus recorded locally but provisioning update failed",
				zap.String("uuid", push.UUID),
				zap.Time("expire_at", push.ExpireAt),
				zap.Error(err),
			)
		}
	}

	w.logger.Info("Traffic progress pass finished",
		zap.Int("flag_updates", len(updates)),
		zap.Int("conversions", len(conversions)),
		zap.Int("bonuses_granted", len(bonuses)),
	)
	return conversions, counts, nil
}

// computeDelta joins the observed population with persisted progress and
// emits one event per newly crossed threshold, in threshold order, so a
// single pass can fire first-byte, 5 MB and 100 MB for one account while
// keeping the flag prefix consistent. Accounts without a progress row are
// skipped; the bootstrap seed picks them up.
func computeDelta(
	users []model.DirectoryUser,
	progress map[string]model.TrafficProgress,
) (updates []model.ProgressUpdate, conversions []model.Conversion, crossed100 []int64) {
	for _, user := range users {
		p, ok := progress[user.Username]
		if !ok {
			continue
		}
		traffic := user.LifetimeUsedTrafficBytes

		if traffic > 0 && !p.PassedFirstByte {
			updates = append(updates, model.ProgressUpdate{UserID: p.UserID, Milestone: model.MilestoneFirstByte})
			conversions = append(conversions, model.Conversion{Username: user.Username, Event: model.ConversionHasTraffic})
		}
		if traffic > model.K5MB && !p.Passed5MB {
			updates = append(updates, model.ProgressUpdate{UserID: p.UserID, Milestone: model.Milestone5MB})
			conversions = append(conversions, model.Conversion{Username: user.Username, Event: model.ConversionHasTrafficMoreThan5MB})
		}
		if traffic > model.K100MB && !p.Passed100MB {
			crossed100 = append(crossed100, p.UserID)
			updates = append(updates, model.ProgressUpdate{UserID: p.UserID, Milestone: model.Milestone100MB})
			conversions = append(conversions, model.Conversion{Username: user.Username, Event: model.ConversionHasTrafficOver100MB})
		}
	}
	return updates, conversions, crossed100
}

// evaluateBonuses restricts the 100 MB crossers to standard referrals with
// a referrer and no prior traffic bonus, groups them by referrer and builds
// the bonus rows, the local expiry extension and the provisioning-service
// push for each referrer. A referrer that cannot be resolved remotely is
// skipped entirely: no partial credit.
func (w *TrafficWatcher) evaluateBonuses(ctx context.Context, crossed100 []int64) (
	bonuses []model.ReferralBonus,
	extensions []model.SubscriptionExtension,
	pushes []model.UpdateUserRequest,
	counts map[int64]int,
	err error,
) {
	counts = make(map[int64]int)
	if len(crossed100) == 0 {
		return nil, nil, nil, counts, nil
	}

	links, err := w.store.ReferralCandidates(ctx, crossed100)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("referral candidates: %w", err)
	}
	if len(links) == 0 {
		return nil, nil, nil, counts, nil
	}

	referralIDs := make([]int64, 0, len(links))
	for _, link := range links {
		referralIDs = append(referralIDs, link.ReferralID)
	}

	existing, err := w.store.ReferralsWithTrafficBonus(ctx, referralIDs)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("existing traffic bonuses: %w", err)
	}

	byReferrer := make(map[int64][]int64)
	for _, link := range links {
		if _, granted := existing[link.ReferralID]; granted {
			continue
		}
		byReferrer[link.ReferrerID] = append(byReferrer[link.ReferrerID], link.ReferralID)
	}
	if len(byReferrer) == 0 {
		return nil, nil, nil, counts, nil
	}

	referrerIDs := make([]int64, 0, len(byReferrer))
	for id := range byReferrer {
		referrerIDs = append(referrerIDs, id)
	}
	referrers, err := w.store.Referrers(ctx, referrerIDs)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resolve referrers: %w", err)
	}

	for referrerID, referrals := range byReferrer {
		referrer, ok := referrers[referrerID]
		if !ok {
			w.logger.Warn("Referrer not found locally", zap.Int64("referrer_id", referrerID))
			continue
		}

		sub, err := w.directory.GetUserByUsername(ctx, referrer.Username)
		if err != nil {
			w.logger.Warn("Failed to look up referrer subscription",
				zap.String("username", referrer.Username),
				zap.Error(err),
			)
			continue
		}
		if sub == nil {
			w.logger.Warn("No provisioning subscription for referrer",
				zap.String("username", referrer.Username),
			)
			continue
		}

		for _, referralID := range referrals {
			bonuses = append(bonuses, model.ReferralBonus{
				ReferralID: referralID,
				ReferrerID: referrerID,
				BonusType:  model.BonusTypeTraffic,
				DaysAdded:  model.ReferralBonusDays,
			})
			counts[referrer.TelegramID]++
			metrics.ReferralBonusesGranted.Inc()
		}

		totalDays := len(referrals) * model.ReferralBonusDays
		extensions = append(extensions, model.SubscriptionExtension{
			Username: referrer.Username,
			Days:     totalDays,
		})
		pushes = append(pushes, w.buildSubscriptionPush(sub, totalDays))
	}

	return bonuses, extensions, pushes, counts, nil
}

// buildSubscriptionPush computes the referrer's new expiry the same way the
// local conditional update does: a stale past expiry extends from now.
func (w *TrafficWatcher) buildSubscriptionPush(sub *model.DirectoryUser, days int) model.UpdateUserRequest {
	now := w.now().UTC()
	interval := time.Duration(days) * 24 * time.Hour

	var newExpire time.Time
	if sub.ExpireAt == nil || sub.ExpireAt.Before(now) {
		newExpire = now.Add(interval)
	} else {
		newExpire = sub.ExpireAt.Add(interval)
	}

	squads := make([]string, 0, len(sub.ActiveInternalSquads))
	for _, squad := range sub.ActiveInternalSquads {
		squads = append(squads, squad.UUID)
	}

	return model.UpdateUserRequest{
		UUID:                 sub.UUID,
		ExpireAt:             newExpire.UTC(),
		Status:               model.UserStatusActive,
		TrafficLimitStrategy: model.TrafficLimitStrategyNoReset,
		ActiveInternalSquads: squads,
	}
}
