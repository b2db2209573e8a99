package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"usernotify/internal/model"
)

// TrafficRepo owns the user_traffic_progress table, referral bonus rows
// and the local subscription-extension update.
type TrafficRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTrafficRepo(db *pgxpool.Pool, logger *zap.Logger) *TrafficRepo {
	return &TrafficRepo{
		db:     db,
		logger: logger,
	}
}

// SeedProgress backfills a progress row for every directory account that
// lacks one, with flags precomputed from current lifetime traffic so the
// first delta pass does not flood milestone events. Existing rows are
// left untouched.
func (r *TrafficRepo) SeedProgress(ctx context.Context, users []model.DirectoryUser) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin progress seed: %w", err)
	}
	defer tx.Rollback(ctx)

	seeded := 0
	for _, user := range users {
		telegramID, err := strconv.ParseInt(user.Username, 10, 64)
		if err != nil {
			r.logger.Warn("Skipping progress seed for non-numeric username",
				zap.String("username", user.Username),
			)
			continue
		}

		traffic := user.LifetimeUsedTrafficBytes
		_, err = tx.Exec(ctx, `
            INSERT INTO user_traffic_progress (user_id, passed_0, passed_5mb, passed_100mb)
            SELECT id, $2, $3, $4 FROM users WHERE telegram_id = $1
            ON CONFLICT (user_id) DO NOTHING
        `, telegramID, traffic > 0, traffic > model.K5MB, traffic > model.K100MB)
		if err != nil {
			return fmt.Errorf("seed progress for %s: %w", user.Username, err)
		}
		seeded++
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit progress seed: %w", err)
	}

	r.logger.Info("Synchronized user_traffic_progress table",
		zap.Int("accounts", seeded),
	)
	return nil
}

// ProgressByUsername returns persisted milestone progress keyed by username.
func (r *TrafficRepo) ProgressByUsername(ctx context.Context) (map[string]model.TrafficProgress, error) {
	rows, err := r.db.Query(ctx, `
        SELECT u.username, p.user_id, p.passed_0, p.passed_5mb, p.passed_100mb
        FROM user_traffic_progress p
        JOIN users u ON u.id = p.user_id
    `)
	if err != nil {
		return nil, fmt.Errorf("select traffic progress: %w", err)
	}
	defer rows.Close()

	progress := make(map[string]model.TrafficProgress)
	for rows.Next() {
		var username string
		var p model.TrafficProgress
		if err := rows.Scan(&username, &p.UserID, &p.PassedFirstByte, &p.Passed5MB, &p.Passed100MB); err != nil {
			return nil, err
		}
		progress[username] = p
	}
	return progress, rows.Err()
}

// ReferralCandidates returns, among the given user ids, the standard-type
// referrals that have a referrer.
func (r *TrafficRepo) ReferralCandidates(ctx context.Context, userIDs []int64) ([]model.ReferralLink, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
        SELECT id, referred_by_id FROM users
        WHERE id = ANY($1)
          AND referral_type = $2
          AND referred_by_id IS NOT NULL
    `, userIDs, string(model.ReferralTypeStandard))
	if err != nil {
		return nil, fmt.Errorf("select referral candidates: %w", err)
	}
	defer rows.Close()

	var links []model.ReferralLink
	for rows.Next() {
		var link model.ReferralLink
		if err := rows.Scan(&link.ReferralID, &link.ReferrerID); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// ReferralsWithTrafficBonus returns referral ids that already hold a
// traffic-type bonus. A referral triggers its referrer's bonus at most once.
func (r *TrafficRepo) ReferralsWithTrafficBonus(ctx context.Context, referralIDs []int64) (map[int64]struct{}, error) {
	if len(referralIDs) == 0 {
		return map[int64]struct{}{}, nil
	}
	rows, err := r.db.Query(ctx, `
        SELECT referral_id FROM referral_bonuses
        WHERE referral_id = ANY($1)
          AND bonus_type = $2
    `, referralIDs, string(model.BonusTypeTraffic))
	if err != nil {
		return nil, fmt.Errorf("select existing traffic bonuses: %w", err)
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// Referrers resolves referrer accounts by local id.
func (r *TrafficRepo) Referrers(ctx context.Context, referrerIDs []int64) (map[int64]model.Referrer, error) {
	if len(referrerIDs) == 0 {
		return map[int64]model.Referrer{}, nil
	}
	rows, err := r.db.Query(ctx, `
        SELECT id, username, telegram_id FROM users
        WHERE id = ANY($1)
    `, referrerIDs)
	if err != nil {
		return nil, fmt.Errorf("select referrers: %w", err)
	}
	defer rows.Close()

	referrers := make(map[int64]model.Referrer)
	for rows.Next() {
		var ref model.Referrer
		if err := rows.Scan(&ref.ID, &ref.Username, &ref.TelegramID); err != nil {
			return nil, err
		}
		referrers[ref.ID] = ref
	}
	return referrers, rows.Err()
}

// CommitPass applies all milestone flag updates, referral bonus inserts and
// local subscription extensions of one detector pass as a single transaction.
// Updates are applied in threshold order so the flag prefix stays consistent.
func (r *TrafficRepo) CommitPass(
	ctx context.Context,
	updates []model.ProgressUpdate,
	bonuses []model.ReferralBonus,
	extensions []model.SubscriptionExtension,
) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin traffic pass commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, update := range updates {
		column, err := progressColumn(update.Milestone)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`UPDATE user_traffic_progress SET %s = true WHERE user_id = $1`, column)
		if _, err := tx.Exec(ctx, query, update.UserID); err != nil {
			return fmt.Errorf("update progress for user %d: %w", update.UserID, err)
		}
	}

	for _, bonus := range bonuses {
		_, err := tx.Exec(ctx, `
            INSERT INTO referral_bonuses (referral_id, referrer_id, bonus_type, days_added)
            VALUES ($1, $2, $3, $4)
        `, bonus.ReferralID, bonus.ReferrerID, string(bonus.BonusType), bonus.DaysAdded)
		if err != nil {
			return fmt.Errorf("insert referral bonus for referral %d: %w", bonus.ReferralID, err)
		}
	}

	for _, ext := range extensions {
		// Stale past expiry must not compound: extend from now instead.
		_, err := tx.Exec(ctx, `
            UPDATE users SET expire_at =
                CASE
                    WHEN expire_at > (NOW() AT TIME ZONE 'UTC') THEN expire_at + make_interval(days => $2)
                    ELSE (NOW() AT TIME ZONE 'UTC') + make_interval(days => $2)
                END
            WHERE username = $1
        `, ext.Username, ext.Days)
		if err != nil {
			return fmt.Errorf("extend subscription for %s: %w", ext.Username, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit traffic pass: %w", err)
	}
	return nil
}

func progressColumn(m model.Milestone) (string, error) {
	switch m {
	case model.MilestoneFirstByte:
		return "passed_0", nil
	case model.Milestone5MB:
		return "passed_5mb", nil
	case model.Milestone100MB:
		return "passed_100mb", nil
	default:
		return "", fmt.Errorf("unknown milestone %q", m)
	}
}
