package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"usernotify/internal/model"
)

// LedgerRepo owns the per-kind notification ledger tables:
// extend_subscription_notifications, expired_users_notifications and
// nc_users_notifications.
type LedgerRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewLedgerRepo(db *pgxpool.Pool, logger *zap.Logger) *LedgerRepo {
	return &LedgerRepo{
		db:     db,
		logger: logger,
	}
}

// ExpirationSnapshot prunes stale expiring-soon ledger rows and reads the
// detector inputs in one transaction, so candidates are never computed
// against pre-prune ledger state.
func (r *LedgerRepo) ExpirationSnapshot(ctx context.Context) (model.ExpirationSnapshot, error) {
	snapshot := model.ExpirationSnapshot{
		Notified:  make(map[int64]model.ExpirationNotified),
		Recurring: make(map[int64]struct{}),
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return snapshot, fmt.Errorf("begin expiration snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	pruned, err := tx.Exec(ctx, `
        DELETE FROM extend_subscription_notifications
        WHERE user_id IN (
            SELECT id FROM users
            WHERE expire_at IS NOT NULL
              AND expire_at - NOW() > INTERVAL '3 days'
        )
    `)
	if err != nil {
		return snapshot, fmt.Errorf("prune expiring-soon ledger: %w", err)
	}
	if pruned.RowsAffected() > 0 {
		r.logger.Info("Pruned stale expiring-soon ledger rows",
			zap.Int64("count", pruned.RowsAffected()),
		)
	}

	// Coarse prefilter; precise window bucketing happens in the detector.
	rows, err := tx.Query(ctx, `
        SELECT telegram_id, expire_at FROM users
        WHERE expire_at IS NOT NULL
          AND expire_at - NOW() > INTERVAL '0 seconds'
          AND expire_at - NOW() <= INTERVAL '3 days'
    `)
	if err != nil {
		return snapshot, fmt.Errorf("select expiring users: %w", err)
	}
	for rows.Next() {
		var acc model.ExpiringAccount
		if err := rows.Scan(&acc.TelegramID, &acc.ExpireAt); err != nil {
			rows.Close()
			return snapshot, err
		}
		snapshot.Expiring = append(snapshot.Expiring, acc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snapshot, err
	}

	rows, err = tx.Query(ctx, `
        SELECT u.telegram_id, esn.one_day_before, esn.three_days_before
        FROM extend_subscription_notifications esn
        JOIN users u ON u.id = esn.user_id
    `)
	if err != nil {
		return snapshot, fmt.Errorf("select notified flags: %w", err)
	}
	for rows.Next() {
		var telegramID int64
		var flags model.ExpirationNotified
		if err := rows.Scan(&telegramID, &flags.OneDayBefore, &flags.ThreeDaysBefore); err != nil {
			rows.Close()
			return snapshot, err
		}
		snapshot.Notified[telegramID] = flags
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snapshot, err
	}

	recurring, err := r.scanHandles(ctx, tx, `
        SELECT u.telegram_id
        FROM users u
        JOIN yk_recurrent_payments p ON u.id = p.user_id
    `)
	if err != nil {
		return snapshot, fmt.Errorf("select recurrent payments: %w", err)
	}
	snapshot.Recurring = recurring

	if err := tx.Commit(ctx); err != nil {
		return snapshot, fmt.Errorf("commit expiration snapshot: %w", err)
	}
	return snapshot, nil
}

// ExpiredSnapshot clears expired-ledger rows for accounts that were renewed
// after expiring, then reads expired and already-notified handles, all in
// one transaction.
func (r *LedgerRepo) ExpiredSnapshot(ctx context.Context) (model.ExpiredSnapshot, error) {
	snapshot := model.ExpiredSnapshot{
		Expired:  make(map[int64]struct{}),
		Notified: make(map[int64]struct{}),
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return snapshot, fmt.Errorf("begin expired snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	pruned, err := tx.Exec(ctx, `
        DELETE FROM expired_users_notifications
        WHERE user_id IN (
            SELECT id FROM users
            WHERE expire_at IS NOT NULL
              AND expire_at - NOW() > INTERVAL '0 seconds'
        )
    `)
	if err != nil {
		return snapshot, fmt.Errorf("prune expired ledger: %w", err)
	}
	if pruned.RowsAffected() > 0 {
		r.logger.Info("Pruned expired ledger rows for renewed subscriptions",
			zap.Int64("count", pruned.RowsAffected()),
		)
	}

	expired, err := r.scanHandles(ctx, tx, `
        SELECT telegram_id FROM users
        WHERE expire_at IS NOT NULL
          AND NOW() - expire_at >= INTERVAL '0 seconds'
    `)
	if err != nil {
		return snapshot, fmt.Errorf("select expired users: %w", err)
	}
	snapshot.Expired = expired

	notified, err := r.scanHandles(ctx, tx, `
        SELECT u.telegram_id
        FROM expired_users_notifications n
        JOIN users u ON u.id = n.user_id
    `)
	if err != nil {
		return snapshot, fmt.Errorf("select notified expired users: %w", err)
	}
	snapshot.Notified = notified

	if err := tx.Commit(ctx); err != nil {
		return snapshot, fmt.Errorf("commit expired snapshot: %w", err)
	}
	return snapshot, nil
}

// DormantNotified returns handles already notified as created-but-unused.
func (r *LedgerRepo) DormantNotified(ctx context.Context) (map[int64]struct{}, error) {
	return r.scanHandles(ctx, r.db, `
        SELECT u.telegram_id
        FROM nc_users_notifications n
        JOIN users u ON u.id = n.user_id
    `)
}

// MarkOneDayNotified records that 1-day-left notifications went out.
// Called by the coordinator only after a successful dispatch.
func (r *LedgerRepo) MarkOneDayNotified(ctx context.Context, handles []int64) error {
	if len(handles) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO extend_subscription_notifications (user_id, one_day_before, three_days_before)
        SELECT id, true, false FROM users WHERE telegram_id = ANY($1)
        ON CONFLICT (user_id) DO UPDATE SET one_day_before = true
    `, handles)
	if err != nil {
		return fmt.Errorf("mark 1-day notified: %w", err)
	}
	return nil
}

// MarkThreeDaysNotified records that 3-days-left notifications went out.
func (r *LedgerRepo) MarkThreeDaysNotified(ctx context.Context, handles []int64) error {
	if len(handles) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO extend_subscription_notifications (user_id, one_day_before, three_days_before)
        SELECT id, false, true FROM users WHERE telegram_id = ANY($1)
        ON CONFLICT (user_id) DO UPDATE SET three_days_before = true
    `, handles)
	if err != nil {
		return fmt.Errorf("mark 3-days notified: %w", err)
	}
	return nil
}

// MarkExpiredNotified records that subscription-expired notifications went out.
func (r *LedgerRepo) MarkExpiredNotified(ctx context.Context, handles []int64) error {
	if len(handles) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO expired_users_notifications (user_id)
        SELECT id FROM users WHERE telegram_id = ANY($1)
        ON CONFLICT (user_id) DO NOTHING
    `, handles)
	if err != nil {
		return fmt.Errorf("mark expired notified: %w", err)
	}
	return nil
}

// MarkDormantNotified records that created-but-unused notifications went out.
func (r *LedgerRepo) MarkDormantNotified(ctx context.Context, handles []int64) error {
	if len(handles) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO nc_users_notifications (user_id)
        SELECT id FROM users WHERE telegram_id = ANY($1)
        ON CONFLICT (user_id) DO NOTHING
    `, handles)
	if err != nil {
		return fmt.Errorf("mark dormant notified: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *LedgerRepo) scanHandles(ctx context.Context, q querier, sql string) (map[int64]struct{}, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	handles := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		handles[id] = struct{}{}
	}
	return handles, rows.Err()
}
