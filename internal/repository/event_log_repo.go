package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"usernotify/internal/model"
)

const eventTypeTrafficThresholdReached = "traffic-threshold-reached"

// EventLogRepo appends analytics events to the event_logs table.
type EventLogRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewEventLogRepo(db *pgxpool.Pool, logger *zap.Logger) *EventLogRepo {
	return &EventLogRepo{
		db:     db,
		logger: logger,
	}
}

// SaveTrafficThresholds writes one traffic-threshold-reached event per
// conversion in a single transaction. Conversions for unknown usernames
// are logged and skipped.
func (r *EventLogRepo) SaveTrafficThresholds(ctx context.Context, conversions []model.Conversion) error {
	if len(conversions) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin event log write: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range conversions {
		payload, err := json.Marshal(map[string]any{
			"event_type": eventTypeTrafficThresholdReached,
			"threshold":  thresholdForEvent(c.Event),
		})
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
            INSERT INTO event_logs (user_id, event_type, event_payload)
            SELECT id, $2, $3 FROM users WHERE username = $1
        `, c.Username, eventTypeTrafficThresholdReached, payload)
		if err != nil {
			return fmt.Errorf("insert event log for %s: %w", c.Username, err)
		}
		if tag.RowsAffected() == 0 {
			r.logger.Error("No local user found for conversion event",
				zap.String("username", c.Username),
				zap.String("event", string(c.Event)),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event log write: %w", err)
	}
	return nil
}

func thresholdForEvent(event model.ConversionEvent) int {
	switch event {
	case model.ConversionHasTrafficMoreThan5MB:
		return 5
	case model.ConversionHasTrafficOver100MB:
		return 100
	default:
		return 0
	}
}
