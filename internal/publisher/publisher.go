package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"usernotify/internal/model"
	"usernotify/pkg/mq"
)

const (
	QueueVPNBot = "monkey-island-vpn-bot"
	QueueVPSBot = "monkey-island-vps-bot"
	QueueYmStat = "monkey-island-ym-stat"
)

// RedisPublisher pushes JSON messages onto the downstream bot queues.
// Delivery is at-least-once; deduplication lives in the notification ledger.
type RedisPublisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisPublisher(rdb *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:    rdb,
		logger: logger,
	}
}

func (p *RedisPublisher) PushToVPNBot(ctx context.Context, message any) error {
	return p.push(ctx, QueueVPNBot, message)
}

func (p *RedisPublisher) PushToVPSBot(ctx context.Context, message any) error {
	return p.push(ctx, QueueVPSBot, message)
}

func (p *RedisPublisher) PushToStat(ctx context.Context, message any) error {
	return p.push(ctx, QueueYmStat, message)
}

func (p *RedisPublisher) push(ctx context.Context, queue string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}

	if err := p.rdb.RPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("push message to %s: %w", queue, err)
	}

	p.logger.Debug("Message pushed",
		zap.String("queue", queue),
		zap.ByteString("body", body),
	)
	return nil
}

const conversionRoutingKey = "conversion.traffic"

// AnalyticsPublisher mirrors traffic conversions to the events exchange for
// analytics consumers. Best-effort: the coordinator logs failures and moves on.
type AnalyticsPublisher struct {
	mq     *mq.Publisher
	logger *zap.Logger
}

func NewAnalyticsPublisher(publisher *mq.Publisher, logger *zap.Logger) *AnalyticsPublisher {
	return &AnalyticsPublisher{
		mq:     publisher,
		logger: logger,
	}
}

func (p *AnalyticsPublisher) PublishConversion(ctx context.Context, c model.Conversion) error {
	payload := map[string]any{
		"client_id": c.Username,
		"event":     string(c.Event),
	}
	if err := p.mq.Publish(ctx, conversionRoutingKey, payload); err != nil {
		return fmt.Errorf("publish conversion event: %w", err)
	}

	p.logger.Debug("Published conversion event",
		zap.String("client_id", c.Username),
		zap.String("event", string(c.Event)),
	)
	return nil
}
