package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usernotify/internal/model"
)

type fakeDormantStore struct {
	notified map[int64]struct{}
	err      error
}

func (s *fakeDormantStore) DormantNotified(ctx context.Context) (map[int64]struct{}, error) {
	return s.notified, s.err
}

func timePtr(t time.Time) *time.Time { return &t }

func TestDormantFinderMatchesCalendarYesterday(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	users := []model.DirectoryUser{
		// Created 23:59 yesterday: just over 9 hours ago, still qualifies.
		{Username: "100", CreatedAt: timePtr(time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC))},
		// Created early yesterday.
		{Username: "101", CreatedAt: timePtr(time.Date(2026, 3, 9, 0, 30, 0, 0, time.UTC))},
		// Created today: too fresh.
		{Username: "102", CreatedAt: timePtr(time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC))},
		// Created two days ago: too old.
		{Username: "103", CreatedAt: timePtr(time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC))},
	}

	finder := NewDormantFinder(&fakeDormantStore{notified: map[int64]struct{}{}}, zap.NewNop())
	finder.now = func() time.Time { return now }

	result, err := finder.Find(context.Background(), users)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{100: {}, 101: {}}, result)
}

func TestDormantFinderSkipsUsersWithTraffic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	yesterday := timePtr(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
	users := []model.DirectoryUser{
		{Username: "100", CreatedAt: yesterday, LifetimeUsedTrafficBytes: 1},
		{Username: "101", CreatedAt: yesterday, LifetimeUsedTrafficBytes: 0},
	}

	finder := NewDormantFinder(&fakeDormantStore{notified: map[int64]struct{}{}}, zap.NewNop())
	finder.now = func() time.Time { return now }

	result, err := finder.Find(context.Background(), users)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{101: {}}, result)
}

func TestDormantFinderSkipsMalformedAndNotified(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	yesterday := timePtr(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
	users := []model.DirectoryUser{
		{Username: "not-a-handle", CreatedAt: yesterday},
		{Username: "100", CreatedAt: nil},
		{Username: "101", CreatedAt: yesterday}, // already notified
		{Username: "102", CreatedAt: yesterday},
	}

	finder := NewDormantFinder(&fakeDormantStore{notified: map[int64]struct{}{101: {}}}, zap.NewNop())
	finder.now = func() time.Time { return now }

	result, err := finder.Find(context.Background(), users)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{102: {}}, result)
}

func TestDormantFinderStoreError(t *testing.T) {
	t.Parallel()

	finder := NewDormantFinder(&fakeDormantStore{err: errors.New("boom")}, zap.NewNop())

	result, err := finder.Find(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestCreatedExactlyYesterdayCrossesTimezones(t *testing.T) {
	t.Parallel()

	// 2026-03-10 01:00 MSK is 2026-03-09 22:00 UTC; the comparison is in UTC.
	msk := time.FixedZone("MSK", 3*60*60)
	created := time.Date(2026, 3, 10, 1, 0, 0, 0, msk)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.True(t, createdExactlyYesterday(created, now))
}
