package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usernotify/internal/model"
)

type fakeExpirationDetector struct {
	result model.ExpiringNotifications
	err    error
}

func (d *fakeExpirationDetector) Find(ctx context.Context) (model.ExpiringNotifications, error) {
	return d.result, d.err
}

type fakeExpiredDetector struct {
	result map[int64]struct{}
	err    error
	calls  int
}

func (d *fakeExpiredDetector) Find(ctx context.Context) (map[int64]struct{}, error) {
	d.calls++
	return d.result, d.err
}

type fakeDormantDetector struct {
	result map[int64]struct{}
	err    error
	calls  int
}

func (d *fakeDormantDetector) Find(ctx context.Context, users []model.DirectoryUser) (map[int64]struct{}, error) {
	d.calls++
	return d.result, d.err
}

type fakeTrafficDetector struct {
	conversions []model.Conversion
	bonuses     map[int64]int
	err         error
	calls       int
}

func (d *fakeTrafficDetector) Find(ctx context.Context, users []model.DirectoryUser) ([]model.Conversion, map[int64]int, error) {
	d.calls++
	return d.conversions, d.bonuses, d.err
}

type fakeLedger struct {
	oneDay    [][]int64
	threeDays [][]int64
	expired   [][]int64
	dormant   [][]int64
	err       error
}

func (l *fakeLedger) MarkOneDayNotified(ctx context.Context, handles []int64) error {
	l.oneDay = append(l.oneDay, handles)
	return l.err
}

func (l *fakeLedger) MarkThreeDaysNotified(ctx context.Context, handles []int64) error {
	l.threeDays = append(l.threeDays, handles)
	return l.err
}

func (l *fakeLedger) MarkExpiredNotified(ctx context.Context, handles []int64) error {
	l.expired = append(l.expired, handles)
	return l.err
}

func (l *fakeLedger) MarkDormantNotified(ctx context.Context, handles []int64) error {
	l.dormant = append(l.dormant, handles)
	return l.err
}

type fakeBots struct {
	vpn  []any
	vps  []any
	stat []any

	vpnErr  error
	statErr error
}

func (b *fakeBots) PushToVPNBot(ctx context.Context, message any) error {
	if b.vpnErr != nil {
		return b.vpnErr
	}
	b.vpn = append(b.vpn, message)
	return nil
}

func (b *fakeBots) PushToVPSBot(ctx context.Context, message any) error {
	b.vps = append(b.vps, message)
	return nil
}

func (b *fakeBots) PushToStat(ctx context.Context, message any) error {
	if b.statErr != nil {
		return b.statErr
	}
	b.stat = append(b.stat, message)
	return nil
}

type fakeAnalytics struct {
	published []model.Conversion
	err       error
}

func (a *fakeAnalytics) PublishConversion(ctx context.Context, c model.Conversion) error {
	if a.err != nil {
		return a.err
	}
	a.published = append(a.published, c)
	return nil
}

type fakeEventLog struct {
	saved [][]model.Conversion
	err   error
}

func (e *fakeEventLog) SaveTrafficThresholds(ctx context.Context, conversions []model.Conversion) error {
	e.saved = append(e.saved, conversions)
	return e.err
}

type reconcilerFixture struct {
	expiration *fakeExpirationDetector
	expired    *fakeExpiredDetector
	dormant    *fakeDormantDetector
	traffic    *fakeTrafficDetector
	directory  *fakeDirectory
	ledger     *fakeLedger
	bots       *fakeBots
	analytics  *fakeAnalytics
	events     *fakeEventLog
}

func newReconcilerFixture() *reconcilerFixture {
	return &reconcilerFixture{
		expiration: &fakeExpirationDetector{},
		expired:    &fakeExpiredDetector{result: map[int64]struct{}{}},
		dormant:    &fakeDormantDetector{result: map[int64]struct{}{}},
		traffic:    &fakeTrafficDetector{},
		directory:  &fakeDirectory{users: []model.DirectoryUser{{Username: "100"}}},
		ledger:     &fakeLedger{},
		bots:       &fakeBots{},
		analytics:  &fakeAnalytics{},
		events:     &fakeEventLog{},
	}
}

func (f *reconcilerFixture) build() *Reconciler {
	return NewReconciler(
		f.expiration,
		f.expired,
		f.dormant,
		f.traffic,
		f.directory,
		f.ledger,
		f.bots,
		f.analytics,
		f.events,
		zap.NewNop(),
	)
}

func TestReconcilerFullCycle(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.expiration.result = model.ExpiringNotifications{
		OneDayLeft:    map[int64]struct{}{1: {}},
		ThreeDaysLeft: map[int64]struct{}{2: {}},
	}
	f.expired.result = map[int64]struct{}{3: {}}
	f.dormant.result = map[int64]struct{}{4: {}}
	f.traffic.conversions = []model.Conversion{
		{Username: "100", Event: model.ConversionHasTraffic},
	}
	f.traffic.bonuses = map[int64]int{300: 2}

	err := f.build().RunCycle(context.Background())
	require.NoError(t, err)

	// Four notifications plus one bonus message, each fanned out to both bots.
	assert.Len(t, f.bots.vpn, 5)
	assert.Len(t, f.bots.vps, 5)
	assert.Contains(t, f.bots.vpn, model.NewNotificateUserMessage(model.NotificationOneDayLeft, 1))
	assert.Contains(t, f.bots.vpn, model.NewNotificateUserMessage(model.NotificationThreeDaysLeft, 2))
	assert.Contains(t, f.bots.vpn, model.NewNotificateUserMessage(model.NotificationSubscriptionEnded, 3))
	assert.Contains(t, f.bots.vpn, model.NewNotificateUserMessage(model.NotificationNotConnected, 4))
	assert.Contains(t, f.bots.vpn, model.NewReferralTrafficBonusAppliedMessage(300, 2))

	assert.Equal(t, [][]int64{{1}}, f.ledger.oneDay)
	assert.Equal(t, [][]int64{{2}}, f.ledger.threeDays)
	assert.Equal(t, [][]int64{{3}}, f.ledger.expired)
	assert.Equal(t, [][]int64{{4}}, f.ledger.dormant)

	require.Len(t, f.bots.stat, 1)
	assert.Equal(t, model.NewSendConversionMessage(f.traffic.conversions[0]), f.bots.stat[0])
	assert.Equal(t, f.traffic.conversions, f.analytics.published)
	assert.Equal(t, [][]model.Conversion{f.traffic.conversions}, f.events.saved)
}

func TestReconcilerSkipsDirectoryPhasesOnEmptyFetch(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.directory.users = nil

	err := f.build().RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.expired.calls)
	assert.Zero(t, f.dormant.calls)
	assert.Zero(t, f.traffic.calls)
}

func TestReconcilerSkipsDirectoryPhasesOnFetchError(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.directory.fetchErr = errors.New("rwms down")

	err := f.build().RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, f.dormant.calls)
	assert.Zero(t, f.traffic.calls)
}

func TestReconcilerDispatchFailureMarksDeliveredAndAborts(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.expiration.result = model.ExpiringNotifications{
		OneDayLeft: map[int64]struct{}{1: {}},
	}
	f.bots.vpnErr = errors.New("queue unreachable")

	err := f.build().RunCycle(context.Background())
	require.Error(t, err)

	// Nothing delivered, so the ledger is written with an empty batch and
	// the cycle stops before the expired phase.
	assert.Equal(t, [][]int64{{}}, f.ledger.oneDay)
	assert.Zero(t, f.expired.calls)
}

func TestReconcilerDetectorFailureIsolatesPhase(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.expiration.err = errors.New("db timeout")
	f.expired.result = map[int64]struct{}{3: {}}

	err := f.build().RunCycle(context.Background())
	require.NoError(t, err)

	// The expiration phase yields nothing, the rest still runs.
	assert.Empty(t, f.ledger.oneDay)
	assert.Equal(t, [][]int64{{3}}, f.ledger.expired)
	assert.Equal(t, 1, f.traffic.calls)
}

func TestReconcilerLedgerFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.expiration.result = model.ExpiringNotifications{
		OneDayLeft: map[int64]struct{}{1: {}},
	}
	f.ledger.err = errors.New("ledger write failed")

	err := f.build().RunCycle(context.Background())
	require.NoError(t, err)

	// Notifications went out even though recording them failed.
	assert.NotEmpty(t, f.bots.vpn)
	assert.Equal(t, 1, f.traffic.calls)
}

func TestReconcilerAnalyticsMirrorIsBestEffort(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.traffic.conversions = []model.Conversion{
		{Username: "100", Event: model.ConversionHasTraffic},
	}
	f.analytics.err = errors.New("amqp closed")

	err := f.build().RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.bots.stat, 1)
	assert.Equal(t, [][]model.Conversion{f.traffic.conversions}, f.events.saved)
}

func TestReconcilerStatDispatchFailureAborts(t *testing.T) {
	t.Parallel()

	f := newReconcilerFixture()
	f.traffic.conversions = []model.Conversion{
		{Username: "100", Event: model.ConversionHasTraffic},
	}
	f.bots.statErr = errors.New("queue unreachable")

	err := f.build().RunCycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.events.saved)
}
