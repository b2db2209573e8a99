package model

const (
	K5MB   = 5 << 20
	K100MB = 100 << 20
)

type Milestone string

const (
	MilestoneFirstByte Milestone = "first-byte"
	Milestone5MB       Milestone = "5mb"
	Milestone100MB     Milestone = "100mb"
)

type ConversionEvent string

const (
	ConversionHasTraffic            ConversionEvent = "HAS_TRAFFIC"
	ConversionHasTrafficMoreThan5MB ConversionEvent = "HAS_TRAFFIC_MORE_THAN_5MB"
	ConversionHasTrafficOver100MB   ConversionEvent = "HAS_TRAFFIC_MORE_THAN_100MB"
)

// Conversion is one milestone crossing observed during a detector pass.
type Conversion struct {
	Username string
	Event    ConversionEvent
}

// TrafficProgress is the persisted per-account milestone state.
// Flags are monotonic: once set they are never reset.
type TrafficProgress struct {
	UserID          int64
	PassedFirstByte bool
	Passed5MB       bool
	Passed100MB     bool
}

// ProgressUpdate schedules one milestone flag to be set.
type ProgressUpdate struct {
	UserID    int64
	Milestone Milestone
}

type BonusType string

const BonusTypeTraffic BonusType = "traffic"

// ReferralBonusDays is granted to the referrer for every referral that
// crosses the 100 MB milestone.
const ReferralBonusDays = 10

type ReferralBonus struct {
	ReferralID int64
	ReferrerID int64
	BonusType  BonusType
	DaysAdded  int
}

// ReferralLink pairs a referral with its referrer, both local user ids.
type ReferralLink struct {
	ReferralID int64
	ReferrerID int64
}

// Referrer identifies a referrer account for bonus accrual.
type Referrer struct {
	ID         int64
	Username   string
	TelegramID int64
}

// SubscriptionExtension extends a local subscription expiry by a number
// of days within the pass transaction.
type SubscriptionExtension struct {
	Username string
	Days     int
}
