package model

import "time"

type ReferralType string

const (
	ReferralTypeNone     ReferralType = "none"
	ReferralTypeStandard ReferralType = "standard"
)

// DirectoryUser is an account as reported by the provisioning service.
// Username carries the numeric notification handle as a string.
type DirectoryUser struct {
	UUID                     string     `json:"uuid"`
	Username                 string     `json:"username"`
	Status                   string     `json:"status"`
	ExpireAt                 *time.Time `json:"expire_at"`
	CreatedAt                *time.Time `json:"created_at"`
	LifetimeUsedTrafficBytes int64      `json:"lifetime_used_traffic_bytes"`
	ActiveInternalSquads     []Squad    `json:"active_internal_squads"`
}

type Squad struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// UpdateUserRequest pushes a recomputed subscription state to the
// provisioning service. Always "set to computed value", never "increment".
type UpdateUserRequest struct {
	UUID                 string    `json:"uuid"`
	ExpireAt             time.Time `json:"expire_at"`
	Status               string    `json:"status"`
	TrafficLimitStrategy string    `json:"traffic_limit_strategy"`
	ActiveInternalSquads []string  `json:"active_internal_squads"`
}

const (
	UserStatusActive            = "ACTIVE"
	TrafficLimitStrategyNoReset = "NO_RESET"
)

// ExpiringAccount is a store row inside the 3-day expiration prefilter window.
type ExpiringAccount struct {
	TelegramID int64
	ExpireAt   time.Time
}

// ExpirationNotified mirrors the ledger flags of the expiring-soon table.
type ExpirationNotified struct {
	OneDayBefore    bool
	ThreeDaysBefore bool
}

// ExpirationSnapshot is everything the expiration window detector needs,
// read in one transaction after the stale-ledger prune.
type ExpirationSnapshot struct {
	Expiring  []ExpiringAccount
	Notified  map[int64]ExpirationNotified
	Recurring map[int64]struct{}
}

// ExpiredSnapshot is read in one transaction after the stale prune of
// the expired-users ledger.
type ExpiredSnapshot struct {
	Expired  map[int64]struct{}
	Notified map[int64]struct{}
}

// ExpiringNotifications is the result of one expiration detector pass.
type ExpiringNotifications struct {
	OneDayLeft    map[int64]struct{}
	ThreeDaysLeft map[int64]struct{}
}
