package model

const (
	ServiceVPNBot = "monkey-island-vpn-bot"
	ServiceYmStat = "monkey-island-ym-stat"
)

const (
	MessageTypeNotificateUser = "notificate-user"
	MessageTypeSendConversion = "send-conversion"
)

type NotificationType string

const (
	NotificationOneDayLeft        NotificationType = "1-day-left"
	NotificationThreeDaysLeft     NotificationType = "3-days-left"
	NotificationNotConnected      NotificationType = "nc-yesterday-created"
	NotificationSubscriptionEnded NotificationType = "subscription-expired"
)

// NotificateUserMessage is the bot queue payload for one lifecycle notification.
type NotificateUserMessage struct {
	Service          string           `json:"service"`
	Type             string           `json:"type"`
	NotificationType NotificationType `json:"notification_type"`
	TelegramID       int64            `json:"telegram_id"`
}

func NewNotificateUserMessage(kind NotificationType, telegramID int64) NotificateUserMessage {
	return NotificateUserMessage{
		Service:          ServiceVPNBot,
		Type:             MessageTypeNotificateUser,
		NotificationType: kind,
		TelegramID:       telegramID,
	}
}

// SendConversionMessage carries one traffic conversion to the stats consumer.
type SendConversionMessage struct {
	Service  string          `json:"service"`
	Type     string          `json:"type"`
	ClientID string          `json:"client_id"`
	Event    ConversionEvent `json:"event"`
}

func NewSendConversionMessage(c Conversion) SendConversionMessage {
	return SendConversionMessage{
		Service:  ServiceYmStat,
		Type:     MessageTypeSendConversion,
		ClientID: c.Username,
		Event:    c.Event,
	}
}

// ReferralTrafficBonusAppliedMessage tells a referrer how many of their
// referrals reached the traffic milestone and how many days were granted.
type ReferralTrafficBonusAppliedMessage struct {
	Type                        string `json:"type"`
	TelegramID                  int64  `json:"telegram_id"`
	ReferralReachedTrafficCount int    `json:"referral_reached_traffic_count"`
	BonusDaysCount              int    `json:"bonus_days_count"`
}

func NewReferralTrafficBonusAppliedMessage(telegramID int64, referralCount int) ReferralTrafficBonusAppliedMessage {
	return ReferralTrafficBonusAppliedMessage{
		Type:                        "referral-reached-traffic-bonus-applied",
		TelegramID:                  telegramID,
		ReferralReachedTrafficCount: referralCount,
		BonusDaysCount:              referralCount * ReferralBonusDays,
	}
}
