package service

import (
	"strings"
	"time"
)

// Unlimited disables a tier limit.
const Unlimited = -1

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tier holds the quota limits of a subscription level.
type Tier struct {
	Name                string `json:"name"`
	MessagesPerDay      int    `json:"messagesPerDay"`
	ConversationsPerDay int    `json:"conversationsPerDay"`
	MaxMessageLength    int    `json:"maxMessageLength"`
	MessagesPerHour     int    `json:"messagesPerHour"`
}

var tiers = map[string]Tier{
	TierFree: {
		Name:                TierFree,
		MessagesPerDay:      50,
		ConversationsPerDay: 10,
		MaxMessageLength:    1000,
		MessagesPerHour:     20,
	},
	TierPro: {
		Name:                TierPro,
		MessagesPerDay:      500,
		ConversationsPerDay: 50,
		MaxMessageLength:    5000,
		MessagesPerHour:     100,
	},
	TierEnterprise: {
		Name:                TierEnterprise,
		MessagesPerDay:      Unlimited,
		ConversationsPerDay: Unlimited,
		MaxMessageLength:    10000,
		MessagesPerHour:     Unlimited,
	},
}

// TierFor returns the limits of the named tier. Unknown or empty names get the free tier.
func TierFor(name string) Tier {
	if t, ok := tiers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return tiers[TierFree]
}

const (
	day  = 24 * time.Hour
	hour = time.Hour
)
