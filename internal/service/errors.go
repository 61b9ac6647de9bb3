package service

import (
	"fmt"
	"time"
)

// Quota names reported in QuotaExceededError and the quota metrics.
const (
	QuotaMessagesPerDay      = "messages_per_day"
	QuotaMessagesPerHour     = "messages_per_hour"
	QuotaConversationsPerDay = "conversations_per_day"
	QuotaMessageLength       = "message_length"
)

// RateLimitError is returned when a message scores as spam.
type RateLimitError struct {
	Reason     string
	Score      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("message rejected as spam (score %d): %s", e.Score, e.Reason)
}

// QuotaExceededError is returned when a tier limit blocks an action.
type QuotaExceededError struct {
	Quota      string
	Limit      int
	Tier       string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s tier (limit %d)", e.Quota, e.Tier, e.Limit)
}

// EditWindowExpiredError is returned when a message is edited after the edit window.
type EditWindowExpiredError struct {
	Window time.Duration
}

func (e *EditWindowExpiredError) Error() string {
	return fmt.Sprintf("messages can only be edited within %s of sending", e.Window)
}

// UndoExpiredError is returned when an undo arrives after the operation expired.
type UndoExpiredError struct {
	OperationID string
	ExpiredAt   time.Time
}

func (e *UndoExpiredError) Error() string {
	return fmt.Sprintf("operation %s can no longer be undone (expired at %s)", e.OperationID, e.ExpiredAt.Format(time.RFC3339))
}

// UndoNotFoundError is returned for an unknown, already undone or
// foreign operation, or a token that does not match.
type UndoNotFoundError struct {
	OperationID string
}

func (e *UndoNotFoundError) Error() string {
	return "undo operation not found: " + e.OperationID
}
