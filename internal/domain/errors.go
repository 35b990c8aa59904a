package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Error codes surfaced to clients inside error envelopes.
const (
	ErrCodeBadEnvelope        = "BAD_ENVELOPE"
	ErrCodeUnknownType        = "UNKNOWN_TYPE"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeNotInRoom          = "NOT_IN_ROOM"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeSlowConsumer       = "SLOW_CONSUMER"
	ErrCodeModerationWarning  = "MODERATION_WARNING"
)

// Sentinel errors used across component boundaries.
var (
	ErrForbidden   = errors.New("operation forbidden for banned user")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrNotInRoom   = errors.New("session is not a member of the room")
)

// ErrorPayload is the JSON body carried by error envelopes.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"msg"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// NewErrorEnvelope builds an error envelope addressed back to the sender.
// A nil retryAfter omits the hint.
func NewErrorEnvelope(roomID, code, message string, retryAfter time.Duration) *Envelope {
	p := ErrorPayload{Code: code, Message: message}
	if retryAfter > 0 {
		p.RetryAfterMS = retryAfter.Milliseconds()
	}
	body, _ := json.Marshal(p)
	return &Envelope{
		Type:    TypeError,
		RoomID:  roomID,
		Payload: body,
	}
}
