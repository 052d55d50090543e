package model

import (
	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"
)

// TokenEventKind discriminates token state-change events.
type TokenEventKind string

const (
	// TokenActivated is published after a token transitions to active.
	TokenActivated TokenEventKind = "token_activated"
	// TokenReleased is published after a token transitions to available,
	// whatever the trigger (explicit release, preemption, expiration, clear).
	TokenReleased TokenEventKind = "token_released"
)

// TokenEvent is the canonical state-change message broadcast on the event
// bus. Delivery is best-effort and process-local; consumers must re-check
// authoritative state before acting on one.
type TokenEvent struct {
	Kind        TokenEventKind `json:"kind"`
	TokenID     uuid.UUID      `json:"token_id"`
	UserID      null.String    `json:"user_id"`
	ActivatedAt null.Time      `json:"activated_at"`
}

// ActivatedEvent builds the canonical activation event.
func ActivatedEvent(t *Token) TokenEvent {
	return TokenEvent{
		Kind:        TokenActivated,
		TokenID:     t.ID,
		UserID:      t.CurrentUserID,
		ActivatedAt: t.ActivatedAt,
	}
}

// ReleasedEvent builds the canonical release event.
func ReleasedEvent(tokenID uuid.UUID) TokenEvent {
	return TokenEvent{Kind: TokenReleased, TokenID: tokenID}
}
