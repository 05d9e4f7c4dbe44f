package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatHold is an advisory, TTL-bound reservation made before passenger details are collected.
// Holds never touch availableSeats; they only narrow the UI-facing view.
type SeatHold struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
	UserID     uuid.UUID `json:"user_id"`
	Seats      []string  `json:"seats"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the hold no longer binds
func (h *SeatHold) IsExpired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}
