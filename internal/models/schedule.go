package models

import (
	"time"

	"github.com/google/uuid"
)

// Schedule is one bus trip instance whose seat inventory is sold by the allocation transactor
type Schedule struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	CompanyID      *uuid.UUID `json:"company_id,omitempty" db:"company_id"`
	RouteID        *uuid.UUID `json:"route_id,omitempty" db:"route_id"`
	BusID          *uuid.UUID `json:"bus_id,omitempty" db:"bus_id"`
	Capacity       int        `json:"capacity" db:"capacity"`
	BookedSeats    SeatLabels `json:"booked_seats" db:"booked_seats"`
	AvailableSeats int        `json:"available_seats" db:"available_seats"`
	PricePerSeat   float64    `json:"price_per_seat" db:"price_per_seat"`
	Currency       string     `json:"currency" db:"currency"`
	DepartureAt    time.Time  `json:"departure_at" db:"departure_at"`
	ArrivalAt      *time.Time `json:"arrival_at,omitempty" db:"arrival_at"`
	Version        int64      `json:"-" db:"version"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// HasDeparted reports whether the trip left before now
func (s *Schedule) HasDeparted(now time.Time) bool {
	return !s.DepartureAt.After(now)
}

// InventoryConsistent checks availableSeats == capacity - |bookedSeats|
func (s *Schedule) InventoryConsistent() bool {
	return s.AvailableSeats == s.Capacity-len(s.BookedSeats)
}

// AddSeats books the given labels. Callers must have checked disjointness.
func (s *Schedule) AddSeats(seats []string) {
	s.BookedSeats = s.BookedSeats.Union(seats)
	s.AvailableSeats = s.Capacity - len(s.BookedSeats)
}

// RemoveSeats releases the given labels back to the pool
func (s *Schedule) RemoveSeats(seats []string) {
	s.BookedSeats = s.BookedSeats.Minus(seats)
	s.AvailableSeats = s.Capacity - len(s.BookedSeats)
}

// ScheduleAvailability is the UI-facing seat view, narrowed by unexpired holds
type ScheduleAvailability struct {
	ScheduleID     uuid.UUID `json:"schedule_id"`
	Capacity       int       `json:"capacity"`
	BookedSeats    []string  `json:"booked_seats"`
	HeldSeats      []string  `json:"held_seats"`
	AvailableSeats int       `json:"available_seats"`
	PricePerSeat   float64   `json:"price_per_seat"`
	Currency       string    `json:"currency"`
	DepartureAt    time.Time `json:"departure_at"`
}
