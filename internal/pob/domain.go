// Package pob records daily personnel-on-board counts per location and
// aggregates them into mandays for reconciliation.
package pob

import (
	"errors"
	"time"
)

// Entry is the headcount fed at a location on one day.
type Entry struct {
	LocationID int64
	Date       time.Time
	CrewCount  int
	ExtraCount int
	UpdatedBy  int64
	UpdatedAt  time.Time
}

// Mandays returns crew plus extra for the day.
func (e Entry) Mandays() int64 {
	return int64(e.CrewCount) + int64(e.ExtraCount)
}

// UpsertInput creates or replaces the entry for (location, date).
type UpsertInput struct {
	LocationID int64     `validate:"required"`
	Date       time.Time `validate:"required"`
	CrewCount  int       `validate:"gte=0"`
	ExtraCount int       `validate:"gte=0"`
	ActorID    int64     `validate:"required"`
}

// ErrInvalidRange is returned when a listing range ends before it starts.
var ErrInvalidRange = errors.New("pob: range end before start")

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
