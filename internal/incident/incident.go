package incident

import (
	"errors"
	"fmt"
	"time"

	"github.com/duderayuh/EMSInsights-sub001/internal/distance"
)

// Status is the lifecycle state of an incident
type Status string

const (
	StatusDispatched      Status = "DISPATCHED"
	StatusEnRoute         Status = "EN_ROUTE"
	StatusArrivingShortly Status = "ARRIVING_SHORTLY"
	StatusAtFacility      Status = "AT_FACILITY"
	StatusCompleted       Status = "COMPLETED"
)

var statusRank = map[Status]int{
	StatusDispatched:      0,
	StatusEnRoute:         1,
	StatusArrivingShortly: 2,
	StatusAtFacility:      3,
	StatusCompleted:       4,
}

// Rank orders statuses; unknown statuses rank -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown incident status %q", v)
	}
	return s, nil
}

var (
	// ErrIncidentNotFound is returned for unknown incident ids.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrInvalidTransition is returned when a transition would move an incident backwards.
	ErrInvalidTransition = errors.New("invalid incident transition")
)

// StatusChange is one entry of an incident's history.
type StatusChange struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Incident is the tracked lifecycle of one dispatched unit.
type Incident struct {
	ID                   int64                 `json:"id"`
	UnitID               string                `json:"unitId"`
	DispatchText         string                `json:"dispatchText"`
	DispatchTime         time.Time             `json:"dispatchTime"`
	DispatchLocation     *distance.Coordinates `json:"dispatchLocation,omitempty"`
	DispatchAddress      string                `json:"dispatchAddress,omitempty"`
	Status               Status                `json:"status"`
	LinkedConversationID string                `json:"linkedConversationId,omitempty"`
	FacilityName         string                `json:"facilityName,omitempty"`
	DistanceMiles        *float64              `json:"distanceMiles,omitempty"`
	ETAMinutes           int                   `json:"etaMinutes,omitempty"`
	ETASource            string                `json:"etaSource,omitempty"`
	EnRouteAt            time.Time             `json:"enRouteAt,omitempty"`
	UpdatedAt            time.Time             `json:"updatedAt"`
	History              []StatusChange        `json:"history"`
}

// ArrivalTime is when the unit is expected at the facility. Zero until linked.
func (i *Incident) ArrivalTime() time.Time {
	if i.EnRouteAt.IsZero() {
		return time.Time{}
	}
	return i.EnRouteAt.Add(time.Duration(i.ETAMinutes) * time.Minute)
}

// Clone returns a deep copy safe to hand outside the correlator.
func (i *Incident) Clone() Incident {
	out := *i
	if i.DispatchLocation != nil {
		loc := *i.DispatchLocation
		out.DispatchLocation = &loc
	}
	if i.DistanceMiles != nil {
		miles := *i.DistanceMiles
		out.DistanceMiles = &miles
	}
	out.History = append([]StatusChange(nil), i.History...)
	return out
}

// transition moves the incident forward. Moving to the current or an
// earlier status is rejected; COMPLETED is terminal.
func (i *Incident) transition(to Status, at time.Time, reason string) error {
	if to.Rank() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if i.Status.IsTerminal() || to.Rank() <= i.Status.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, to)
	}
	i.History = append(i.History, StatusChange{From: i.Status, To: to, At: at, Reason: reason})
	i.Status = to
	i.UpdatedAt = at
	return nil
}
