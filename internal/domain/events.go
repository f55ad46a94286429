package domain

import "time"

// EventKind groups decision-log entries.
type EventKind string

const (
	EventTrade      EventKind = "TRADE"
	EventSkip       EventKind = "SKIP"
	EventSettlement EventKind = "SETTLEMENT"
	EventExit       EventKind = "EXIT"
	EventInvariant  EventKind = "INVARIANT"
	EventReset      EventKind = "RESET"
)

// DecisionEvent is one auditable entry in the decision log. Every
// decision, including every skip, gets a machine-readable reason
// code, so "why didn't it trade" is always answerable after the fact.
type DecisionEvent struct {
	ID       string
	At       time.Time
	RunID    string
	MarketID string
	Kind     EventKind
	Reason   string // machine-readable code, e.g. "LOW_CONFIDENCE"
	Detail   string // free-form context
}
