// Package audit records domain events: every state change of a request, a role
// or the relay produces exactly one Event, delivered to one or more sinks.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

const (
	EventRequestCreated        EventType = "request.created"
	EventTierApproved          EventType = "request.tier_approved"
	EventRequestDistributed    EventType = "request.distributed"
	EventRequestCancelled      EventType = "request.cancelled"
	EventEmergencyVote         EventType = "request.emergency_vote"
	EventRequestEmergencyClose EventType = "request.emergency_closed"
	EventRoleCommitted         EventType = "role.committed"
	EventRoleRevealed          EventType = "role.revealed"
	EventRoleRevoked           EventType = "role.revoked"
	EventMetaTxRelayed         EventType = "relay.relayed"
	EventReimbursementPaid     EventType = "relay.reimbursed"
	EventReimbursementShort    EventType = "relay.reimbursement_shortfall"
	EventBatchAnchored         EventType = "anchor.batch_anchored"
	EventBudgetFunded          EventType = "budget.funded"
	EventGasTankFunded         EventType = "gastank.funded"
	EventGasTankWithdrawn      EventType = "gastank.withdrawn"
	EventGasTankConfigChanged  EventType = "gastank.config_changed"
	EventRelayConfigChanged    EventType = "relay.config_changed"
)

// Event is a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewEvent stamps a new event with an ID and the current time.
func NewEvent(t EventType, actor, subject string, fields map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Actor:     actor,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// Recorder delivers events to a sink.
type Recorder interface {
	Record(ctx context.Context, evt Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, evt Event) error

func (f RecorderFunc) Record(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(context.Context, Event) error { return nil })

// Emit records evt after the state change it describes has committed. A sink
// failure cannot undo that change, so it is logged rather than returned.
func Emit(ctx context.Context, r Recorder, logger *slog.Logger, evt Event) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, evt); err != nil {
		logger.ErrorContext(ctx, "audit: failed to record event",
			"event_type", evt.Type, "subject", evt.Subject, "error", err)
	}
}
