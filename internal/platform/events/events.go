// Package events publishes booking lifecycle notifications. Delivery is best
// effort: publishers are called after the database transaction commits and
// their failures never undo a booking change.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	BookingConfirmed Type = "booking.confirmed"
	BookingPending   Type = "booking.pending"
	BookingCancelled Type = "booking.cancelled"
	BookingExpired   Type = "booking.expired"
)

type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	BookingID  int64     `json:"bookingId"`
	DoctorID   int64     `json:"doctorId"`
	SlotID     *int64    `json:"slotId,omitempty"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// LogPublisher writes events to the log instead of a broker. It is used
// when no AMQP_URL is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Debug().
		Str("event_type", string(evt.Type)).
		Int64("booking_id", evt.BookingID).
		Str("status", evt.Status).
		Msg("booking event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
