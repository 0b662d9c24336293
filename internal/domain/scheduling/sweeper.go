package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/medify/booking/internal/platform/db"
	"github.com/medify/booking/internal/platform/events"
	"github.com/medify/booking/internal/platform/telemetry"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultPendingTTL    = 120 * time.Second
)

// Sweeper fails PENDING bookings that outlived the TTL.
type Sweeper struct {
	tx        db.TxManager
	slots     SlotRepository
	bookings  BookingRepository
	publisher events.Publisher
	logger    zerolog.Logger
	interval  time.Duration
	ttl       time.Duration
	tracer    trace.Tracer
	now       func() time.Time
}

func NewSweeper(tx db.TxManager, slots SlotRepository, bookings BookingRepository, publisher events.Publisher,
	logger zerolog.Logger, interval, ttl time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Sweeper{
		tx:        tx,
		slots:     slots,
		bookings:  bookings,
		publisher: publisher,
		logger:    logger.With().Str("component", "sweeper").Logger(),
		interval:  interval,
		ttl:       ttl,
		tracer:    telemetry.Tracer(),
		now:       time.Now,
	}
}

// RunOnce expires stale PENDING bookings with one conditional update and
// frees any slot they referenced, in one transaction. It returns how many
// bookings were failed.
func (s *Sweeper) RunOnce(ctx context.Context) (_ int, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.Sweep")
	defer func() { endSpan(span, err) }()

	var expired []*Booking
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		expired, err = s.bookings.ExpirePending(ctx, s.ttl)
		if err != nil {
			return err
		}
		for _, b := range expired {
			if b.SlotID == nil {
				continue
			}
			if err := s.slots.SetAvailability(ctx, *b.SlotID, true); err != nil {
				return fmt.Errorf("release slot of booking %d: %w", b.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, asStorage("expire pending bookings", err)
	}

	span.SetAttributes(attribute.Int("sweep.expired", len(expired)))
	for _, b := range expired {
		publishBookingEvent(ctx, s.publisher, s.logger, events.BookingExpired, b, s.now())
	}
	if len(expired) > 0 {
		s.logger.Info().Int("expired", len(expired)).Msg("expired pending bookings")
	}
	return len(expired), nil
}

// Start runs the sweep on every tick until ctx is cancelled. A failed run is
// logged and retried on the next tick.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Dur("ttl", s.ttl).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("expiry sweep panicked")
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
	}
}
