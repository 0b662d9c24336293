package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medify/booking/internal/domain/doctor"
	"github.com/medify/booking/internal/platform/db"
	"github.com/medify/booking/internal/platform/events"
	"github.com/medify/booking/internal/platform/telemetry"
)

// DoctorLookup resolves the doctor summary embedded in booking responses.
type DoctorLookup interface {
	Summary(ctx context.Context, id int64) (*doctor.Summary, error)
}

type Options struct {
	// DeferSlotlessConfirmation creates bookings without a slot as PENDING
	// until an admin confirms them or the sweeper fails them.
	DeferSlotlessConfirmation bool
}

// Service owns every booking status change and every slot availability flip.
type Service struct {
	tx        db.TxManager
	slots     SlotRepository
	bookings  BookingRepository
	doctors   DoctorLookup
	publisher events.Publisher
	logger    zerolog.Logger
	opts      Options
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(tx db.TxManager, slots SlotRepository, bookings BookingRepository, doctors DoctorLookup,
	publisher events.Publisher, logger zerolog.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Service{
		tx:        tx,
		slots:     slots,
		bookings:  bookings,
		doctors:   doctors,
		publisher: publisher,
		logger:    logger.With().Str("component", "scheduling").Logger(),
		opts:      opts,
		tracer:    telemetry.Tracer(),
		now:       time.Now,
	}
}

// -- Reservation --

// CreateBooking reserves a slot and records the booking in one transaction.
// Of several concurrent calls for the same slot exactly one succeeds; the
// rest get ErrSlotUnavailable and leave nothing behind.
func (s *Service) CreateBooking(ctx context.Context, req *BookingRequest) (_ *BookingWithDoctor, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CreateBooking", trace.WithAttributes(
		attribute.Int64("booking.doctor_id", req.DoctorID),
	))
	defer func() { endSpan(span, err) }()

	b, err := newBooking(req)
	if err != nil {
		return nil, err
	}

	if b.SlotID == nil {
		b.Status = StatusConfirmed
		if s.opts.DeferSlotlessConfirmation {
			b.Status = StatusPending
		}
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			return s.bookings.Create(ctx, b)
		})
		if err != nil {
			return nil, asStorage("create booking", err)
		}
	} else {
		span.SetAttributes(attribute.Int64("booking.slot_id", *b.SlotID))
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			slot, err := s.slots.LockAvailable(ctx, *b.SlotID)
			if err != nil {
				return err
			}
			if slot.DoctorID != b.DoctorID {
				return invalid("slot_id", "slot does not belong to this doctor")
			}
			if b.BookingDate == "" {
				b.BookingDate = slot.SlotDate
			}
			if b.BookingTime == "" {
				b.BookingTime = slot.SlotTime
			}
			if err := s.slots.SetAvailability(ctx, slot.ID, false); err != nil {
				return err
			}
			b.Status = StatusConfirmed
			return s.bookings.Create(ctx, b)
		})
		if err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				s.logger.Info().Int64("slot_id", *b.SlotID).Msg("slot already taken")
			}
			return nil, asStorage("create booking", err)
		}
	}

	span.SetAttributes(attribute.Int64("booking.id", b.ID), attribute.String("booking.status", string(b.Status)))
	s.logger.Info().
		Int64("booking_id", b.ID).
		Int64("doctor_id", b.DoctorID).
		Str("status", string(b.Status)).
		Msg("booking created")

	evt := events.BookingConfirmed
	if b.Status == StatusPending {
		evt = events.BookingPending
	}
	s.publish(ctx, evt, b)

	return &BookingWithDoctor{Booking: *b, Doctor: s.doctorSummary(ctx, b.DoctorID)}, nil
}

func newBooking(req *BookingRequest) (*Booking, error) {
	if req.DoctorID <= 0 {
		return nil, invalid("doctor_id", "is required")
	}
	if req.SlotID != nil && *req.SlotID <= 0 {
		return nil, invalid("slot_id", "must be a positive id")
	}
	b := &Booking{
		DoctorID:         req.DoctorID,
		SlotID:           req.SlotID,
		PatientFirstName: strings.TrimSpace(req.PatientFirstName),
		PatientLastName:  strings.TrimSpace(req.PatientLastName),
		PatientEmail:     NormalizeEmail(req.PatientEmail),
		PatientPhone:     req.PatientPhone,
		AppointmentType:  req.AppointmentType,
		Reason:           req.Reason,
		Notes:            req.Notes,
		BookingDate:      strings.TrimSpace(req.BookingDate),
		BookingTime:      strings.TrimSpace(req.BookingTime),
	}
	if b.PatientFirstName == "" {
		return nil, invalid("patient_first_name", "is required")
	}
	if tooLong(b.PatientFirstName, MaxNameLen) {
		return nil, invalid("patient_first_name", fmt.Sprintf("must be at most %d characters", MaxNameLen))
	}
	if b.PatientLastName == "" {
		return nil, invalid("patient_last_name", "is required")
	}
	if tooLong(b.PatientLastName, MaxNameLen) {
		return nil, invalid("patient_last_name", fmt.Sprintf("must be at most %d characters", MaxNameLen))
	}
	if err := validateEmail(b.PatientEmail); err != nil {
		return nil, err
	}
	if b.PatientPhone != nil && tooLong(*b.PatientPhone, MaxPhoneLen) {
		return nil, invalid("patient_phone", fmt.Sprintf("must be at most %d characters", MaxPhoneLen))
	}
	if b.AppointmentType == "" {
		b.AppointmentType = AppointmentVideo
	}
	if !b.AppointmentType.Valid() {
		return nil, invalid("appointment_type", "must be video or in-person")
	}
	if b.BookingDate != "" {
		if err := validateDate("booking_date", b.BookingDate); err != nil {
			return nil, err
		}
	}
	if b.BookingTime != "" {
		if err := validateTime("booking_time", b.BookingTime); err != nil {
			return nil, err
		}
	}
	// Without a slot there is nothing to copy the date and time from.
	if b.SlotID == nil {
		if b.BookingDate == "" {
			return nil, invalid("booking_date", "is required")
		}
		if b.BookingTime == "" {
			return nil, invalid("booking_time", "is required")
		}
	}
	return b, nil
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("patient_email", "is required")
	}
	if tooLong(email, MaxEmailLen) {
		return invalid("patient_email", fmt.Sprintf("must be at most %d characters", MaxEmailLen))
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return invalid("patient_email", "is not a valid email address")
	}
	return nil
}

func validateTime(field, v string) error {
	if v == "" {
		return invalid(field, "is required")
	}
	if tooLong(v, MaxTimeLen) {
		return invalid(field, fmt.Sprintf("must be at most %d characters", MaxTimeLen))
	}
	return nil
}

// tooLong counts characters, as VARCHAR(n) does.
func tooLong(v string, limit int) bool {
	return utf8.RuneCountInString(v) > limit
}

func validateDate(field, v string) error {
	if _, err := time.Parse(DateLayout, v); err != nil {
		return invalid(field, "must be a date in YYYY-MM-DD format")
	}
	return nil
}

// CancelBooking moves a CONFIRMED booking to CANCELLED and releases its slot
// in the same transaction.
func (s *Service) CancelBooking(ctx context.Context, id int64) (_ *Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CancelBooking", trace.WithAttributes(
		attribute.Int64("booking.id", id),
	))
	defer func() { endSpan(span, err) }()

	var cancelled *Booking
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := s.bookings.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(b.Status, StatusCancelled) {
			return &StateError{BookingID: id, Current: b.Status, Target: StatusCancelled}
		}
		cancelled, err = s.bookings.UpdateStatus(ctx, id, StatusCancelled)
		if err != nil {
			return err
		}
		if cancelled.SlotID != nil {
			return s.slots.SetAvailability(ctx, *cancelled.SlotID, true)
		}
		return nil
	})
	if err != nil {
		return nil, asStorage("cancel booking", err)
	}

	s.logger.Info().Int64("booking_id", id).Msg("booking cancelled")
	s.publish(ctx, events.BookingCancelled, cancelled)
	return cancelled, nil
}

// ConfirmBooking moves a PENDING booking to CONFIRMED. The conditional update
// loses cleanly to a sweeper that already failed the booking.
func (s *Service) ConfirmBooking(ctx context.Context, id int64) (_ *Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ConfirmBooking", trace.WithAttributes(
		attribute.Int64("booking.id", id),
	))
	defer func() { endSpan(span, err) }()

	var confirmed *Booking
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		confirmed, err = s.bookings.TransitionIfStatus(ctx, id, StatusPending, StatusConfirmed)
		return err
	})
	if err != nil {
		return nil, asStorage("confirm booking", err)
	}

	s.logger.Info().Int64("booking_id", id).Msg("booking confirmed")
	s.publish(ctx, events.BookingConfirmed, confirmed)
	return confirmed, nil
}

// -- Slots --

func (s *Service) ListAvailableSlots(ctx context.Context, doctorID int64, date string) ([]*Slot, error) {
	if doctorID <= 0 {
		return nil, invalid("doctor_id", "must be a positive id")
	}
	date = strings.TrimSpace(date)
	if date != "" {
		if err := validateDate("date", date); err != nil {
			return nil, err
		}
	}
	var slots []*Slot
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		slots, err = s.slots.ListAvailable(ctx, doctorID, date)
		return err
	})
	if err != nil {
		return nil, asStorage("list slots", err)
	}
	return slots, nil
}

func (s *Service) CreateSlot(ctx context.Context, req *SlotRequest) (*Slot, error) {
	if req.DoctorID <= 0 {
		return nil, invalid("doctor_id", "is required")
	}
	slot := &Slot{
		DoctorID: req.DoctorID,
		SlotDate: strings.TrimSpace(req.SlotDate),
		SlotTime: strings.TrimSpace(req.SlotTime),
	}
	if err := validateDate("slot_date", slot.SlotDate); err != nil {
		return nil, err
	}
	if err := validateTime("slot_time", slot.SlotTime); err != nil {
		return nil, err
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.slots.Create(ctx, slot)
	})
	if err != nil {
		return nil, asStorage("create slot", err)
	}
	return slot, nil
}

// BulkCreateSlots creates the dates x times product for one doctor. Existing
// triples are skipped, so repeating a request creates nothing new.
func (s *Service) BulkCreateSlots(ctx context.Context, req *BulkSlotRequest) (*BulkSlotResult, error) {
	if req.DoctorID <= 0 {
		return nil, invalid("doctor_id", "is required")
	}
	dates := dedupe(req.Dates)
	times := dedupe(req.Times)
	if len(dates) == 0 {
		return nil, invalid("dates", "must contain at least one date")
	}
	if len(times) == 0 {
		return nil, invalid("times", "must contain at least one time")
	}
	for _, d := range dates {
		if err := validateDate("dates", d); err != nil {
			return nil, err
		}
	}
	// One bad label would abort the whole set-based insert.
	for _, t := range times {
		if err := validateTime("times", t); err != nil {
			return nil, err
		}
	}

	var created []*Slot
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.slots.BulkCreate(ctx, req.DoctorID, dates, times)
		return err
	})
	if err != nil {
		return nil, asStorage("bulk create slots", err)
	}
	s.logger.Info().
		Int64("doctor_id", req.DoctorID).
		Int("requested", len(dates)*len(times)).
		Int("created", len(created)).
		Msg("slots created")
	return &BulkSlotResult{Created: len(created), Slots: created}, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func (s *Service) GetSlot(ctx context.Context, id int64) (*Slot, error) {
	var slot *Slot
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		slot, err = s.slots.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, asStorage("get slot", err)
	}
	return slot, nil
}

// -- Queries --

func (s *Service) ListBookingsByEmail(ctx context.Context, email string) ([]*PatientBookingView, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, invalid("email", "is required")
	}
	var rows []*BookingWithDoctor
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.bookings.ListByEmail(ctx, email)
		return err
	})
	if err != nil {
		return nil, asStorage("list bookings", err)
	}
	views := make([]*PatientBookingView, 0, len(rows))
	for _, r := range rows {
		views = append(views, NewPatientView(r))
	}
	return views, nil
}

func (s *Service) ListAllBookings(ctx context.Context, limit, offset int) ([]*AdminBookingRow, int, error) {
	var (
		rows  []*AdminBookingRow
		total int
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		rows, total, err = s.bookings.List(ctx, limit, offset)
		return err
	})
	if err != nil {
		return nil, 0, asStorage("list bookings", err)
	}
	return rows, total, nil
}

// -- helpers --

// doctorSummary is a best-effort join: the booking already committed, so a
// lookup failure only leaves the doctor out of the response.
func (s *Service) doctorSummary(ctx context.Context, id int64) *doctor.Summary {
	if s.doctors == nil {
		return nil
	}
	d, err := s.doctors.Summary(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("doctor_id", id).Msg("doctor lookup after booking failed")
		return nil
	}
	return d
}

func (s *Service) publish(ctx context.Context, t events.Type, b *Booking) {
	publishBookingEvent(ctx, s.publisher, s.logger, t, b, s.now())
}

func publishBookingEvent(ctx context.Context, p events.Publisher, logger zerolog.Logger, t events.Type, b *Booking, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	evt := events.Event{
		Type:       t,
		BookingID:  b.ID,
		DoctorID:   b.DoctorID,
		SlotID:     b.SlotID,
		Status:     string(b.Status),
		OccurredAt: at.UTC(),
	}
	if err := p.Publish(ctx, evt); err != nil {
		logger.Warn().Err(err).Str("event_type", string(t)).Int64("booking_id", b.ID).Msg("publish booking event failed")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
