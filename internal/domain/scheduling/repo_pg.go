package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medify/booking/internal/domain/doctor"
	"github.com/medify/booking/internal/platform/db"
)

// -- Slot Repository --

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository {
	return &slotRepoPG{pool: pool}
}

func (r *slotRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const slotCols = `id, doctor_id, to_char(slot_date, 'YYYY-MM-DD'), slot_time, is_available, created_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.DoctorID, &s.SlotDate, &s.SlotTime, &s.IsAvailable, &s.CreatedAt)
	return &s, err
}

func collectSlots(rows pgx.Rows) ([]*Slot, error) {
	defer rows.Close()
	items := []*Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) ListAvailable(ctx context.Context, doctorID int64, date string) ([]*Slot, error) {
	q := `SELECT ` + slotCols + ` FROM slots WHERE doctor_id = $1 AND is_available = true`
	args := []interface{}{doctorID}
	if date != "" {
		q += ` AND slot_date = $2::date`
		args = append(args, date)
	} else {
		q += ` AND slot_date >= CURRENT_DATE`
	}
	q += ` ORDER BY slot_date, slot_time`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return collectSlots(rows)
}

func (r *slotRepoPG) Get(ctx context.Context, id int64) (*Slot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %d: %w", id, err)
	}
	return s, nil
}

func (r *slotRepoPG) Create(ctx context.Context, s *Slot) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO slots (doctor_id, slot_date, slot_time)
		VALUES ($1, $2::date, $3)
		RETURNING id, is_available, created_at`,
		s.DoctorID, s.SlotDate, s.SlotTime,
	).Scan(&s.ID, &s.IsAvailable, &s.CreatedAt)
	switch {
	case db.IsPgError(err, db.UniqueViolation):
		return ErrDuplicateSlot
	case db.IsPgError(err, db.ForeignKeyViolation):
		return fmt.Errorf("doctor %d: %w", s.DoctorID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("create slot: %w", err)
	}
	return nil
}

// BulkCreate inserts the dates x times product in one statement. Triples that
// already exist are skipped; only new rows are returned.
func (r *slotRepoPG) BulkCreate(ctx context.Context, doctorID int64, dates, times []string) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		INSERT INTO slots (doctor_id, slot_date, slot_time)
		SELECT $1, d::date, t
		FROM unnest($2::text[]) AS d CROSS JOIN unnest($3::text[]) AS t
		ON CONFLICT (doctor_id, slot_date, slot_time) DO NOTHING
		RETURNING `+slotCols,
		doctorID, dates, times)
	if err != nil {
		return nil, fmt.Errorf("bulk create slots: %w", err)
	}
	slots, err := collectSlots(rows)
	if db.IsPgError(err, db.ForeignKeyViolation) {
		return nil, fmt.Errorf("doctor %d: %w", doctorID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("bulk create slots: %w", err)
	}
	sortSlots(slots)
	return slots, nil
}

func (r *slotRepoPG) LockAvailable(ctx context.Context, id int64) (*Slot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+slotCols+` FROM slots WHERE id = $1 AND is_available = true FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("lock slot %d: %w", id, err)
	}
	return s, nil
}

func (r *slotRepoPG) SetAvailability(ctx context.Context, id int64, available bool) error {
	if _, err := r.conn(ctx).Exec(ctx, `UPDATE slots SET is_available = $2 WHERE id = $1`, id, available); err != nil {
		return fmt.Errorf("set slot %d availability: %w", id, err)
	}
	return nil
}

func sortSlots(slots []*Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].SlotDate != slots[j].SlotDate {
			return slots[i].SlotDate < slots[j].SlotDate
		}
		return slots[i].SlotTime < slots[j].SlotTime
	})
}

// -- Booking Repository --

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) BookingRepository {
	return &bookingRepoPG{pool: pool}
}

func (r *bookingRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const bookingCols = `b.id, b.doctor_id, b.slot_id, b.patient_first_name, b.patient_last_name,
	b.patient_email, b.patient_phone, b.appointment_type, b.reason, b.notes,
	to_char(b.booking_date, 'YYYY-MM-DD'), b.booking_time, b.status, b.created_at, b.updated_at`

func bookingDest(b *Booking) []interface{} {
	return []interface{}{&b.ID, &b.DoctorID, &b.SlotID, &b.PatientFirstName, &b.PatientLastName,
		&b.PatientEmail, &b.PatientPhone, &b.AppointmentType, &b.Reason, &b.Notes,
		&b.BookingDate, &b.BookingTime, &b.Status, &b.CreatedAt, &b.UpdatedAt}
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(bookingDest(&b)...)
	return &b, err
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bookings AS b (doctor_id, slot_id, patient_first_name, patient_last_name,
			patient_email, patient_phone, appointment_type, reason, notes,
			booking_date, booking_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::date, $11, $12)
		RETURNING b.id, b.created_at, b.updated_at`,
		b.DoctorID, b.SlotID, b.PatientFirstName, b.PatientLastName,
		NormalizeEmail(b.PatientEmail), b.PatientPhone, string(b.AppointmentType), b.Reason, b.Notes,
		b.BookingDate, b.BookingTime, string(b.Status),
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	switch {
	case db.IsPgError(err, db.ForeignKeyViolation):
		return fmt.Errorf("doctor %d: %w", b.DoctorID, ErrNotFound)
	case db.IsPgError(err, db.UniqueViolation):
		// idx_bookings_live_slot: the slot already has a live booking.
		return ErrSlotUnavailable
	case err != nil:
		return fmt.Errorf("create booking: %w", err)
	}
	b.PatientEmail = NormalizeEmail(b.PatientEmail)
	return nil
}

func (r *bookingRepoPG) GetForUpdate(ctx context.Context, id int64) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx,
		`SELECT `+bookingCols+` FROM bookings b WHERE b.id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock booking %d: %w", id, err)
	}
	return b, nil
}

func (r *bookingRepoPG) UpdateStatus(ctx context.Context, id int64, to Status) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `
		UPDATE bookings AS b SET status = $2, updated_at = NOW()
		WHERE b.id = $1
		RETURNING `+bookingCols, id, string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update booking %d: %w", id, err)
	}
	return b, nil
}

// TransitionIfStatus changes status only while the row is still in from. It
// races safely with other writers without taking a row lock first.
func (r *bookingRepoPG) TransitionIfStatus(ctx context.Context, id int64, from, to Status) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `
		UPDATE bookings AS b SET status = $3, updated_at = NOW()
		WHERE b.id = $1 AND b.status = $2
		RETURNING `+bookingCols, id, string(from), string(to)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition booking %d: %w", id, err)
	}

	var current Status
	err = r.conn(ctx).QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read booking %d status: %w", id, err)
	}
	return nil, &StateError{BookingID: id, Current: current, Target: to}
}

func (r *bookingRepoPG) ExpirePending(ctx context.Context, olderThan time.Duration) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE bookings AS b SET status = 'FAILED', updated_at = NOW()
		WHERE b.status = 'PENDING' AND b.created_at < NOW() - make_interval(secs => $1)
		RETURNING `+bookingCols, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("expire pending bookings: %w", err)
	}
	defer rows.Close()

	var expired []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired booking: %w", err)
		}
		expired = append(expired, b)
	}
	return expired, rows.Err()
}

func (r *bookingRepoPG) ListByEmail(ctx context.Context, email string) ([]*BookingWithDoctor, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+bookingCols+`, d.id, d.name, d.specialty, d.hospital, d.image
		FROM bookings b
		LEFT JOIN doctors d ON b.doctor_id = d.id
		WHERE lower(b.patient_email) = $1
		ORDER BY b.booking_date DESC, b.created_at DESC`, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("list bookings by email: %w", err)
	}
	defer rows.Close()

	items := []*BookingWithDoctor{}
	for rows.Next() {
		var item BookingWithDoctor
		var docID *int64
		var docName, docSpecialty *string
		var hospital, image *string
		dest := append(bookingDest(&item.Booking), &docID, &docName, &docSpecialty, &hospital, &image)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		if docID != nil {
			item.Doctor = &doctor.Summary{ID: *docID, Name: deref(docName), Specialty: deref(docSpecialty), Hospital: hospital, Image: image}
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (r *bookingRepoPG) List(ctx context.Context, limit, offset int) ([]*AdminBookingRow, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bookings: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+bookingCols+`, d.name, d.specialty
		FROM bookings b
		LEFT JOIN doctors d ON b.doctor_id = d.id
		ORDER BY b.created_at DESC, b.id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	items := []*AdminBookingRow{}
	for rows.Next() {
		var row AdminBookingRow
		dest := append(bookingDest(&row.Booking), &row.DoctorName, &row.Specialty)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("scan booking: %w", err)
		}
		items = append(items, &row)
	}
	return items, total, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
