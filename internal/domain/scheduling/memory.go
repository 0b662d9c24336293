package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medify/booking/internal/domain/doctor"
)

// MemoryStore is an in-process SlotRepository, BookingRepository and
// TxManager. Transactions are serialised on one mutex, which gives the same
// outcome as row locks for a single process, and a failed transaction is
// rolled back to a snapshot taken when it began.
type MemoryStore struct {
	txMu sync.Mutex

	slots       map[int64]*Slot
	bookings    map[int64]*Booking
	doctors     map[int64]*doctor.Summary
	nextSlot    int64
	nextBooking int64

	// Now is the store clock. Tests move it to age bookings.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:       make(map[int64]*Slot),
		bookings:    make(map[int64]*Booking),
		doctors:     make(map[int64]*doctor.Summary),
		nextSlot:    1,
		nextBooking: 1,
		Now:         time.Now,
	}
}

type memTxKey struct{}

func inMemTx(ctx context.Context) bool {
	_, ok := ctx.Value(memTxKey{}).(bool)
	return ok
}

// lock serialises a repository call made outside a transaction.
func (m *MemoryStore) lock(ctx context.Context) func() {
	if inMemTx(ctx) {
		return func() {}
	}
	m.txMu.Lock()
	return m.txMu.Unlock
}

type memSnapshot struct {
	slots       map[int64]Slot
	bookings    map[int64]Booking
	nextSlot    int64
	nextBooking int64
}

func (m *MemoryStore) snapshot() memSnapshot {
	s := memSnapshot{
		slots:       make(map[int64]Slot, len(m.slots)),
		bookings:    make(map[int64]Booking, len(m.bookings)),
		nextSlot:    m.nextSlot,
		nextBooking: m.nextBooking,
	}
	for id, sl := range m.slots {
		s.slots[id] = *sl
	}
	for id, b := range m.bookings {
		s.bookings[id] = *b
	}
	return s
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.slots = make(map[int64]*Slot, len(s.slots))
	for id, sl := range s.slots {
		sl := sl
		m.slots[id] = &sl
	}
	m.bookings = make(map[int64]*Booking, len(s.bookings))
	for id, b := range s.bookings {
		b := b
		m.bookings[id] = &b
	}
	m.nextSlot = s.nextSlot
	m.nextBooking = s.nextBooking
}

// WithTx runs fn with exclusive access to the store and rolls back on error
// or panic. Nested calls join the outer transaction.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if inMemTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// AddDoctor registers a doctor so bookings and slots referencing it pass the
// foreign key check.
func (m *MemoryStore) AddDoctor(d *doctor.Summary) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.doctors[d.ID] = d
}

// Summary satisfies DoctorLookup.
func (m *MemoryStore) Summary(ctx context.Context, id int64) (*doctor.Summary, error) {
	defer m.lock(ctx)()
	d, ok := m.doctors[id]
	if !ok {
		return nil, doctor.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// -- SlotRepository --

func (m *MemoryStore) ListAvailable(ctx context.Context, doctorID int64, date string) ([]*Slot, error) {
	defer m.lock(ctx)()
	today := m.Now().Format(DateLayout)
	items := []*Slot{}
	for _, s := range m.slots {
		if s.DoctorID != doctorID || !s.IsAvailable {
			continue
		}
		if date != "" && s.SlotDate != date {
			continue
		}
		if date == "" && s.SlotDate < today {
			continue
		}
		cp := *s
		items = append(items, &cp)
	}
	sortSlots(items)
	return items, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) findSlot(doctorID int64, date, t string) *Slot {
	for _, s := range m.slots {
		if s.DoctorID == doctorID && s.SlotDate == date && s.SlotTime == t {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) insertSlot(doctorID int64, date, t string) *Slot {
	s := &Slot{ID: m.nextSlot, DoctorID: doctorID, SlotDate: date, SlotTime: t, IsAvailable: true, CreatedAt: m.Now()}
	m.nextSlot++
	m.slots[s.ID] = s
	return s
}

func (m *MemoryStore) Create(ctx context.Context, s *Slot) error {
	defer m.lock(ctx)()
	if _, ok := m.doctors[s.DoctorID]; !ok {
		return fmt.Errorf("doctor %d: %w", s.DoctorID, ErrNotFound)
	}
	if m.findSlot(s.DoctorID, s.SlotDate, s.SlotTime) != nil {
		return ErrDuplicateSlot
	}
	*s = *m.insertSlot(s.DoctorID, s.SlotDate, s.SlotTime)
	return nil
}

func (m *MemoryStore) BulkCreate(ctx context.Context, doctorID int64, dates, times []string) ([]*Slot, error) {
	defer m.lock(ctx)()
	if _, ok := m.doctors[doctorID]; !ok {
		return nil, fmt.Errorf("doctor %d: %w", doctorID, ErrNotFound)
	}
	created := []*Slot{}
	for _, d := range dates {
		for _, t := range times {
			if m.findSlot(doctorID, d, t) != nil {
				continue
			}
			cp := *m.insertSlot(doctorID, d, t)
			created = append(created, &cp)
		}
	}
	sortSlots(created)
	return created, nil
}

func (m *MemoryStore) LockAvailable(ctx context.Context, id int64) (*Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok || !s.IsAvailable {
		return nil, ErrSlotUnavailable
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetAvailability(ctx context.Context, id int64, available bool) error {
	defer m.lock(ctx)()
	if s, ok := m.slots[id]; ok {
		s.IsAvailable = available
	}
	return nil
}

// -- BookingRepository --

func (m *MemoryStore) CreateBooking(ctx context.Context, b *Booking) error {
	defer m.lock(ctx)()
	if _, ok := m.doctors[b.DoctorID]; !ok {
		return fmt.Errorf("doctor %d: %w", b.DoctorID, ErrNotFound)
	}
	if b.SlotID != nil {
		if _, ok := m.slots[*b.SlotID]; !ok {
			return fmt.Errorf("slot %d: %w", *b.SlotID, ErrNotFound)
		}
	}
	now := m.Now()
	b.ID = m.nextBooking
	m.nextBooking++
	b.PatientEmail = NormalizeEmail(b.PatientEmail)
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id int64) (*Booking, error) {
	defer m.lock(ctx)()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id int64, to Status) (*Booking, error) {
	defer m.lock(ctx)()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	b.Status = to
	b.UpdatedAt = m.Now()
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) TransitionIfStatus(ctx context.Context, id int64, from, to Status) (*Booking, error) {
	defer m.lock(ctx)()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	if b.Status != from {
		return nil, &StateError{BookingID: id, Current: b.Status, Target: to}
	}
	b.Status = to
	b.UpdatedAt = m.Now()
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ExpirePending(ctx context.Context, olderThan time.Duration) ([]*Booking, error) {
	defer m.lock(ctx)()
	now := m.Now()
	cutoff := now.Add(-olderThan)
	var expired []*Booking
	for _, b := range m.bookings {
		if b.Status != StatusPending || !b.CreatedAt.Before(cutoff) {
			continue
		}
		b.Status = StatusFailed
		b.UpdatedAt = now
		cp := *b
		expired = append(expired, &cp)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (m *MemoryStore) withDoctor(b *Booking) *BookingWithDoctor {
	item := &BookingWithDoctor{Booking: *b}
	if d, ok := m.doctors[b.DoctorID]; ok {
		cp := *d
		item.Doctor = &cp
	}
	return item
}

func (m *MemoryStore) ListByEmail(ctx context.Context, email string) ([]*BookingWithDoctor, error) {
	defer m.lock(ctx)()
	email = NormalizeEmail(email)
	items := []*BookingWithDoctor{}
	for _, b := range m.bookings {
		if b.PatientEmail == email {
			items = append(items, m.withDoctor(b))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].BookingDate != items[j].BookingDate {
			return items[i].BookingDate > items[j].BookingDate
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*AdminBookingRow, int, error) {
	defer m.lock(ctx)()
	all := make([]*Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	items := []*AdminBookingRow{}
	for _, b := range all[offset:end] {
		row := &AdminBookingRow{Booking: *b}
		if d, ok := m.doctors[b.DoctorID]; ok {
			name, spec := d.Name, d.Specialty
			row.DoctorName, row.Specialty = &name, &spec
		}
		items = append(items, row)
	}
	return items, total, nil
}

// Bookings exposes the MemoryStore as a BookingRepository. Create is taken by
// the slot side, so the booking side is a thin adapter.
func (m *MemoryStore) Bookings() BookingRepository {
	return memBookings{m}
}

type memBookings struct{ *MemoryStore }

func (b memBookings) Create(ctx context.Context, bk *Booking) error {
	return b.MemoryStore.CreateBooking(ctx, bk)
}
