package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medify/booking/internal/domain/doctor"
	"github.com/medify/booking/internal/platform/events"
)

const testDoctorID int64 = 1

// testClock is a settable clock shared by the store and its callers.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *MemoryStore
	svc      *Service
	recorder *events.Recorder
	clock    *testClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.Now = clock.Now
	store.AddDoctor(&doctor.Summary{ID: testDoctorID, Name: "Dr. Asha Rao", Specialty: "Cardiology"})
	store.AddDoctor(&doctor.Summary{ID: 2, Name: "Dr. Ben Okafor", Specialty: "Dermatology"})

	rec := &events.Recorder{}
	svc := NewService(store, store, store.Bookings(), store, rec, zerolog.Nop(), opts)
	return &fixture{store: store, svc: svc, recorder: rec, clock: clock}
}

func (f *fixture) slot(t *testing.T, date, at string) *Slot {
	t.Helper()
	s, err := f.svc.CreateSlot(context.Background(), &SlotRequest{DoctorID: testDoctorID, SlotDate: date, SlotTime: at})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	return s
}

func bookingFor(slotID *int64, email string) *BookingRequest {
	return &BookingRequest{
		DoctorID:         testDoctorID,
		SlotID:           slotID,
		PatientFirstName: "Jane",
		PatientLastName:  "Doe",
		PatientEmail:     email,
		AppointmentType:  AppointmentVideo,
		BookingDate:      "2099-01-05",
		BookingTime:      "10:00 AM",
	}
}

// failingTx never opens a transaction.
type failingTx struct{ err error }

func (f failingTx) WithTx(context.Context, func(ctx context.Context) error) error { return f.err }

// failingBookings breaks booking inserts after the slot was already flipped.
type failingBookings struct {
	BookingRepository
	err error
}

func (f failingBookings) Create(context.Context, *Booking) error { return f.err }

var errDiskFull = errors.New("could not extend file: disk full")
