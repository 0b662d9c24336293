package scheduling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medify/booking/internal/platform/events"
)

func newTestSweeper(f *fixture, ttl time.Duration) *Sweeper {
	return NewSweeper(f.store, f.store, f.store.Bookings(), f.recorder, zerolog.Nop(), time.Minute, ttl)
}

func TestSweeper_ExpiresOnlyStalePending(t *testing.T) {
	f := newFixture(t, Options{DeferSlotlessConfirmation: true})
	ctx := context.Background()
	slot := f.slot(t, "2099-01-05", "10:00 AM")
	cancelSlot := f.slot(t, "2099-01-05", "11:00 AM")

	stale, _ := f.svc.CreateBooking(ctx, bookingFor(nil, "stale@example.com"))
	confirmed, _ := f.svc.CreateBooking(ctx, bookingFor(&slot.ID, "held@example.com"))
	cancelled, _ := f.svc.CreateBooking(ctx, bookingFor(&cancelSlot.ID, "gone@example.com"))
	if _, err := f.svc.CancelBooking(ctx, cancelled.ID); err != nil {
		t.Fatalf("CancelBooking() error: %v", err)
	}
	failed := &Booking{
		DoctorID: testDoctorID, PatientFirstName: "Old", PatientLastName: "Failure",
		PatientEmail: "failed@example.com", AppointmentType: AppointmentVideo,
		BookingDate: "2099-01-05", BookingTime: "09:00 AM", Status: StatusFailed,
	}
	if err := f.store.Bookings().Create(ctx, failed); err != nil {
		t.Fatalf("seed failed booking: %v", err)
	}
	f.clock.Advance(3 * time.Minute)
	fresh, _ := f.svc.CreateBooking(ctx, bookingFor(nil, "fresh@example.com"))

	before := make(map[int64]time.Time)
	for _, id := range []int64{confirmed.ID, cancelled.ID, failed.ID} {
		b, _ := f.store.GetForUpdate(ctx, id)
		before[id] = b.UpdatedAt
	}
	f.clock.Advance(time.Minute)

	n, err := newTestSweeper(f, 2*time.Minute).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired booking, got %d", n)
	}

	want := map[int64]Status{
		stale.ID:     StatusFailed,
		confirmed.ID: StatusConfirmed,
		cancelled.ID: StatusCancelled,
		failed.ID:    StatusFailed,
		fresh.ID:     StatusPending,
	}
	for id, status := range want {
		b, _ := f.store.GetForUpdate(ctx, id)
		if b.Status != status {
			t.Errorf("booking %d: expected %s, got %s", id, status, b.Status)
		}
		if at, ok := before[id]; ok && !b.UpdatedAt.Equal(at) {
			t.Errorf("booking %d (%s) was rewritten by the sweep", id, status)
		}
	}

	if got, _ := f.store.Get(ctx, slot.ID); got.IsAvailable {
		t.Error("expected confirmed booking to keep its slot")
	}
	if got, _ := f.store.Get(ctx, cancelSlot.ID); !got.IsAvailable {
		t.Error("expected cancelled booking's slot to stay free")
	}
	if evts := f.recorder.OfType(events.BookingExpired); len(evts) != 1 || evts[0].BookingID != stale.ID {
		t.Errorf("expected one expired event for booking %d, got %+v", stale.ID, evts)
	}
}

// assertSlotsMatchBookings checks that a slot is free exactly when no live
// booking references it.
func assertSlotsMatchBookings(t *testing.T, m *MemoryStore) {
	t.Helper()
	held := make(map[int64]int)
	for _, b := range m.bookings {
		if b.SlotID != nil && b.Status.HoldsSlot() {
			held[*b.SlotID]++
		}
	}
	for id, sl := range m.slots {
		if held[id] > 1 {
			t.Errorf("slot %d held by %d live bookings", id, held[id])
		}
		if sl.IsAvailable == (held[id] > 0) {
			t.Errorf("slot %d: available=%v but %d live booking(s)", id, sl.IsAvailable, held[id])
		}
	}
}

func TestSlotAvailabilityFollowsBookings(t *testing.T) {
	f := newFixture(t, Options{DeferSlotlessConfirmation: true})
	ctx := context.Background()

	var slots []*Slot
	for _, at := range []string{"09:00 AM", "09:30 AM", "10:00 AM", "10:30 AM"} {
		slots = append(slots, f.slot(t, "2099-01-05", at))
	}
	sweeper := newTestSweeper(f, 2*time.Minute)
	live := make(map[int64]int64) // slot id -> booking id

	for round := 0; round < 12; round++ {
		sl := slots[round%len(slots)]
		if id, ok := live[sl.ID]; ok && round%3 != 0 {
			if _, err := f.svc.CancelBooking(ctx, id); err != nil {
				t.Fatalf("round %d: CancelBooking() error: %v", round, err)
			}
			delete(live, sl.ID)
		} else {
			b, err := f.svc.CreateBooking(ctx, bookingFor(&sl.ID, fmt.Sprintf("p%d@example.com", round)))
			switch {
			case ok && !errors.Is(err, ErrSlotUnavailable):
				t.Fatalf("round %d: expected held slot to be refused, got %v", round, err)
			case !ok && err != nil:
				t.Fatalf("round %d: CreateBooking() error: %v", round, err)
			case !ok:
				live[sl.ID] = b.ID
			}
		}
		if round%4 == 0 {
			_, _ = f.svc.CreateBooking(ctx, bookingFor(nil, fmt.Sprintf("walkin%d@example.com", round)))
			f.clock.Advance(3 * time.Minute)
			if _, err := sweeper.RunOnce(ctx); err != nil {
				t.Fatalf("round %d: RunOnce() error: %v", round, err)
			}
		}
		assertSlotsMatchBookings(t, f.store)
	}
}

func TestSweeper_ReleasesSlotOfExpiredBooking(t *testing.T) {
	f := newFixture(t, Options{})
	slot := f.slot(t, "2099-01-05", "10:00 AM")

	// Rows written by a pending-first deployment hold their slot while PENDING.
	b := &Booking{
		DoctorID: testDoctorID, SlotID: &slot.ID, PatientFirstName: "Jane", PatientLastName: "Doe",
		PatientEmail: "jane@example.com", AppointmentType: AppointmentVideo,
		BookingDate: slot.SlotDate, BookingTime: slot.SlotTime, Status: StatusPending,
	}
	if err := f.store.Bookings().Create(context.Background(), b); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	_ = f.store.SetAvailability(context.Background(), slot.ID, false)
	f.clock.Advance(5 * time.Minute)

	if n, err := newTestSweeper(f, 2*time.Minute).RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected 1 expired booking, got %d (%v)", n, err)
	}
	got, _ := f.store.Get(context.Background(), slot.ID)
	if !got.IsAvailable {
		t.Error("expected slot of failed booking to be available again")
	}
}

func TestSweeper_ConfirmAfterExpiryIsRejected(t *testing.T) {
	f := newFixture(t, Options{DeferSlotlessConfirmation: true})
	b, _ := f.svc.CreateBooking(context.Background(), bookingFor(nil, "a@example.com"))
	f.clock.Advance(10 * time.Minute)

	if _, err := newTestSweeper(f, 2*time.Minute).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	_, err := f.svc.ConfirmBooking(context.Background(), b.ID)
	var serr *StateError
	if !errors.As(err, &serr) || serr.Current != StatusFailed {
		t.Errorf("expected StateError with current FAILED, got %v", err)
	}
}

func TestSweeper_NothingToExpire(t *testing.T) {
	f := newFixture(t, Options{})
	n, err := newTestSweeper(f, 0).RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected 0 and no error, got %d (%v)", n, err)
	}
}

func TestSweeper_StorageFailure(t *testing.T) {
	f := newFixture(t, Options{})
	s := NewSweeper(failingTx{err: errDiskFull}, f.store, f.store.Bookings(), f.recorder, zerolog.Nop(), time.Minute, time.Minute)

	_, err := s.RunOnce(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

func TestSweeper_StartStopsOnCancel(t *testing.T) {
	f := newFixture(t, Options{})
	s := NewSweeper(failingTx{err: errDiskFull}, f.store, f.store.Bookings(), f.recorder, zerolog.Nop(), 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(nil, nil, nil, nil, zerolog.Nop(), 0, 0)
	if s.interval != DefaultSweepInterval || s.ttl != DefaultPendingTTL {
		t.Errorf("expected defaults, got interval=%s ttl=%s", s.interval, s.ttl)
	}
}
