package scheduling

import (
	"context"
	"time"
)

// SlotRepository stores slot inventory. LockAvailable and SetAvailability are
// only called inside a TxManager transaction.
type SlotRepository interface {
	ListAvailable(ctx context.Context, doctorID int64, date string) ([]*Slot, error)
	Get(ctx context.Context, id int64) (*Slot, error)
	Create(ctx context.Context, s *Slot) error
	BulkCreate(ctx context.Context, doctorID int64, dates, times []string) ([]*Slot, error)
	LockAvailable(ctx context.Context, id int64) (*Slot, error)
	SetAvailability(ctx context.Context, id int64, available bool) error
}

// BookingRepository stores the booking ledger.
type BookingRepository interface {
	Create(ctx context.Context, b *Booking) error
	GetForUpdate(ctx context.Context, id int64) (*Booking, error)
	UpdateStatus(ctx context.Context, id int64, to Status) (*Booking, error)
	TransitionIfStatus(ctx context.Context, id int64, from, to Status) (*Booking, error)
	ExpirePending(ctx context.Context, olderThan time.Duration) ([]*Booking, error)
	ListByEmail(ctx context.Context, email string) ([]*BookingWithDoctor, error)
	List(ctx context.Context, limit, offset int) ([]*AdminBookingRow, int, error)
}
