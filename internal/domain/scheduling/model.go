package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/medify/booking/internal/domain/doctor"
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// transitions lists every legal status change. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusCancelled},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

// HoldsSlot reports whether a booking in this status keeps its slot unavailable.
func (s Status) HoldsSlot() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown booking status %q", v)
	}
	return s, nil
}

type AppointmentType string

const (
	AppointmentVideo    AppointmentType = "video"
	AppointmentInPerson AppointmentType = "in-person"
)

func (t AppointmentType) Valid() bool {
	return t == AppointmentVideo || t == AppointmentInPerson
}

// Label is the patient-facing name of the appointment type.
func (t AppointmentType) Label() string {
	if t == AppointmentVideo {
		return "Video Consultation"
	}
	return "In-Person Visit"
}

// DateLayout is the wire and storage format of slot and booking dates.
const DateLayout = "2006-01-02"

// Column widths from migrations/001_core.sql, in characters.
const (
	MaxTimeLen  = 20
	MaxNameLen  = 100
	MaxEmailLen = 255
	MaxPhoneLen = 50
)

// Slot is one bookable (doctor, date, time) unit.
type Slot struct {
	ID          int64     `json:"id"`
	DoctorID    int64     `json:"doctor_id"`
	SlotDate    string    `json:"slot_date"`
	SlotTime    string    `json:"slot_time"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
}

// Booking maps to the bookings table.
type Booking struct {
	ID               int64           `json:"id"`
	DoctorID         int64           `json:"doctor_id"`
	SlotID           *int64          `json:"slot_id"`
	PatientFirstName string          `json:"patient_first_name"`
	PatientLastName  string          `json:"patient_last_name"`
	PatientEmail     string          `json:"patient_email"`
	PatientPhone     *string         `json:"patient_phone"`
	AppointmentType  AppointmentType `json:"appointment_type"`
	Reason           *string         `json:"reason"`
	Notes            *string         `json:"notes"`
	BookingDate      string          `json:"booking_date"`
	BookingTime      string          `json:"booking_time"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BookingWithDoctor is a booking row plus the doctor summary.
type BookingWithDoctor struct {
	Booking
	Doctor *doctor.Summary `json:"doctor"`
}

// AdminBookingRow is one line of the admin booking table.
type AdminBookingRow struct {
	Booking
	DoctorName *string `json:"doctor_name"`
	Specialty  *string `json:"specialty"`
}

// BookingRequest is the POST /bookings payload.
type BookingRequest struct {
	DoctorID         int64           `json:"doctor_id"`
	SlotID           *int64          `json:"slot_id"`
	PatientFirstName string          `json:"patient_first_name"`
	PatientLastName  string          `json:"patient_last_name"`
	PatientEmail     string          `json:"patient_email"`
	PatientPhone     *string         `json:"patient_phone"`
	AppointmentType  AppointmentType `json:"appointment_type"`
	Reason           *string         `json:"reason"`
	Notes            *string         `json:"notes"`
	BookingDate      string          `json:"booking_date"`
	BookingTime      string          `json:"booking_time"`
}

type SlotRequest struct {
	DoctorID int64  `json:"doctor_id"`
	SlotDate string `json:"slot_date"`
	SlotTime string `json:"slot_time"`
}

type BulkSlotRequest struct {
	DoctorID int64    `json:"doctor_id"`
	Dates    []string `json:"dates"`
	Times    []string `json:"times"`
}

type BulkSlotResult struct {
	Created int     `json:"created"`
	Slots   []*Slot `json:"slots"`
}

// PatientBookingView is the shape of GET /bookings?email=.
type PatientBookingView struct {
	ID          int64             `json:"id"`
	Date        string            `json:"date"`
	Time        string            `json:"time"`
	Type        string            `json:"type"`
	Status      Status            `json:"status"`
	Doctor      PatientDoctorInfo `json:"doctor"`
	PatientInfo PatientInfo       `json:"patientInfo"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type PatientDoctorInfo struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Specialty string  `json:"specialty"`
	Hospital  *string `json:"hospital"`
	Image     *string `json:"image"`
}

type PatientInfo struct {
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone"`
	Reason    *string `json:"reason"`
	Notes     *string `json:"notes"`
}

func NewPatientView(b *BookingWithDoctor) *PatientBookingView {
	v := &PatientBookingView{
		ID:     b.ID,
		Date:   b.BookingDate,
		Time:   b.BookingTime,
		Type:   b.AppointmentType.Label(),
		Status: b.Status,
		Doctor: PatientDoctorInfo{ID: b.DoctorID},
		PatientInfo: PatientInfo{
			FirstName: b.PatientFirstName,
			LastName:  b.PatientLastName,
			Email:     b.PatientEmail,
			Phone:     b.PatientPhone,
			Reason:    b.Reason,
			Notes:     b.Notes,
		},
		CreatedAt: b.CreatedAt,
	}
	if b.Doctor != nil {
		v.Doctor.Name = b.Doctor.Name
		v.Doctor.Specialty = b.Doctor.Specialty
		v.Doctor.Hospital = b.Doctor.Hospital
		v.Doctor.Image = b.Doctor.Image
	}
	return v
}

// NormalizeEmail trims and lowercases an address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
