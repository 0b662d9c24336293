// Package sandbox generates reproducible demo data (doctors and their open
// slots) for local environments and UI demos.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medify/booking/internal/domain/doctor"
	"github.com/medify/booking/internal/domain/scheduling"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	DoctorCount int       `json:"doctorCount"`
	Days        int       `json:"days"`
	SlotsPerDay int       `json:"slotsPerDay"`
	StartDate   time.Time `json:"startDate"`
	Seed        int64     `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		DoctorCount: 6,
		Days:        7,
		SlotsPerDay: 6,
		Seed:        42,
	}
}

var (
	firstNames  = []string{"Aarav", "Meera", "Rohan", "Ananya", "Kabir", "Priya", "Vikram", "Sara", "Arjun", "Nisha"}
	lastNames   = []string{"Sharma", "Iyer", "Kapoor", "Menon", "Reddy", "Bose", "Nair", "Gupta", "Khan", "Das"}
	specialties = []string{
		"Cardiologist", "Dermatologist", "General Physician", "Pediatrician",
		"Orthopedic Surgeon", "Neurologist", "Psychiatrist", "Gynecologist",
	}
	hospitals = []string{
		"City Care Hospital", "Sunrise Multispecialty", "Green Valley Clinic",
		"Metro Heart Institute", "Lakeside Medical Centre",
	}
	// Half-hour starts inside clinic hours.
	dayTimes = []string{
		"09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
		"14:00", "14:30", "15:00", "15:30", "16:00", "16:30",
	}
)

// DataGenerator produces deterministic doctors and schedules from a seed.
type DataGenerator struct {
	rng *rand.Rand
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// GenerateDoctor returns a create request with every optional field set.
func (g *DataGenerator) GenerateDoctor() *doctor.CreateRequest {
	hospital := g.pick(hospitals)
	experience := 2 + g.rng.Intn(28)
	// 3.5 to 5.0 in tenths.
	rating := decimal.New(int64(35+g.rng.Intn(16)), -1)
	fee := decimal.NewFromInt(int64(300 + 50*g.rng.Intn(15)))

	return &doctor.CreateRequest{
		Name:            fmt.Sprintf("Dr. %s %s", g.pick(firstNames), g.pick(lastNames)),
		Specialty:       g.pick(specialties),
		Hospital:        &hospital,
		Experience:      &experience,
		Rating:          &rating,
		ConsultationFee: &fee,
	}
}

// GenerateTimes picks n distinct clinic times in chronological order.
func (g *DataGenerator) GenerateTimes(n int) []string {
	if n > len(dayTimes) {
		n = len(dayTimes)
	}
	idx := g.rng.Perm(len(dayTimes))[:n]
	chosen := make([]bool, len(dayTimes))
	for _, i := range idx {
		chosen[i] = true
	}
	out := make([]string, 0, n)
	for i, t := range dayTimes {
		if chosen[i] {
			out = append(out, t)
		}
	}
	return out
}

// Dates returns days consecutive YYYY-MM-DD dates starting at start.
func Dates(start time.Time, days int) []string {
	out := make([]string, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, start.AddDate(0, 0, i).Format("2006-01-02"))
	}
	return out
}

// DoctorCreator is satisfied by *doctor.Service.
type DoctorCreator interface {
	CreateDoctor(ctx context.Context, req *doctor.CreateRequest) (*doctor.Doctor, error)
}

// SlotCreator is satisfied by *scheduling.Service.
type SlotCreator interface {
	BulkCreateSlots(ctx context.Context, req *scheduling.BulkSlotRequest) (*scheduling.BulkSlotResult, error)
}

type SeedResult struct {
	Doctors []*doctor.Doctor `json:"doctors"`
	Slots   int              `json:"slots"`
}

type Seeder struct {
	config  SeedConfig
	doctors DoctorCreator
	slots   SlotCreator
}

func NewSeeder(config SeedConfig, doctors DoctorCreator, slots SlotCreator) *Seeder {
	if config.StartDate.IsZero() {
		config.StartDate = time.Now().AddDate(0, 0, 1)
	}
	return &Seeder{config: config, doctors: doctors, slots: slots}
}

// Run creates the doctors and then their slots. Re-running against the same
// database adds new doctors; slot creation for an existing doctor is
// idempotent.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	if s.config.DoctorCount <= 0 {
		return nil, fmt.Errorf("doctor count must be positive")
	}
	g := NewDataGenerator(s.config.Seed)
	dates := Dates(s.config.StartDate, s.config.Days)
	res := &SeedResult{}

	for i := 0; i < s.config.DoctorCount; i++ {
		d, err := s.doctors.CreateDoctor(ctx, g.GenerateDoctor())
		if err != nil {
			return res, fmt.Errorf("create doctor %d: %w", i+1, err)
		}
		res.Doctors = append(res.Doctors, d)

		if len(dates) == 0 || s.config.SlotsPerDay <= 0 {
			continue
		}
		out, err := s.slots.BulkCreateSlots(ctx, &scheduling.BulkSlotRequest{
			DoctorID: d.ID,
			Dates:    dates,
			Times:    g.GenerateTimes(s.config.SlotsPerDay),
		})
		if err != nil {
			return res, fmt.Errorf("create slots for doctor %d: %w", d.ID, err)
		}
		res.Slots += out.Created
	}
	return res, nil
}
