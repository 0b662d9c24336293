package doctor

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("doctor not found")

var (
	defaultRating = decimal.RequireFromString("4.5")
	defaultFee    = decimal.NewFromInt(500)
)

// Doctor maps to the doctors table.
type Doctor struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Specialty       string          `json:"specialty"`
	Hospital        *string         `json:"hospital"`
	Experience      int             `json:"experience"`
	Rating          decimal.Decimal `json:"rating"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
	Image           *string         `json:"image"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Summary is the doctor block embedded in booking responses.
type Summary struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Specialty string  `json:"specialty"`
	Hospital  *string `json:"hospital"`
	Image     *string `json:"image"`
}

func (d *Doctor) Summary() *Summary {
	return &Summary{
		ID:        d.ID,
		Name:      d.Name,
		Specialty: d.Specialty,
		Hospital:  d.Hospital,
		Image:     d.Image,
	}
}

// CreateRequest is the admin payload. Omitted numeric fields take the
// directory defaults.
type CreateRequest struct {
	Name            string           `json:"name"`
	Specialty       string           `json:"specialty"`
	Hospital        *string          `json:"hospital"`
	Experience      *int             `json:"experience"`
	Rating          *decimal.Decimal `json:"rating"`
	ConsultationFee *decimal.Decimal `json:"consultation_fee"`
	Image           *string          `json:"image"`
}
