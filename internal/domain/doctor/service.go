package doctor

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Service struct {
	repo   Repository
	cache  ListCache
	logger zerolog.Logger
}

func NewService(repo Repository, cache ListCache, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger.With().Str("component", "doctor").Logger()}
}

// ListDoctors serves the directory from the cache when possible. A cache
// failure is logged and the database answers instead.
func (s *Service) ListDoctors(ctx context.Context) ([]*Doctor, error) {
	cacheable := false
	var gen int64
	if s.cache != nil {
		doctors, ok, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("doctor cache read failed")
		} else if ok {
			return doctors, nil
		}
		// Taken before the read so a concurrent create makes this list stale.
		if gen, err = s.cache.Generation(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("doctor cache generation read failed")
		} else {
			cacheable = true
		}
	}

	doctors, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if stored, err := s.cache.Set(ctx, gen, doctors); err != nil {
			s.logger.Warn().Err(err).Msg("doctor cache write failed")
		} else if !stored {
			s.logger.Debug().Msg("doctor list changed during read, not cached")
		}
	}
	return doctors, nil
}

func (s *Service) GetDoctor(ctx context.Context, id int64) (*Doctor, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// Summary returns the fields bookings embed for a doctor.
func (s *Service) Summary(ctx context.Context, id int64) (*Summary, error) {
	d, err := s.GetDoctor(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Summary(), nil
}

func (s *Service) CreateDoctor(ctx context.Context, req *CreateRequest) (*Doctor, error) {
	d := &Doctor{
		Name:            strings.TrimSpace(req.Name),
		Specialty:       strings.TrimSpace(req.Specialty),
		Hospital:        req.Hospital,
		Rating:          defaultRating,
		ConsultationFee: defaultFee,
		Image:           req.Image,
	}
	if d.Name == "" {
		return nil, invalid("name is required")
	}
	if d.Specialty == "" {
		return nil, invalid("specialty is required")
	}
	if req.Experience != nil {
		if *req.Experience < 0 {
			return nil, invalid("experience must not be negative")
		}
		d.Experience = *req.Experience
	}
	if req.Rating != nil && !req.Rating.IsZero() {
		if req.Rating.IsNegative() || req.Rating.GreaterThan(decimal.NewFromInt(5)) {
			return nil, invalid("rating must be between 0 and 5")
		}
		d.Rating = *req.Rating
	}
	if req.ConsultationFee != nil && !req.ConsultationFee.IsZero() {
		if req.ConsultationFee.IsNegative() {
			return nil, invalid("consultation_fee must not be negative")
		}
		d.ConsultationFee = *req.ConsultationFee
	}

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("doctor cache invalidation failed")
		}
	}
	return d, nil
}

// ValidationError reports a rejected create payload.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(msg string) error { return &ValidationError{Msg: msg} }

// IsNotFound reports whether err means the doctor does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
