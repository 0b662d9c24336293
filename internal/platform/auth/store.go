package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/medify/booking/internal/platform/db"
)

var (
	ErrAdminNotFound = errors.New("admin user not found")
	ErrAdminExists   = errors.New("admin user already exists")
)

type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// AdminStore persists admin credentials.
type AdminStore interface {
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
	Create(ctx context.Context, username, passwordHash string) (*AdminUser, error)
}

// HashPassword returns a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type pgAdminStore struct {
	pool *pgxpool.Pool
}

func NewPGAdminStore(pool *pgxpool.Pool) AdminStore {
	return &pgAdminStore{pool: pool}
}

func (s *pgAdminStore) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	var u AdminUser
	err := db.QuerierFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM admin_users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdminNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin user: %w", err)
	}
	return &u, nil
}

func (s *pgAdminStore) Create(ctx context.Context, username, passwordHash string) (*AdminUser, error) {
	u := AdminUser{Username: username, PasswordHash: passwordHash}
	err := db.QuerierFrom(ctx, s.pool).QueryRow(ctx,
		`INSERT INTO admin_users (username, password_hash) VALUES ($1, $2) RETURNING id, created_at`,
		username, passwordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if db.IsPgError(err, db.UniqueViolation) {
		return nil, ErrAdminExists
	}
	if err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}
	return &u, nil
}
