package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a password check fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrNotFound is returned when a user does not exist or is inactive.
var ErrNotFound = errors.New("user not found")

// DBTX is the subset of pgx the store needs; satisfied by *pgxpool.Pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRow is an operator account.
type UserRow struct {
	ID           uuid.UUID
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
}

// Store provides operator-account lookups against the control store.
type Store struct {
	dbtx DBTX
}

// NewStore creates the account store.
func NewStore(dbtx DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const userColumns = `id, email, display_name, password_hash, role, is_active, created_at`

func scanUser(row pgx.Row) (UserRow, error) {
	var u UserRow
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// GetByEmail returns an active user by email.
func (s *Store) GetByEmail(ctx context.Context, email string) (UserRow, error) {
	row := s.dbtx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND is_active = true`, email)
	return scanUser(row)
}

// GetByID returns an active user by id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (UserRow, error) {
	row := s.dbtx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND is_active = true`, id)
	return scanUser(row)
}

// VerifyPassword re-checks an operator's password. Used by the admission path
// before dangerous SQL is accepted.
func (s *Store) VerifyPassword(ctx context.Context, id uuid.UUID, password string) error {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Create inserts an operator account with a bcrypt-hashed password.
func (s *Store) Create(ctx context.Context, email, displayName, password, role string) (UserRow, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserRow{}, fmt.Errorf("hashing password: %w", err)
	}

	row := s.dbtx.QueryRow(ctx,
		`INSERT INTO users (email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		email, displayName, string(hash), role)
	return scanUser(row)
}

// Count returns the number of accounts; used by seed mode to decide whether
// bootstrap is needed.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}
