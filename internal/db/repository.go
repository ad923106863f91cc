package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Storage-level sentinel errors. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEnrollment indicates an active enrollment already exists
	// for the (friend, scenario) pair. Raised by the partial unique index.
	ErrDuplicateEnrollment = errors.New("active enrollment already exists")

	// ErrDuplicateAttempt indicates a live delivery attempt already exists
	// for the (enrollment, step) pair.
	ErrDuplicateAttempt = errors.New("live delivery attempt already exists")

	// ErrInvalidCode indicates the invite code is missing or deactivated.
	ErrInvalidCode = errors.New("invalid invite code")

	// ErrCodeExhausted indicates a concurrent redemption consumed the last
	// use of the code.
	ErrCodeExhausted = errors.New("invite code exhausted")
)

// Repository handles database operations for the delivery engine.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
