package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"polarsync/internal/types"
)

// UserRepo reads internal user accounts. The users table is owned by the
// account system; polarsync only ever reads from it to resolve webhook
// linkage and to build checkout sessions.
type UserRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewUserRepo creates a UserRepo backed by the given database connection
// (pool or transaction).
func NewUserRepo(db DBTX, logger *slog.Logger) *UserRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserRepo{db: db, logger: logger}
}

// GetByID fetches a user by internal id, failing with not_found_user when
// no such account exists.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*types.User, error) {
	var u types.User
	err := r.db.QueryRow(ctx,
		`SELECT id, email, name FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user", err)
	}
	return &u, nil
}
