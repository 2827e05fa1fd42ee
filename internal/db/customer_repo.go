package db

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"polarsync/internal/types"
)

// CustomerRepo persists the local mirror of Polar customers, keyed by the
// provider-assigned polar_customer_id.
type CustomerRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewCustomerRepo creates a CustomerRepo backed by the given database
// connection (pool or transaction).
func NewCustomerRepo(db DBTX, logger *slog.Logger) *CustomerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerRepo{db: db, logger: logger}
}

// FindByPolarID looks a customer up by provider id. Returns (nil, nil)
// when no row exists; absence is an expected state, not an error.
func (r *CustomerRepo) FindByPolarID(ctx context.Context, polarCustomerID string) (*types.Customer, error) {
	return r.findOne(ctx,
		`SELECT id, polar_customer_id, email, name, user_id, metadata, created_at, updated_at
		 FROM customers
		 WHERE polar_customer_id = $1`,
		polarCustomerID,
	)
}

// FindByEmail looks a customer up by normalized email. Returns (nil, nil)
// when no row exists.
func (r *CustomerRepo) FindByEmail(ctx context.Context, email string) (*types.Customer, error) {
	return r.findOne(ctx,
		`SELECT id, polar_customer_id, email, name, user_id, metadata, created_at, updated_at
		 FROM customers
		 WHERE LOWER(email) = LOWER($1)`,
		email,
	)
}

// FindByUserID returns the most recently updated customer linked to the
// internal user account, or (nil, nil) when none is linked.
func (r *CustomerRepo) FindByUserID(ctx context.Context, userID int64) (*types.Customer, error) {
	return r.findOne(ctx,
		`SELECT id, polar_customer_id, email, name, user_id, metadata, created_at, updated_at
		 FROM customers
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID,
	)
}

// Upsert creates or updates the row for up.PolarCustomerID. Nil pointer
// fields never overwrite stored values; a non-nil Metadata replaces the
// stored column wholesale (the caller pre-merges layers).
func (r *CustomerRepo) Upsert(ctx context.Context, up types.CustomerUpsert) (*types.Customer, error) {
	if strings.TrimSpace(up.PolarCustomerID) == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "customer upsert requires a provider customer id", nil)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO customers (id, polar_customer_id, email, name, user_id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (polar_customer_id) DO UPDATE SET
		     email      = COALESCE(EXCLUDED.email, customers.email),
		     name       = COALESCE(EXCLUDED.name, customers.name),
		     user_id    = COALESCE(EXCLUDED.user_id, customers.user_id),
		     metadata   = COALESCE(EXCLUDED.metadata, customers.metadata),
		     updated_at = NOW()
		 RETURNING id, polar_customer_id, email, name, user_id, metadata, created_at, updated_at`,
		uuid.NewString(),
		up.PolarCustomerID,
		up.Email,
		up.Name,
		up.UserID,
		up.Metadata,
	)

	customer, err := scanCustomer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeInternalDB,
				"customer upsert collided with an existing row",
				err,
				map[string]any{"polar_customer_id": up.PolarCustomerID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert customer", err)
	}
	return customer, nil
}

func (r *CustomerRepo) findOne(ctx context.Context, query string, args ...any) (*types.Customer, error) {
	customer, err := scanCustomer(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load customer", err)
	}
	return customer, nil
}

func scanCustomer(row pgx.Row) (*types.Customer, error) {
	var (
		c     types.Customer
		email *string
		name  *string
	)
	err := row.Scan(
		&c.ID,
		&c.PolarCustomerID,
		&email,
		&name,
		&c.UserID,
		&c.Metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if email != nil {
		c.Email = *email
	}
	if name != nil {
		c.Name = *name
	}
	return &c, nil
}
