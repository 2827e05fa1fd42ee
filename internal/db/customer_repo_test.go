package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"polarsync/internal/types"
)

func TestCustomerRepo_FindByPolarID_NotFound(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewCustomerRepo(dbx, nil)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	customer, err := repo.FindByPolarID(context.Background(), "cus_missing")
	require.NoError(t, err, "absence is not an error")
	assert.Nil(t, customer)
}

func TestCustomerRepo_FindByPolarID_Found(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewCustomerRepo(dbx, nil)

	now := time.Now().UTC()
	email := "a@b.com"
	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "c-1"
			*dest[1].(*string) = "cus_1"
			*dest[2].(**string) = &email
			*dest[3].(**string) = nil
			*dest[4].(**int64) = nil
			*dest[5].(*types.Metadata) = types.Metadata{"k": "v"}
			*dest[6].(*time.Time) = now
			*dest[7].(*time.Time) = now
			return nil
		}})

	customer, err := repo.FindByPolarID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", customer.ID)
	assert.Equal(t, "cus_1", customer.PolarCustomerID)
	assert.Equal(t, "a@b.com", customer.Email)
	assert.Empty(t, customer.Name)
	assert.Equal(t, types.Metadata{"k": "v"}, customer.Metadata)
}

func TestCustomerRepo_Upsert_RequiresProviderID(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewCustomerRepo(dbx, nil)

	_, err := repo.Upsert(context.Background(), types.CustomerUpsert{PolarCustomerID: "  "})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	dbx.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestCustomerRepo_Upsert_DBError(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewCustomerRepo(dbx, nil)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.Upsert(context.Background(), types.CustomerUpsert{PolarCustomerID: "cus_1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestUserRepo_GetByID_NotFound(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewUserRepo(dbx, nil)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), 404)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestSubscriptionRepo_Upsert_RequiresOwner(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbx, nil)

	_, err := repo.Upsert(context.Background(), types.SubscriptionUpsert{
		PolarSubscriptionID: "sub_1",
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeWebhookMissingCustomer, appErr.Code)
}
