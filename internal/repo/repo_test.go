package repo

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/farmeasy/farmeasy/internal/models"
)

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "failed to connect to in-memory db")
	require.NoError(t, db.AutoMigrate(&models.User{}), "failed to migrate tables")
	return db
}

func seedUser(t *testing.T, r *GormRepo, email string) *models.User {
	t.Helper()
	u := &models.User{
		Username:     "tester",
		Email:        email,
		PasswordHash: "x",
		Role:         models.RoleFarmer,
	}
	require.NoError(t, r.CreateUser(context.Background(), u))
	return u
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	r := NewGormRepo(initTestDB(t))
	seedUser(t, r, "a@x.com")

	dup := &models.User{Username: "other", Email: "a@x.com", PasswordHash: "y", Role: models.RoleBuyer}
	err := r.CreateUser(context.Background(), dup)
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestUserByEmailCaseInsensitive(t *testing.T) {
	r := NewGormRepo(initTestDB(t))
	created := seedUser(t, r, "Farmer@Example.COM")

	found, err := r.UserByEmail(context.Background(), "farmer@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, "farmer@example.com", found.Email)

	_, err = r.UserByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestRefreshTokenLifecycle(t *testing.T) {
	r := NewGormRepo(initTestDB(t))
	user := seedUser(t, r, "a@x.com")
	ctx := context.Background()

	got, err := r.GetRefreshToken(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, r.SetRefreshToken(ctx, user.ID, "fp-1"))
	got, err = r.GetRefreshToken(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "fp-1", got)

	// Overwrite wins; there is never more than one stored value.
	require.NoError(t, r.SetRefreshToken(ctx, user.ID, "fp-2"))
	got, err = r.GetRefreshToken(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "fp-2", got)

	require.NoError(t, r.ClearRefreshToken(ctx, user.ID))
	got, err = r.GetRefreshToken(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSetRefreshTokenUnknownUser(t *testing.T) {
	r := NewGormRepo(initTestDB(t))
	err := r.SetRefreshToken(context.Background(), uuid.New(), "fp")
	require.ErrorIs(t, err, ErrUserNotFound)
}
