package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/farmeasy/farmeasy/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

// GormRepo persists identities and their single refresh-token slot.
type GormRepo struct {
	DB *gorm.DB
}

func NewGormRepo(db *gorm.DB) *GormRepo {
	return &GormRepo{DB: db}
}

// CreateUser inserts the user, allocating its id. Emails are stored
// lowercased so lookups are case-insensitive.
func (r *GormRepo) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(u.Email)
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	tx := r.DB.WithContext(ctx).Where("email = ?", u.Email).FirstOrCreate(u)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrEmailTaken
	}
	return nil
}

func (r *GormRepo) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *GormRepo) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetRefreshToken overwrites the stored refresh-token fingerprint in a
// single UPDATE. Concurrent refreshes race last-write-wins; the loser
// fails the equality check on its next presentation.
func (r *GormRepo) SetRefreshToken(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	tx := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("refresh_token_hash", fingerprint)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *GormRepo) ClearRefreshToken(ctx context.Context, userID uuid.UUID) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("refresh_token_hash", "").Error
}

// GetRefreshToken returns the stored fingerprint, empty when no session
// is active.
func (r *GormRepo) GetRefreshToken(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := r.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.RefreshTokenHash, nil
}
