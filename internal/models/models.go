package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleFarmer = "farmer"
	RoleBuyer  = "buyer"
	RoleAdmin  = "admin"
)

// ValidRole reports whether role is one of the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleFarmer, RoleBuyer, RoleAdmin:
		return true
	}
	return false
}

// User is the identity record. Email is stored lowercased and unique.
// RefreshTokenHash holds the sha256 fingerprint of the single currently
// valid refresh token; empty means no active session.
type User struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"     json:"id"`
	Username         string    `gorm:"not null"                 json:"username"`
	Email            string    `gorm:"uniqueIndex;not null"     json:"email"`
	PasswordHash     string    `gorm:"not null"                 json:"-"`
	Role             string    `gorm:"not null"                 json:"role"`
	RefreshTokenHash string    `gorm:"column:refresh_token_hash" json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}
