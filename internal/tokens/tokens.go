package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers every verification failure: bad signature,
// malformed token, wrong algorithm, expired. Callers are not told which.
var ErrInvalidToken = errors.New("invalid token")

type AccessClaims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	jwt.RegisteredClaims
}

// Codec mints and verifies the two token kinds. Each kind has its own
// signing secret and lifetime.
type Codec struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

func NewCodec(accessSecret, refreshSecret []byte, accessTTL, refreshTTL time.Duration) (*Codec, error) {
	if len(accessSecret) == 0 {
		return nil, errors.New("tokens: access secret is empty")
	}
	if len(refreshSecret) == 0 {
		return nil, errors.New("tokens: refresh secret is empty")
	}
	return &Codec{
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
	}, nil
}

func (c *Codec) MintAccess(userID uuid.UUID, role, email string) (string, time.Time, error) {
	exp := time.Now().Add(c.AccessTTL)
	claims := AccessClaims{
		Role:  role,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.AccessSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (c *Codec) MintRefresh(userID uuid.UUID) (string, time.Time, error) {
	exp := time.Now().Add(c.RefreshTTL)
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.RefreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (c *Codec) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := parse(tokenStr, &claims, c.AccessSecret); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (c *Codec) VerifyRefresh(tokenStr string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := parse(tokenStr, &claims, c.RefreshSecret); err != nil {
		return nil, err
	}
	return &claims, nil
}

func parse(tokenStr string, claims jwt.Claims, secret []byte) error {
	tkn, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected sign method")
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tkn.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Fingerprint is the stored form of a refresh token: the raw value never
// touches the database.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LocalExpired decodes the expiry claim without verifying the signature.
// Session clients use it to decide when to refresh; the server remains
// the authority on validity. The boundary instant counts as expired.
func LocalExpired(tokenStr string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenStr, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return !now.Before(claims.ExpiresAt.Time)
}
