package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/farmeasy/farmeasy/internal/audit"
	"github.com/farmeasy/farmeasy/internal/events"
	pkg_hash "github.com/farmeasy/farmeasy/internal/hash"
	"github.com/farmeasy/farmeasy/internal/logging"
	"github.com/farmeasy/farmeasy/internal/models"
	"github.com/farmeasy/farmeasy/internal/repo"
	"github.com/farmeasy/farmeasy/internal/tokens"
)

var (
	// ErrUnauthenticated is the single outward failure class for every
	// bad credential: missing, malformed, expired, or superseded.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidInput flags malformed registration or login payloads.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEmailTaken mirrors repo.ErrEmailTaken at the service boundary.
	ErrEmailTaken = repo.ErrEmailTaken
)

type AuthService struct {
	Repo     *repo.GormRepo
	Codec    *tokens.Codec
	Producer *events.Producer
	Audit    *audit.Recorder
}

// TokenPair carries a freshly minted access/refresh pair with the
// expiries the cookie layer needs.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

type LoginResult struct {
	User *models.User
	TokenPair
}

func (s *AuthService) Register(ctx context.Context, username, email, password, role string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	if username == "" || email == "" || password == "" {
		return nil, fmt.Errorf("%w: missing field", ErrInvalidInput)
	}
	// Admin accounts are provisioned out of band, never self-assigned.
	if role != models.RoleFarmer && role != models.RoleBuyer {
		return nil, fmt.Errorf("%w: unknown user type %q", ErrInvalidInput, role)
	}

	pwHash, err := pkg_hash.HashPassword(password)
	if err != nil {
		l.Error("hash failed", "error", err)
		return nil, err
	}
	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: pwHash,
		Role:         role,
	}
	if err := s.Repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repo.ErrEmailTaken) {
			l.Warn("register rejected", "reason", "email taken")
			return nil, err
		}
		l.Error("register failed", "error", err)
		return nil, err
	}

	s.publish(ctx, "user_registered", user)
	go s.Audit.Record(context.WithoutCancel(ctx), audit.Event{
		Type: audit.EventRegister, UserID: user.ID.String(), Email: user.Email,
	})
	return user, nil
}

// Login checks the password and the requested user type, then mints a
// fresh pair and overwrites the stored refresh fingerprint. Any previous
// session for this identity is invalidated by that overwrite.
func (s *AuthService) Login(ctx context.Context, email, password, userType string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login")

	if userType == "" {
		return nil, fmt.Errorf("%w: missing user type", ErrInvalidInput)
	}

	user, err := s.Repo.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("login rejected", "reason", "unknown email")
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !pkg_hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login rejected", "reason", "bad password")
		return nil, ErrUnauthenticated
	}
	if user.Role != userType {
		l.Warn("login rejected", "reason", "user type mismatch")
		return nil, ErrUnauthenticated
	}

	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, "user_logged_in", user)
	go s.Audit.Record(context.WithoutCancel(ctx), audit.Event{
		Type: audit.EventLogin, UserID: user.ID.String(), Email: user.Email,
	})
	return &LoginResult{User: user, TokenPair: *pair}, nil
}

// Refresh exchanges a valid refresh token for a new pair, rotating the
// stored fingerprint. The presented token must match the stored value
// exactly; a mismatch means it was already superseded (a concurrent
// refresh won, or a stale stolen token was replayed) and is rejected.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	claims, err := s.Codec.VerifyRefresh(refreshToken)
	if err != nil {
		l.Warn("refresh rejected", "reason", "verification failed")
		return nil, ErrUnauthenticated
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	user, err := s.Repo.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("refresh rejected", "reason", "identity gone")
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	presented := tokens.Fingerprint(refreshToken)
	if user.RefreshTokenHash == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(user.RefreshTokenHash)) != 1 {
		l.Warn("refresh rejected", "reason", "token superseded", "user_id", user.ID)
		go s.Audit.Record(context.WithoutCancel(ctx), audit.Event{
			Type: audit.EventRefreshReuse, UserID: user.ID.String(), Email: user.Email,
		})
		return nil, ErrUnauthenticated
	}

	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return nil, err
	}

	go s.Audit.Record(context.WithoutCancel(ctx), audit.Event{
		Type: audit.EventRefresh, UserID: user.ID.String(), Email: user.Email,
	})
	return &LoginResult{User: user, TokenPair: *pair}, nil
}

// Logout clears the stored refresh fingerprint so the outstanding
// refresh token can never be exchanged again.
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID) error {
	l := logging.FromContext(ctx).With("svc", "auth.logout")

	if err := s.Repo.ClearRefreshToken(ctx, userID); err != nil {
		l.Error("logout failed", "error", err)
		return err
	}
	s.publish(ctx, "user_logged_out", &models.User{ID: userID})
	go s.Audit.Record(context.WithoutCancel(ctx), audit.Event{
		Type: audit.EventLogout, UserID: userID.String(),
	})
	return nil
}

// mintPair mints both tokens and persists the new refresh fingerprint,
// invalidating whatever was stored before.
func (s *AuthService) mintPair(ctx context.Context, user *models.User) (*TokenPair, error) {
	access, accessExp, err := s.Codec.MintAccess(user.ID, user.Role, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.Codec.MintRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.SetRefreshToken(ctx, user.ID, tokens.Fingerprint(refresh)); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func (s *AuthService) publish(ctx context.Context, eventType string, user *models.User) {
	l := logging.FromContext(ctx)

	event := map[string]interface{}{
		"type":     eventType,
		"user_id":  user.ID.String(),
		"username": user.Username,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Producer.PublishEvent(pubCtx, events.UserTopic, user.ID.String(), event); err != nil {
		l.Error("kafka publish error", "event", eventType, "error", err)
	}
}
