package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	mwauth "github.com/farmeasy/farmeasy/internal/middleware/auth"
	"github.com/farmeasy/farmeasy/internal/service"
)

// CookieConfig selects the cookie attributes for the deployment
// environment: Secure+SameSite=None in production, Lax in development.
type CookieConfig struct {
	Secure   bool
	SameSite http.SameSite
}

func ProductionCookies() CookieConfig {
	return CookieConfig{Secure: true, SameSite: http.SameSiteNoneMode}
}

func DevelopmentCookies() CookieConfig {
	return CookieConfig{Secure: false, SameSite: http.SameSiteLaxMode}
}

type AuthHandler struct {
	Service *service.AuthService
	Cookies CookieConfig
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	UserType string `json:"userType"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	UserType string `json:"userType"`
}

// envelope is the single success shape every endpoint returns.
func envelope(data interface{}) echo.Map {
	return echo.Map{"data": data}
}

func (h *AuthHandler) CreateCookie(name, value string, exp time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.Cookies.Secure,
		SameSite: h.Cookies.SameSite,
	}
}

func (h *AuthHandler) DeleteCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Cookies.Secure,
		SameSite: h.Cookies.SameSite,
	}
}

func (h *AuthHandler) setTokenCookies(c echo.Context, pair service.TokenPair) {
	c.SetCookie(h.CreateCookie(mwauth.AccessCookieName, pair.AccessToken, pair.AccessExp))
	c.SetCookie(h.CreateCookie(mwauth.RefreshCookieName, pair.RefreshToken, pair.RefreshExp))
}

func (h *AuthHandler) clearTokenCookies(c echo.Context) {
	c.SetCookie(h.DeleteCookie(mwauth.AccessCookieName))
	c.SetCookie(h.DeleteCookie(mwauth.RefreshCookieName))
}

func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	user, err := h.Service.Register(c.Request().Context(), req.Username, req.Email, req.Password, req.UserType)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrEmailTaken):
			return echo.NewHTTPError(http.StatusConflict, "email already registered")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "registration failed")
		}
	}
	return c.JSON(http.StatusCreated, envelope(user))
}

// Login sets both token cookies and returns the sanitized identity.
// Secret fields never appear in the body.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	result, err := h.Service.Login(c.Request().Context(), req.Email, req.Password, req.UserType)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrUnauthenticated):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
		}
	}

	h.setTokenCookies(c, result.TokenPair)
	return c.JSON(http.StatusOK, envelope(result.User))
}

// Refresh exchanges the refresh cookie for a new pair. The refresh token
// is accepted from the httpOnly cookie only, never from a header.
func (h *AuthHandler) Refresh(c echo.Context) error {
	cookie, err := c.Cookie(mwauth.RefreshCookieName)
	if err != nil || cookie.Value == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}

	result, err := h.Service.Refresh(c.Request().Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, service.ErrUnauthenticated) {
			h.clearTokenCookies(c)
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "refresh failed")
	}

	h.setTokenCookies(c, result.TokenPair)
	return c.JSON(http.StatusOK, envelope(result.User))
}

func (h *AuthHandler) Logout(c echo.Context) error {
	user := mwauth.CurrentUser(c)
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	if err := h.Service.Logout(c.Request().Context(), user.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "logout failed")
	}
	h.clearTokenCookies(c)
	return c.JSON(http.StatusOK, envelope(echo.Map{"message": "logged out"}))
}

func (h *AuthHandler) Profile(c echo.Context) error {
	user := mwauth.CurrentUser(c)
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return c.JSON(http.StatusOK, envelope(user))
}

// Verify returns the current identity; session clients call it on load
// to rebuild state from the httpOnly cookies.
func (h *AuthHandler) Verify(c echo.Context) error {
	user := mwauth.CurrentUser(c)
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return c.JSON(http.StatusOK, envelope(user))
}
