package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/farmeasy/farmeasy/internal/handlers"
	mwauth "github.com/farmeasy/farmeasy/internal/middleware/auth"
	"github.com/farmeasy/farmeasy/internal/models"
	"github.com/farmeasy/farmeasy/internal/repo"
	"github.com/farmeasy/farmeasy/internal/service"
	"github.com/farmeasy/farmeasy/internal/tokens"
	httpserver "github.com/farmeasy/farmeasy/internal/transport/http"
)

type testEnv struct {
	e     *echo.Echo
	svc   *service.AuthService
	repo  *repo.GormRepo
	codec *tokens.Codec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "failed to connect to in-memory db")
	require.NoError(t, db.AutoMigrate(&models.User{}))

	codec, err := tokens.NewCodec([]byte("access-secret"), []byte("refresh-secret"), 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)

	userRepo := repo.NewGormRepo(db)
	svc := &service.AuthService{Repo: userRepo, Codec: codec}

	e := echo.New()
	httpserver.Register(e, &httpserver.Deps{
		AuthHandler: &handlers.AuthHandler{Service: svc, Cookies: handlers.DevelopmentCookies()},
		Verifier:    &mwauth.SessionVerifier{Codec: codec, Repo: userRepo},
	})
	return &testEnv{e: e, svc: svc, repo: userRepo, codec: codec}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) register(t *testing.T) *models.User {
	t.Helper()
	user, err := env.svc.Register(context.Background(), "alice", "a@x.com", "correct", models.RoleFarmer)
	require.NoError(t, err)
	return user
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	res := rec.Result()
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginSetsCookiesAndSanitizesBody(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rec := env.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"email":    "a@x.com",
		"password": "correct",
		"userType": "farmer",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	access := cookieByName(t, rec, "accessToken")
	require.NotNil(t, access)
	require.True(t, access.HttpOnly)
	require.NotEmpty(t, access.Value)

	refresh := cookieByName(t, rec, "refreshToken")
	require.NotNil(t, refresh)
	require.True(t, refresh.HttpOnly)
	require.NotEmpty(t, refresh.Value)

	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "a@x.com", resp.Data["email"])
	require.Equal(t, "farmer", resp.Data["role"])
	require.NotContains(t, rec.Body.String(), "password")
	require.NotContains(t, rec.Body.String(), "refresh")
}

func TestLoginBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rec := env.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"email": "a@x.com", "password": "wrong", "userType": "farmer",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"email": "a@x.com", "password": "correct", "userType": "",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rec := env.do(t, http.MethodPost, "/api/users/register", map[string]string{
		"username": "bob", "email": "a@x.com", "password": "pw", "userType": "buyer",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerifyWithExpiredAccessAndNoRefresh(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)

	expiredCodec, err := tokens.NewCodec([]byte("access-secret"), []byte("refresh-secret"), -time.Minute, time.Hour)
	require.NoError(t, err)
	expired, _, err := expiredCodec.MintAccess(user.ID, user.Role, user.Email)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/auth/verify", nil,
		&http.Cookie{Name: "accessToken", Value: expired})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyReturnsIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	login := env.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"email": "a@x.com", "password": "correct", "userType": "farmer",
	})
	access := cookieByName(t, login, "accessToken")

	rec := env.do(t, http.MethodGet, "/api/auth/verify", nil, access)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data models.User `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "a@x.com", resp.Data.Email)
}

func TestProfileHeaderFallback(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)

	access, _, err := env.codec.MintAccess(user.ID, user.Role, user.Email)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/users/profile", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+access)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/profile", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRotatesCookies(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	login := env.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"email": "a@x.com", "password": "correct", "userType": "farmer",
	})
	refresh := cookieByName(t, login, "refreshToken")

	rec := env.do(t, http.MethodPost, "/api/auth/refresh", nil, refresh)
	require.Equal(t, http.StatusOK, rec.Code)

	rotated := cookieByName(t, rec, "refreshToken")
	require.NotNil(t, rotated)
	require.NotEqual(t, refresh.Value, rotated.Value)

	// The consumed refresh token is superseded.
	rec = env.do(t, http.MethodPost, "/api/auth/refresh", nil, refresh)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The rotated one still works.
	rec = env.do(t, http.MethodPost, "/api/auth/refresh", nil, rotated)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshWithoutCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The refresh token is never read from headers.
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer whatever")
	rr := httptest.NewRecorder()
	env.e.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogoutClearsStateAndCookies(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)

	login := env.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"email": "a@x.com", "password": "correct", "userType": "farmer",
	})
	access := cookieByName(t, login, "accessToken")
	refresh := cookieByName(t, login, "refreshToken")

	rec := env.do(t, http.MethodPost, "/api/users/logout", nil, access)
	require.Equal(t, http.StatusOK, rec.Code)

	cleared := cookieByName(t, rec, "refreshToken")
	require.NotNil(t, cleared)
	require.Empty(t, cleared.Value)

	stored, err := env.repo.GetRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)
	require.Empty(t, stored)

	rec = env.do(t, http.MethodPost, "/api/auth/refresh", nil, refresh)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
