package httpserver

import (
	"github.com/labstack/echo/v4"

	"github.com/farmeasy/farmeasy/internal/handlers"
	mwauth "github.com/farmeasy/farmeasy/internal/middleware/auth"
)

type Deps struct {
	AuthHandler *handlers.AuthHandler
	Verifier    *mwauth.SessionVerifier
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(200) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(200) })

	users := e.Group("/api/users")
	users.POST("/register", d.AuthHandler.Register)
	users.POST("/login", d.AuthHandler.Login)
	users.POST("/logout", d.AuthHandler.Logout, d.Verifier.RequireAuth)
	users.GET("/profile", d.AuthHandler.Profile, d.Verifier.RequireAuth)

	auth := e.Group("/api/auth")
	auth.POST("/refresh", d.AuthHandler.Refresh)
	auth.GET("/verify", d.AuthHandler.Verify, d.Verifier.RequireAuth)
}
