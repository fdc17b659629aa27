package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/farmeasy/farmeasy/internal/audit"
	"github.com/farmeasy/farmeasy/internal/config"
	"github.com/farmeasy/farmeasy/internal/events"
	"github.com/farmeasy/farmeasy/internal/handlers"
	"github.com/farmeasy/farmeasy/internal/logging"
	mwauth "github.com/farmeasy/farmeasy/internal/middleware/auth"
	"github.com/farmeasy/farmeasy/internal/repo"
	"github.com/farmeasy/farmeasy/internal/service"
	"github.com/farmeasy/farmeasy/internal/tokens"
	httpserver "github.com/farmeasy/farmeasy/internal/transport/http"
)

func main() {
	configuration, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger := logging.New(configuration.LOG_LEVEL)

	db, err := config.InitDB(configuration)
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}

	codec, err := tokens.NewCodec(
		[]byte(configuration.JWT_SECRET),
		[]byte(configuration.REFRESH_SECRET),
		configuration.ACCESS_TTL,
		configuration.REFRESH_TTL,
	)
	if err != nil {
		log.Fatalf("token codec error: %v", err)
	}

	var producer *events.Producer
	if configuration.KAFKA_ADDRESS != "" {
		producer = events.NewProducer([]string{configuration.KAFKA_ADDRESS})
	}

	var recorder *audit.Recorder
	if configuration.ES_URL != "" {
		esClient, err := audit.NewClient(configuration.ES_URL, configuration.ES_USER, configuration.ES_PASSWORD)
		if err != nil {
			log.Fatalf("elasticsearch init error: %v", err)
		}
		recorder = audit.NewRecorder(esClient, "auth_audit", logger)
	}

	userRepo := repo.NewGormRepo(db)
	authService := &service.AuthService{
		Repo:     userRepo,
		Codec:    codec,
		Producer: producer,
		Audit:    recorder,
	}

	cookieCfg := handlers.DevelopmentCookies()
	if configuration.IsProduction() {
		cookieCfg = handlers.ProductionCookies()
	}

	e := echo.New()
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := logging.IntoContext(req.Context(), logger.With(
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	})

	deps := httpserver.Deps{
		AuthHandler: &handlers.AuthHandler{Service: authService, Cookies: cookieCfg},
		Verifier:    &mwauth.SessionVerifier{Codec: codec, Repo: userRepo},
	}
	httpserver.Register(e, &deps)

	srv := &http.Server{
		Addr:         configuration.HTTP_ADDR,
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
	}

	if err := producer.Close(); err != nil {
		log.Printf("kafka close error: %v", err)
	}

	log.Println("shutdown complete")
}
