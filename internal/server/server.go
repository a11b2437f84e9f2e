package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/peerpesa/settlement/internal/config"
	"github.com/peerpesa/settlement/internal/infra"
	"github.com/peerpesa/settlement/internal/routes"
	"github.com/peerpesa/settlement/internal/settlement"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services *routes.Services
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// db, cache and chain may be nil in development.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, chain *infra.ChainConn, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName: cfg.AppName,
		// Transfers wait for chain finality before answering.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.FinalityTimeout*time.Duration(cfg.FinalityRechecks+1) + 30*time.Second,
	})

	services, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Chain: chain, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, services: services}, nil
}

// Orchestrator exposes the settlement flow for background jobs.
func (s *Server) Orchestrator() *settlement.Orchestrator {
	return s.services.Orchestrator
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server and releases its services.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	return s.services.Close()
}
