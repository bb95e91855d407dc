// Package server exposes ingestion over HTTP with fiber.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/store"
)

// APIKeyHeader carries the shared device key.
const APIKeyHeader = "X-API-KEY"

// DefaultBodyLimit caps request bodies at 4 MiB.
const DefaultBodyLimit = 4 << 20

// Processor applies a batch of events.
type Processor interface {
	Process(ctx context.Context, events []event.WireEvent) event.IngestResponse
}

// LedgerReader serves operator lookups.
type LedgerReader interface {
	Get(ctx context.Context, id string) (event.LogEntry, error)
	CountByStatus(ctx context.Context) (map[event.LogStatus]int, error)
}

// Config configures the HTTP server.
type Config struct {
	// APIKey, when set, is required in the X-API-KEY header of /api routes.
	APIKey string

	// BodyLimit caps request bodies. Zero means DefaultBodyLimit.
	BodyLimit int

	// AccessLog receives one line per /api request. Nil disables it.
	AccessLog io.Writer

	Logger *slog.Logger
}

// Server is the ingestion HTTP server.
type Server struct {
	app       *fiber.App
	processor Processor
	ledger    LedgerReader
	logger    *slog.Logger
}

// New builds the fiber app and its routes.
func New(cfg Config, processor Processor, ledger LedgerReader) *Server {
	if cfg.BodyLimit == 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		processor: processor,
		ledger:    ledger,
		logger:    cfg.Logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "attendsync",
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	s.app.Use(recover.New())
	s.app.Use(cors.New())

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api")
	if cfg.AccessLog != nil {
		api.Use(logger.New(logger.Config{Output: cfg.AccessLog}))
	}
	if cfg.APIKey != "" {
		api.Use(apiKeyAuth(cfg.APIKey))
	}
	api.Post("/sync/events", s.ingestEvents)
	api.Get("/sync/events/:id", s.getEvent)
	api.Get("/sync/stats", s.stats)

	return s
}

// App returns the fiber app, for tests and adaptors.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// ingestEvents handles POST /api/sync/events.
func (s *Server) ingestEvents(c *fiber.Ctx) error {
	events, err := decodeEvents(c.Body())
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	resp := s.processor.Process(c.UserContext(), events)
	return c.Status(fiber.StatusOK).JSON(resp)
}

// decodeEvents enforces the request shape: a JSON object whose "events"
// member is a non-empty list of event objects.
func decodeEvents(body []byte) ([]event.WireEvent, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	raw, ok := envelope["events"]
	if !ok || string(raw) == "null" {
		return nil, errors.New("events is required")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("events must be a list")
	}
	if len(items) == 0 {
		return nil, errors.New("events must not be empty")
	}

	events := make([]event.WireEvent, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &events[i]); err != nil {
			return nil, fmt.Errorf("events[%d] is malformed: %v", i, err)
		}
	}
	return events, nil
}

// getEvent handles GET /api/sync/events/:id.
func (s *Server) getEvent(c *fiber.Ctx) error {
	entry, err := s.ledger.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "event not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

// stats handles GET /api/sync/stats.
func (s *Server) stats(c *fiber.Ctx) error {
	counts, err := s.ledger.CountByStatus(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(counts)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}

func apiKeyAuth(expected string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get(APIKeyHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	}
}
