// Package server exposes the migration engine over HTTP. Every route under
// /migration is guarded by an HS256 admin bearer token when a secret is
// configured.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/config"
	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/httputil"
	"github.com/lexledger/lexmigrate/internal/identity"
	"github.com/lexledger/lexmigrate/internal/metadata"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

// migrationService is the orchestrator surface the handlers need.
// *orchestrator.Service satisfies it.
type migrationService interface {
	Status(ctx context.Context) (*orchestrator.Status, error)
	AdvancePhase(ctx context.Context, to orchestrator.Phase) (*orchestrator.State, error)

	CreateCheckpoint(ctx context.Context, name string, phase orchestrator.Phase, description string) (*orchestrator.Checkpoint, error)
	ListCheckpoints(ctx context.Context, phase *orchestrator.Phase) ([]*orchestrator.Checkpoint, error)
	ValidateCheckpointBeforeProgression(ctx context.Context, phase orchestrator.Phase) (*orchestrator.ProgressionCheck, error)
	RollbackToCheckpoint(ctx context.Context, id string) (*orchestrator.RollbackResult, error)

	CreateCompleteBackup(ctx context.Context, description string) (*orchestrator.CompleteBackupResult, error)
	ListBackups(ctx context.Context) ([]*orchestrator.Backup, error)
	GetBackup(ctx context.Context, id string) (*orchestrator.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
	ValidateBackupIntegrity(ctx context.Context, id string) (*orchestrator.IntegrityReport, error)
	RollbackToBackup(ctx context.Context, id string) (*orchestrator.RollbackResult, error)
}

type schemaExtractor interface {
	Extract(ctx context.Context, opts extract.Options) (*metadata.ExtractionResult, error)
}

type userMigrator interface {
	MigrateAll(ctx context.Context, opts identity.Options) (*identity.Report, error)
}

type logLister interface {
	List(ctx context.Context, f auditlog.Filter) ([]auditlog.Entry, error)
}

// Deps are the services behind the routes. Only Migration is required;
// routes whose service is nil are not registered.
type Deps struct {
	Migration migrationService
	Extractor schemaExtractor
	Users     userMigrator
	Logs      logLister
	// UserDefaults seeds users/migrate before the request body is applied.
	UserDefaults identity.Options
	// SchemaValidation is used when schema/extract is asked to validate.
	SchemaValidation extract.ValidateOptions
}

// Server is the lexmigrate HTTP server.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	deps      Deps
	guard     *adminGuard // nil when server.admin_jwt_secret is not set
	startTime time.Time
}

// New creates a Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		deps:      deps,
		startTime: time.Now(),
	}
	if cfg.Server.AdminJWTSecret != "" {
		s.guard = newAdminGuard(cfg.Server.AdminJWTSecret)
	} else {
		logger.Warn("server.admin_jwt_secret is not set; /migration routes are unauthenticated")
	}

	r.Get("/health", s.handleHealth)

	r.Route("/migration", func(r chi.Router) {
		r.Use(s.requireAdminToken)

		r.Get("/status", handleStatus(deps.Migration))
		r.Post("/phase/advance", handleAdvancePhase(deps.Migration))

		r.Post("/backup", handleCreateBackup(deps.Migration))
		r.Get("/backups", handleListBackups(deps.Migration))
		r.Get("/backup/{id}", handleGetBackup(deps.Migration))
		r.Delete("/backup/{id}", handleDeleteBackup(deps.Migration))
		r.Get("/backup/{id}/verify", handleVerifyBackup(deps.Migration))
		r.Post("/rollback/{backupId}", handleRollbackToBackup(deps.Migration))

		r.Post("/checkpoint", handleCreateCheckpoint(deps.Migration))
		r.Get("/checkpoints", handleListCheckpoints(deps.Migration))
		r.Post("/checkpoint/validate", handleValidateCheckpoint(deps.Migration))
		r.Post("/checkpoint/{id}/rollback", handleRollbackToCheckpoint(deps.Migration))

		r.Post("/schema/generate-prisma", handleGeneratePrisma())
		r.Post("/schema/validate-prisma", handleValidatePrisma())
		if deps.Extractor != nil {
			r.Post("/schema/extract", handleExtractSchema(deps.Extractor, cfg.Legacy.MigrationsPath, deps.SchemaValidation))
		}

		if deps.Users != nil {
			r.Post("/users/migrate", handleMigrateUsers(deps.Users, deps.UserDefaults))
		} else {
			logger.Warn("legacy database not configured, skipping users/migrate route")
		}

		if deps.Logs != nil {
			r.Get("/logs", handleListLogs(deps.Logs))
		}
	})

	return s
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}
