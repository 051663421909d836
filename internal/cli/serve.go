package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
	"github.com/lexledger/lexmigrate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger API and the backup scheduler",
	Long: `Serve the /migration API and, when backup.schedule is set, take scheduled
backups. Stops cleanly on SIGINT or SIGTERM.

Example:
  lexmigrate serve --port 8095`,
	RunE: runServe,
}

func init() {
	addConnectionFlags(serveCmd)
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return withEnv(cmd, func(ctx context.Context, e *env) error {
		if e.cfg.Server.AdminJWTSecret == "" {
			e.logger.Warn("server.admin_jwt_secret is not set; /migration routes are unauthenticated")
		}

		deps := server.Deps{
			Migration:        e.svc,
			Extractor:        e.extractor,
			Logs:             e.logs,
			UserDefaults:     identityDefaults(e.cfg.Identity),
			SchemaValidation: schemaValidateOptions(e.cfg),
		}
		if e.users != nil {
			deps.Users = e.users
		}
		srv := server.New(e.cfg, e.logger, deps)

		var sched *orchestrator.Scheduler
		if e.cfg.Backup.Schedule != "" {
			var err error
			sched, err = orchestrator.NewScheduler(e.svc, e.logger, orchestrator.SchedulerConfig{
				Cron:     e.cfg.Backup.Schedule,
				Timezone: e.cfg.Backup.Timezone,
				Retain:   e.cfg.Backup.Retain,
			})
			if err != nil {
				return fmt.Errorf("backup schedule: %w", err)
			}
			sched.Start(ctx)
			defer sched.Stop()
		}

		ready := make(chan struct{})
		errCh := make(chan error, 1)
		go func() { errCh <- srv.StartWithReady(ready) }()

		select {
		case <-ready:
		case err := <-errCh:
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s lexmigrate listening on http://%s\n",
			green(ui.SymbolCheck, colorEnabled()), e.cfg.Address())

		select {
		case <-ctx.Done():
			return srv.Shutdown(context.WithoutCancel(ctx))
		case err := <-errCh:
			return err
		}
	})
}
