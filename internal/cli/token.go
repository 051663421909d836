package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/server"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin bearer token for the HTTP API",
	Long: `Sign a short-lived token with server.admin_jwt_secret. Send it as
"Authorization: Bearer <token>" to the /migration routes.

Example:
  curl -H "Authorization: Bearer $(lexmigrate token --subject ops)" localhost:8095/migration/status`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("subject", "", "Token subject, e.g. the operator's name (default $USER)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	subject, _ := cmd.Flags().GetString("subject")
	if subject == "" {
		subject = os.Getenv("USER")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	tok, err := server.IssueAdminToken(cfg.Server.AdminJWTSecret, subject, ttl)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"token":     tok,
			"expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
