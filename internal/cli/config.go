package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Load and print the resolved lexmigrate configuration as TOML.
Shows the result of merging defaults, lexmigrate.toml, LEXMIGRATE_* variables and flags.`,
	RunE: runConfig,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long: `Get a specific configuration value by dotted key path.
Examples: server.port, target.database_url, backup.schedule, identity.password_strategy`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in lexmigrate.toml",
	Long: `Set a configuration value in the lexmigrate.toml config file.
Creates the file if it doesn't exist.
Examples:
  lexmigrate config set server.port 9000
  lexmigrate config set backup.schedule "0 2 * * *"
  lexmigrate config set backup.tables mig_users,mig_user_roles`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented lexmigrate.toml with the defaults",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}

func configPathOrDefault(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	if p == "" {
		return config.DefaultPath
	}
	return p
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), cfg)
	}
	out, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	value, err := config.GetValue(cfg, args[0])
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"key": args[0], "value": value})
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	configPath := configPathOrDefault(cmd)
	key, value := args[0], args[1]

	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := config.SetValue(configPath, key, value); err != nil {
		return fmt.Errorf("setting config value: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s = %s\n", key, value)
	fmt.Fprintf(w, "Written to %s\n", configPath)

	// Only warn: values are often set one at a time.
	if _, err := config.Load(configPath, nil); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Note: %v\n", err)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configPathOrDefault(cmd)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}
