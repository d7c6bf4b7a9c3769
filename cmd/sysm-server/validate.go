package main

import (
	"fmt"

	"github.com/markus-barta/sysm/internal/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a sysm configuration file without starting the server.

Every problem found is reported at once.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(configFile)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	services := 0
	recipients := 0
	for _, app := range cfg.Applications {
		services += len(app.Services)
		recipients += len(app.Notify)
	}

	mail := "log only"
	if smtp, ok := cfg.SMTPConfig(); ok {
		mail = "smtp " + smtp.Host
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Listen:       %s\n", cfg.Listen)
	fmt.Fprintf(out, "  Store:        %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "  Applications: %d (%d services)\n", len(cfg.Applications), services)
	fmt.Fprintf(out, "  Notify:       %d recipients via %s\n", recipients, mail)
	return nil
}
