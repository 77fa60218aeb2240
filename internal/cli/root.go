// Package cli implements the planpal command line.
package cli

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"planpal/internal/app"
)

type rootOptions struct {
	configPath string
	keyringDir string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "planpal",
		Short: "Plan your day from a prompt and get reminded on time",
		Long: `PlanPal turns a free-text description of your day into tasks with
reminders, stores them, and delivers each reminder over email, Telegram or the log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside development.
			_ = godotenv.Load(".env")
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&opts.keyringDir, "keyring-dir", "", "directory for the encrypted file keyring")

	root.AddCommand(
		newServeCmd(opts),
		newPlanCmd(opts),
		newDispatchCmd(opts),
		newTasksCmd(opts),
		newMigrateCmd(opts),
		newSecretCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// oneShot builds an app for a single command without starting background services.
func oneShot(ctx context.Context, opts *rootOptions) (*app.App, error) {
	return app.NewApp(ctx, app.Options{
		ConfigPath: opts.configPath,
		LogLevel:   "warn",
		KeyringDir: opts.keyringDir,
	})
}
