package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"store-api/app"
	"store-api/internal/auth"
	"store-api/internal/db"
	"store-api/internal/maintenance"
	"store-api/internal/observability"
)

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "storectl",
		Short: "Operator tasks for the store API",
		Long: `storectl runs one-off operator tasks against the store database.

Environment Variables:
  DATABASE_URL            Postgres DSN (required by every command)
  PAYLOAD_CIPHER_SECRET   required by create-admin
  ACCESS_TOKEN_SECRET     required by create-admin
  REFRESH_TOKEN_SECRET    required by create-admin`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if envFile != "" {
				_ = godotenv.Load(envFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(newMigrateCmd(), newUnlockCmd(), newCreateAdminCmd(), newCleanupCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(database *sql.DB) error {
				applied, err := db.RunMigrations(cmd.Context(), database)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
					return nil
				}
				for _, version := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
				}
				return nil
			})
		},
	}
}

func newUnlockCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear the lockout window and failure counter of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(database *sql.DB) error {
				repo := auth.NewRepository(database)
				if err := repo.Unlock(cmd.Context(), strings.ToLower(strings.TrimSpace(email))); err != nil {
					return fmt.Errorf("unlock %s: %w", email, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newCreateAdminCmd() *cobra.Command {
	var email, name, password string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a verified admin account if the email is not taken",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("STORECTL_ADMIN_PASSWORD")
			}
			if len(password) < 6 {
				return fmt.Errorf("admin password must be at least 6 characters (--password or STORECTL_ADMIN_PASSWORD)")
			}

			authConfig, err := app.LoadAuthConfig(os.Getenv)
			if err != nil {
				return err
			}

			return withDatabase(cmd.Context(), func(database *sql.DB) error {
				service, _, err := app.NewAuthService(authConfig, auth.NewRepository(database))
				if err != nil {
					return err
				}
				if err := service.BootstrapAdmin(cmd.Context(), email, name, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "admin %s is present\n", email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&name, "name", "Administrator", "display name")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clear expired one-time tokens and elapsed lockouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(database *sql.DB) error {
				cleaner := maintenance.NewCleanupHandler(auth.NewRepository(database), observability.NewLogger(os.Getenv("APP_ENV")), "", batchSize)
				result, err := cleaner.Run(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d verification tokens, %d reset tokens, %d lockouts\n",
					result.ClearedVerificationTokens, result.ClearedResetTokens, result.ClearedLockouts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 500, "rows per statement")
	return cmd
}

func withDatabase(ctx context.Context, fn func(*sql.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := app.LoadDatabaseConfig(os.Getenv)
	if err != nil {
		return err
	}
	database, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(database)
}
