package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sagaler1/v-chatbot/internal/config"
	"github.com/sagaler1/v-chatbot/internal/database"
	"github.com/sagaler1/v-chatbot/internal/repository/sqlstore"
	"github.com/spf13/cobra"
)

var (
	configPath string
	username   string
	password   string

	rootCmd = &cobra.Command{
		Use:          "createuser",
		Short:        "Create a user, or reset the password of an existing one",
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a config file")
	rootCmd.Flags().StringVarP(&username, "username", "u", "", "username")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "password (at least 8 characters)")
	_ = rootCmd.MarkFlagRequired("username")
	_ = rootCmd.MarkFlagRequired("password")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	if err := database.RunMigrations(cfg.Database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	// Token signing is not needed here, so the secret may be empty.
	svc := auth.NewService(sqlstore.NewUserRepository(db.DB), auth.NewJWTService(cfg.Auth.JWTSecret, "v-chatbot", cfg.Auth.TokenTTL))
	user, created, err := svc.Upsert(ctx, username, password)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Created user %s (%s)\n", user.Username, user.ID)
	} else {
		fmt.Fprintf(out, "Updated password for %s (%s)\n", user.Username, user.ID)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
