package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sagaler1/v-chatbot/internal/config"
	"github.com/sagaler1/v-chatbot/internal/database"
	"github.com/sagaler1/v-chatbot/internal/repository/sqlstore"
	"github.com/spf13/cobra"
)

var (
	configPath string
	username   string

	rootCmd = &cobra.Command{
		Use:          "createtoken",
		Short:        "Mint an access token for an existing user",
		Long:         "Prints a signed token that can be sent as \"Authorization: Bearer <token>\" to call the API from scripts.",
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a config file")
	rootCmd.Flags().StringVarP(&username, "username", "u", "", "username to mint the token for")
	_ = rootCmd.MarkFlagRequired("username")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret (or JWT_SECRET) must be set to sign tokens")
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	svc := auth.NewService(sqlstore.NewUserRepository(db.DB), auth.NewJWTService(cfg.Auth.JWTSecret, "v-chatbot", cfg.Auth.TokenTTL))
	token, err := svc.IssueToken(cmd.Context(), username)
	if err != nil {
		return fmt.Errorf("failed to issue token for %s: %w", username, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
