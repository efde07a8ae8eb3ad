package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-fee-governance/pkg/auth"
)

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user (development only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			if !cfg.IsDevelopment() {
				return fmt.Errorf("token issuing is only available in development")
			}
			if _, err := uuid.Parse(userID); err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
			secret := cfg.Auth.JWTSecret
			if secret == "" {
				secret = devSecret
			}
			token, err := auth.NewAuthenticator(secret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "acting user id (UUID)")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
