package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"companion-backend/internal/config"
	"companion-backend/internal/middleware"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

// tokenCmd mints a bearer token for local development. Accounts live
// outside this service.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed access token for a user id",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := uuid.New()
		if tokenUser != "" {
			parsed, err := uuid.Parse(tokenUser)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			userID = parsed
		}

		cfg := config.Load()
		token, err := middleware.NewJWTAuth(cfg.JWTSecret).GenerateAccessToken(userID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("user_id: %s\n%s\n", userID, token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (random when empty)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
