package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/users"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		id  auth.Identity
		ttl time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret",
		Example: `  gonotify token --user-id 64f1c2 --role admin
  gonotify token --user-id 64f1c2 --email ann@example.com --ttl 1h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}

			token, err := auth.NewIssuer(cfg.JWTSecret).Issue(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&id.UserID, "user-id", "", "user ID claim (required)")
	cmd.Flags().StringVar(&id.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&id.Username, "username", "", "username claim")
	cmd.Flags().StringVar(&id.Role, "role", "", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to token_ttl)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// newHashPasswordCmd prints a bcrypt hash for seeding the user collection.
func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no password on stdin")
			}
			hash, err := users.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
