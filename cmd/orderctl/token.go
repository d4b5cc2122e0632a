package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/auth"
	"github.com/spf13/cobra"
)

func issueTokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a bearer token with $JWT_SECRET for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if role != auth.RoleCustomer && role != auth.RoleAdmin {
				return fmt.Errorf("role must be %s or %s", auth.RoleCustomer, auth.RoleAdmin)
			}
			tok, err := auth.NewToken(secret, userID, role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (sub claim)")
	cmd.Flags().StringVarP(&role, "role", "r", auth.RoleCustomer, "Role (customer, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
