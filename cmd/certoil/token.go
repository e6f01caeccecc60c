package main

import (
	"fmt"
	"time"

	"github.com/gartstein/certoil/internal/certification/auth"
	"github.com/spf13/cobra"
)

func tokenCommand(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token for the protected routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.GenerateToken(subject, a.cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject, logged with every protected request")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}
