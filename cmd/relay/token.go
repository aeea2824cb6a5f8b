package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokmz/relay/pkg/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a connection token signed with auth.secret (for testing clients)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig(configPath, nil)
		if err != nil {
			return err
		}
		v, err := newVerifier(cfg)
		if err != nil {
			return err
		}
		token, err := v.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func newVerifier(cfg *AppConfig) (*auth.JWTVerifier, error) {
	return auth.NewJWTVerifier(cfg.Auth)
}
