package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/securemsg/internal/server/auth"
)

func tokenCmd() *cobra.Command {
	var (
		id     auth.Identity
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id.UserID == "" {
				return fmt.Errorf("--user required")
			}
			if id.Role != auth.RoleUser && id.Role != auth.RoleAdmin {
				return fmt.Errorf("unknown role %q", id.Role)
			}
			if secret == "" {
				secret = os.Getenv(envSecret)
			}
			if secret == "" {
				b, err := prompt(cmd.ErrOrStderr(), "Server secret")
				if err != nil {
					return err
				}
				secret = string(b)
			}
			token, err := auth.GenerateToken(id, []byte(secret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&id.TenantID, "tenant", "", "tenant id (server default when empty)")
	cmd.Flags().StringVar(&id.Role, "role", auth.RoleUser, "user or admin")
	cmd.Flags().StringVar(&secret, "secret", "", "server JWT secret (or "+envSecret+")")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token validity")
	return cmd
}
