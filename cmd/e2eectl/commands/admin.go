package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	gs "github.com/dmitrijs2005/securemsg/internal/server/grpc"
)

const callTimeout = time.Minute

func (o *options) client(cmd *cobra.Command) (*gs.AdminClient, error) {
	token, err := o.accessToken(cmd)
	if err != nil {
		return nil, err
	}
	return gs.NewAdminClient(o.server, token)
}

func rotateCmd(o *options) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate every active key of a user now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			c, err := o.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			n, err := c.ForceRotate(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated %d key(s) of %s\n", n, userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func runJobCmd(o *options) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "run-job",
		Short: "Run a maintenance job now",
		Long: "Run a maintenance job now. Jobs: self-destruct-cleanup, expired-messages,\n" +
			"expired-keys, rotation-check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if job == "" {
				return fmt.Errorf("--job required")
			}
			c, err := o.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			n, err := c.RunJob(ctx, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d item(s)\n", job, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job name")
	return cmd
}
