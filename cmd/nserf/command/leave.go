package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLeaveCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Join the cluster and immediately leave it gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			if err := c.Leave(f.leaveTimeout); err != nil {
				_ = c.Shutdown()
				return fmt.Errorf("leave: %w", err)
			}
			fmt.Fprintf(stdout, "%s left gracefully\n", okStatus)
			return c.Shutdown()
		},
	}
	addAgentFlags(cmd, f)
	return cmd
}
