package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventCmd() *cobra.Command {
	f := &agentFlags{}
	var coalesce bool
	cmd := &cobra.Command{
		Use:   "event NAME [PAYLOAD]",
		Short: "Join the cluster and broadcast a custom user event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			if err := c.UserEvent(args[0], payload, coalesce); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return fmt.Errorf("fire event: %w", err)
			}
			fmt.Fprintf(stdout, "%s fired event %q\n", okStatus, args[0])

			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	cmd.Flags().BoolVar(&coalesce, "coalesce", false, "set the coalesce flag on the broadcast event (carried on the message; receivers deliver every event)")
	return cmd
}
