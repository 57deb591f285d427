package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newJoinCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "join [addr ...]",
		Short: "Start a node, join through the given addresses, then leave and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			c.Start()
			n, err := c.Join(args)
			if err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			fmt.Fprintf(stdout, "%s joined through %d of %d given addresses\n", okStatus, n, len(args))
			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	return cmd
}
