package command

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/BoolHak/NSerfProject-sub006/query"
)

func newRttCmd() *cobra.Command {
	f := &agentFlags{}
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rtt NODE",
		Short: "Estimate round-trip time to NODE via an internal ping query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}

			filter, err := query.NewNodeFilter([]string{target})
			if err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return fmt.Errorf("build node filter: %w", err)
			}

			start := time.Now()
			resp, err := c.Query(query.QueryPing, nil, query.QueryOptions{
				Timeout:    timeout,
				RequestAck: true,
				Filters:    [][]byte{filter},
			})
			if err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return fmt.Errorf("ping query: %w", err)
			}

			select {
			case from := <-resp.AckCh():
				fmt.Fprintf(stdout, "%s %s rtt to %s: %s\n", okStatus, target, from, units.HumanDuration(time.Since(start)))
			case <-resp.Done():
				fmt.Fprintf(stderr, "%s no ack from %s within %s\n", failStatus, target, units.HumanDuration(timeout))
			}

			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "how long to wait for the ping ack")
	return cmd
}
