package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BoolHak/NSerfProject-sub006/query"
)

func newQueryCmd() *cobra.Command {
	f := &agentFlags{}
	var timeout time.Duration
	var requestAck bool
	cmd := &cobra.Command{
		Use:   "query NAME [PAYLOAD]",
		Short: "Join the cluster, issue a query, and print every ack/response until it times out",
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
			opts := query.QueryOptions{Timeout: timeout, RequestAck: requestAck, RelayFactor: f.relayFactor}
			resp, err := c.Query(args[0], payload, opts)
			if err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return fmt.Errorf("query: %w", err)
			}

		collect:
			for {
				select {
				case from := <-resp.AckCh():
					fmt.Fprintf(stdout, "%s ack from %s\n", okStatus, from)
				case r := <-resp.ResponseCh():
					fmt.Fprintf(stdout, "%s response from %s: %s\n", okStatus, r.From, r.Payload)
				case <-resp.Done():
					break collect
				}
			}
			fmt.Fprintf(stdout, "query %q finished\n", args[0])

			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to wait for acks/responses")
	cmd.Flags().BoolVar(&requestAck, "request-ack", false, "ask every receiving node to acknowledge delivery")
	return cmd
}
