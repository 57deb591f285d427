package command

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a long-lived cluster node in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			fmt.Fprintf(stdout, "%s agent running: node=%s bind=%s\n", okStatus, f.nodeName, formatAddr(f.bindAddr, f.bindPort))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go streamEvents(cmd, c)

			<-sigCh
			fmt.Fprintf(stdout, "\n%s received interrupt, leaving gracefully\n", warnStatus)
			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	return cmd
}
