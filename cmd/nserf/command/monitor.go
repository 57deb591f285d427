package command

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BoolHak/NSerfProject-sub006/cluster"
	"github.com/BoolHak/NSerfProject-sub006/event"
)

// streamEvents prints every event.UserEvent/event.MemberEvent delivered on
// c's event channel, colorized by kind, until the channel closes.
func streamEvents(cmd *cobra.Command, c *cluster.Cluster) {
	for ev := range c.EventCh() {
		switch e := ev.(type) {
		case event.UserEvent:
			fmt.Fprintf(stdout, "%s %s user-event %s: %s\n", timestamp(), okStatus, e.Name, e.Payload)
		case event.MemberEvent:
			glyph, verb := memberEventGlyph(e.Kind)
			fmt.Fprintf(stdout, "%s %s %s: %v\n", timestamp(), glyph, verb, e.Members)
		default:
			fmt.Fprintf(stdout, "%s %s unrecognized event %T\n", timestamp(), warnStatus, ev)
		}
	}
}

func memberEventGlyph(kind event.Kind) (string, string) {
	switch kind {
	case event.KindMemberJoin:
		return okStatus, "member-join"
	case event.KindMemberLeave:
		return warnStatus, "member-leave"
	case event.KindMemberFailed:
		return failStatus, "member-failed"
	case event.KindMemberUpdate:
		return okStatus, "member-update"
	default:
		return warnStatus, "member-event"
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func newMonitorCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Join the cluster and stream its event log to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			done := make(chan struct{})
			go func() {
				streamEvents(cmd, c)
				close(done)
			}()

			select {
			case <-sigCh:
			case <-done:
			}
			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	return cmd
}
