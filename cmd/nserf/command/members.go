package command

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/BoolHak/NSerfProject-sub006/member"
)

func memberStatusGlyph(s member.Status) string {
	switch s {
	case member.StatusAlive:
		return okStatus
	case member.StatusLeaving, member.StatusLeft:
		return warnStatus
	case member.StatusFailed:
		return failStatus
	default:
		return warnStatus
	}
}

func newMembersCmd() *cobra.Command {
	f := &agentFlags{}
	var settleFor time.Duration
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Join the cluster, let membership settle briefly, then print the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			if len(f.join) > 0 {
				time.Sleep(settleFor)
			}

			w := tabwriter.NewWriter(stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tADDR\tSTATUS\tTAGS\tAGE")
			for _, m := range c.Members() {
				age := "-"
				if !m.LeaveTime.IsZero() {
					age = units.HumanDuration(time.Since(m.LeaveTime)) + " ago"
				}
				fmt.Fprintf(w, "%s %s\t%s:%d\t%s\t%v\t%s\n",
					memberStatusGlyph(m.Status), m.Name, m.Addr, m.Port, m.Status, m.Tags, age)
			}
			w.Flush()

			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	cmd.Flags().DurationVar(&settleFor, "settle", 2*time.Second, "time to wait for push/pull anti-entropy before printing")
	return cmd
}
