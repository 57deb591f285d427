// Package command implements the nserf CLI surface of spec §6.4: a thin,
// in-process wrapper around the cluster package. Every subcommand builds its
// own Cluster from flags, drives it directly (no RPC/IPC bridge to a
// separately-running agent, per spec §1's exclusions), and tears it down
// before exiting, except agent/monitor which block until interrupted.
package command

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BoolHak/NSerfProject-sub006/cluster"
	"github.com/BoolHak/NSerfProject-sub006/swim"
	"github.com/BoolHak/NSerfProject-sub006/transport"
)

var (
	stdout = color.Output
	stderr = color.Error

	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("✓")
	warnStatus = color.New(color.FgYellow, color.Bold).SprintFunc()("‹")
	failStatus = color.New(color.FgRed, color.Bold).SprintFunc()("×")
)

// agentFlags collects the flags shared by every subcommand that stands up a
// Cluster: identity, bind address, seed peers, and the optional snapshot,
// keyring and logging knobs.
type agentFlags struct {
	nodeName      string
	bindAddr      string
	bindPort      int
	advertiseAddr string
	advertisePort int
	tags          []string
	join          []string
	snapshotPath  string
	keyringPath   string
	logLevel      string
	queryTimeout  time.Duration
	relayFactor   uint8
	leaveTimeout  time.Duration
}

func addAgentFlags(cmd *cobra.Command, f *agentFlags) {
	flags := cmd.Flags()
	flags.StringVar(&f.nodeName, "node", defaultNodeName(), "node name, unique cluster-wide")
	flags.StringVar(&f.bindAddr, "bind", "0.0.0.0", "address to bind the gossip transport to")
	flags.IntVar(&f.bindPort, "port", 7946, "port to bind the gossip transport to")
	flags.StringVar(&f.advertiseAddr, "advertise", "", "address to advertise to other nodes, if different from bind")
	flags.IntVar(&f.advertisePort, "advertise-port", 0, "port to advertise to other nodes, if different from bind")
	flags.StringArrayVar(&f.tags, "tag", nil, "node tag in key=value form, may be repeated")
	flags.StringArrayVar(&f.join, "join", nil, "address of an existing member to join through, may be repeated")
	flags.StringVar(&f.snapshotPath, "snapshot", "", "path to a snapshot file for crash recovery")
	flags.StringVar(&f.keyringPath, "keyring", "", "path to a JSON file of base64 encryption keys")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.DurationVar(&f.queryTimeout, "query-timeout", 5*time.Second, "default timeout for queries issued by this command")
	flags.Uint8Var(&f.relayFactor, "relay-factor", 0, "number of extra nodes to relay queries/responses through")
	flags.DurationVar(&f.leaveTimeout, "leave-timeout", 5*time.Second, "time to wait for a graceful leave to finish")
}

func defaultNodeName() string {
	h, err := os.Hostname()
	if err != nil {
		return "nserf"
	}
	return h
}

func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", p)
		}
		tags[k] = v
	}
	return tags, nil
}

// buildCluster constructs and Creates (but does not Start) a Cluster from
// agentFlags, bound to a real UDP+TCP transport.
func buildCluster(f *agentFlags) (*cluster.Cluster, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(f.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
	}
	logger.SetLevel(level)
	entry := logrus.NewEntry(logger)

	tags, err := parseTags(f.tags)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewNetTransport(transport.NetTransportConfig{
		BindAddr:      f.bindAddr,
		BindPort:      f.bindPort,
		AdvertiseAddr: f.advertiseAddr,
		AdvertisePort: f.advertisePort,
		Logger:        entry,
	})
	if err != nil {
		return nil, fmt.Errorf("bind gossip transport: %w", err)
	}

	swimCfg := swim.DefaultConfig()
	swimCfg.Name = f.nodeName
	swimCfg.Addr = f.bindAddr
	swimCfg.Port = uint16(f.bindPort)
	swimCfg.Logger = entry

	cfg := cluster.DefaultConfig()
	cfg.NodeName = f.nodeName
	cfg.Tags = tags
	cfg.Swim = swimCfg
	cfg.SnapshotPath = f.snapshotPath
	cfg.KeyringPath = f.keyringPath
	cfg.QueryTimeout = f.queryTimeout
	cfg.RelayFactor = f.relayFactor
	cfg.Logger = entry

	c, err := cluster.Create(cfg, tr)
	if err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	return c, nil
}

// startAndJoin starts c's background loops and, if addrs is non-empty,
// joins through them, reporting how many contacts succeeded.
func startAndJoin(c *cluster.Cluster, addrs []string) error {
	c.Start()
	if len(addrs) == 0 {
		return nil
	}
	n, err := c.Join(addrs)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Fprintf(stdout, "%s joined through %d of %d given addresses\n", okStatus, n, len(addrs))
	return nil
}

// leaveAndShutdown performs the graceful-leave-then-shutdown sequence every
// short-lived subcommand uses before exiting.
func leaveAndShutdown(c *cluster.Cluster, timeout time.Duration) {
	if err := c.Leave(timeout); err != nil {
		fmt.Fprintf(stderr, "%s leave: %v\n", warnStatus, err)
	}
	if err := c.Shutdown(); err != nil {
		fmt.Fprintf(stderr, "%s shutdown: %v\n", warnStatus, err)
	}
}

func formatAddr(addr string, port int) string {
	return addr + ":" + strconv.Itoa(port)
}

// NewRootCmd builds the nserf root command and its full subcommand tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nserf",
		Short: "nserf is a gossip-based cluster membership and coordination tool",
		Long: `nserf runs a SWIM-style gossip protocol for cluster membership and failure
detection, plus a small coordination layer on top: custom user events,
cluster-wide queries, and encryption key rotation. Every subcommand is
self-contained: it builds its own in-process node, performs its action, and
exits.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newAgentCmd(),
		newJoinCmd(),
		newLeaveCmd(),
		newMembersCmd(),
		newEventCmd(),
		newQueryCmd(),
		newKeysCmd(),
		newRttCmd(),
		newMonitorCmd(),
	)
	return root
}
