package command

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BoolHak/NSerfProject-sub006/keymanager"
)

func printKeyResponse(r *keymanager.Response) {
	fmt.Fprintf(stdout, "%s %d/%d nodes responded, %d errors\n", okStatus, r.NumResp, r.NumNodes, r.NumErr)
	for node, msg := range r.Messages {
		fmt.Fprintf(stderr, "%s %s: %s\n", failStatus, node, msg)
	}
	for key, n := range r.KeyCounts {
		fmt.Fprintf(stdout, "  %s\t%d nodes\n", key, n)
	}
}

func newKeysCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the cluster's encryption keyring",
	}
	cmd.AddCommand(
		newKeysSubCmd(f, "install KEY", "Install a new encryption key cluster-wide", func(m *keymanager.Manager, key []byte) (*keymanager.Response, error) {
			return m.InstallKey(key)
		}),
		newKeysSubCmd(f, "use KEY", "Make KEY the primary encryption key cluster-wide", func(m *keymanager.Manager, key []byte) (*keymanager.Response, error) {
			return m.UseKey(key)
		}),
		newKeysSubCmd(f, "remove KEY", "Remove a non-primary key from every node's keyring", func(m *keymanager.Manager, key []byte) (*keymanager.Response, error) {
			return m.RemoveKey(key)
		}),
		newKeysListCmd(f),
	)
	return cmd
}

func newKeysSubCmd(f *agentFlags, use, short string, do func(*keymanager.Manager, []byte) (*keymanager.Response, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := base64.StdEncoding.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("key must be base64: %w", err)
			}
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			km := c.Keys()
			if km == nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return fmt.Errorf("no keyring configured; pass --keyring")
			}
			resp, err := do(km, key)
			if err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			printKeyResponse(resp)
			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	return cmd
}

func newKeysListCmd(f *agentFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every key held across the cluster's keyrings, with a per-key node count",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCluster(f)
			if err != nil {
				return err
			}
			if err := startAndJoin(c, f.join); err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			km := c.Keys()
			if km == nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return fmt.Errorf("no keyring configured; pass --keyring")
			}
			resp, err := km.ListKeys()
			if err != nil {
				leaveAndShutdown(c, f.leaveTimeout)
				return err
			}
			printKeyResponse(resp)
			leaveAndShutdown(c, f.leaveTimeout)
			return nil
		},
	}
	addAgentFlags(cmd, f)
	return cmd
}
