// Command nserf is the CLI surface of spec §6.4: an in-process gossip node
// with subcommands for membership, events, queries and key management.
package main

import (
	"fmt"
	"os"

	"github.com/BoolHak/NSerfProject-sub006/cmd/nserf/command"
)

func main() {
	if err := command.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
