package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bookmark-sync",
		Short: "Two-way sync between a browser bookmark folder and a bookmark server",
		Long: `bookmark-sync keeps the bookmarks below one local folder (SYNC_ROOT_TITLE)
in step with a remote bookmark server. Local changes are pushed as they
happen, and server changes arrive over a push channel.

Configuration is read from environment variables and an optional .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newDumpCmd(),
		newHashKeyCmd(),
	)

	return root
}
