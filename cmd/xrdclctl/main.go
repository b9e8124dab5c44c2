// Command xrdclctl is a minimal demonstrator CLI over the post-master
// façade: enough to send a request to an XRootD endpoint and print what
// came back, in the shape of a single rclone backend subcommand rather
// than the full rclone binary (see backend/torrent/cmd/backend.go).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
