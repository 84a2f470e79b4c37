// Command kpncd runs the imageboard watch push-notification daemon.
package main

import (
	"fmt"
	"os"

	"github.com/kpnc/server/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
