// Command cojson runs and inspects local-first sync nodes.
package main

import (
	"fmt"
	"os"

	"github.com/garden-co/cojson/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
