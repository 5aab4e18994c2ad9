// Command pistons runs the relay, plays sessions and inspects journals.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/pistonsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pistons: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
