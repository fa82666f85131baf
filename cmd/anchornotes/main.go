// Command anchornotes attaches geofences to notes and presents an alert
// when the device crosses one.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/anchornotes/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
