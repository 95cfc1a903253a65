// cosedit edits manuscript chapters held in a remote chapter store.
package main

import (
	"fmt"
	"os"

	"coseditor/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
