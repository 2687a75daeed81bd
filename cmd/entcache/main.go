// Command entcache is the command-line front end of the entity cache:
// payload normalization, schema validation, scenario runs and journal
// queries.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/entcache/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
