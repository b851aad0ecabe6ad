// Command chopstack is the CLI entrypoint. All behavior lives in
// internal/cli; there is no terminal UI driving this loop (see DESIGN.md),
// just a plain synchronous command dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/arittr/chopstack/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
