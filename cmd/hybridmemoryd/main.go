// Command hybridmemoryd runs the local-first hybrid memory engine as an
// MCP server, or exposes one-shot maintenance operations from the CLI.
package main

import (
	"fmt"
	"os"

	"github.com/amanmcp/hybridmemory/cmd/hybridmemoryd/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
