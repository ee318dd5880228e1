// pdb2pdb converts managed debug symbols between the Windows PDB and
// Portable PDB formats.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jtang613/pdb2pdb/internal/cli"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCmd(version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pdb2pdb: %v\n", err)
		stop()
		os.Exit(cli.ExitCode(err))
	}
}
