// Command memfs mounts an in-memory filesystem backed by a snapshot.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fruitsalade/memfs/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
