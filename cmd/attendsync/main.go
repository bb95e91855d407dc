// Command attendsync records attendance offline and syncs it to a server.
package main

import (
	"os"

	"github.com/roach88/attendsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
