// Command deployerd-migrate opens the control plane's bbolt database and
// ensures every bucket exists, the teacher's own migrate-binary pattern
// applied to this module's bucket set. store.Open already does the bucket
// creation; this binary exists so an operator has a standalone way to
// pre-provision a fresh data directory before the first `deployerd serve`.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/deployerd/deployerd/internal/store"
)

func main() {
	dataDir := flag.String("data-dir", "/var/lib/deployerd", "Directory to hold the bbolt database")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create data dir: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: migrate: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("deployerd database ready at %s\n", *dataDir)
}
