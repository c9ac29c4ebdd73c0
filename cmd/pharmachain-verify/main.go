// Command pharmachain-verify checks ledger chains, reading hashes and
// exported snapshots straight against the database or object store,
// without going through the API.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(nil).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errTampered) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
