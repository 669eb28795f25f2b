// Command sshconnd keeps a single SSH port-forwarding tunnel up for as long
// as it runs, reconnecting after any failure.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sshconnd:", err)
		os.Exit(1)
	}
}
