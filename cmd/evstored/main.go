// Command evstored serves an event store over HTTP and inspects streams
// from the command line.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
