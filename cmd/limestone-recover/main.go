// Command limestone-recover drives offline recovery, compaction, and
// inspection of a limestone log directory outside of an embedding
// process.
package main

import (
	"fmt"
	"os"

	"github.com/chuliyu/limestone-go/internal/cli"
	"github.com/chuliyu/limestone-go/internal/walio"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*walio.IOError); ok {
				fmt.Fprintf(os.Stderr, "fatal durability failure: %v\n", r)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
