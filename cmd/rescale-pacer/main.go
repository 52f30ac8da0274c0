// Rescale Pacer - adaptive request throttle and maintenance scheduler
// for Rescale API clients.
package main

import (
	"os"

	"github.com/rescale/rescale-pacer/internal/cli"
)

func main() {
	// Cobra reports the error itself.
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
