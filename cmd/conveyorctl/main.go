// conveyorctl is the operations CLI for a conveyor deployment. It
// talks directly to the Redis store, so it can inspect queues and
// remediate dead-lettered tasks while the engine is running.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
