// Command conductor runs the agent orchestrator service, the session gateway, or inspects
// the tool bridge.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
