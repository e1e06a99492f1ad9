// Command listener classifies animal sounds from the microphone and sends
// majority verdicts to a game client over UDP.
//
// Usage:
//
//	listener [serve]                 run the pipeline and the bridge server
//	listener probe --port 5005       send one test datagram
//	listener listen --addr :5005     print incoming datagrams
//	listener labels                  print the resolved label list
//
// Configuration comes from the environment, optionally overlaid by the YAML
// file named in CONFIG_FILE.
package main

import (
	"fmt"
	"os"

	"github.com/animalrunner/listener/cmd/listener/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
