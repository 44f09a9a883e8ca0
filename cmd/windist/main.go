// Command windist runs distributed window queries over sorted Arrow
// batches, either as one node of a cluster or as a simulated cluster in a
// single process.
package main

import "github.com/sandboxws/windist/cmd/windist/commands"

func main() {
	commands.Execute()
}
