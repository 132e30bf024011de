// Package main is the entry point for the flowctl CLI, the operator tool
// for the flowplane process engine database.
package main

import (
	"os"

	"flowplane/cmd/flowctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
