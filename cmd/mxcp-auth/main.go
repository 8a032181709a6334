// Package main is the entry point for the MXCP auth service CLI.
package main

import (
	"fmt"
	"os"

	"github.com/raw-labs/mxcp/cmd/mxcp-auth/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "there was an error: %v\n", err)
		os.Exit(1)
	}
}
