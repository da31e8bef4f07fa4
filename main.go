// Package main is the entry point for the satcat5 switch daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/satcat5/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
