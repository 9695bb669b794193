// Package main is the entrypoint for the stapserve binary.
package main

import (
	"fmt"
	"os"

	"github.com/jav/stapserve/internal/command"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := command.NewRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stapserve:", err)
		return command.ExitCode(err)
	}
	return 0
}
