// Command latexctl is a developer convenience CLI for exercising a
// running latexd instance by hand: submitting archives for compilation
// and checking service health. It is not part of the service's runtime
// contract.
package main

import (
	"fmt"
	"os"

	"github.com/quay/latexd/cmd/latexctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
