// Command envctl is a thin HTTP client over the control plane's §6.5 RPC
// surface, grounded on the teacher's Cobra root command
// (pkg/cli/root.go).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
