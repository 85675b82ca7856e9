//go:build !linux

package main

import (
	"fmt"
	"os"

	"codeguard/internal/sandbox"
)

func main() {
	_, _ = fmt.Fprintln(os.Stderr, "sandbox-init is only supported on linux")
	os.Exit(sandbox.HelperFailureExit)
}
