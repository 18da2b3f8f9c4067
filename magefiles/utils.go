//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// run executes name with args from the repository root and streams its output.
func run(name string, args ...string) error {
	fmt.Printf("> %s %s\n", name, strings.Join(args, " "))
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}
