//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Builds the shaders and runs the vector add example on the first compute device.
func (Run) Example() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run example...")
	return run("go", "run", "main.go")
}

type Test mg.Namespace

// Runs the unit tests. They use an in-memory backend and need no GPU.
func (Test) Unit() error {
	return run("go", "test", "./engine/...")
}

// Runs go vet and the unit tests with the race detector.
func (Test) Race() error {
	if err := run("go", "vet", "./..."); err != nil {
		return err
	}
	return run("go", "test", "-race", "./engine/...")
}
