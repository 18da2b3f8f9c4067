//go:build mage

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles every GLSL compute shader in shaders/ to SPIR-V next to its source.
func (Build) Shaders() error {
	return buildShaders()
}

func buildShaders() error {
	sources, err := filepath.Glob("shaders/*.comp")
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no compute shaders found in shaders/")
	}
	for _, src := range sources {
		out := strings.TrimSuffix(src, ".comp") + ".spv"
		if err := run("glslc", "-fshader-stage=compute", "--target-env=vulkan1.1", src, "-o", out); err != nil {
			return err
		}
	}
	return nil
}
