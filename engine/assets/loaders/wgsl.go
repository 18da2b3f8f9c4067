package loaders

import (
	"fmt"
	"os"

	"github.com/gogpu/naga"
	"github.com/spaghettifunk/swarm/engine/core"
)

// WGSLLoader compiles WGSL compute sources to SPIR-V at load time.
type WGSLLoader struct{}

func (wl *WGSLLoader) Load(path string) (*ProgramSource, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read program %s: %w", path, err)
		core.LogError("%s", err)
		return nil, err
	}

	code, err := naga.Compile(string(src))
	if err != nil {
		err = fmt.Errorf("%w: compiling %s: %v", core.ErrMalformedBytecode, path, err)
		core.LogError("%s", err)
		return nil, err
	}
	core.LogDebug("compiled %s to %d bytes of SPIR-V", path, len(code))

	return newProgramSource(path, code), nil
}
