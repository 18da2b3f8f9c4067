package loaders

import (
	"fmt"
	"io"
	"os"

	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/zeebo/xxh3"
)

// ProgramSource is a compute module ready for reflection: its SPIR-V image and the
// digest identifying that image.
type ProgramSource struct {
	Path   string
	Code   []byte
	Digest uint64
}

func newProgramSource(path string, code []byte) *ProgramSource {
	return &ProgramSource{
		Path:   path,
		Code:   code,
		Digest: xxh3.Hash(code),
	}
}

// BinaryLoader reads compiled SPIR-V modules as written by glslc.
type BinaryLoader struct{}

func (bl *BinaryLoader) Load(path string) (*ProgramSource, error) {
	f, err := os.Open(path)
	if err != nil {
		err = fmt.Errorf("failed to open program %s: %w", path, err)
		core.LogError("%s", err)
		return nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		err = fmt.Errorf("failed to read program %s: %w", path, err)
		core.LogError("%s", err)
		return nil, err
	}
	return newProgramSource(path, buf), nil
}
