/*
This is an example of application that will use the
engine package to add two vectors on the GPU
*/
package main

import (
	"encoding/binary"
	"flag"
	"math"
	"os"
	"path/filepath"

	"github.com/spaghettifunk/swarm/engine"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
	"github.com/spaghettifunk/swarm/engine/gpu/vulkan"
)

const (
	elements      = 1 << 16
	workgroupSize = 64
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		os.Exit(1)
	}

	e, err := engine.New(cfg, vulkan.New())
	if err != nil {
		os.Exit(1)
	}
	if err := e.Initialize(); err != nil {
		os.Exit(1)
	}
	defer e.Shutdown()

	if err := run(e, cfg); err != nil {
		core.LogError("%s", err)
		e.Shutdown()
		os.Exit(1)
	}
}

func run(e *engine.Engine, cfg *core.Config) error {
	program, err := e.CreateProgram(filepath.Join(cfg.Programs.Dir, "add.spv"))
	if err != nil {
		return err
	}
	defer e.DestroyProgram(program.Path)

	const size = elements * 4
	buffers := make([]*metadata.Resource, 3)
	for i := range buffers {
		if buffers[i], err = e.NewResource(size, metadata.ResourceLocationHostVisible); err != nil {
			return err
		}
		defer e.DestroyResource(buffers[i])
	}
	args, err := e.NewResource(metadata.IndirectArgsSize, metadata.ResourceLocationHostVisible)
	if err != nil {
		return err
	}
	defer e.DestroyResource(args)

	for _, b := range buffers[:2] {
		if err := e.WithMapped(b, func(data []byte) error {
			for i := 0; i < elements; i++ {
				binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(i)))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if err := e.WithMapped(args, func(data []byte) error {
		binary.LittleEndian.PutUint32(data[0:], elements/workgroupSize)
		binary.LittleEndian.PutUint32(data[4:], 1)
		binary.LittleEndian.PutUint32(data[8:], 1)
		return nil
	}); err != nil {
		return err
	}

	if err := e.Bind(program, buffers...); err != nil {
		return err
	}
	if err := e.Dispatch([]*metadata.Program{program}, args); err != nil {
		return err
	}

	return e.WithMapped(buffers[2], func(data []byte) error {
		mismatches := 0
		for i := 0; i < elements; i++ {
			got := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
			if got != float32(2*i) {
				mismatches++
			}
		}
		if mismatches > 0 {
			core.LogWarn("%d of %d results are wrong", mismatches, elements)
			return nil
		}
		core.LogInfo("added %d elements, c[%d] = %v", elements, elements-1, math.Float32frombits(binary.LittleEndian.Uint32(data[(elements-1)*4:])))
		return nil
	})
}
