package systems

import (
	"fmt"

	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// Dispatcher records copy and compute work with the barriers the bound programs'
// access modes call for, and submits it synchronously. Programs whose file changed
// are reloaded before they are recorded.
type Dispatcher struct {
	backend  gpu.Backend
	metrics  *core.Metrics
	programs *ProgramSystem
}

func NewDispatcher(backend gpu.Backend, metrics *core.Metrics, programs *ProgramSystem) *Dispatcher {
	return &Dispatcher{
		backend:  backend,
		metrics:  metrics,
		programs: programs,
	}
}

// Dispatch runs programs in order, each with its group counts read from indirect.
func (d *Dispatcher) Dispatch(programs []*metadata.Program, indirect *metadata.Resource) error {
	if err := d.programs.Refresh(programs...); err != nil {
		return err
	}
	cmds, err := RecordDispatch(programs, indirect)
	if err != nil {
		core.LogError("%s", err)
		return err
	}
	return d.submit(cmds)
}

// DispatchGroups runs programs in order with the same immediate group counts.
func (d *Dispatcher) DispatchGroups(programs []*metadata.Program, x, y, z uint32) error {
	if err := d.programs.Refresh(programs...); err != nil {
		return err
	}
	cmds, err := RecordDispatchGroups(programs, x, y, z)
	if err != nil {
		core.LogError("%s", err)
		return err
	}
	return d.submit(cmds)
}

// Copy copies size bytes between two resources. A zero size does nothing.
func (d *Dispatcher) Copy(from, to *metadata.Resource, fromOffset, toOffset, size uint64) error {
	cmds, err := RecordCopy(from, to, fromOffset, toOffset, size)
	if err != nil {
		core.LogError("%s", err)
		return err
	}
	if len(cmds) == 0 {
		return nil
	}
	return d.submit(cmds)
}

func (d *Dispatcher) submit(cmds []metadata.Command) error {
	clock := core.NewClock()
	clock.Start()
	if err := d.backend.Submit(cmds); err != nil {
		err = fmt.Errorf("submission of %d commands failed: %w", len(cmds), err)
		core.LogError("%s", err)
		return err
	}
	clock.Update()
	d.metrics.RecordSubmission(clock.Elapsed())
	return nil
}

// RecordDispatch builds the command list of an indirect dispatch: one barrier
// making the arguments visible to the indirect read, then per program the pipeline,
// its binding set, the dispatch and a single barrier over every resource the program
// may write.
func RecordDispatch(programs []*metadata.Program, indirect *metadata.Resource) ([]metadata.Command, error) {
	if indirect == nil || indirect.Size < metadata.IndirectArgsSize {
		return nil, fmt.Errorf("%w: indirect arguments need %d bytes", core.ErrBindingMismatch, metadata.IndirectArgsSize)
	}
	cmds := []metadata.Command{
		metadata.BarrierCommand{
			SrcStage:  metadata.StageTransfer,
			DstStage:  metadata.StageDrawIndirect,
			SrcAccess: metadata.AccessTransferWrite,
			DstAccess: metadata.AccessIndirectCommandRead,
			Resources: []*metadata.Resource{indirect},
			Size:      metadata.IndirectArgsSize,
		},
	}
	return recordPrograms(cmds, programs, metadata.DispatchIndirectCommand{Args: indirect})
}

func RecordDispatchGroups(programs []*metadata.Program, x, y, z uint32) ([]metadata.Command, error) {
	return recordPrograms(nil, programs, metadata.DispatchCommand{X: x, Y: y, Z: z})
}

func recordPrograms(cmds []metadata.Command, programs []*metadata.Program, dispatch metadata.Command) ([]metadata.Command, error) {
	for _, p := range programs {
		if p.BindingSet == nil || p.Pipeline == nil {
			return nil, fmt.Errorf("%w: %s", core.ErrProgramNotBound, p.Path)
		}
		cmds = append(cmds,
			metadata.BindPipelineCommand{Pipeline: p.Pipeline},
			metadata.BindSetCommand{PipelineLayout: p.PipelineLayout, Set: p.BindingSet},
			dispatch,
		)
		if written := p.WrittenResources(); len(written) > 0 {
			cmds = append(cmds, metadata.BarrierCommand{
				SrcStage:  metadata.StageComputeShader,
				DstStage:  metadata.StageComputeShader | metadata.StageTransfer | metadata.StageHost,
				SrcAccess: metadata.AccessShaderWrite,
				DstAccess: metadata.AccessShaderRead | metadata.AccessTransferRead | metadata.AccessHostRead,
				Resources: written,
				Size:      metadata.WholeSize,
			})
		}
	}
	return cmds, nil
}

// RecordCopy validates both ranges and returns the single copy command, or nothing
// for an empty copy.
func RecordCopy(from, to *metadata.Resource, fromOffset, toOffset, size uint64) ([]metadata.Command, error) {
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: missing resource", core.ErrCopyOutOfBounds)
	}
	if from.Type != metadata.ResourceTypeBuffer || to.Type != metadata.ResourceTypeBuffer {
		return nil, fmt.Errorf("%w: only buffers can be copied", core.ErrCopyOutOfBounds)
	}
	if size == 0 {
		return nil, nil
	}
	if !inBounds(from, fromOffset, size) {
		return nil, fmt.Errorf("%w: reading %d bytes at %d from a %d byte resource", core.ErrCopyOutOfBounds, size, fromOffset, from.Size)
	}
	if !inBounds(to, toOffset, size) {
		return nil, fmt.Errorf("%w: writing %d bytes at %d to a %d byte resource", core.ErrCopyOutOfBounds, size, toOffset, to.Size)
	}
	if from.ID == to.ID && fromOffset < toOffset+size && toOffset < fromOffset+size {
		return nil, fmt.Errorf("%w: overlapping ranges in one resource", core.ErrCopyOutOfBounds)
	}
	return []metadata.Command{
		metadata.CopyCommand{From: from, To: to, FromOffset: fromOffset, ToOffset: toOffset, Size: size},
	}, nil
}

func inBounds(r *metadata.Resource, offset, size uint64) bool {
	return offset <= r.Size && size <= r.Size-offset
}
