package gpu

import (
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// Backend is the device API the binding layer drives. Every call that fails at the
// device level returns an error wrapping core.ErrDevice; AllocateBindingSet reports a
// full pool with core.ErrPoolExhausted.
type Backend interface {
	Initialize(config *core.Config) error
	Shutdown() error

	CreateBuffer(size uint64, location metadata.ResourceLocation) (*metadata.Resource, error)
	DestroyBuffer(resource *metadata.Resource)
	// MapBuffer returns a slice aliasing the resource memory until UnmapBuffer.
	MapBuffer(resource *metadata.Resource) ([]byte, error)
	UnmapBuffer(resource *metadata.Resource)

	CreateBindingLayout(shape []metadata.LayoutSlot) (*metadata.BindingLayout, error)
	DestroyBindingLayout(layout *metadata.BindingLayout)
	CreatePipelineLayout(layout *metadata.BindingLayout) (*metadata.PipelineLayout, error)
	DestroyPipelineLayout(layout *metadata.PipelineLayout)
	CreatePipeline(layout *metadata.PipelineLayout, code []uint32, entryPoint string) (*metadata.Pipeline, error)
	DestroyPipeline(pipeline *metadata.Pipeline)

	AllocateBindingSet(layout *metadata.BindingLayout) (*metadata.BindingSet, error)
	FreeBindingSet(set *metadata.BindingSet)
	WriteBindingSet(set *metadata.BindingSet, writes []metadata.BindingWrite) error

	// Submit records the commands into one command buffer, submits it and blocks
	// until the device signals completion.
	Submit(commands []metadata.Command) error
}
