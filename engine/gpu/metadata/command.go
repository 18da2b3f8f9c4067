package metadata

// AccessFlags mirror the subset of VkAccessFlagBits used by the dispatcher.
type AccessFlags uint32

const (
	AccessIndirectCommandRead AccessFlags = 1 << iota
	AccessShaderRead
	AccessShaderWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
)

// StageFlags mirror the subset of VkPipelineStageFlagBits used by the dispatcher.
type StageFlags uint32

const (
	StageDrawIndirect StageFlags = 1 << iota
	StageComputeShader
	StageTransfer
	StageHost
)

// Command is one recorded operation of a submission.
type Command interface {
	command()
}

// BarrierCommand is a single pipeline barrier covering all listed resources.
type BarrierCommand struct {
	SrcStage  StageFlags
	DstStage  StageFlags
	SrcAccess AccessFlags
	DstAccess AccessFlags
	Resources []*Resource
	// Size is the byte range covered per resource, WholeSize for everything.
	Size uint64
}

type BindPipelineCommand struct {
	Pipeline *Pipeline
}

type BindSetCommand struct {
	PipelineLayout *PipelineLayout
	Set            *BindingSet
}

type DispatchIndirectCommand struct {
	Args   *Resource
	Offset uint64
}

type DispatchCommand struct {
	X, Y, Z uint32
}

type CopyCommand struct {
	From       *Resource
	To         *Resource
	FromOffset uint64
	ToOffset   uint64
	Size       uint64
}

func (BarrierCommand) command()          {}
func (BindPipelineCommand) command()     {}
func (BindSetCommand) command()          {}
func (DispatchIndirectCommand) command() {}
func (DispatchCommand) command()         {}
func (CopyCommand) command()             {}
