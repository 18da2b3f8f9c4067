package spirv

// Opcodes and operand values the reflection walks. Everything else is skipped.
const (
	OpEntryPoint             uint16 = 15
	OpTypeImage              uint16 = 25
	OpTypeSampler            uint16 = 26
	OpTypeSampledImage       uint16 = 27
	OpTypeArray              uint16 = 28
	OpTypeRuntimeArray       uint16 = 29
	OpTypeStruct             uint16 = 30
	OpTypePointer            uint16 = 32
	OpVariable               uint16 = 59
	OpImageTexelPointer      uint16 = 60
	OpLoad                   uint16 = 61
	OpStore                  uint16 = 62
	OpCopyMemory             uint16 = 63
	OpCopyMemorySized        uint16 = 64
	OpAccessChain            uint16 = 65
	OpInBoundsAccessChain    uint16 = 66
	OpPtrAccessChain         uint16 = 67
	OpInBoundsPtrAccessChain uint16 = 70
	OpDecorate               uint16 = 71
	OpCopyObject             uint16 = 83
	OpSampledImage           uint16 = 86
	OpImageSampleImplicitLod uint16 = 87
	OpImageDrefGather        uint16 = 97
	OpImageRead              uint16 = 98
	OpImageWrite             uint16 = 99
	OpImage                  uint16 = 100
	OpImageQuerySizeLod      uint16 = 103
	OpImageQuerySamples      uint16 = 107
	OpAtomicLoad             uint16 = 227
	OpAtomicStore            uint16 = 228
	OpAtomicExchange         uint16 = 229
	OpAtomicXor              uint16 = 242
	OpAtomicFMinEXT          uint16 = 5614
	OpAtomicFMaxEXT          uint16 = 5615
	OpAtomicFAddEXT          uint16 = 6035
)

const (
	DecorationBlock         uint32 = 2
	DecorationBufferBlock   uint32 = 3
	DecorationBinding       uint32 = 33
	DecorationDescriptorSet uint32 = 34
)

const (
	StorageClassUniformConstant uint32 = 0
	StorageClassUniform         uint32 = 2
	StorageClassPushConstant    uint32 = 9
	StorageClassStorageBuffer   uint32 = 12
)

const (
	ExecutionModelGLCompute uint32 = 5

	DimBuffer uint32 = 5

	// Sampled operand of OpTypeImage.
	ImageSampledUnknown uint32 = 0
	ImageSampled        uint32 = 1
	ImageStorage        uint32 = 2
)

// DefaultEntryPoint is used when a module names no usable entry point.
const DefaultEntryPoint = "main"
