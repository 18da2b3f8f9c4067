package spirvtest

import (
	nagaspirv "github.com/gogpu/naga/spirv"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

const (
	// Opcodes the naga spirv package does not export.
	OpTypeRuntimeArray nagaspirv.OpCode = 29
	OpCopyObject       nagaspirv.OpCode = 83
	OpAtomicIAdd       nagaspirv.OpCode = 234

	StorageUniformConstant uint32 = 0
	StorageUniform         uint32 = 2
	StorageFunction        uint32 = 7
	StoragePushConstant    uint32 = 9
	StorageBuffer          uint32 = 12

	DecorationBlock         uint32 = 2
	DecorationBufferBlock   uint32 = 3
	DecorationBinding       uint32 = 33
	DecorationDescriptorSet uint32 = 34

	ModelGLCompute uint32 = 5
)

// Kernel is a module with the common scalar types and an open compute function.
type Kernel struct {
	*Module

	Void  uint32
	Float uint32
	Uint  uint32
	Vec4  uint32
	Zero  uint32
	FZero uint32
	Fn    uint32
}

// NewKernel starts a GLCompute module whose entry point has the given name.
func NewKernel(entry string) *Kernel {
	m := New()
	k := &Kernel{Module: m}
	k.Void = m.Global(nagaspirv.OpTypeVoid, 0)
	fnType := m.Global(nagaspirv.OpTypeFunction, 0, k.Void)
	k.Float = m.Global(nagaspirv.OpTypeFloat, 0, 32)
	k.Uint = m.Global(nagaspirv.OpTypeInt, 0, 32, 0)
	k.Vec4 = m.Global(nagaspirv.OpTypeVector, 0, k.Float, 4)
	k.Zero = m.Global(nagaspirv.OpConstant, 1, k.Uint, 0)
	k.FZero = m.Global(nagaspirv.OpConstant, 1, k.Float, 0)

	k.Fn = m.ID()
	m.EntryPoint(ModelGLCompute, k.Fn, entry)
	m.Op(nagaspirv.OpFunction, k.Void, k.Fn, 0, fnType)
	m.Op(nagaspirv.OpLabel, m.ID())
	return k
}

// Bind decorates a variable with set 0 and the given binding.
func (k *Kernel) Bind(v, slot uint32) {
	k.Decorate(v, DecorationDescriptorSet, 0)
	k.Decorate(v, DecorationBinding, slot)
}

// StorageBuffer declares `buffer { float data[]; }` and returns the variable and the
// element pointer type.
func (k *Kernel) StorageBuffer(slot uint32) (v, elem uint32) {
	rta := k.Global(OpTypeRuntimeArray, 0, k.Float)
	block := k.Global(nagaspirv.OpTypeStruct, 0, rta)
	k.Decorate(block, DecorationBlock)
	ptr := k.Global(nagaspirv.OpTypePointer, 0, StorageBuffer, block)
	elem = k.Global(nagaspirv.OpTypePointer, 0, StorageBuffer, k.Float)
	v = k.Global(nagaspirv.OpVariable, 1, ptr, StorageBuffer)
	k.Bind(v, slot)
	return v, elem
}

// UniformBuffer declares `uniform { float value; }`. With legacy set the block is
// decorated BufferBlock, the pre-1.3 encoding of a storage buffer.
func (k *Kernel) UniformBuffer(slot uint32, legacy bool) (v, elem uint32) {
	block := k.Global(nagaspirv.OpTypeStruct, 0, k.Float)
	if legacy {
		k.Decorate(block, DecorationBufferBlock)
	} else {
		k.Decorate(block, DecorationBlock)
	}
	ptr := k.Global(nagaspirv.OpTypePointer, 0, StorageUniform, block)
	elem = k.Global(nagaspirv.OpTypePointer, 0, StorageUniform, k.Float)
	v = k.Global(nagaspirv.OpVariable, 1, ptr, StorageUniform)
	k.Bind(v, slot)
	return v, elem
}

// Image declares a 2D image with the given sampled operand and returns the variable
// and the image type.
func (k *Kernel) Image(slot, sampled, dim uint32) (v, image uint32) {
	image = k.Global(nagaspirv.OpTypeImage, 0, k.Float, dim, 0, 0, 0, sampled, 0)
	ptr := k.Global(nagaspirv.OpTypePointer, 0, StorageUniformConstant, image)
	v = k.Global(nagaspirv.OpVariable, 1, ptr, StorageUniformConstant)
	k.Bind(v, slot)
	return v, image
}

func (k *Kernel) Sampler(slot uint32) (v, sampler uint32) {
	sampler = k.Global(nagaspirv.OpTypeSampler, 0)
	ptr := k.Global(nagaspirv.OpTypePointer, 0, StorageUniformConstant, sampler)
	v = k.Global(nagaspirv.OpVariable, 1, ptr, StorageUniformConstant)
	k.Bind(v, slot)
	return v, sampler
}

func (k *Kernel) CombinedImageSampler(slot uint32) (v, combined uint32) {
	image := k.Global(nagaspirv.OpTypeImage, 0, k.Float, 1, 0, 0, 0, 1, 0)
	combined = k.Global(nagaspirv.OpTypeSampledImage, 0, image)
	ptr := k.Global(nagaspirv.OpTypePointer, 0, StorageUniformConstant, combined)
	v = k.Global(nagaspirv.OpVariable, 1, ptr, StorageUniformConstant)
	k.Bind(v, slot)
	return v, combined
}

// Element returns a pointer to element 0 of a buffer block variable.
func (k *Kernel) Element(v, elem uint32, storageBuffer bool) uint32 {
	if storageBuffer {
		return k.Value(nagaspirv.OpAccessChain, elem, v, k.Zero, k.Zero)
	}
	return k.Value(nagaspirv.OpAccessChain, elem, v, k.Zero)
}

func (k *Kernel) Load(resultType, ptr uint32) uint32 {
	return k.Value(nagaspirv.OpLoad, resultType, ptr)
}

func (k *Kernel) Store(ptr, value uint32) {
	k.Op(nagaspirv.OpStore, ptr, value)
}

// End closes the function body.
func (k *Kernel) End() *Kernel {
	k.Op(nagaspirv.OpReturn)
	k.Op(nagaspirv.OpFunctionEnd)
	return k
}

// Compute assembles a kernel touching each binding with its access mode: buffers
// through access chains, images through reads, writes and samples.
func Compute(entry string, bindings []metadata.ResourceBinding) []byte {
	k := NewKernel(entry)
	for _, b := range bindings {
		reads := b.Access == metadata.AccessReadOnly || b.Access == metadata.AccessReadWrite
		writes := b.Access.Writes()

		switch b.Kind {
		case metadata.ResourceKindStorageBuffer, metadata.ResourceKindUniformBuffer:
			var v, elem uint32
			sb := b.Kind == metadata.ResourceKindStorageBuffer
			if sb {
				v, elem = k.StorageBuffer(b.Slot)
			} else {
				v, elem = k.UniformBuffer(b.Slot, false)
			}
			ptr := k.Element(v, elem, sb)
			if reads {
				k.Load(k.Float, ptr)
			}
			if writes {
				k.Store(ptr, k.FZero)
			}
		case metadata.ResourceKindSampledImage:
			v, image := k.Image(b.Slot, 1, 1)
			h := k.Load(image, v)
			k.Value(nagaspirv.OpImageFetch, k.Vec4, h, k.Zero)
		case metadata.ResourceKindStorageImage:
			v, image := k.Image(b.Slot, 2, 1)
			if reads {
				h := k.Load(image, v)
				k.Value(nagaspirv.OpImageRead, k.Vec4, h, k.Zero)
			}
			if writes {
				h := k.Load(image, v)
				k.Op(nagaspirv.OpImageWrite, h, k.Zero, k.FZero)
			}
		case metadata.ResourceKindSampler:
			v, sampler := k.Sampler(b.Slot)
			k.Load(sampler, v)
		case metadata.ResourceKindCombinedImageSampler:
			v, combined := k.CombinedImageSampler(b.Slot)
			h := k.Load(combined, v)
			k.Value(nagaspirv.OpImageSampleImplicitLod, k.Vec4, h, k.Zero)
		}
	}
	return k.End().Bytes()
}
