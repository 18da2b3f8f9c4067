package spirv

import (
	"fmt"

	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// classify derives the resource kind of a bound variable from its storage class and
// pointee type. Ambiguous variables report ErrUnsupportedBinding together with the
// StorageBuffer fallback.
func (rf *reflector) classify(v uint32) (metadata.ResourceKind, error) {
	info := &rf.ids[v]
	pointee := rf.pointee(info.typeID)
	unsupported := func(reason string) (metadata.ResourceKind, error) {
		return metadata.ResourceKindStorageBuffer, fmt.Errorf("%w: variable %%%d at binding %d: %s", core.ErrUnsupportedBinding, v, info.binding, reason)
	}
	if pointee == 0 {
		return unsupported("pointer type not declared")
	}
	target := &rf.ids[pointee]

	if target.opcode == OpTypeArray || target.opcode == OpTypeRuntimeArray {
		return unsupported("arrays of bindings")
	}

	switch info.storage {
	case StorageClassUniform:
		if target.bufferBlock {
			return metadata.ResourceKindStorageBuffer, nil
		}
		return metadata.ResourceKindUniformBuffer, nil
	case StorageClassStorageBuffer:
		return metadata.ResourceKindStorageBuffer, nil
	case StorageClassUniformConstant:
		switch target.opcode {
		case OpTypeImage:
			if target.dim == DimBuffer {
				return unsupported("texel buffer")
			}
			switch target.sampled {
			case ImageSampled:
				return metadata.ResourceKindSampledImage, nil
			case ImageStorage:
				return metadata.ResourceKindStorageImage, nil
			default:
				return unsupported(fmt.Sprintf("image sampled operand %d", target.sampled))
			}
		case OpTypeSampler:
			return metadata.ResourceKindSampler, nil
		case OpTypeSampledImage:
			return metadata.ResourceKindCombinedImageSampler, nil
		default:
			return unsupported(fmt.Sprintf("opaque pointee opcode %d", target.opcode))
		}
	default:
		return unsupported(fmt.Sprintf("storage class %d", info.storage))
	}
}

// opaque reports whether a variable holds an image or sampler handle, whose loads
// are resolved by the instructions consuming the loaded value.
func (rf *reflector) opaque(v uint32) bool {
	info := &rf.ids[v]
	if info.storage != StorageClassUniformConstant {
		return false
	}
	pointee := rf.pointee(info.typeID)
	if pointee == 0 {
		return false
	}
	switch rf.ids[pointee].opcode {
	case OpTypeImage, OpTypeSampler, OpTypeSampledImage:
		return true
	}
	return false
}

func (rf *reflector) pointee(pointerType uint32) uint32 {
	if pointerType == 0 || rf.ids[pointerType].opcode != OpTypePointer {
		return 0
	}
	return rf.ids[pointerType].pointee
}
