package metadata

import "github.com/google/uuid"

type ResourceLocation uint8

const (
	/** @brief Host visible and coherent memory, mappable by the CPU. */
	ResourceLocationHostVisible ResourceLocation = iota
	/** @brief Device local memory, only reachable through copies. */
	ResourceLocationDeviceLocal
)

func (l ResourceLocation) String() string {
	if l == ResourceLocationDeviceLocal {
		return "DeviceLocal"
	}
	return "HostVisible"
}

type ResourceType uint8

const (
	ResourceTypeBuffer ResourceType = iota
	ResourceTypeImage
)

// IndirectArgsSize is the size of the (x, y, z) group count record of an indirect dispatch.
const IndirectArgsSize uint64 = 12

// WholeSize stands for "up to the end of the resource".
const WholeSize uint64 = ^uint64(0)

/**
 * @brief A buffer or image owned by the caller. The binding layer only
 * keeps non-owning references and compares resources by ID.
 */
type Resource struct {
	ID       uuid.UUID
	Type     ResourceType
	Location ResourceLocation
	/** @brief Size in bytes. */
	Size uint64
	/** @brief Backend specific data. */
	Internal interface{}
}

func NewResource(size uint64, location ResourceLocation, internal interface{}) *Resource {
	return &Resource{
		ID:       uuid.New(),
		Type:     ResourceTypeBuffer,
		Location: location,
		Size:     size,
		Internal: internal,
	}
}

// BindingWrite points one slot of a binding set at a resource.
type BindingWrite struct {
	Slot     uint32
	Kind     ResourceKind
	Resource *Resource
}
