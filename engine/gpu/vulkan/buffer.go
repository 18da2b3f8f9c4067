package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// Every buffer can be bound as storage or uniform, used as indirect arguments and copied.
const bufferUsage = vk.BufferUsageStorageBufferBit |
	vk.BufferUsageUniformBufferBit |
	vk.BufferUsageIndirectBufferBit |
	vk.BufferUsageTransferSrcBit |
	vk.BufferUsageTransferDstBit

type VulkanBuffer struct {
	Handle   vk.Buffer
	Memory   vk.DeviceMemory
	Size     uint64
	Location metadata.ResourceLocation
	mapped   unsafe.Pointer
}

func memoryProperties(location metadata.ResourceLocation) vk.MemoryPropertyFlags {
	if location == metadata.ResourceLocationHostVisible {
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
}

func NewBuffer(context *VulkanContext, size uint64, location metadata.ResourceLocation) (*VulkanBuffer, error) {
	if size == 0 {
		err := fmt.Errorf("%w: buffers must not be empty", core.ErrDevice)
		core.LogError("%s", err)
		return nil, err
	}
	buffer := &VulkanBuffer{Size: size, Location: location}

	bufferCreateInfo := &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(bufferUsage),
		SharingMode: vk.SharingModeExclusive,
	}
	if res := vk.CreateBuffer(context.Device.LogicalDevice, bufferCreateInfo, context.Allocator, &buffer.Handle); res != vk.Success {
		return nil, deviceError("vkCreateBuffer", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, buffer.Handle, &requirements)
	requirements.Deref()

	index := context.FindMemoryIndex(requirements.MemoryTypeBits, memoryProperties(location))
	if index == -1 {
		buffer.Destroy(context)
		err := fmt.Errorf("%w: no %s memory type for a %d byte buffer", core.ErrDevice, location, size)
		core.LogError("%s", err)
		return nil, err
	}

	allocateInfo := &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(index),
	}
	if res := vk.AllocateMemory(context.Device.LogicalDevice, allocateInfo, context.Allocator, &buffer.Memory); res != vk.Success {
		buffer.Destroy(context)
		return nil, deviceError("vkAllocateMemory", res)
	}
	if res := vk.BindBufferMemory(context.Device.LogicalDevice, buffer.Handle, buffer.Memory, 0); res != vk.Success {
		buffer.Destroy(context)
		return nil, deviceError("vkBindBufferMemory", res)
	}
	return buffer, nil
}

func (b *VulkanBuffer) Destroy(context *VulkanContext) {
	if b.mapped != nil {
		b.Unmap(context)
	}
	if b.Memory != vk.DeviceMemory(vk.NullHandle) {
		vk.FreeMemory(context.Device.LogicalDevice, b.Memory, context.Allocator)
		b.Memory = vk.DeviceMemory(vk.NullHandle)
	}
	if b.Handle != vk.Buffer(vk.NullHandle) {
		vk.DestroyBuffer(context.Device.LogicalDevice, b.Handle, context.Allocator)
		b.Handle = vk.Buffer(vk.NullHandle)
	}
}

// Map returns the buffer memory as a byte slice. Host visible memory is coherent so
// no flush is needed before Unmap.
func (b *VulkanBuffer) Map(context *VulkanContext) ([]byte, error) {
	if b.Location != metadata.ResourceLocationHostVisible {
		return nil, core.ErrNotHostVisible
	}
	if b.mapped == nil {
		var data unsafe.Pointer
		if res := vk.MapMemory(context.Device.LogicalDevice, b.Memory, 0, vk.DeviceSize(b.Size), 0, &data); res != vk.Success {
			return nil, deviceError("vkMapMemory", res)
		}
		b.mapped = data
	}
	return unsafe.Slice((*byte)(b.mapped), b.Size), nil
}

func (b *VulkanBuffer) Unmap(context *VulkanContext) {
	if b.mapped == nil {
		return
	}
	vk.UnmapMemory(context.Device.LogicalDevice, b.Memory)
	b.mapped = nil
}
