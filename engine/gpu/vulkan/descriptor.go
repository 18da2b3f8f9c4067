package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

var descriptorTypes = map[metadata.ResourceKind]vk.DescriptorType{
	metadata.ResourceKindUniformBuffer:        vk.DescriptorTypeUniformBuffer,
	metadata.ResourceKindStorageBuffer:        vk.DescriptorTypeStorageBuffer,
	metadata.ResourceKindSampledImage:         vk.DescriptorTypeSampledImage,
	metadata.ResourceKindStorageImage:         vk.DescriptorTypeStorageImage,
	metadata.ResourceKindSampler:              vk.DescriptorTypeSampler,
	metadata.ResourceKindCombinedImageSampler: vk.DescriptorTypeCombinedImageSampler,
}

func descriptorType(kind metadata.ResourceKind) (vk.DescriptorType, error) {
	t, ok := descriptorTypes[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrUnsupportedBinding, kind)
	}
	return t, nil
}

/**
 * @brief Creates the descriptor pool every binding set is allocated from. Sets can be
 * freed individually and there is room for capacity sets of any kind.
 */
func DescriptorPoolCreate(context *VulkanContext, capacity uint32) error {
	poolSizes := make([]vk.DescriptorPoolSize, 0, len(descriptorTypes))
	for _, t := range []vk.DescriptorType{
		vk.DescriptorTypeUniformBuffer,
		vk.DescriptorTypeStorageBuffer,
		vk.DescriptorTypeSampledImage,
		vk.DescriptorTypeStorageImage,
		vk.DescriptorTypeSampler,
		vk.DescriptorTypeCombinedImageSampler,
	} {
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{
			Type:            t,
			DescriptorCount: capacity * VULKAN_DESCRIPTORS_PER_SET,
		})
	}

	poolCreateInfo := &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       capacity,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, poolCreateInfo, context.Allocator, &pool); res != vk.Success {
		return deviceError("vkCreateDescriptorPool", res)
	}
	context.DescriptorPool = pool
	core.LogDebug("Descriptor pool created with room for %d sets.", capacity)
	return nil
}

func DescriptorPoolDestroy(context *VulkanContext) {
	if context.DescriptorPool != vk.DescriptorPool(vk.NullHandle) {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, context.DescriptorPool, context.Allocator)
		context.DescriptorPool = vk.DescriptorPool(vk.NullHandle)
	}
}

func DescriptorSetLayoutCreate(context *VulkanContext, shape []metadata.LayoutSlot) (vk.DescriptorSetLayout, error) {
	var layout vk.DescriptorSetLayout
	if uint32(len(shape)) > VULKAN_MAX_BINDINGS {
		err := fmt.Errorf("%w: %d bindings exceed the maximum of %d", core.ErrUnsupportedBinding, len(shape), VULKAN_MAX_BINDINGS)
		core.LogError("%s", err)
		return layout, err
	}

	bindings := make([]vk.DescriptorSetLayoutBinding, len(shape))
	for i, s := range shape {
		t, err := descriptorType(s.Kind)
		if err != nil {
			core.LogError("%s", err)
			return layout, err
		}
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         s.Slot,
			DescriptorType:  t,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		}
	}

	layoutCreateInfo := &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, layoutCreateInfo, context.Allocator, &layout); res != vk.Success {
		return layout, deviceError("vkCreateDescriptorSetLayout", res)
	}
	return layout, nil
}

// DescriptorSetAllocate reports a full pool as core.ErrPoolExhausted.
func DescriptorSetAllocate(context *VulkanContext, layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	allocateInfo := &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     context.DescriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}

	var set vk.DescriptorSet
	res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, allocateInfo, &set)
	switch res {
	case vk.Success:
		return set, nil
	case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
		return set, fmt.Errorf("%w: %s", core.ErrPoolExhausted, VulkanResultString(res))
	default:
		return set, deviceError("vkAllocateDescriptorSets", res)
	}
}

func DescriptorSetFree(context *VulkanContext, set vk.DescriptorSet) {
	if res := vk.FreeDescriptorSets(context.Device.LogicalDevice, context.DescriptorPool, 1, &set); res != vk.Success {
		core.LogWarn("vkFreeDescriptorSets failed with %s", VulkanResultString(res))
	}
}

// DescriptorSetWrite points every slot of set at its resource in a single update.
func DescriptorSetWrite(context *VulkanContext, set vk.DescriptorSet, writes []metadata.BindingWrite) error {
	descriptorWrites := make([]vk.WriteDescriptorSet, len(writes))
	for i, w := range writes {
		t, err := descriptorType(w.Kind)
		if err != nil {
			core.LogError("%s", err)
			return err
		}
		dw := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      w.Slot,
			DstArrayElement: 0,
			DescriptorType:  t,
			DescriptorCount: 1,
		}

		switch internal := w.Resource.Internal.(type) {
		case *VulkanBuffer:
			if !w.Kind.IsBuffer() {
				return bindingMismatch(w, "buffer")
			}
			dw.PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: internal.Handle,
				Offset: 0,
				Range:  vk.DeviceSize(vk.WholeSize),
			}}
		case *VulkanImage:
			if w.Kind.IsBuffer() {
				return bindingMismatch(w, "image")
			}
			info := vk.DescriptorImageInfo{ImageLayout: internal.Layout}
			if w.Kind != metadata.ResourceKindSampler {
				info.ImageView = internal.View
			}
			if w.Kind == metadata.ResourceKindSampler || w.Kind == metadata.ResourceKindCombinedImageSampler {
				info.Sampler = internal.Sampler
			}
			dw.PImageInfo = []vk.DescriptorImageInfo{info}
		default:
			return bindingMismatch(w, fmt.Sprintf("%T", internal))
		}
		descriptorWrites[i] = dw
	}

	vk.UpdateDescriptorSets(context.Device.LogicalDevice, uint32(len(descriptorWrites)), descriptorWrites, 0, nil)
	return nil
}

func bindingMismatch(w metadata.BindingWrite, got string) error {
	err := fmt.Errorf("%w: slot %d expects a %s, got %s", core.ErrBindingMismatch, w.Slot, w.Kind, got)
	core.LogError("%s", err)
	return err
}
