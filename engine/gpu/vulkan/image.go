package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// VulkanImage is an image owned by the caller. The binding layer only reads its view,
// layout and, for combined image samplers, its sampler.
type VulkanImage struct {
	View    vk.ImageView
	Layout  vk.ImageLayout
	Sampler vk.Sampler
	Width   uint32
	Height  uint32
}

// WrapImage exposes an existing image view as a resource so it can be bound to image
// and combined image sampler slots. Pass a null sampler for storage or sampled images.
func WrapImage(view vk.ImageView, layout vk.ImageLayout, sampler vk.Sampler, width, height uint32) *metadata.Resource {
	return &metadata.Resource{
		ID:       uuid.New(),
		Type:     metadata.ResourceTypeImage,
		Location: metadata.ResourceLocationDeviceLocal,
		Internal: &VulkanImage{View: view, Layout: layout, Sampler: sampler, Width: width, Height: height},
	}
}

// WrapSampler exposes an existing sampler for sampler slots.
func WrapSampler(sampler vk.Sampler) *metadata.Resource {
	return &metadata.Resource{
		ID:       uuid.New(),
		Type:     metadata.ResourceTypeImage,
		Location: metadata.ResourceLocationDeviceLocal,
		Internal: &VulkanImage{Sampler: sampler},
	}
}
