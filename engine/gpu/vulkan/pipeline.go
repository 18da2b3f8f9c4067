package vulkan

import (
	vk "github.com/goki/vulkan"
)

/**
 * @brief Holds a compute pipeline and the layout it was created with.
 */
type VulkanPipeline struct {
	/** @brief The internal pipeline handle. */
	Handle vk.Pipeline
	/** @brief The pipeline layout, owned by the pipeline layout cache. */
	PipelineLayout vk.PipelineLayout
}

func NewPipelineLayout(context *VulkanContext, setLayout vk.DescriptorSetLayout) (vk.PipelineLayout, error) {
	pipelineLayoutCreateInfo := &vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{setLayout},
	}

	var pipelineLayout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(context.Device.LogicalDevice, pipelineLayoutCreateInfo, context.Allocator, &pipelineLayout); res != vk.Success {
		return pipelineLayout, deviceError("vkCreatePipelineLayout", res)
	}
	return pipelineLayout, nil
}

func NewComputePipeline(context *VulkanContext, layout vk.PipelineLayout, code []uint32, entryPoint string) (*VulkanPipeline, error) {
	stage, err := NewShaderModule(context, code, entryPoint)
	if err != nil {
		return nil, err
	}
	// The module is not needed once the pipeline exists.
	defer stage.Destroy(context)

	pipelineCreateInfo := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  stage.ShaderStageCreateInfo,
		Layout: layout,
	}

	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(context.Device.LogicalDevice, vk.PipelineCache(vk.NullHandle), 1, []vk.ComputePipelineCreateInfo{pipelineCreateInfo}, context.Allocator, pipelines); res != vk.Success {
		return nil, deviceError("vkCreateComputePipelines", res)
	}
	return &VulkanPipeline{Handle: pipelines[0], PipelineLayout: layout}, nil
}

func (p *VulkanPipeline) Destroy(context *VulkanContext) {
	if p.Handle != vk.Pipeline(vk.NullHandle) {
		vk.DestroyPipeline(context.Device.LogicalDevice, p.Handle, context.Allocator)
		p.Handle = vk.Pipeline(vk.NullHandle)
	}
}
