package vulkan

import (
	vk "github.com/goki/vulkan"
)

/**
 * @brief Represents the single compute stage of a program.
 */
type VulkanShaderStage struct {
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
	/** @brief The pipeline shader stage creation info. */
	ShaderStageCreateInfo vk.PipelineShaderStageCreateInfo
}

func NewShaderModule(context *VulkanContext, code []uint32, entryPoint string) (*VulkanShaderStage, error) {
	stage := &VulkanShaderStage{}

	createInfo := shaderModuleCreateInfo(code)
	if res := vk.CreateShaderModule(context.Device.LogicalDevice, &createInfo, context.Allocator, &stage.Handle); res != vk.Success {
		return nil, deviceError("vkCreateShaderModule", res)
	}

	stage.ShaderStageCreateInfo = vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  vk.ShaderStageComputeBit,
		Module: stage.Handle,
		PName:  VulkanSafeString(entryPoint),
	}
	return stage, nil
}

// shaderModuleCreateInfo sizes the module in bytes; code holds whole SPIR-V words.
func shaderModuleCreateInfo(code []uint32) vk.ShaderModuleCreateInfo {
	return vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code) * 4),
		PCode:    code,
	}
}

func (s *VulkanShaderStage) Destroy(context *VulkanContext) {
	if s.Handle != vk.ShaderModule(vk.NullHandle) {
		vk.DestroyShaderModule(context.Device.LogicalDevice, s.Handle, context.Allocator)
		s.Handle = vk.ShaderModule(vk.NullHandle)
	}
}
