package vulkan

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState
}

func NewVulkanCommandBuffer(context *VulkanContext, pool vk.CommandPool) (*VulkanCommandBuffer, error) {
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}

	handles := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
		return nil, deviceError("vkAllocateCommandBuffers", res)
	}
	return &VulkanCommandBuffer{
		Handle: handles[0],
		State:  COMMAND_BUFFER_STATE_READY,
	}, nil
}

func (v *VulkanCommandBuffer) Free(context *VulkanContext, pool vk.CommandPool) {
	vk.FreeCommandBuffers(context.Device.LogicalDevice, pool, 1, []vk.CommandBuffer{v.Handle})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse bool) error {
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if isSingleUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}

	if res := vk.BeginCommandBuffer(v.Handle, beginInfo); res != vk.Success {
		return deviceError("vkBeginCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		return deviceError("vkEndCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

/**
 * Allocates and begins recording a single use command buffer.
 */
func AllocateAndBeginSingleUse(context *VulkanContext, pool vk.CommandPool) (*VulkanCommandBuffer, error) {
	cb, err := NewVulkanCommandBuffer(context, pool)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true); err != nil {
		cb.Free(context, pool)
		return nil, err
	}
	return cb, nil
}

/**
 * Ends recording, submits to the queue, waits on a fence and frees the command buffer.
 */
func (v *VulkanCommandBuffer) EndSingleUse(context *VulkanContext, pool vk.CommandPool, queue vk.Queue) error {
	defer v.Free(context, pool)

	if err := v.End(); err != nil {
		return err
	}

	fence, err := NewFence(context, false)
	if err != nil {
		return err
	}
	defer fence.FenceDestroy(context)

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{v.Handle},
	}
	err = context.Locks.SafeQueueCall(uint32(context.Device.ComputeQueueIndex), func() error {
		if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle); res != vk.Success {
			return deviceError("vkQueueSubmit", res)
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_SUBMITTED

	return fence.FenceWait(context, math.MaxUint64)
}

// Record translates recorded commands into Vulkan calls.
func (v *VulkanCommandBuffer) Record(commands []metadata.Command) error {
	for _, cmd := range commands {
		switch c := cmd.(type) {
		case metadata.BarrierCommand:
			v.barrier(c)
		case metadata.BindPipelineCommand:
			if c.Pipeline == nil {
				return fmt.Errorf("%w: pipeline was released", core.ErrProgramNotBound)
			}
			pipeline, ok := c.Pipeline.Internal.(*VulkanPipeline)
			if !ok {
				return fmt.Errorf("%w: pipeline %q has no vulkan handle", core.ErrDevice, c.Pipeline.EntryPoint)
			}
			vk.CmdBindPipeline(v.Handle, vk.PipelineBindPointCompute, pipeline.Handle)
		case metadata.BindSetCommand:
			if c.PipelineLayout == nil || c.Set == nil {
				return fmt.Errorf("%w: binding set was released", core.ErrProgramNotBound)
			}
			layout, okLayout := c.PipelineLayout.Internal.(vk.PipelineLayout)
			set, okSet := c.Set.Internal.(vk.DescriptorSet)
			if !okLayout || !okSet {
				return fmt.Errorf("%w: binding set %d has no vulkan handle", core.ErrDevice, c.Set.ID)
			}
			vk.CmdBindDescriptorSets(v.Handle, vk.PipelineBindPointCompute, layout, 0, 1,
				[]vk.DescriptorSet{set}, 0, nil)
		case metadata.DispatchIndirectCommand:
			buffer, ok := c.Args.Internal.(*VulkanBuffer)
			if !ok {
				return fmt.Errorf("%w: indirect arguments must live in a buffer", core.ErrBindingMismatch)
			}
			vk.CmdDispatchIndirect(v.Handle, buffer.Handle, vk.DeviceSize(c.Offset))
		case metadata.DispatchCommand:
			vk.CmdDispatch(v.Handle, c.X, c.Y, c.Z)
		case metadata.CopyCommand:
			from, okFrom := c.From.Internal.(*VulkanBuffer)
			to, okTo := c.To.Internal.(*VulkanBuffer)
			if !okFrom || !okTo {
				return fmt.Errorf("%w: copies are supported between buffers only", core.ErrCopyOutOfBounds)
			}
			vk.CmdCopyBuffer(v.Handle, from.Handle, to.Handle, 1, []vk.BufferCopy{{
				SrcOffset: vk.DeviceSize(c.FromOffset),
				DstOffset: vk.DeviceSize(c.ToOffset),
				Size:      vk.DeviceSize(c.Size),
			}})
		default:
			return fmt.Errorf("%w: unknown command %T", core.ErrUnknown, cmd)
		}
	}
	return nil
}

// barrier issues one pipeline barrier: a buffer barrier per buffer resource and a
// global memory barrier when images are involved.
func (v *VulkanCommandBuffer) barrier(c metadata.BarrierCommand) {
	srcAccess, dstAccess := accessFlags(c.SrcAccess), accessFlags(c.DstAccess)

	var buffers []vk.BufferMemoryBarrier
	var memory []vk.MemoryBarrier
	for _, r := range c.Resources {
		buffer, ok := r.Internal.(*VulkanBuffer)
		if !ok {
			if len(memory) == 0 {
				memory = append(memory, vk.MemoryBarrier{
					SType:         vk.StructureTypeMemoryBarrier,
					SrcAccessMask: srcAccess,
					DstAccessMask: dstAccess,
				})
			}
			continue
		}
		buffers = append(buffers, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       srcAccess,
			DstAccessMask:       dstAccess,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              buffer.Handle,
			Offset:              0,
			Size:                vk.DeviceSize(c.Size),
		})
	}

	vk.CmdPipelineBarrier(v.Handle, stageFlags(c.SrcStage), stageFlags(c.DstStage), 0,
		uint32(len(memory)), memory,
		uint32(len(buffers)), buffers,
		0, nil)
}

func accessFlags(a metadata.AccessFlags) vk.AccessFlags {
	var out vk.AccessFlagBits
	if a&metadata.AccessIndirectCommandRead != 0 {
		out |= vk.AccessIndirectCommandReadBit
	}
	if a&metadata.AccessShaderRead != 0 {
		out |= vk.AccessShaderReadBit
	}
	if a&metadata.AccessShaderWrite != 0 {
		out |= vk.AccessShaderWriteBit
	}
	if a&metadata.AccessTransferRead != 0 {
		out |= vk.AccessTransferReadBit
	}
	if a&metadata.AccessTransferWrite != 0 {
		out |= vk.AccessTransferWriteBit
	}
	if a&metadata.AccessHostRead != 0 {
		out |= vk.AccessHostReadBit
	}
	if a&metadata.AccessHostWrite != 0 {
		out |= vk.AccessHostWriteBit
	}
	return vk.AccessFlags(out)
}

func stageFlags(s metadata.StageFlags) vk.PipelineStageFlags {
	var out vk.PipelineStageFlagBits
	if s&metadata.StageDrawIndirect != 0 {
		out |= vk.PipelineStageDrawIndirectBit
	}
	if s&metadata.StageComputeShader != 0 {
		out |= vk.PipelineStageComputeShaderBit
	}
	if s&metadata.StageTransfer != 0 {
		out |= vk.PipelineStageTransferBit
	}
	if s&metadata.StageHost != 0 {
		out |= vk.PipelineStageHostBit
	}
	return vk.PipelineStageFlags(out)
}
