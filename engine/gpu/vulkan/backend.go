package vulkan

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

type VulkanBackend struct {
	context *VulkanContext
	debug   bool
}

var _ gpu.Backend = (*VulkanBackend)(nil)

func New() *VulkanBackend {
	return &VulkanBackend{
		context: &VulkanContext{
			Locks: NewVulkanLockPool(),
		},
	}
}

func (vb *VulkanBackend) Initialize(config *core.Config) error {
	vb.debug = config.Device.Validation

	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		err = fmt.Errorf("%w: vulkan loader not found: %s", core.ErrDevice, err)
		core.LogError("%s", err)
		return err
	}
	if err := vk.Init(); err != nil {
		err = fmt.Errorf("%w: failed to initialize vk: %s", core.ErrDevice, err)
		core.LogError("%s", err)
		return err
	}

	// TODO: custom allocator.
	vb.context.Allocator = nil

	if err := vb.createInstance(); err != nil {
		return err
	}

	if vb.debug {
		core.LogDebug("Creating Vulkan debugger...")
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vb.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			// validation still reports through stderr without the callback
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", err)
		} else {
			vb.context.debugMessenger = dbg
			core.LogDebug("Vulkan debugger created.")
		}
	}

	vb.context.Device = &VulkanDevice{ComputeQueueIndex: -1}
	if err := DeviceCreate(vb.context, config.Device.Index); err != nil {
		return err
	}

	if err := DescriptorPoolCreate(vb.context, config.Descriptors.PoolCapacity); err != nil {
		return err
	}

	core.LogInfo("Vulkan compute backend initialized successfully.")
	return nil
}

func (vb *VulkanBackend) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString("Swarm"),
		PEngineName:        VulkanSafeString("Swarm Compute"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// No surface extensions, the instance never presents.
	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	if vb.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	layers := []string{}
	if vb.debug {
		if vb.hasLayer(VULKAN_VALIDATION_LAYER) {
			layers = append(layers, VULKAN_VALIDATION_LAYER)
			core.LogInfo("Validation layers enabled.")
		} else {
			core.LogWarn("Required validation layer is missing: %s", VULKAN_VALIDATION_LAYER)
			vb.debug = false
			createInfo.EnabledExtensionCount--
			createInfo.PpEnabledExtensionNames = createInfo.PpEnabledExtensionNames[:createInfo.EnabledExtensionCount]
		}
	}
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, vb.context.Allocator, &vb.context.Instance); res != vk.Success {
		return deviceError("vkCreateInstance", res)
	}
	if err := vk.InitInstance(vb.context.Instance); err != nil {
		err = fmt.Errorf("%w: %s", core.ErrDevice, err)
		core.LogError("%s", err)
		return err
	}
	core.LogInfo("Vulkan Instance created.")
	return nil
}

func (vb *VulkanBackend) hasLayer(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return false
	}
	for i := range available {
		available[i].Deref()
		end := FindFirstZeroInByteArray(available[i].LayerName[:])
		if vk.ToString(available[i].LayerName[:end]) == name {
			return true
		}
	}
	return false
}

func (vb *VulkanBackend) Shutdown() error {
	if vb.context.Device != nil && vb.context.Device.LogicalDevice != nil {
		vk.DeviceWaitIdle(vb.context.Device.LogicalDevice)

		core.LogDebug("Destroying descriptor pool...")
		DescriptorPoolDestroy(vb.context)
	}

	core.LogDebug("Destroying Vulkan device...")
	DeviceDestroy(vb.context)

	if vb.context.debugMessenger != vk.NullDebugReportCallback {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(vb.context.Instance, vb.context.debugMessenger, vb.context.Allocator)
		vb.context.debugMessenger = vk.NullDebugReportCallback
	}

	if vb.context.Instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(vb.context.Instance, vb.context.Allocator)
		vb.context.Instance = nil
	}
	return nil
}

func (vb *VulkanBackend) CreateBuffer(size uint64, location metadata.ResourceLocation) (*metadata.Resource, error) {
	var buffer *VulkanBuffer
	err := vb.context.Locks.SafeCall(BufferManagement, func() error {
		var err error
		buffer, err = NewBuffer(vb.context, size, location)
		return err
	})
	if err != nil {
		return nil, err
	}
	return metadata.NewResource(size, location, buffer), nil
}

func (vb *VulkanBackend) DestroyBuffer(resource *metadata.Resource) {
	buffer, ok := resource.Internal.(*VulkanBuffer)
	if !ok {
		return
	}
	vb.context.Locks.SafeCall(BufferManagement, func() error {
		buffer.Destroy(vb.context)
		return nil
	})
	resource.Internal = nil
}

func (vb *VulkanBackend) MapBuffer(resource *metadata.Resource) ([]byte, error) {
	buffer, ok := resource.Internal.(*VulkanBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: resource %s is not a buffer", core.ErrNotHostVisible, resource.ID)
	}
	var data []byte
	err := vb.context.Locks.SafeCall(MemoryManagement, func() error {
		var err error
		data, err = buffer.Map(vb.context)
		return err
	})
	return data, err
}

func (vb *VulkanBackend) UnmapBuffer(resource *metadata.Resource) {
	if buffer, ok := resource.Internal.(*VulkanBuffer); ok {
		vb.context.Locks.SafeCall(MemoryManagement, func() error {
			buffer.Unmap(vb.context)
			return nil
		})
	}
}

func (vb *VulkanBackend) CreateBindingLayout(shape []metadata.LayoutSlot) (*metadata.BindingLayout, error) {
	var layout vk.DescriptorSetLayout
	err := vb.context.Locks.SafeCall(DescriptorManagement, func() error {
		var err error
		layout, err = DescriptorSetLayoutCreate(vb.context, shape)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &metadata.BindingLayout{Shape: shape, Internal: layout}, nil
}

func (vb *VulkanBackend) DestroyBindingLayout(layout *metadata.BindingLayout) {
	if l, ok := layout.Internal.(vk.DescriptorSetLayout); ok {
		vk.DestroyDescriptorSetLayout(vb.context.Device.LogicalDevice, l, vb.context.Allocator)
		layout.Internal = nil
	}
}

func (vb *VulkanBackend) CreatePipelineLayout(layout *metadata.BindingLayout) (*metadata.PipelineLayout, error) {
	setLayout, ok := layout.Internal.(vk.DescriptorSetLayout)
	if !ok {
		return nil, fmt.Errorf("%w: binding layout %d has no device object", core.ErrDevice, layout.ID)
	}
	var pipelineLayout vk.PipelineLayout
	err := vb.context.Locks.SafeCall(PipelineManagement, func() error {
		var err error
		pipelineLayout, err = NewPipelineLayout(vb.context, setLayout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &metadata.PipelineLayout{Layout: layout, Internal: pipelineLayout}, nil
}

func (vb *VulkanBackend) DestroyPipelineLayout(layout *metadata.PipelineLayout) {
	if l, ok := layout.Internal.(vk.PipelineLayout); ok {
		vk.DestroyPipelineLayout(vb.context.Device.LogicalDevice, l, vb.context.Allocator)
		layout.Internal = nil
	}
}

func (vb *VulkanBackend) CreatePipeline(layout *metadata.PipelineLayout, code []uint32, entryPoint string) (*metadata.Pipeline, error) {
	pipelineLayout, ok := layout.Internal.(vk.PipelineLayout)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline layout %d has no device object", core.ErrDevice, layout.ID)
	}
	var pipeline *VulkanPipeline
	err := vb.context.Locks.SafeCall(PipelineManagement, func() error {
		var err error
		pipeline, err = NewComputePipeline(vb.context, pipelineLayout, code, entryPoint)
		return err
	})
	if err != nil {
		return nil, err
	}
	core.LogDebug("Compute pipeline created for entry point '%s'.", entryPoint)
	return &metadata.Pipeline{EntryPoint: entryPoint, Internal: pipeline}, nil
}

func (vb *VulkanBackend) DestroyPipeline(pipeline *metadata.Pipeline) {
	if p, ok := pipeline.Internal.(*VulkanPipeline); ok {
		vb.context.Locks.SafeCall(PipelineManagement, func() error {
			p.Destroy(vb.context)
			return nil
		})
		pipeline.Internal = nil
	}
}

func (vb *VulkanBackend) AllocateBindingSet(layout *metadata.BindingLayout) (*metadata.BindingSet, error) {
	setLayout, ok := layout.Internal.(vk.DescriptorSetLayout)
	if !ok {
		return nil, fmt.Errorf("%w: binding layout %d has no device object", core.ErrDevice, layout.ID)
	}
	var set vk.DescriptorSet
	err := vb.context.Locks.SafeCall(DescriptorManagement, func() error {
		var err error
		set, err = DescriptorSetAllocate(vb.context, setLayout)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrPoolExhausted) {
			core.LogDebug("descriptor pool exhausted: %s", err)
		}
		return nil, err
	}
	return &metadata.BindingSet{Layout: layout, Internal: set}, nil
}

func (vb *VulkanBackend) FreeBindingSet(set *metadata.BindingSet) {
	if s, ok := set.Internal.(vk.DescriptorSet); ok {
		vb.context.Locks.SafeCall(DescriptorManagement, func() error {
			DescriptorSetFree(vb.context, s)
			return nil
		})
		set.Internal = nil
	}
}

func (vb *VulkanBackend) WriteBindingSet(set *metadata.BindingSet, writes []metadata.BindingWrite) error {
	s, ok := set.Internal.(vk.DescriptorSet)
	if !ok {
		return fmt.Errorf("%w: binding set %d was freed", core.ErrDevice, set.ID)
	}
	return vb.context.Locks.SafeCall(DescriptorManagement, func() error {
		return DescriptorSetWrite(vb.context, s, writes)
	})
}

func (vb *VulkanBackend) Submit(commands []metadata.Command) error {
	return vb.context.Locks.SafeCall(CommandBufferManagement, func() error {
		pool := vb.context.Device.CommandPool
		cb, err := AllocateAndBeginSingleUse(vb.context, pool)
		if err != nil {
			return err
		}
		if err := cb.Record(commands); err != nil {
			cb.Free(vb.context, pool)
			return err
		}
		return cb.EndSingleUse(vb.context, pool, vb.context.Device.ComputeQueue)
	})
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
