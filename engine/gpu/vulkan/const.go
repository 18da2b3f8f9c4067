package vulkan

/**
 * @brief Max number of bindings a single binding set layout may declare.
 */
const VULKAN_MAX_BINDINGS uint32 = 32

/**
 * @brief Descriptors of each kind reserved in the pool per binding set.
 */
const VULKAN_DESCRIPTORS_PER_SET uint32 = 8

const VULKAN_VALIDATION_LAYER = "VK_LAYER_KHRONOS_validation"
