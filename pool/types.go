package pool

import "fmt"

// Address is a device address inside a pool's region
type Address uint64

// Fence is an opaque, monotonically increasing completion token issued by a Platform. All work
// submitted before a fence was issued has completed once that fence is signaled.
type Fence uint64

// NoFence is always signaled
const NoFence Fence = 0

// ResourceHandle is a non-owning reference to the resource object that occupies an allocation.
// It indexes a caller-owned ResourceTable; the allocator never destroys the resource.
type ResourceHandle uint64

// NoResource indicates that an allocation has no resource attached. Allocations without a
// resource are never relocated, since nothing could observe their new address.
const NoResource ResourceHandle = 0

// AllocationCategory is a coarse classification of an allocation's contents, used for statistics
type AllocationCategory uint32

const (
	CategoryOther AllocationCategory = iota
	CategoryTexture
	CategoryBuffer
	CategoryRenderTarget
	CategoryShader
	CategoryStreaming

	categoryCount
)

var allocationCategoryMapping = map[AllocationCategory]string{
	CategoryOther:        "Other",
	CategoryTexture:      "Texture",
	CategoryBuffer:       "Buffer",
	CategoryRenderTarget: "RenderTarget",
	CategoryShader:       "Shader",
	CategoryStreaming:    "Streaming",
}

func (c AllocationCategory) String() string {
	str, ok := allocationCategoryMapping[c]
	if !ok {
		return fmt.Sprintf("AllocationCategory(%d)", uint32(c))
	}
	return str
}
