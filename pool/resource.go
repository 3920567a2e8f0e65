package pool

import (
	"sync"

	"github.com/dolthub/swiss"
)

// Resource is implemented by any object that owns allocator memory, such as a texture or buffer
type Resource interface {
	// CanRelocate reports whether the resource's memory may be moved right now. A resource that
	// is mapped for CPU access, for instance, should return false.
	CanRelocate() bool
	// UpdateBaseAddress is called after the resource's memory has been moved, so that dependent
	// descriptors can be rewritten
	UpdateBaseAddress(newAddress Address)
	BaseAddress() Address
}

// ResourceTable resolves the ResourceHandle stored with an allocation into the resource that owns it
type ResourceTable interface {
	Resource(handle ResourceHandle) (Resource, bool)
}

// ResourceRegistry is a ResourceTable that hands out handles for registered resources. It is
// safe for concurrent use.
type ResourceRegistry struct {
	mutex      sync.RWMutex
	nextHandle ResourceHandle
	resources  *swiss.Map[ResourceHandle, Resource]
}

var _ ResourceTable = &ResourceRegistry{}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		nextHandle: NoResource + 1,
		resources:  swiss.NewMap[ResourceHandle, Resource](64),
	}
}

// Register adds a resource to the registry and returns the handle that identifies it
func (r *ResourceRegistry) Register(resource Resource) ResourceHandle {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	handle := r.nextHandle
	r.nextHandle++
	r.resources.Put(handle, resource)

	return handle
}

// Unregister removes a resource from the registry. It returns false if the handle was not registered.
func (r *ResourceRegistry) Unregister(handle ResourceHandle) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.resources.Delete(handle)
}

func (r *ResourceRegistry) Resource(handle ResourceHandle) (Resource, bool) {
	if handle == NoResource {
		return nil, false
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.resources.Get(handle)
}

func (r *ResourceRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.resources.Count()
}
