package pool

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
)

// ErrOutOfSpace is returned when no hole in the pool can satisfy an allocation
var ErrOutOfSpace = errors.Wrap(ledger.ErrOutOfSpace, "pool")

// ErrInvalidAddress indicates an address that is outside the pool or does not identify an allocation
var ErrInvalidAddress = errors.New("address does not refer to an allocation in this pool")

// ErrAsyncReallocationDisabled is returned from Reallocate when the pool was not created with
// EnableAsyncReallocation
var ErrAsyncReallocationDisabled = errors.New("asynchronous reallocation is not enabled for this pool")

// ErrPoolNotEmpty is returned from Shutdown when allocations were never freed
var ErrPoolNotEmpty = errors.New("some allocations were not freed before the pool was shut down")
