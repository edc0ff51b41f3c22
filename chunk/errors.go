package chunk

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory marks every error returned from AllocationPool.Allocate when no memory type could
	// produce an allocation. The error also carries ErrIncompatibleMemoryType or
	// ErrNativeAllocationFailed to say which constraint could not be met.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrIncompatibleMemoryType indicates no memory type satisfied the request's type mask and
	// required properties
	ErrIncompatibleMemoryType = errors.New("no compatible memory type")
	// ErrNativeAllocationFailed indicates the device refused to allocate a native block
	ErrNativeAllocationFailed = errors.New("native block allocation failed")
	// ErrDoesNotFit indicates alignment padding pushed a request past the end of a chunk. It does not
	// escape AllocationPool.Allocate: the pool moves on to a larger size class.
	ErrDoesNotFit = errors.New("aligned request does not fit in chunk")
	// ErrInvalidMapRequest is returned when mapping memory that is not host-visible, mapping an
	// allocation that is already mapped, or unmapping one that is not
	ErrInvalidMapRequest = errors.New("invalid map request")
	// ErrInvalidRequest is returned for malformed allocation requests
	ErrInvalidRequest = errors.New("invalid allocation request")
)
