package chunk

import (
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this pool and all allocations created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	// defaultInitialGroupChunkCount is doubled before the first group of a size class is created,
	// so that group holds two chunks
	defaultInitialGroupChunkCount int = 1
)

// CreateOptions contains optional settings when creating an AllocationPool: it is valid to leave
// all the fields blank
type CreateOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever a native
	// block is allocated from or returned to the device. Pooled allocations do not map 1:1 with native
	// blocks, so these are called far less often than AllocationPool.Allocate
	MemoryCallbackOptions *MemoryCallbackOptions

	// InitialGroupChunkCount seeds each size class's growth counter. The counter doubles before every
	// new group, so the first group of a size class holds twice this many chunks. Defaults to 1.
	InitialGroupChunkCount int

	// BaseChunkSize is the level 0 chunk size of coherent and device-local memory types. It must be a
	// power of two. Defaults to 32. Host-visible non-coherent memory types always use the device's
	// nonCoherentAtomSize instead.
	BaseChunkSize int
}
