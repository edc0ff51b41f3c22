package chunk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/chunkpool/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// AllocationRequest describes the memory a buffer or image needs
type AllocationRequest struct {
	// Size is the number of bytes required. It must be positive.
	Size int
	// Alignment is the required alignment of the allocation's offset within its native block. It must
	// be a power of two. 0 is treated as 1.
	Alignment int
	// RequiredProperties is a set of flags that the chosen memory type must carry
	RequiredProperties core1_0.MemoryPropertyFlags
	// CompatibleTypeMask has bit i set when memory type i may be used, as reported by
	// MemoryRequirements.MemoryTypeBits
	CompatibleTypeMask uint32
}

func (r AllocationRequest) normalizedAlignment() int {
	if r.Alignment == 0 {
		return 1
	}
	return r.Alignment
}

func (r AllocationRequest) validate() error {
	if r.Size <= 0 {
		return errors.Wrapf(ErrInvalidRequest, "size must be positive, but was %d", r.Size)
	}

	alignment := r.normalizedAlignment()
	if alignment < 0 {
		return errors.Wrapf(ErrInvalidRequest, "alignment must not be negative, but was %d", r.Alignment)
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return errors.Mark(err, ErrInvalidRequest)
	}

	return nil
}
