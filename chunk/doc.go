// Package chunk sub-allocates device memory for buffers and images.
//
// Native blocks are expensive and drivers cap how many may be live at once, so an AllocationPool
// groups small requests by memory type and size class. Each size class slices native blocks into
// equal chunks and hands out one chunk per allocation. The number of chunks per block doubles every
// time a size class needs a new block, up to the pool's dedicated threshold. Requests above that
// threshold, and requests that no size class can serve, get a native block of their own.
//
// Allocations are reference counted. Dropping the last reference returns the chunk to its block,
// and an empty block is freed as soon as another block of the same size class can take its place.
package chunk
