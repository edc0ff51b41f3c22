// Package stress drives an AllocationPool from many goroutines at once and checks that no two
// live allocations ever share bytes of the same native block.
package stress

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/chunkpool/chunk"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// ErrOverlap is returned when two live allocations share bytes, or when an allocation's contents
// were overwritten while it was live
var ErrOverlap = errors.New("live allocations overlap")

type Options struct {
	Workers    int
	Iterations int
	Seed       int64

	MinSize      int
	MaxSize      int
	MaxAlignment int
	// MaxLive is the most allocations a single worker holds at once
	MaxLive int

	CompatibleTypeMask uint32
	RequiredProperties core1_0.MemoryPropertyFlags
}

func DefaultOptions() Options {
	return Options{
		Workers:            8,
		Iterations:         2000,
		Seed:               1,
		MinSize:            1,
		MaxSize:            16 * 1024,
		MaxAlignment:       256,
		MaxLive:            64,
		CompatibleTypeMask: 0xffffffff,
	}
}

type Report struct {
	Allocations int64
	Frees       int64
	Failures    int64
	MaxLive     int64
	Elapsed     time.Duration
}

type span struct {
	start, end int
}

// Tracker records the live byte ranges of each native block
type Tracker struct {
	mutex   sync.Mutex
	live    map[device.Memory]map[*chunk.Allocation]span
	count   int64
	maxLive int64
}

func NewTracker() *Tracker {
	return &Tracker{
		live: make(map[device.Memory]map[*chunk.Allocation]span),
	}
}

// Add registers an allocation's range and fails if it overlaps a live range in the same block
func (t *Tracker) Add(alloc *chunk.Allocation) error {
	block := alloc.NativeBlockHandle()
	newSpan := span{start: alloc.Offset(), end: alloc.Offset() + alloc.Size()}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	spans, ok := t.live[block]
	if !ok {
		spans = make(map[*chunk.Allocation]span)
		t.live[block] = spans
	}

	for other, otherSpan := range spans {
		if newSpan.start < otherSpan.end && otherSpan.start < newSpan.end {
			return errors.Wrapf(ErrOverlap, "[%d, %d) overlaps [%d, %d) of allocation %q",
				newSpan.start, newSpan.end, otherSpan.start, otherSpan.end, other.Name())
		}
	}

	spans[alloc] = newSpan
	t.count++
	if t.count > t.maxLive {
		t.maxLive = t.count
	}
	return nil
}

func (t *Tracker) Remove(alloc *chunk.Allocation) {
	block := alloc.NativeBlockHandle()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	spans := t.live[block]
	delete(spans, alloc)
	if len(spans) == 0 {
		delete(t.live, block)
	}
	t.count--
}

func (t *Tracker) MaxLive() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.maxLive
}

type liveAllocation struct {
	alloc   *chunk.Allocation
	pattern byte
}

type worker struct {
	id      int
	rng     *rand.Rand
	pool    *chunk.AllocationPool
	tracker *Tracker
	options Options
	report  *Report

	live []liveAllocation
	seq  int
}

// Run starts options.Workers goroutines that allocate and free at random until each has done
// options.Iterations operations or one of them fails. Every live allocation is freed before Run
// returns.
func Run(ctx context.Context, logger *slog.Logger, pool *chunk.AllocationPool, options Options) (Report, error) {
	if options.Workers < 1 || options.Iterations < 1 || options.MaxLive < 1 {
		return Report{}, errors.New("stress workers, iterations and max live must all be positive")
	}
	if options.MinSize < 1 || options.MaxSize < options.MinSize {
		return Report{}, errors.Newf("invalid size range [%d, %d]", options.MinSize, options.MaxSize)
	}
	if options.MaxAlignment < 1 {
		options.MaxAlignment = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := NewTracker()
	var report Report
	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < options.Workers; i++ {
		w := &worker{
			id:      i,
			rng:     rand.New(rand.NewSource(options.Seed + int64(i))),
			pool:    pool,
			tracker: tracker,
			options: options,
			report:  &report,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := w.run(ctx)
			if err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
				logger.Error("stress worker failed", slog.Int("worker", w.id), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	report.MaxLive = tracker.MaxLive()
	return report, firstErr
}

func (w *worker) run(ctx context.Context) (err error) {
	defer func() {
		drainErr := w.drain()
		if err == nil {
			err = drainErr
		}
	}()

	for i := 0; i < w.options.Iterations; i++ {
		if ctx.Err() != nil {
			return nil
		}

		if len(w.live) < w.options.MaxLive && (len(w.live) == 0 || w.rng.Intn(2) == 0) {
			err = w.allocate()
		} else {
			err = w.free(w.rng.Intn(len(w.live)))
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (w *worker) allocate() error {
	size := w.options.MinSize + w.rng.Intn(w.options.MaxSize-w.options.MinSize+1)
	alignment := 1 << w.rng.Intn(log2(w.options.MaxAlignment)+1)

	alloc, err := w.pool.Allocate(chunk.AllocationRequest{
		Size:               size,
		Alignment:          alignment,
		RequiredProperties: w.options.RequiredProperties,
		CompatibleTypeMask: w.options.CompatibleTypeMask,
	})
	if err != nil {
		atomic.AddInt64(&w.report.Failures, 1)
		if errors.Is(err, chunk.ErrOutOfMemory) {
			return nil
		}
		return err
	}
	atomic.AddInt64(&w.report.Allocations, 1)

	if alloc.Offset()%alignment != 0 {
		alloc.Free()
		return errors.Newf("offset %d is not aligned to %d", alloc.Offset(), alignment)
	}

	w.seq++
	pattern := byte(w.id*31 + w.seq)

	err = w.tracker.Add(alloc)
	if err != nil {
		alloc.Free()
		return err
	}

	if alloc.PropertyFlags()&core1_0.MemoryPropertyHostVisible != 0 {
		err = fill(alloc, pattern)
		if err != nil {
			w.tracker.Remove(alloc)
			alloc.Free()
			return err
		}
	}

	w.live = append(w.live, liveAllocation{alloc: alloc, pattern: pattern})
	return nil
}

func (w *worker) free(index int) error {
	entry := w.live[index]
	w.live[index] = w.live[len(w.live)-1]
	w.live = w.live[:len(w.live)-1]

	var err error
	if entry.alloc.PropertyFlags()&core1_0.MemoryPropertyHostVisible != 0 {
		err = verify(entry.alloc, entry.pattern)
	}

	w.tracker.Remove(entry.alloc)
	entry.alloc.Free()
	atomic.AddInt64(&w.report.Frees, 1)
	return err
}

func (w *worker) drain() error {
	var firstErr error
	for len(w.live) > 0 {
		err := w.free(len(w.live) - 1)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func fill(alloc *chunk.Allocation, pattern byte) error {
	ptr, err := alloc.Map(false)
	if err != nil {
		return err
	}

	data := unsafe.Slice((*byte)(ptr), alloc.Size())
	for i := range data {
		data[i] = pattern
	}

	return alloc.Unmap(true)
}

func verify(alloc *chunk.Allocation, pattern byte) error {
	ptr, err := alloc.Map(true)
	if err != nil {
		return err
	}

	data := unsafe.Slice((*byte)(ptr), alloc.Size())
	for i, b := range data {
		if b != pattern {
			_ = alloc.Unmap(false)
			return errors.Wrapf(ErrOverlap, "byte %d of allocation at offset %d was %#x, expected %#x", i, alloc.Offset(), b, pattern)
		}
	}

	return alloc.Unmap(false)
}

func log2(value int) int {
	result := 0
	for value > 1 {
		value >>= 1
		result++
	}
	return result
}
