/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package core

import (
	"encoding/binary"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/config"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/chunk"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
)

func newTestCore(t *testing.T, low, high uint64) *Core {
	cfg := config.Default()
	cfg.WritebackTempPath = t.TempDir()
	cfg.LowWatermark = low
	cfg.HighWatermark = high

	c, err := New(cfg)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
		t.Skipf("userfaultfd unavailable: %v", err)
	}
	require.Nil(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// indexPopulate stores every element's index in its first four bytes.
func indexPopulate(calls *atomic.Int64) object.PopulateFunc {
	return func(start, end uint64, out []byte) error {
		if calls != nil {
			calls.Add(1)
		}
		stride := uint64(len(out)) / (end - start)
		for i := start; i < end; i++ {
			binary.NativeEndian.PutUint32(out[(i-start)*stride:], uint32(i))
		}
		return nil
	}
}

func element(o *Object, i uint64) uint32 {
	return binary.NativeEndian.Uint32(o.Body()[i*o.config.Stride:])
}

func setElement(o *Object, i uint64, v uint32) {
	binary.NativeEndian.PutUint32(o.Body()[i*o.config.Stride:], v)
}

func skipWithoutDontUnmap(t *testing.T) {
	src, err := mmap.ReadWrite(mmap.PageSize())
	require.Nil(t, err)
	defer src.Release()
	dst, err := mmap.ReadWrite(mmap.PageSize())
	require.Nil(t, err)
	defer dst.Release()
	if err := src.MoveTo(dst, 0, mmap.PageSize()); errors.Is(err, unix.EINVAL) {
		t.Skip("kernel does not support MREMAP_DONTUNMAP")
	}
}

func evictAll(t *testing.T, c *Core) {
	c.state.Lock()
	defer c.state.Unlock()
	require.Nil(t, c.state.chunks.FreeUntilLowWatermark())
	require.Zero(t, c.state.chunks.UsedMemory())
}

func TestIndexObjectScenario(t *testing.T) {
	skipWithoutDontUnmap(t)
	c := newTestCore(t, 0, 64<<20)

	o, err := c.Allocate(object.Prototype{HeaderSize: 1, Stride: 4, MinLoadCount: 4096}, 1_000_000, indexPopulate(nil))
	require.Nil(t, err)

	assert.Equal(t, uint32(999999), element(o, 999999))

	setElement(o, 0, 7)
	assert.Equal(t, uint32(7), element(o, 0))

	evictAll(t, c)
	assert.True(t, o.Writeback().Present(0))
	assert.Equal(t, uint32(7), element(o, 0))

	require.Nil(t, o.Reset())
	assert.False(t, o.Writeback().Present(0))
	assert.Equal(t, uint32(0), element(o, 0))
	assert.Equal(t, uint32(999999), element(o, 999999))
	assert.Equal(t, uint32(1234), element(o, 1234))
}

func TestHeaderIsZeroAndNeverPopulated(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)

	var calls atomic.Int64
	o, err := c.Allocate(object.Prototype{HeaderSize: 24, Stride: 8}, 1024, indexPopulate(&calls))
	require.Nil(t, err)

	header := o.Header()
	require.Len(t, header, 24)
	assert.Equal(t, make([]byte, 24), header)
	header[0] = 0xff
	header[23] = 0xee
	assert.Equal(t, byte(0xff), o.Header()[0])
	assert.Equal(t, byte(0xee), o.Header()[23])
	assert.Zero(t, calls.Load())

	// The header ends exactly where the body begins.
	assert.Equal(t, uintptr(o.HeaderPointer())+24, uintptr(o.BodyPointer()))
	assert.Equal(t, o.Memory().Addr()+uintptr(o.Config().HeaderSizePadded), uintptr(o.BodyPointer()))
}

func TestReadOnlyObjectRepopulates(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)

	var calls atomic.Int64
	o, err := c.Allocate(object.Prototype{Stride: 8, MinLoadCount: 1, ReadOnly: true}, 4096, indexPopulate(&calls))
	require.Nil(t, err)
	perChunk := o.Config().ElementsPerLoad

	assert.Equal(t, uint32(5), element(o, 5))
	assert.Equal(t, uint32(6), element(o, 6))
	assert.Equal(t, int64(1), calls.Load())

	evictAll(t, c)
	assert.False(t, o.Writeback().Present(0))

	assert.Equal(t, uint32(5), element(o, 5))
	assert.Equal(t, int64(2), calls.Load())

	if perChunk < 4096 {
		assert.Equal(t, uint32(perChunk), element(o, perChunk))
		assert.Equal(t, int64(3), calls.Load())
	}
}

func TestCleanChunksAreNotWrittenBack(t *testing.T) {
	skipWithoutDontUnmap(t)
	c := newTestCore(t, 0, 64<<20)

	var calls atomic.Int64
	o, err := c.Allocate(object.Prototype{Stride: 8, MinLoadCount: 1}, 4096, indexPopulate(&calls))
	require.Nil(t, err)

	assert.Equal(t, uint32(3), element(o, 3))
	evictAll(t, c)
	assert.False(t, o.Writeback().Present(0))

	// Unchanged chunks come back from the populate function.
	assert.Equal(t, uint32(3), element(o, 3))
	assert.Equal(t, int64(2), calls.Load())
}

func TestWatermarksBoundResidentMemory(t *testing.T) {
	skipWithoutDontUnmap(t)
	page := mmap.PageSize()
	high, low := 8*page, 4*page
	c := newTestCore(t, low, high)

	count := 64 * page / 8
	o, err := c.Allocate(object.Prototype{Stride: 8, MinLoadCount: 1}, count, indexPopulate(nil))
	require.Nil(t, err)
	perChunk := o.Config().ElementsPerLoad

	for i := uint64(0); i < count; i += perChunk {
		setElement(o, i, uint32(3*i+1))
		assert.LessOrEqual(t, c.UsedMemory(), high)
	}
	for i := uint64(0); i < count; i += perChunk {
		assert.Equal(t, uint32(3*i+1), element(o, i))
		assert.Equal(t, uint32(i+1), element(o, i+1))
		assert.LessOrEqual(t, c.UsedMemory(), high)
	}
}

func TestConcurrentDisjointFaults(t *testing.T) {
	c := newTestCore(t, 0, 256<<20)

	count := uint64(1 << 20)
	o, err := c.Allocate(object.Prototype{Stride: 4, MinLoadCount: 1024}, count, indexPopulate(nil))
	require.Nil(t, err)
	perChunk := o.Config().ElementsPerLoad

	var (
		wg   sync.WaitGroup
		bad  atomic.Int64
		jobs = 16
	)
	for g := 0; g < jobs; g++ {
		wg.Add(1)
		go func(g uint64) {
			defer wg.Done()
			for i := g * perChunk; i < count; i += uint64(jobs) * perChunk {
				last := min(i+perChunk, count) - 1
				if element(o, last) != uint32(last) || element(o, i) != uint32(i) {
					bad.Add(1)
				}
			}
		}(uint64(g))
	}
	wg.Wait()
	assert.Zero(t, bad.Load())
}

func TestFreeKeepsOtherObjects(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)

	a, err := c.Allocate(object.Prototype{Stride: 8}, 2048, indexPopulate(nil))
	require.Nil(t, err)
	b, err := c.Allocate(object.Prototype{Stride: 8}, 2048, indexPopulate(nil))
	require.Nil(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, c.Objects(), 2)

	assert.Equal(t, uint32(100), element(a, 100))
	bodyB := uintptr(b.BodyPointer())

	require.Nil(t, a.Free())
	assert.True(t, a.Freed())
	assert.Nil(t, a.Body())
	assert.Nil(t, a.HeaderPointer())

	_, err = c.GetByID(a.ID())
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(a.Free()))
	assert.True(t, errdefs.IsNotFound(a.Reset()))

	found, err := c.GetByAddress(bodyB + 16)
	require.Nil(t, err)
	assert.Same(t, b, found)
	found, err = c.GetByID(b.ID())
	require.Nil(t, err)
	assert.Same(t, b, found)
	assert.Len(t, c.Objects(), 1)

	assert.Equal(t, uint32(2047), element(b, 2047))
	assert.Equal(t, b.Config().LoadSize(), c.UsedMemory())
}

func TestGetByAddressUnknown(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)
	_, err := c.GetByAddress(0x1000)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAllocateRejectsBadConfig(t *testing.T) {
	page := mmap.PageSize()
	c := newTestCore(t, 4*page, 8*page)

	_, err := c.Allocate(object.Prototype{Stride: 8}, 16, nil)
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = c.Allocate(object.Prototype{Stride: 0}, 16, indexPopulate(nil))
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = c.Allocate(object.Prototype{Stride: 8}, 0, indexPopulate(nil))
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = c.Allocate(object.Prototype{Stride: 1 << 40}, 1 << 40, indexPopulate(nil))
	assert.True(t, errdefs.IsInvalidConfig(err))

	// A single chunk would not fit between the watermarks.
	_, err = c.Allocate(object.Prototype{Stride: 8, MinLoadCount: 4 * page / 8}, 4096, indexPopulate(nil))
	assert.True(t, errdefs.IsInvalidConfig(err))

	assert.Empty(t, c.Objects())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WritebackTempPath = t.TempDir()
	cfg.LowWatermark = cfg.HighWatermark
	_, err := New(cfg)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestShutdown(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)

	o, err := c.Allocate(object.Prototype{Stride: 8}, 2048, indexPopulate(nil))
	require.Nil(t, err)
	assert.Equal(t, uint32(1), element(o, 1))

	require.Nil(t, c.Shutdown())
	require.Nil(t, c.Shutdown())

	assert.True(t, o.Freed())
	live, _ := c.pool.Stats()
	assert.Zero(t, live)

	_, err = c.Allocate(object.Prototype{Stride: 8}, 16, indexPopulate(nil))
	assert.True(t, errdefs.IsCoreShutdown(err))
	_, err = c.GetByID(o.ID())
	assert.True(t, errdefs.IsCoreShutdown(err))
	assert.True(t, errdefs.IsCoreShutdown(o.Reset()))
}

func TestPopulateFailureLeavesFaultUnresolved(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)

	fail := errors.New("backend unavailable")
	o, err := c.Allocate(object.Prototype{Stride: 8}, 4096, func(start, end uint64, out []byte) error {
		return fail
	})
	require.Nil(t, err)

	// Resolved directly so that no thread blocks on the unresolved page.
	var buf scratch
	defer buf.release()
	err = c.handleFault(uintptr(o.BodyPointer()), &buf)
	assert.True(t, errdefs.IsPopulate(err))
	assert.Zero(t, c.UsedMemory())
	assert.False(t, o.Writeback().Locks().Poisoned())
}

func TestPopulatePanicPoisonsLocks(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)

	o, err := c.Allocate(object.Prototype{Stride: 8}, 4096, func(start, end uint64, out []byte) error {
		panic("corrupt input")
	})
	require.Nil(t, err)

	var buf scratch
	defer buf.release()
	err = c.handleFault(uintptr(o.BodyPointer()), &buf)
	assert.True(t, errdefs.IsPopulate(err))
	assert.True(t, o.Writeback().Locks().Poisoned())

	err = c.handleFault(uintptr(o.BodyPointer()), &buf)
	assert.True(t, errdefs.IsLockPoisoned(err))
	assert.True(t, errdefs.IsLockPoisoned(o.Reset()))

	// Poisoning is confined to the object's lock set.
	other, err := c.Allocate(object.Prototype{Stride: 8}, 4096, indexPopulate(nil))
	require.Nil(t, err)
	assert.Equal(t, uint32(17), element(other, 17))
	require.Nil(t, o.Free())
}

func TestSingleProcessor(t *testing.T) {
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	c := newTestCore(t, 0, 64<<20)
	assert.GreaterOrEqual(t, runtime.GOMAXPROCS(0), minProcs)

	o, err := c.Allocate(object.Prototype{Stride: 8}, 4096, indexPopulate(nil))
	require.Nil(t, err)
	assert.Equal(t, uint32(4095), element(o, 4095))
	require.Nil(t, c.Shutdown())
}

func TestHeaderFaultMapsZeroPage(t *testing.T) {
	c := newTestCore(t, 0, 64<<20)
	hook := logtest.NewGlobal()
	defer hook.Reset()

	var calls atomic.Int64
	o, err := c.Allocate(object.Prototype{HeaderSize: 24, Stride: 8}, 1024, indexPopulate(&calls))
	require.Nil(t, err)

	var buf scratch
	defer buf.release()
	require.Nil(t, c.handleFault(o.Memory().Addr(), &buf))
	assert.Zero(t, calls.Load())
	assert.Equal(t, make([]byte, 24), o.Header())

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "header") {
			warned = true
		}
	}
	assert.True(t, warned)
}

// failingBacking keeps the locks of the real store but refuses to save.
type failingBacking struct {
	chunk.Backing
}

func (failingBacking) Writeback(off object.Offset, data []byte) error {
	return errors.Errorf("disk full writing chunk %d", off.Chunk)
}

func TestFailedWritebackPoisonsChunkLocks(t *testing.T) {
	skipWithoutDontUnmap(t)
	c := newTestCore(t, 0, 64<<20)

	o, err := c.Allocate(object.Prototype{Stride: 8}, 4096, indexPopulate(nil))
	require.Nil(t, err)
	setElement(o, 0, 9)

	c.state.Lock()
	o.backing = failingBacking{Backing: o.store}
	err = c.state.chunks.FreeUntilLowWatermark()
	c.state.Unlock()
	require.NotNil(t, err)
	assert.True(t, o.Writeback().Locks().Poisoned())
	assert.False(t, o.Writeback().Present(0))

	// The chunk's pages are gone; the next fault on it must not hand out
	// freshly populated data.
	var buf scratch
	defer buf.release()
	err = c.handleFault(uintptr(o.BodyPointer()), &buf)
	assert.True(t, errdefs.IsLockPoisoned(err))
	assert.True(t, errdefs.IsLockPoisoned(o.Reset()))
}

func TestConcurrentFaultsStayNearHighWatermark(t *testing.T) {
	skipWithoutDontUnmap(t)
	page := mmap.PageSize()
	high, low := 16*page, 8*page
	c := newTestCore(t, low, high)

	count := 128 * page / 8
	o, err := c.Allocate(object.Prototype{Stride: 8, MinLoadCount: 1}, count, indexPopulate(nil))
	require.Nil(t, err)
	perChunk := o.Config().ElementsPerLoad
	chunks := count / perChunk

	const jobs = 4
	// Each in flight load may land after its eviction pass.
	bound := high + jobs*o.Config().LoadSize()

	var (
		wg        sync.WaitGroup
		overshoot atomic.Int64
		bad       atomic.Int64
	)
	for g := uint64(0); g < jobs; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := g; k < chunks; k += jobs {
				i := k * perChunk
				setElement(o, i, uint32(5*i+3))
				if c.UsedMemory() > bound {
					overshoot.Add(1)
				}
			}
			for k := g; k < chunks; k += jobs {
				i := k * perChunk
				if element(o, i) != uint32(5*i+3) || element(o, i+1) != uint32(i+1) {
					bad.Add(1)
				}
				if c.UsedMemory() > bound {
					overshoot.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, overshoot.Load())
	assert.Zero(t, bad.Load())
	assert.LessOrEqual(t, c.UsedMemory(), bound)
}

func TestSendReportsBrokenCore(t *testing.T) {
	c := &Core{
		requests: make(chan *request),
		done:     make(chan struct{}),
	}
	// A control loop that dies holding a request.
	go func() {
		<-c.requests
		close(c.done)
	}()

	_, err := c.send(&request{kind: resetRequest, id: 1})
	assert.True(t, errdefs.IsCoreBroken(err))

	_, err = c.send(&request{kind: freeRequest, id: 1})
	assert.True(t, errdefs.IsCoreShutdown(err))
}
