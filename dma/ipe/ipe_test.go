package ipe_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/dma/ipe"
	"github.com/ipe-fpga/pcilib/internal/fake"
)

const (
	pageSize = 4096
	ringSize = 16
)

var pagesUse = pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_PAGES, 0)

// simRing plays the engine: it fills queued pages in order and publishes progress.
type simRing struct {
	bar  *fake.Bar
	kmem *fake.Kmem
	bank *pcilib.Bank

	mu     sync.Mutex
	queue  []uint32
	update uint32
}

func newSimRing() *simRing {
	s := &simRing{
		bar:  fake.NewBar(0x1000),
		kmem: fake.NewKmem(),
	}
	s.bank = &pcilib.Bank{Name: "dma", Bar: s.bar, Size: 0x100, Width: 32}

	s.bar.OnWrite(ipe.REG_RESET, func(v uint32) {
		if v == 0 {
			s.bar.Set(ipe.REG_RESET, ipe.LINK_READY_GEN3)
		}
	})
	s.bar.OnWrite(ipe.REG_PAGE_ADDR, func(v uint32) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.queue = append(s.queue, v)
		s.bar.Set(ipe.REG_PAGE_COUNT, s.bar.Get(ipe.REG_PAGE_COUNT)+1)
	})
	s.bar.OnWrite(ipe.REG_PAGE_COUNT, func(v uint32) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if v == 0 {
			s.queue = nil
		}
	})
	s.bar.OnWrite(ipe.REG_UPDATE_ADDR, func(v uint32) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.update = v
	})

	return s
}

func (s *simRing) options(t *testing.T) dma.Options {
	return dma.Options{
		Kmem:   s.kmem,
		Bank:   s.bank,
		Logger: zaptest.NewLogger(t),
		Config: dma.DefaultConfig(),
	}
}

func (s *simRing) progressOffset() int {
	if pcilib.HostAddressBits() == 64 {
		return 12
	}

	return 16
}

// produce fills the next n queued pages, page i with byte first+i.
func (s *simRing) produce(t *testing.T, n int, first byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	require.GreaterOrEqual(t, len(s.queue), n, "not enough pages queued")

	for i := 0; i < n; i++ {
		addr := s.queue[0]
		s.queue = s.queue[1:]

		page := s.kmem.Memory(uintptr(addr))
		require.NotNil(t, page)
		copy(page[:pageSize], bytes.Repeat([]byte{first + byte(i)}, pageSize))

		desc := s.kmem.Memory(uintptr(s.update))
		require.NotNil(t, desc)
		pcilib.StoreUint32(desc, s.progressOffset(), addr)
	}
}

func (s *simRing) queued() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uint32(nil), s.queue...)
}

func newBackend(t *testing.T, s *simRing) *ipe.Backend {
	b, err := ipe.New(s.options(t))
	require.NoError(t, err)

	return b.(*ipe.Backend)
}

func TestStartFresh(t *testing.T) {
	s := newSimRing()
	b := newBackend(t, s)

	require.NoError(t, b.Start(0, dma.DMA_FLAGS_DEFAULT))
	defer b.Close()

	assert.Equal(t, uint32(1), s.bar.Get(ipe.REG_CONTROL))
	assert.Equal(t, uint32(ringSize), s.bar.Get(ipe.REG_LAST_READ))
	assert.Equal(t, uint32(ipe.PROGRESS_THRESHOLD), s.bar.Get(ipe.REG_UPDATE_THRESHOLD))
	assert.Equal(t, uint32(pageSize/32), s.bar.Get(ipe.REG_TLP_COUNT))
	assert.Equal(t, uint32(32>>2), s.bar.Get(ipe.REG_TLP_SIZE)&0x7FFF)
	assert.Len(t, s.queued(), ringSize-1, "one page stays in reserve")

	t.Run("idempotent", func(t *testing.T) {
		writes := s.bar.Writes(ipe.REG_RESET)
		require.NoError(t, b.Start(0, dma.DMA_FLAGS_DEFAULT))
		assert.Equal(t, writes, s.bar.Writes(ipe.REG_RESET))
	})
}

func TestInvalidEngine(t *testing.T) {
	s := newSimRing()
	b := newBackend(t, s)

	assert.ErrorIs(t, b.Start(1, dma.DMA_FLAGS_DEFAULT), pcilib.ErrInvalidBank)
	assert.ErrorIs(t, b.Stop(1, dma.DMA_FLAGS_DEFAULT), pcilib.ErrInvalidBank)
}

func TestStreamRecycle(t *testing.T) {
	s := newSimRing()
	b := newBackend(t, s)
	d := dma.NewDMA(b, zaptest.NewLogger(t), nil)
	defer d.Close()

	require.NoError(t, d.Start(0, dma.DMA_FLAGS_DEFAULT))

	initial := s.queued()
	s.produce(t, 3, 0xA0)

	buf := make([]byte, 3*pageSize)
	n, err := d.ReadCustom(0, 0, buf, dma.DMA_FLAG_MULTIPACKET, pcilib.DMA_TIMEOUT)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	for i := 0; i < 3; i++ {
		assert.Equal(t, bytes.Repeat([]byte{0xA0 + byte(i)}, pageSize), buf[i*pageSize:(i+1)*pageSize])
	}

	assert.Equal(t, uint32(3), s.bar.Get(ipe.REG_LAST_READ))

	// Consuming page i hands page i-1 back to the engine.
	queue := s.queued()
	require.Len(t, queue, ringSize-1)
	assert.Equal(t, initial[3:], queue[:ringSize-4])
	assert.Equal(t, initial[0:2], queue[ringSize-3:])
	assert.NotContains(t, initial, queue[ringSize-4], "the reserved page is queued first")

	t.Run("no data", func(t *testing.T) {
		n, err := d.Read(0, 0, buf)
		assert.ErrorIs(t, err, pcilib.ErrTimeout)
		assert.Zero(t, n)
	})
}

func TestStreamTimeoutIsBenign(t *testing.T) {
	s := newSimRing()
	b := newBackend(t, s)
	require.NoError(t, b.Start(0, dma.DMA_FLAGS_DEFAULT))
	defer b.Close()

	s.produce(t, 1, 1)

	calls := 0
	err := b.Stream(0, 0, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, func(flags dma.Flags, data []byte) (dma.Action, error) {
		calls++
		assert.NotZero(t, flags&dma.DMA_FLAG_EOP)
		assert.Len(t, data, pageSize)

		return dma.STREAMING_CONTINUE, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, s.kmem.Syncs())
}

func TestStatus(t *testing.T) {
	s := newSimRing()
	b := newBackend(t, s)
	require.NoError(t, b.Start(0, dma.DMA_FLAGS_DEFAULT))
	defer b.Close()

	status, buffers, err := b.Status(0)
	require.NoError(t, err)
	assert.True(t, status.Started)
	assert.Zero(t, status.WrittenBuffers)

	s.produce(t, 2, 1)

	status, buffers, err = b.Status(0)
	require.NoError(t, err)
	assert.Equal(t, ringSize, status.RingSize)
	assert.Equal(t, pageSize, status.BufferSize)
	assert.Equal(t, 1, status.RingHead)
	assert.Equal(t, 0, status.RingTail)
	assert.Equal(t, 2, status.WrittenBuffers)
	assert.Equal(t, 2*pageSize, status.WrittenBytes)
	require.Len(t, buffers, ringSize)
	assert.True(t, buffers[0].Used)
	assert.True(t, buffers[1].Used)
	assert.False(t, buffers[2].Used)

	t.Run("unknown progress address", func(t *testing.T) {
		desc := s.kmem.Memory(uintptr(s.update))
		pcilib.StoreUint32(desc, s.progressOffset(), 0xDEAD000)

		_, _, err := b.Status(0)
		assert.ErrorIs(t, err, pcilib.ErrFailed)
	})
}

func TestPersistentReuse(t *testing.T) {
	s := newSimRing()

	b := newBackend(t, s)
	require.NoError(t, b.Start(0, dma.DMA_FLAG_PERSISTENT))
	s.produce(t, 2, 1)

	consumed := 0
	require.NoError(t, b.Stream(0, 0, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, func(dma.Flags, []byte) (dma.Action, error) {
		consumed++

		return dma.STREAMING_CONTINUE, nil
	}))
	require.Equal(t, 2, consumed)
	require.NoError(t, b.Stop(0, dma.DMA_FLAGS_DEFAULT))

	assert.Equal(t, uint32(1), s.bar.Get(ipe.REG_CONTROL), "persistent engine keeps running")
	assert.Equal(t, ringSize, s.kmem.Registered(pagesUse))

	// Another owner picks up where the first one stopped.
	resets := s.bar.Writes(ipe.REG_RESET)
	next := newBackend(t, s)
	require.NoError(t, next.Start(0, dma.DMA_FLAGS_DEFAULT))
	assert.Equal(t, resets, s.bar.Writes(ipe.REG_RESET), "reused engine is not reset")

	s.produce(t, 1, 0x33)
	buf := make([]byte, pageSize)
	d := dma.NewDMA(next, zaptest.NewLogger(t), nil)
	n, err := d.Read(0, 0, buf)
	require.NoError(t, err)
	require.Equal(t, pageSize, n)
	assert.Equal(t, byte(0x33), buf[0])
	assert.Equal(t, uint32(3), s.bar.Get(ipe.REG_LAST_READ))

	require.NoError(t, next.Stop(0, dma.DMA_FLAG_STOP))
	assert.Zero(t, s.bar.Get(ipe.REG_CONTROL))
	assert.Zero(t, s.bar.Get(ipe.REG_PAGE_COUNT))
	assert.Zero(t, s.kmem.Registered(pagesUse))
}

func TestStopReclaims(t *testing.T) {
	s := newSimRing()

	b := newBackend(t, s)
	require.NoError(t, b.Start(0, dma.DMA_FLAG_PERSISTENT))
	require.NoError(t, b.Stop(0, dma.DMA_FLAG_PERSISTENT))
	require.Equal(t, ringSize, s.kmem.Registered(pagesUse))

	next := newBackend(t, s)
	require.NoError(t, next.Stop(0, dma.DMA_FLAGS_DEFAULT))
	assert.Zero(t, s.kmem.Registered(pagesUse))
	assert.Zero(t, s.bar.Get(ipe.REG_CONTROL))
}

func TestPartialReuse(t *testing.T) {
	setup := func(t *testing.T) *simRing {
		s := newSimRing()
		b := newBackend(t, s)
		require.NoError(t, b.Start(0, dma.DMA_FLAG_PERSISTENT))
		require.NoError(t, b.Stop(0, dma.DMA_FLAGS_DEFAULT))
		s.kmem.Drop(pagesUse, 5)

		return s
	}

	t.Run("refused", func(t *testing.T) {
		s := setup(t)
		b := newBackend(t, s)
		assert.ErrorIs(t, b.Start(0, dma.DMA_FLAGS_DEFAULT), pcilib.ErrInvalidState)
	})

	t.Run("forced", func(t *testing.T) {
		s := setup(t)
		b := newBackend(t, s)
		require.NoError(t, b.Start(0, dma.DMA_FLAG_STOP))
		defer b.Close()

		assert.Equal(t, ringSize, s.kmem.Registered(pagesUse))
		assert.Equal(t, uint32(ringSize), s.bar.Get(ipe.REG_LAST_READ))
	})
}

func TestVerifyPageAddress(t *testing.T) {
	s := newSimRing()
	s.bar.OnRead(ipe.REG_PAGE_ADDR, func() uint32 { return 0 })

	b := newBackend(t, s)
	assert.ErrorIs(t, b.Start(0, dma.DMA_FLAGS_DEFAULT), pcilib.ErrVerify)
}

func TestTLPSize(t *testing.T) {
	s := newSimRing()
	regs, err := pcilib.NewRegisters([]*pcilib.Bank{s.bank}, ipe.RegisterTable("dma"))
	require.NoError(t, err)

	opts := s.options(t)
	opts.Registers = regs
	opts.Config.TLPOverride = 0

	// Programmed 256 bytes, capable of 512.
	s.bar.Set(0x40, 1<<8|2)

	b, err := ipe.New(opts)
	require.NoError(t, err)
	assert.Equal(t, 256, b.(*ipe.Backend).TLPSize())

	require.NoError(t, b.Start(0, dma.DMA_FLAGS_DEFAULT))
	defer b.Close()
	assert.Equal(t, uint32(pageSize/256), s.bar.Get(ipe.REG_TLP_COUNT))

	t.Run("capped by capability", func(t *testing.T) {
		s.bar.Set(0x40, 2<<8|0)
		assert.Equal(t, 128, b.(*ipe.Backend).TLPSize())
	})
}

func TestBenchmarkDirection(t *testing.T) {
	s := newSimRing()
	b := newBackend(t, s)

	_, err := b.Benchmark(0, 0, pageSize, 1, dma.DMA_TO_DEVICE)
	assert.ErrorIs(t, err, pcilib.ErrNotSupported)
}

func TestRegistry(t *testing.T) {
	s := newSimRing()

	d, err := dma.Open(ipe.Name, s.options(t))
	require.NoError(t, err)
	defer d.Close()

	e, err := d.FindEngine(dma.DMA_FROM_DEVICE, 0)
	require.NoError(t, err)
	assert.Equal(t, dma.Engine(0), e)

	_, err = d.FindEngine(dma.DMA_TO_DEVICE, 0)
	assert.ErrorIs(t, err, pcilib.ErrNotFound)
}
