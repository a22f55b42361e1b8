package nwl_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/dma/nwl"
	"github.com/ipe-fpga/pcilib/internal/fake"
)

const (
	pageSize = 4096

	readEngine  dma.Engine = 0
	writeEngine dma.Engine = 1

	c2sBase uintptr = 0
	s2cBase uintptr = nwl.ENGINE_REGISTERS_SIZE
)

var (
	readPages = pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_PAGES, 0)
	readRing  = pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_RING, 0)
)

// simRing is the hardware side of one engine: the ring it was given and its own pointer.
type simRing struct {
	base uint32
	hw   uint32
	sw   uint32
}

func (r *simRing) next(addr uint32) uint32 {
	addr += nwl.DESCRIPTOR_SIZE
	if addr == r.base+nwl.RING_SIZE*nwl.DESCRIPTOR_SIZE {
		return r.base
	}

	return addr
}

// simLoopback wires an S2C engine to a C2S engine: every packet written is delivered to
// the read ring.
type simLoopback struct {
	bar  *fake.Bar
	kmem *fake.Kmem
	bank *pcilib.Bank

	c2s simRing
	s2c simRing

	// stall stops the S2C engine from consuming descriptors.
	stall bool

	pending []byte
	packets [][]byte
	offset  int
}

func newSimLoopback() *simLoopback {
	s := &simLoopback{
		bar:  fake.NewBar(0x10000),
		kmem: fake.NewKmem(),
	}
	s.bank = &pcilib.Bank{Name: "dma", Bar: s.bar, Size: 0x10000, Width: 32}

	s.bar.Set(c2sBase+nwl.REG_DMA_ENG_CAP, nwl.DMA_ENG_PRESENT_MASK|nwl.DMA_ENG_C2S|nwl.DMA_ENG_PACKET|36<<nwl.DMA_ENG_BD_MAX_BC_SHIFT)
	s.bar.Set(s2cBase+nwl.REG_DMA_ENG_CAP, nwl.DMA_ENG_PRESENT_MASK|nwl.DMA_ENG_PACKET|36<<nwl.DMA_ENG_BD_MAX_BC_SHIFT)

	for _, base := range []uintptr{c2sBase, s2cBase} {
		ctrl := base + nwl.REG_DMA_ENG_CTRL_STATUS
		s.bar.OnWrite(ctrl, func(v uint32) {
			switch {
			case v&(nwl.DMA_ENG_USER_RESET|nwl.DMA_ENG_RESET) != 0:
				s.bar.Set(ctrl, v&^(nwl.DMA_ENG_USER_RESET|nwl.DMA_ENG_RESET|nwl.DMA_ENG_STATE_MASK|nwl.DMA_ENG_ENABLE))
			case v&nwl.DMA_ENG_ENABLE != 0:
				s.bar.Set(ctrl, v|nwl.DMA_ENG_RUNNING)
			default:
				s.bar.Set(ctrl, v&^nwl.DMA_ENG_STATE_MASK)
			}
		})
	}

	s.bar.OnWrite(c2sBase+nwl.REG_DMA_ENG_NEXT_BD, func(v uint32) {
		s.c2s = simRing{base: v, hw: v, sw: v}
	})
	s.bar.OnWrite(s2cBase+nwl.REG_DMA_ENG_NEXT_BD, func(v uint32) {
		s.s2c = simRing{base: v, hw: v, sw: v}
	})
	s.bar.OnWrite(c2sBase+nwl.REG_SW_NEXT_BD, func(v uint32) {
		s.c2s.sw = v
		s.deliver()
	})
	s.bar.OnWrite(s2cBase+nwl.REG_SW_NEXT_BD, func(v uint32) {
		s.s2c.sw = v
		s.consume()
	})

	return s
}

func (s *simLoopback) consume() {
	for !s.stall && s.s2c.hw != s.s2c.sw {
		desc := s.kmem.Memory(uintptr(s.s2c.hw))
		ctrl := pcilib.LoadUint32(desc, nwl.DMA_BD_CTRL_OFFSET)
		size := ctrl & nwl.DMA_BD_BUFL_MASK
		addr := uint64(pcilib.LoadUint32(desc, nwl.DMA_BD_BUFAL_OFFSET)) | uint64(pcilib.LoadUint32(desc, nwl.DMA_BD_BUFAH_OFFSET))<<32

		s.pending = append(s.pending, s.kmem.Memory(uintptr(addr))[:size]...)
		if ctrl&nwl.DMA_BD_EOP_MASK != 0 {
			s.packets = append(s.packets, s.pending)
			s.pending = nil
		}

		pcilib.StoreUint32(desc, nwl.DMA_BD_STATUS_OFFSET, nwl.DMA_BD_COMP_MASK|size)
		s.s2c.hw = s.s2c.next(s.s2c.hw)
	}

	s.bar.Set(s2cBase+nwl.REG_DMA_ENG_NEXT_BD, s.s2c.hw)
	s.deliver()
}

func (s *simLoopback) deliver() {
	for len(s.packets) > 0 && s.c2s.hw != s.c2s.sw {
		desc := s.kmem.Memory(uintptr(s.c2s.hw))
		capacity := int(pcilib.LoadUint32(desc, nwl.DMA_BD_CTRL_OFFSET) & nwl.DMA_BD_BUFL_MASK)
		addr := uint64(pcilib.LoadUint32(desc, nwl.DMA_BD_BUFAL_OFFSET)) | uint64(pcilib.LoadUint32(desc, nwl.DMA_BD_BUFAH_OFFSET))<<32

		pkt := s.packets[0]
		n := min(len(pkt)-s.offset, capacity)
		copy(s.kmem.Memory(uintptr(addr)), pkt[s.offset:s.offset+n])

		status := nwl.DMA_BD_COMP_MASK | uint32(n)
		if s.offset == 0 {
			status |= nwl.DMA_BD_SOP_MASK
		}

		s.offset += n
		if s.offset == len(pkt) {
			status |= nwl.DMA_BD_EOP_MASK
			s.packets = s.packets[1:]
			s.offset = 0
		}

		pcilib.StoreUint32(desc, nwl.DMA_BD_STATUS_OFFSET, status)
		s.c2s.hw = s.c2s.next(s.c2s.hw)
	}

	s.bar.Set(c2sBase+nwl.REG_DMA_ENG_NEXT_BD, s.c2s.hw)
}

func (s *simLoopback) options(t *testing.T) dma.Options {
	return dma.Options{
		Kmem:   s.kmem,
		Bank:   s.bank,
		Logger: zaptest.NewLogger(t),
		Config: dma.DefaultConfig(),
	}
}

func newBackend(t *testing.T, s *simLoopback) *nwl.Backend {
	b, err := nwl.New(s.options(t))
	require.NoError(t, err)

	return b.(*nwl.Backend)
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i%251)
	}

	return data
}

func TestScan(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)

	engines := b.Engines()
	require.Len(t, engines, 2)

	assert.Equal(t, dma.EngineDescription{Addr: 0, Type: dma.DMA_TYPE_PACKET, Direction: dma.DMA_FROM_DEVICE, AddrBits: 36, Name: "dma0r"}, engines[0])
	assert.Equal(t, dma.EngineDescription{Addr: 0, Type: dma.DMA_TYPE_PACKET, Direction: dma.DMA_TO_DEVICE, AddrBits: 36, Name: "dma0w"}, engines[1])

	assert.NotZero(t, s.bar.Writes(c2sBase+nwl.REG_DMA_ENG_CTRL_STATUS), "idle engines are reset")

	assert.ErrorIs(t, b.Start(2, dma.DMA_FLAGS_DEFAULT), pcilib.ErrInvalidBank)
}

func TestDetect(t *testing.T) {
	s := newSimLoopback()
	assert.True(t, nwl.Detect(s.bank))

	empty := &pcilib.Bank{Name: "dma", Bar: fake.NewBar(0x10000), Size: 0x10000, Width: 32}
	assert.False(t, nwl.Detect(empty))
}

func TestStartFresh(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)
	defer b.Close()

	require.NoError(t, b.Start(readEngine, dma.DMA_FLAGS_DEFAULT))

	base := s.c2s.base
	require.NotZero(t, base)
	assert.Equal(t, base+(nwl.RING_SIZE-1)*nwl.DESCRIPTOR_SIZE, s.bar.Get(c2sBase+nwl.REG_SW_NEXT_BD))

	ctrl := s.bar.Get(c2sBase + nwl.REG_DMA_ENG_CTRL_STATUS)
	assert.NotZero(t, ctrl&nwl.DMA_ENG_ENABLE)
	assert.NotZero(t, ctrl&nwl.DMA_ENG_RUNNING)

	ring := s.kmem.Memory(uintptr(base))
	for i := 0; i < nwl.RING_SIZE; i++ {
		next := base + uint32((i+1)%nwl.RING_SIZE)*nwl.DESCRIPTOR_SIZE
		require.Equal(t, next, pcilib.LoadUint32(ring, i*nwl.DESCRIPTOR_SIZE+nwl.DMA_BD_NDESC_OFFSET), "descriptor %d", i)
		require.Equal(t, uint32(pageSize), pcilib.LoadUint32(ring, i*nwl.DESCRIPTOR_SIZE+nwl.DMA_BD_CTRL_OFFSET))
	}

	status, buffers, err := b.Status(readEngine)
	require.NoError(t, err)
	assert.True(t, status.Started)
	assert.Equal(t, nwl.RING_SIZE-1, status.RingHead)
	assert.Equal(t, 0, status.RingTail)
	assert.Equal(t, pageSize, status.BufferSize)
	assert.Zero(t, status.WrittenBuffers)
	assert.Len(t, buffers, nwl.RING_SIZE)

	t.Run("write engine", func(t *testing.T) {
		require.NoError(t, b.Start(writeEngine, dma.DMA_FLAGS_DEFAULT))

		status, _, err := b.Status(writeEngine)
		require.NoError(t, err)
		assert.Zero(t, status.RingHead)
		assert.Zero(t, status.RingTail)
		assert.Equal(t, s.s2c.base, s.bar.Get(s2cBase+nwl.REG_SW_NEXT_BD))
	})
}

func TestRoundTrip(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)
	d := dma.NewDMA(b, zaptest.NewLogger(t), nil)
	defer d.Close()

	require.NoError(t, d.Start(readEngine, dma.DMA_FLAGS_DEFAULT))

	data := pattern(2*pageSize+1808, 7)
	n, err := d.Write(writeEngine, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	status, buffers, err := d.Status(writeEngine)
	require.NoError(t, err)
	assert.Equal(t, 3, status.RingHead)
	assert.Equal(t, 3, status.RingTail, "all written buffers are reclaimed")
	assert.True(t, buffers[0].Used)

	status, buffers, err = d.Status(readEngine)
	require.NoError(t, err)
	assert.Equal(t, 3, status.WrittenBuffers)
	assert.Equal(t, len(data), status.WrittenBytes)
	assert.True(t, buffers[0].First)
	assert.False(t, buffers[1].First)
	assert.True(t, buffers[2].Last)

	buf := make([]byte, 4*pageSize)
	n, err = d.Read(readEngine, 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, buf[:n])

	status, _, err = d.Status(readEngine)
	require.NoError(t, err)
	assert.Equal(t, 3, status.RingTail)
	assert.Equal(t, s.c2s.base+2*nwl.DESCRIPTOR_SIZE, s.bar.Get(c2sBase+nwl.REG_SW_NEXT_BD))

	t.Run("multipacket", func(t *testing.T) {
		first, second := pattern(100, 1), pattern(pageSize+10, 2)
		_, err := d.Write(writeEngine, 0, first)
		require.NoError(t, err)
		_, err = d.Write(writeEngine, 0, second)
		require.NoError(t, err)

		buf := make([]byte, len(first)+len(second))
		n, err := d.ReadCustom(readEngine, 0, buf, dma.DMA_FLAG_MULTIPACKET, pcilib.DMA_TIMEOUT)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		assert.Equal(t, first, buf[:len(first)])
		assert.Equal(t, second, buf[len(first):])
	})

	t.Run("ring wraps", func(t *testing.T) {
		chunk := pattern(pageSize, 9)
		for i := 0; i < nwl.RING_SIZE+10; i++ {
			_, err := d.Write(writeEngine, 0, chunk)
			require.NoError(t, err)

			n, err := d.Read(readEngine, 0, buf)
			require.NoError(t, err)
			require.Equal(t, pageSize, n)
		}
	})

	t.Run("no data", func(t *testing.T) {
		n, err := d.Read(readEngine, 0, buf)
		assert.ErrorIs(t, err, pcilib.ErrTimeout)
		assert.Zero(t, n)
	})
}

func TestStreamTimeoutIsBenign(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)
	defer b.Close()

	require.NoError(t, b.Start(readEngine, dma.DMA_FLAGS_DEFAULT))
	_, err := b.Push(writeEngine, 0, pattern(10, 0), dma.DMA_FLAG_EOP, pcilib.DMA_TIMEOUT)
	require.NoError(t, err)

	calls := 0
	err = b.Stream(readEngine, 0, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, func(flags dma.Flags, data []byte) (dma.Action, error) {
		calls++
		assert.NotZero(t, flags&dma.DMA_FLAG_EOP)
		assert.Len(t, data, 10)

		return dma.STREAMING_CONTINUE, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDescriptorError(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)
	defer b.Close()

	require.NoError(t, b.Start(readEngine, dma.DMA_FLAGS_DEFAULT))

	ring := s.kmem.Memory(uintptr(s.c2s.base))
	pcilib.StoreUint32(ring, nwl.DMA_BD_STATUS_OFFSET, nwl.DMA_BD_ERROR_MASK)

	err := b.Stream(readEngine, 0, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, func(dma.Flags, []byte) (dma.Action, error) {
		t.Fatal("no buffer expected")

		return dma.STREAMING_STOP, nil
	})
	assert.ErrorIs(t, err, pcilib.ErrFailed)

	t.Run("short write", func(t *testing.T) {
		s.stall = true
		_, err := b.Push(writeEngine, 0, pattern(10, 0), dma.DMA_FLAG_EOP, pcilib.DMA_TIMEOUT)
		require.NoError(t, err)

		ring := s.kmem.Memory(uintptr(s.s2c.base))
		pcilib.StoreUint32(ring, nwl.DMA_BD_STATUS_OFFSET, nwl.DMA_BD_SHORT_MASK|10)

		_, err = b.Push(writeEngine, 0, pattern(10, 0), dma.DMA_FLAG_EOP|dma.DMA_FLAG_WAIT, pcilib.DMA_TIMEOUT)
		assert.ErrorIs(t, err, pcilib.ErrFailed)
	})
}

func TestDescriptorOversized(t *testing.T) {
	for name, size := range map[string]uint32{
		"past the page":    pageSize + 1,
		"past the mapping": nwl.DMA_BD_BUFL_MASK,
	} {
		t.Run(name, func(t *testing.T) {
			s := newSimLoopback()
			b := newBackend(t, s)
			defer b.Close()

			require.NoError(t, b.Start(readEngine, dma.DMA_FLAGS_DEFAULT))

			ring := s.kmem.Memory(uintptr(s.c2s.base))
			pcilib.StoreUint32(ring, nwl.DMA_BD_STATUS_OFFSET, nwl.DMA_BD_COMP_MASK|nwl.DMA_BD_EOP_MASK|size)

			err := b.Stream(readEngine, 0, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, func(dma.Flags, []byte) (dma.Action, error) {
				t.Fatal("no buffer expected")

				return dma.STREAMING_STOP, nil
			})
			assert.ErrorIs(t, err, pcilib.ErrInvalidState)
		})
	}
}

func TestWriteTimeout(t *testing.T) {
	s := newSimLoopback()
	s.stall = true

	b := newBackend(t, s)
	defer b.Close()

	n, err := b.Push(writeEngine, 0, pattern(pageSize, 0), dma.DMA_FLAG_EOP|dma.DMA_FLAG_WAIT, pcilib.DMA_TIMEOUT)
	assert.ErrorIs(t, err, pcilib.ErrTimeout)
	assert.Equal(t, pageSize, n, "data is queued before waiting")

	t.Run("ring full", func(t *testing.T) {
		data := pattern(nwl.RING_SIZE*pageSize, 0)
		n, err := b.Push(writeEngine, 0, data, dma.DMA_FLAG_EOP, pcilib.DMA_TIMEOUT)
		assert.ErrorIs(t, err, pcilib.ErrTimeout)
		assert.Equal(t, (nwl.RING_SIZE-2)*pageSize, n)
	})
}

func TestPersistentReuse(t *testing.T) {
	s := newSimLoopback()

	b := newBackend(t, s)
	require.NoError(t, b.Start(readEngine, dma.DMA_FLAG_PERSISTENT))

	for _, seed := range []byte{1, 2} {
		_, err := b.Push(writeEngine, 0, pattern(64, seed), dma.DMA_FLAG_EOP|dma.DMA_FLAG_WAIT, pcilib.DMA_TIMEOUT)
		require.NoError(t, err)
	}

	buf := make([]byte, pageSize)
	rb := &dma.ReadBuffer{Data: buf}
	require.NoError(t, b.Stream(readEngine, 0, len(buf), dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, rb.Callback))
	require.Equal(t, pattern(64, 1), buf[:rb.Pos])

	require.NoError(t, b.Stop(readEngine, dma.DMA_FLAGS_DEFAULT))
	assert.NotZero(t, s.bar.Get(c2sBase+nwl.REG_DMA_ENG_CTRL_STATUS)&nwl.DMA_ENG_RUNNING, "persistent engine keeps running")
	assert.Equal(t, nwl.RING_SIZE, s.kmem.Registered(readPages))

	// Another owner picks up where the first one stopped.
	next := newBackend(t, s)
	require.NoError(t, next.Start(readEngine, dma.DMA_FLAGS_DEFAULT))

	status, _, err := next.Status(readEngine)
	require.NoError(t, err)
	assert.Equal(t, 0, status.RingHead)
	assert.Equal(t, 1, status.RingTail)

	rb = &dma.ReadBuffer{Data: buf}
	require.NoError(t, next.Stream(readEngine, 0, len(buf), dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, rb.Callback))
	assert.Equal(t, pattern(64, 2), buf[:rb.Pos])

	require.NoError(t, next.Stop(readEngine, dma.DMA_FLAG_STOP))
	assert.Zero(t, s.bar.Get(c2sBase+nwl.REG_DMA_ENG_CTRL_STATUS)&nwl.DMA_ENG_RUNNING)
	assert.Zero(t, s.kmem.Registered(readPages))
	assert.Zero(t, s.kmem.Registered(readRing))
}

func TestReuseRecoversPointer(t *testing.T) {
	for _, tc := range []struct {
		name string
		head int
	}{
		{"first", 0},
		{"middle", 5},
		{"last", nwl.RING_SIZE - 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newSimLoopback()

			b := newBackend(t, s)
			require.NoError(t, b.Start(readEngine, dma.DMA_FLAG_PERSISTENT))
			require.NoError(t, b.Stop(readEngine, dma.DMA_FLAGS_DEFAULT))

			ptr := s.c2s.base + uint32(tc.head)*nwl.DESCRIPTOR_SIZE
			s.bar.Set(c2sBase+nwl.REG_SW_NEXT_BD, ptr)

			next := newBackend(t, s)
			require.NoError(t, next.Start(readEngine, dma.DMA_FLAGS_DEFAULT))
			defer next.Stop(readEngine, dma.DMA_FLAG_STOP)

			status, _, err := next.Status(readEngine)
			require.NoError(t, err)
			assert.Equal(t, tc.head, status.RingHead)
			assert.Equal(t, (tc.head+1)%nwl.RING_SIZE, status.RingTail)
			assert.Equal(t, ptr, s.bar.Get(c2sBase+nwl.REG_SW_NEXT_BD), "ring is not reinitialized")
		})
	}
}

func TestReuseInvalidPointer(t *testing.T) {
	for name, offset := range map[string]uint32{
		"misaligned":   3*nwl.DESCRIPTOR_SIZE + 4,
		"out of range": nwl.RING_SIZE * nwl.DESCRIPTOR_SIZE,
	} {
		t.Run(name, func(t *testing.T) {
			s := newSimLoopback()

			b := newBackend(t, s)
			require.NoError(t, b.Start(readEngine, dma.DMA_FLAG_PERSISTENT))
			require.NoError(t, b.Stop(readEngine, dma.DMA_FLAGS_DEFAULT))

			base := s.c2s.base
			s.bar.Set(c2sBase+nwl.REG_SW_NEXT_BD, base+offset)

			next := newBackend(t, s)
			require.NoError(t, next.Start(readEngine, dma.DMA_FLAGS_DEFAULT))
			defer next.Stop(readEngine, dma.DMA_FLAG_STOP)

			status, _, err := next.Status(readEngine)
			require.NoError(t, err)
			assert.Equal(t, nwl.RING_SIZE-1, status.RingHead, "ring is reinitialized")
			assert.Equal(t, 0, status.RingTail)
			assert.Equal(t, base+(nwl.RING_SIZE-1)*nwl.DESCRIPTOR_SIZE, s.bar.Get(c2sBase+nwl.REG_SW_NEXT_BD))
		})
	}
}

func TestStopReclaims(t *testing.T) {
	s := newSimLoopback()

	b := newBackend(t, s)
	require.NoError(t, b.Start(readEngine, dma.DMA_FLAG_PERSISTENT))
	require.NoError(t, b.Stop(readEngine, dma.DMA_FLAG_PERSISTENT))
	require.Equal(t, nwl.RING_SIZE, s.kmem.Registered(readPages))

	next := newBackend(t, s)
	require.NoError(t, next.Stop(readEngine, dma.DMA_FLAGS_DEFAULT))
	assert.Zero(t, s.kmem.Registered(readPages))
	assert.Zero(t, s.bar.Get(c2sBase+nwl.REG_DMA_ENG_CTRL_STATUS)&nwl.DMA_ENG_RUNNING)
	assert.Equal(t, s.c2s.base, s.bar.Get(c2sBase+nwl.REG_SW_NEXT_BD))
}

func TestIgnoreEOP(t *testing.T) {
	s := newSimLoopback()
	opts := s.options(t)
	opts.Modification = dma.MODIFICATION_IPECAMERA

	b, err := nwl.New(opts)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Start(readEngine, dma.DMA_FLAGS_DEFAULT))
	_, err = b.(dma.Pusher).Push(writeEngine, 0, pattern(pageSize+1, 0), dma.DMA_FLAG_EOP, pcilib.DMA_TIMEOUT)
	require.NoError(t, err)

	var sizes []int
	err = b.(dma.Streamer).Stream(readEngine, 0, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, func(flags dma.Flags, data []byte) (dma.Action, error) {
		assert.NotZero(t, flags&dma.DMA_FLAG_EOP)
		sizes = append(sizes, len(data))

		return dma.STREAMING_CONTINUE, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{pageSize, 1}, sizes)
}

func TestBenchmark(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)
	defer b.Close()

	_, err := b.Benchmark(readEngine, 0, pageSize, 1, dma.DMA_BIDIRECTIONAL)
	assert.ErrorIs(t, err, pcilib.ErrNotSupported)

	speed, err := b.Benchmark(readEngine, 0, 4*pageSize, 3, dma.DMA_TO_DEVICE)
	require.NoError(t, err)
	assert.Greater(t, speed, 0.)

	t.Run("read uses the generator", func(t *testing.T) {
		s.bar.OnWrite(nwl.REG_RX_CONFIG, func(v uint32) {
			if v&nwl.PKTGENR == 0 {
				return
			}
			size := int(s.bar.Get(nwl.REG_PKT_SIZE))
			for i := 0; i < 8; i++ {
				s.packets = append(s.packets, bytes.Repeat([]byte{byte(i)}, size))
			}
			s.deliver()
		})

		// Drop the packets left by the write benchmark first.
		s.packets = nil

		speed, err := b.Benchmark(readEngine, 0, 2*pageSize, 4, dma.DMA_FROM_DEVICE)
		require.NoError(t, err)
		assert.Greater(t, speed, 0.)
		assert.Zero(t, s.bar.Get(nwl.REG_RX_CONFIG), "generator is stopped afterwards")
	})
}

func TestRegisterTable(t *testing.T) {
	s := newSimLoopback()
	b := newBackend(t, s)

	regs, err := pcilib.NewRegisters([]*pcilib.Bank{s.bank}, b.RegisterTable("dma"))
	require.NoError(t, err)

	reg, err := regs.Find("dma", "dma0w_sw_next_bd")
	require.NoError(t, err)
	assert.Equal(t, s2cBase+nwl.REG_SW_NEXT_BD, reg.Addr)

	assert.True(t, regs.Has("dma0r_running"))
	assert.True(t, regs.Has("xrawdata_enable_generator"))
	assert.True(t, regs.Has("dma_int_enable"))

	s.bar.Set(c2sBase+nwl.REG_DMA_ENG_CTRL_STATUS, nwl.DMA_ENG_RUNNING)
	running, err := regs.Read("dma0r_running")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), running)
}
