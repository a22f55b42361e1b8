package nwl

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
)

// cleanBuffers moves the tail over the descriptors completed by the engine and returns
// how many were reclaimed.
func (b *Backend) cleanBuffers(e *engine) (int, error) {
	n := 0

	for e.tail != e.head {
		status := e.bd(e.tail, DMA_BD_STATUS_OFFSET)
		if status&(DMA_BD_ERROR_MASK|DMA_BD_SHORT_MASK) != 0 {
			return n, fmt.Errorf("DMA engine %d reports error 0x%x for buffer %d: %w",
				e.desc.Addr, status, e.tail, pcilib.ErrFailed)
		}

		if status&DMA_BD_COMP_MASK == 0 {
			break
		}

		e.tail = (e.tail + 1) % RING_SIZE
		n++
	}

	return n, nil
}

// getNextBuffer waits until n descriptors are free and returns the first of them. The
// deadline restarts whenever the engine completes a descriptor.
func (b *Backend) getNextBuffer(e *engine, n int, timeout time.Duration) (int, error) {
	sleep := b.cfg.PollSleep()
	deadline := pcilib.NewDeadline(timeout)

	for {
		if e.freeSlots() >= n {
			return e.head, nil
		}

		cleaned, err := b.cleanBuffers(e)
		if err != nil {
			return 0, err
		}

		if e.freeSlots() >= n {
			return e.head, nil
		}

		if cleaned > 0 {
			deadline = pcilib.NewDeadline(timeout)
		} else if deadline.Expired() {
			return 0, fmt.Errorf("DMA engine %d has %d of %d buffers free: %w",
				e.desc.Addr, e.freeSlots(), n, pcilib.ErrTimeout)
		}

		pcilib.Sleep(sleep)
	}
}

// pushBuffer hands the descriptor at the head to the engine. Completion is polled, the
// descriptor interrupt bits stay clear.
func (b *Backend) pushBuffer(e *engine, size int, eop bool) {
	var flags uint32
	if !e.writing {
		flags |= DMA_BD_SOP_MASK
		e.writing = true
	}
	if eop {
		flags |= DMA_BD_EOP_MASK
		e.writing = false
	}

	e.setBD(e.head, DMA_BD_CTRL_OFFSET, uint32(size)|flags)
	e.setBD(e.head, DMA_BD_STATUS_OFFSET, uint32(size))

	e.head = (e.head + 1) % RING_SIZE
	b.write(e.base+REG_SW_NEXT_BD, e.bdAddr(e.head))
}

// waitBuffer waits for the engine to complete the descriptor at the tail and returns the
// size of its data and whether it ends a packet.
func (b *Backend) waitBuffer(e *engine, timeout time.Duration) (int, bool, error) {
	var status uint32

	err := pcilib.Poll(timeout, b.cfg.PollSleep(), func() bool {
		status = e.bd(e.tail, DMA_BD_STATUS_OFFSET)

		return status&(DMA_BD_COMP_MASK|DMA_BD_ERROR_MASK) != 0
	})
	if err != nil {
		return 0, false, err
	}

	if status&DMA_BD_ERROR_MASK != 0 {
		return 0, false, fmt.Errorf("DMA engine %d reports error 0x%x for buffer %d: %w",
			e.desc.Addr, status, e.tail, pcilib.ErrFailed)
	}

	n := int(status & DMA_BD_BUFL_MASK)
	if n > e.pageSize {
		return 0, false, fmt.Errorf("DMA engine %d reports %d bytes in buffer %d of %d bytes: %w",
			e.desc.Addr, n, e.tail, e.pageSize, pcilib.ErrInvalidState)
	}

	eop := b.ignoreEOP || status&DMA_BD_EOP_MASK != 0

	return n, eop, nil
}

// returnBuffer gives the descriptor at the tail back to the engine.
func (b *Backend) returnBuffer(e *engine) {
	e.setBD(e.tail, DMA_BD_CTRL_OFFSET, uint32(e.pageSize))
	e.setBD(e.tail, DMA_BD_STATUS_OFFSET, 0)

	b.write(e.base+REG_SW_NEXT_BD, e.bdAddr(e.tail))
	e.tail = (e.tail + 1) % RING_SIZE
}

// Stream hands out completed buffers of a C2S engine to cb until it stops or no data
// arrives in time.
func (b *Backend) Stream(engine dma.Engine, addr uintptr, size int, flags dma.Flags, timeout time.Duration, cb dma.Callback) error {
	e, err := b.engine(engine)
	if err != nil {
		return err
	}

	if !e.c2s() {
		return fmt.Errorf("DMA engine %d does not read from the device: %w", e.desc.Addr, pcilib.ErrNotSupported)
	}

	b.mu.Lock()
	err = b.start(e, dma.DMA_FLAGS_DEFAULT)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	action := dma.STREAMING_REQ_PACKET

	for {
		wait := dma.WaitTimeout(action, b.cfg.Timeout, timeout)

		n, eop, err := b.waitBuffer(e, wait)
		if errors.Is(err, pcilib.ErrTimeout) {
			b.metrics.Timeout(e.index)

			return dma.TimeoutResult(action)
		}
		if err != nil {
			return err
		}

		if err := b.kmem.SyncKernelMemoryBlock(e.pages, e.tail, pcilib.KMEM_SYNC_FROMDEVICE); err != nil {
			return err
		}

		var f dma.Flags
		if eop {
			f = dma.DMA_FLAG_EOP
		}

		action, err = cb(f, e.pages.Block(e.tail).Data[:n])
		b.returnBuffer(e)
		if err != nil {
			return err
		}

		if action == dma.STREAMING_STOP {
			return nil
		}
	}
}

// Push splits data into pages and queues them on an S2C engine. With DMA_FLAG_EOP the last
// page ends the packet, with DMA_FLAG_WAIT it returns once the engine drained the ring.
func (b *Backend) Push(engine dma.Engine, addr uintptr, data []byte, flags dma.Flags, timeout time.Duration) (int, error) {
	e, err := b.engine(engine)
	if err != nil {
		return 0, err
	}

	if e.c2s() {
		return 0, fmt.Errorf("DMA engine %d does not write to the device: %w", e.desc.Addr, pcilib.ErrNotSupported)
	}

	b.mu.Lock()
	err = b.start(e, dma.DMA_FLAGS_DEFAULT)
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}

	written := 0
	for written < len(data) {
		n := min(len(data)-written, e.pageSize)

		idx, err := b.getNextBuffer(e, 1, timeout)
		if err != nil {
			return written, fmt.Errorf("failed to write after %d bytes: %w", written, err)
		}

		copy(e.pages.Block(idx).Data, data[written:written+n])
		if err := b.kmem.SyncKernelMemoryBlock(e.pages, idx, pcilib.KMEM_SYNC_TODEVICE); err != nil {
			return written, err
		}

		written += n
		b.pushBuffer(e, n, flags&dma.DMA_FLAG_EOP != 0 && written == len(data))
	}

	if flags&dma.DMA_FLAG_WAIT != 0 {
		if _, err := b.getNextBuffer(e, RING_SIZE-1, timeout); err != nil {
			return written, err
		}
	}

	return written, nil
}

// hasGenerator reports whether the data generator of the default firmware is reachable.
func (b *Backend) hasGenerator() bool {
	return b.modification == "" && (b.bank.Size == 0 || b.bank.Size > REG_LOOPBACK_STATUS)
}

// startLoopback configures the data generator for a benchmark in the given direction.
func (b *Backend) startLoopback(direction dma.Direction, packetSize int) {
	b.stopLoopback()

	if !b.hasGenerator() {
		return
	}

	b.write(REG_PKT_SIZE, uint32(packetSize))

	switch direction {
	case dma.DMA_BIDIRECTIONAL:
		b.write(REG_TX_CONFIG, LOOPBACK)
	case dma.DMA_FROM_DEVICE:
		b.write(REG_RX_CONFIG, PKTGENR)
	}

	b.loopback = true
}

func (b *Backend) stopLoopback() {
	if !b.loopback {
		return
	}

	b.write(REG_TX_CONFIG, 0)
	b.write(REG_RX_CONFIG, 0)

	b.loopback = false
}

// writeControl writes the camera control register if the model defines one.
func (b *Backend) writeControl(value uint32) {
	if b.regs == nil || !b.regs.Has("control") {
		return
	}

	if err := b.regs.Write("control", value); err != nil {
		b.logger.Warn("Failed to write camera control register", zap.Uint32("value", value), zap.Error(err))
	}
}

// Benchmark measures the throughput of the engines with the address of engine in MB/s.
func (b *Backend) Benchmark(engine dma.Engine, addr uintptr, size, iterations int, direction dma.Direction) (float64, error) {
	e, err := b.engine(engine)
	if err != nil {
		return 0, err
	}

	switch direction {
	case dma.DMA_FROM_DEVICE:
		return b.benchmarkRead(e.desc.Addr, addr, size, iterations)
	case dma.DMA_TO_DEVICE:
		return b.benchmarkWrite(e.desc.Addr, addr, size, iterations)
	default:
		return 0, fmt.Errorf("NWL DMA benchmark in %s direction: %w", direction, pcilib.ErrNotSupported)
	}
}

func (b *Backend) benchmarkRead(engineAddr uint8, addr uintptr, size, iterations int) (float64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("benchmark of %d bytes: %w", size, pcilib.ErrInvalidArgument)
	}

	e, err := b.find(dma.DMA_FROM_DEVICE, engineAddr)
	if err != nil {
		return 0, err
	}

	stream := func(cb dma.Callback) error {
		return b.Stream(dma.Engine(e.index), addr, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, cb)
	}

	b.mu.Lock()
	b.stopLoopback()
	b.mu.Unlock()

	if err := dma.Drain(stream); err != nil {
		return 0, fmt.Errorf("device continuously writes unexpected data: %w", err)
	}

	packetSize := min(size, MAX_PACKET_SIZE)
	if size%packetSize != 0 {
		size = (size/packetSize + 1) * packetSize
	}

	b.mu.Lock()
	b.startLoopback(dma.DMA_FROM_DEVICE, packetSize)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.stopLoopback()
		b.mu.Unlock()
	}()

	if b.modification == dma.MODIFICATION_IPECAMERA {
		b.writeControl(0x1e5)
		pcilib.Sleep(CAMERA_START_DELAY)
	}

	buf := make([]byte, size)
	flags := dma.DMA_FLAG_MULTIPACKET | dma.DMA_FLAG_WAIT

	var elapsed time.Duration
	for i := 0; i < iterations; i++ {
		if b.modification == dma.MODIFICATION_IPECAMERA {
			b.writeControl(0x1e1)
		}

		start := time.Now()

		got := 0
		for got < size {
			rb := &dma.ReadBuffer{Data: buf[got:], Flags: flags}
			err := b.Stream(dma.Engine(e.index), addr, len(rb.Data), flags, pcilib.DMA_TIMEOUT, rb.Callback)
			if err != nil {
				return 0, err
			}
			if rb.Pos == 0 {
				return 0, fmt.Errorf("no data within %s: %w", pcilib.DMA_TIMEOUT, pcilib.ErrTimeout)
			}
			got += rb.Pos
		}

		elapsed += time.Since(start)
	}

	return dma.Throughput(size, iterations, elapsed), nil
}

func (b *Backend) benchmarkWrite(engineAddr uint8, addr uintptr, size, iterations int) (float64, error) {
	e, err := b.find(dma.DMA_TO_DEVICE, engineAddr)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, size)

	var elapsed time.Duration
	for i := 0; i < iterations; i++ {
		for j := range buf {
			buf[j] = byte(0x13 + i)
		}

		start := time.Now()

		if _, err := b.Push(dma.Engine(e.index), addr, buf, dma.DMA_FLAG_EOP|dma.DMA_FLAG_WAIT, pcilib.DMA_TIMEOUT); err != nil {
			return 0, err
		}

		elapsed += time.Since(start)
	}

	return dma.Throughput(size, iterations, elapsed), nil
}
