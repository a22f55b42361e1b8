// Package ipe drives the IPE DMA engine. The engine fills a ring of pages in order and
// reports progress by writing the bus address of the last filled page into a descriptor
// in host memory.
package ipe

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/internal/metrics"
)

// Engine registers, relative to the DMA bank.
const (
	REG_RESET            uintptr = 0x00
	REG_CONTROL          uintptr = 0x04
	REG_TLP_SIZE         uintptr = 0x0C
	REG_TLP_COUNT        uintptr = 0x10
	REG_PAGE_ADDR        uintptr = 0x50
	REG_UPDATE_ADDR      uintptr = 0x54
	REG_LAST_READ        uintptr = 0x58
	REG_PAGE_COUNT       uintptr = 0x5C
	REG_UPDATE_THRESHOLD uintptr = 0x60
)

const (
	DESCRIPTOR_SIZE      = 128
	DESCRIPTOR_ALIGNMENT = 64
	// PROGRESS_THRESHOLD is the number of pages filled between progress reports.
	PROGRESS_THRESHOLD = 1
	// MAX_TLP_SIZE caps the negotiated transfer unit.
	MAX_TLP_SIZE = 256

	RESET_DELAY    = 10 * time.Millisecond
	ADD_PAGE_DELAY = time.Millisecond
)

// Firmware revisions reported by the RESET register once the link is up.
const (
	LINK_READY_GEN2 uint32 = 0x14021700
	LINK_READY_GEN3 uint32 = 0x14031700
)

// ENV_BENCHMARK_HARDWARE makes Benchmark count the data instead of copying it.
const ENV_BENCHMARK_HARDWARE = "PCILIB_BENCHMARK_HARDWARE"

// Name of the backend in the dma registry.
const Name = "ipe"

func init() {
	dma.Register(Name, New)
}

// Backend is the IPE DMA engine.
type Backend struct {
	kmem    pcilib.KernelMemory
	bank    *pcilib.Bank
	regs    *pcilib.Registers
	logger  *zap.Logger
	metrics *metrics.DMA
	cfg     dma.Config

	mode64 bool

	mu       sync.Mutex
	started  bool
	preserve bool
	reused   bool

	desc  *pcilib.KernelMemoryHandle
	pages *pcilib.KernelMemoryHandle

	ringSize     int
	pageSize     int
	timeout      time.Duration
	lastRead     int
	lastReadAddr uintptr
}

// New creates the backend. The hardware is not touched until the engine is started.
func New(opts dma.Options) (dma.Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Backend{
		kmem:    opts.Kmem,
		bank:    opts.Bank,
		regs:    opts.Registers,
		logger:  logger.With(zap.String("dma", Name)),
		metrics: opts.Metrics,
		cfg:     opts.Config.WithDefaults(),
		mode64:  pcilib.HostAddressBits() == 64,
	}, nil
}

// Engines returns the single C2S engine.
func (b *Backend) Engines() []dma.EngineDescription {
	return []dma.EngineDescription{{
		Addr:      0,
		Type:      dma.DMA_TYPE_PACKET,
		Direction: dma.DMA_FROM_DEVICE,
		AddrBits:  64,
		Name:      "ipedma",
	}}
}

func (b *Backend) read(reg uintptr) uint32 {
	return b.bank.Bar.Read32(b.bank.ReadAddr + reg)
}

func (b *Backend) write(reg uintptr, value uint32) {
	b.bank.Bar.Write32(b.bank.WriteAddr+reg, value)
}

func checkEngine(engine dma.Engine) error {
	if engine != 0 {
		return fmt.Errorf("IPE DMA engine %d: %w", engine, pcilib.ErrInvalidBank)
	}

	return nil
}

// progressOffset is the position of the last written page address within the descriptor.
func (b *Backend) progressOffset() int {
	if b.mode64 {
		return 3 * 4
	}

	return 4 * 4
}

func (b *Backend) progress() uint32 {
	return pcilib.LoadUint32(b.desc.Data(), b.progressOffset())
}

// configValue reads an optional configuration register.
func (b *Backend) configValue(name string) (uint32, bool) {
	if b.regs == nil || !b.regs.Has(name) {
		return 0, false
	}

	value, err := b.regs.Read(name)
	if err != nil {
		b.logger.Warn("Failed to read DMA configuration register", zap.String("register", name), zap.Error(err))

		return 0, false
	}

	return value, true
}

// configure resolves ring geometry and timeout from registers, config and defaults.
func (b *Backend) configure() (low, high uint64) {
	b.timeout = b.cfg.Timeout
	if v, ok := b.configValue("dma_timeout"); ok && v > 0 {
		b.timeout = time.Duration(v) * time.Microsecond
	}

	b.pageSize = b.cfg.PageSize
	if v, ok := b.configValue("dma_page_size"); ok && v > 0 {
		b.pageSize = int(v)
	}

	b.ringSize = b.cfg.RingSize
	if v, ok := b.configValue("dma_ring_size"); ok && v > 1 {
		b.ringSize = int(v)
	}

	low, high = b.cfg.RegionLow, b.cfg.RegionHigh
	if v, ok := b.configValue("dma_region_low"); ok {
		low = uint64(v)
	}
	if v, ok := b.configValue("dma_region_high"); ok {
		high = uint64(v)
	}

	return low, high
}

// TLPSize returns the transfer unit size used to program the engine.
func (b *Backend) TLPSize() int {
	if b.cfg.TLPOverride > 0 {
		return b.cfg.TLPOverride
	}

	prg, ok := b.configValue("cfg_prg_max_payload_size")
	if !ok {
		return 128
	}

	tlp := 128 << prg
	if capability, ok := b.configValue("cfg_cap_max_payload_size"); ok && tlp > 128<<capability {
		tlp = 128 << capability
	}
	if tlp > MAX_TLP_SIZE {
		tlp = MAX_TLP_SIZE
	}

	return tlp
}

// Start allocates the ring and arms the engine unless a running ring left by a previous
// owner can be reclaimed.
func (b *Backend) Start(engine dma.Engine, flags dma.Flags) error {
	if err := checkEngine(engine); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.start(flags)
}

func (b *Backend) start(flags dma.Flags) error {
	if b.started {
		return nil
	}

	if flags&dma.DMA_FLAG_PERSISTENT != 0 {
		b.preserve = true
	}

	low, high := b.configure()

	pageType := pcilib.KMEM_TYPE_C2S_PAGE
	var pageAlign uintptr
	if low != 0 || high != 0 {
		if high <= low || high-low < uint64(b.ringSize*b.pageSize) {
			return fmt.Errorf("DMA region 0x%x-0x%x is too small for %d pages of %d bytes: %w",
				low, high, b.ringSize, b.pageSize, pcilib.ErrOutOfRange)
		}
		pageType = pcilib.KMEM_TYPE_REGION_C2S
		pageAlign = uintptr(low)
	}

	desc, pages, decision, err := b.allocate(pageType, pageAlign)
	if err != nil {
		return err
	}

	if decision.Kind == dma.REUSE_PARTIAL {
		if flags&dma.DMA_FLAG_STOP == 0 {
			_ = b.kmem.FreeKernelMemory(pages, 0)
			_ = b.kmem.FreeKernelMemory(desc, 0)

			return decision.Err()
		}

		b.logger.Warn(decision.Reason + ", dropping them")
		_ = b.kmem.FreeKernelMemory(pages, pcilib.KMEM_FLAG_FORCE|pcilib.KMEM_FLAG_MASS)
		_ = b.kmem.FreeKernelMemory(desc, pcilib.KMEM_FLAG_FORCE|pcilib.KMEM_FLAG_MASS)

		desc, pages, decision, err = b.allocate(pageType, pageAlign)
		if err != nil {
			return err
		}
		if decision.Kind == dma.REUSE_PARTIAL {
			_ = b.kmem.FreeKernelMemory(pages, 0)
			_ = b.kmem.FreeKernelMemory(desc, 0)

			return decision.Err()
		}
	}

	b.desc = desc
	b.pages = pages
	b.pageSize = pages.Block(0).Size()

	b.reused = false
	if decision.Kind == dma.REUSE_RECOVER {
		b.reused = b.recover()
	} else if decision.Kind == dma.REUSE_INCONSISTENT {
		b.logger.Warn(decision.Reason)
	}

	if b.reused {
		b.preserve = true
	} else if err := b.initialize(); err != nil {
		b.desc, b.pages = nil, nil
		_ = b.kmem.FreeKernelMemory(pages, pcilib.KMEM_FLAG_HARDWARE)
		_ = b.kmem.FreeKernelMemory(desc, pcilib.KMEM_FLAG_HARDWARE)

		return err
	}

	b.lastReadAddr = b.pages.Block(b.lastRead).BusAddr
	b.started = true
	b.metrics.Started(0, b.reused)

	b.logger.Debug("IPE DMA engine started",
		zap.Bool("reused", b.reused),
		zap.Bool("preserve", b.preserve),
		zap.Int("ring_size", b.ringSize),
		zap.Int("page_size", b.pageSize),
		zap.Int("last_read", b.lastRead))

	return nil
}

// allocate gets the descriptor and the pages and classifies what the kernel returned.
func (b *Backend) allocate(pageType pcilib.KmemType, pageAlign uintptr) (*pcilib.KernelMemoryHandle, *pcilib.KernelMemoryHandle, dma.ReuseDecision, error) {
	kflags := pcilib.KMEM_FLAG_REUSE | pcilib.KMEM_FLAG_EXCLUSIVE | pcilib.KMEM_FLAG_HARDWARE
	if b.preserve {
		kflags |= pcilib.KMEM_FLAG_PERSISTENT
	}

	desc, err := b.kmem.AllocKernelMemory(pcilib.KMEM_TYPE_CONSISTENT, 1, DESCRIPTOR_SIZE, DESCRIPTOR_ALIGNMENT,
		pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_RING, 0), kflags)
	if err != nil {
		return nil, nil, dma.ReuseDecision{}, fmt.Errorf("failed to allocate IPE DMA descriptor: %w", err)
	}

	pages, err := b.kmem.AllocKernelMemory(pageType, b.ringSize, uintptr(b.pageSize), pageAlign,
		pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_PAGES, 0), kflags)
	if err != nil {
		_ = b.kmem.FreeKernelMemory(desc, 0)

		return nil, nil, dma.ReuseDecision{}, fmt.Errorf("failed to allocate IPE DMA pages: %w", err)
	}

	var alive func() bool
	if !b.cfg.Streaming {
		alive = func() bool {
			return b.read(REG_PAGE_COUNT) == uint32(b.ringSize)
		}
	}

	return desc, pages, dma.ClassifyReuse(desc.Reuse, pages.Reuse, alive), nil
}

// recover restores the read position from the hardware. LAST_READ is one-based.
func (b *Backend) recover() bool {
	value := b.read(REG_LAST_READ)
	if value < 1 || value > uint32(b.ringSize) {
		b.logger.Warn("Invalid last read position in the reused IPE DMA engine, reinitializing",
			zap.Uint32("value", value), zap.Int("ring_size", b.ringSize))

		return false
	}

	b.lastRead = int(value) - 1

	return true
}

// initialize resets the engine and loads the ring.
func (b *Backend) initialize() error {
	b.write(REG_CONTROL, 0)
	pcilib.Sleep(RESET_DELAY)

	b.write(REG_RESET, 1)
	pcilib.Sleep(RESET_DELAY)
	b.write(REG_RESET, 0)
	pcilib.Sleep(RESET_DELAY)

	if value := b.read(REG_RESET); value != LINK_READY_GEN3 && value != LINK_READY_GEN2 {
		b.logger.Warn("PCIe is not ready", zap.Uint32("value", value))
	}

	var address64 uint32
	if b.mode64 {
		address64 = 0x8000
	}

	tlp := b.TLPSize()
	b.write(REG_TLP_SIZE, address64|uint32(tlp>>2))
	b.write(REG_TLP_COUNT, uint32(b.pageSize/tlp))
	b.write(REG_UPDATE_THRESHOLD, PROGRESS_THRESHOLD)
	b.write(REG_PAGE_COUNT, 0)
	b.write(REG_LAST_READ, uint32(b.ringSize))
	b.write(REG_UPDATE_ADDR, uint32(b.desc.BusAddr()))

	pcilib.StoreUint32(b.desc.Data(), b.progressOffset(), 0)

	n := b.ringSize
	if b.cfg.Streaming {
		n--
	}

	for i := 0; i < n; i++ {
		if err := b.pushPage(i); err != nil {
			return err
		}
		pcilib.Sleep(ADD_PAGE_DELAY)
	}

	b.write(REG_CONTROL, 1)

	b.lastRead = b.ringSize - 1

	return nil
}

// pushPage queues a page for the engine. The address is written once and only the
// read-back is retried, a second write would queue the page twice.
func (b *Backend) pushPage(i int) error {
	addr := uint32(b.pages.Block(i).BusAddr)
	b.write(REG_PAGE_ADDR, addr)

	var check uint32
	verify := func() error {
		check = b.read(REG_PAGE_ADDR)
		if check != addr {
			return pcilib.ErrVerify
		}

		return nil
	}

	err := backoff.Retry(verify, backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Microsecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      pcilib.REGISTER_TIMEOUT,
		Clock:               backoff.SystemClock,
	}, 5))
	if err != nil {
		return fmt.Errorf("written (0x%x) and read (0x%x) bus addresses of page %d do not match: %w", addr, check, i, pcilib.ErrVerify)
	}

	return nil
}

// Stop disarms the engine. Persistent engines keep running and keep their buffers unless
// DMA_FLAG_STOP is passed.
func (b *Backend) Stop(engine dma.Engine, flags dma.Flags) error {
	if err := checkEngine(engine); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		if err := b.start(dma.DMA_FLAG_STOP); err != nil {
			return err
		}
		if flags&dma.DMA_FLAG_PERSISTENT == 0 {
			flags |= dma.DMA_FLAG_STOP
		}
	}

	return b.stop(flags)
}

func (b *Backend) stop(flags dma.Flags) error {
	if !b.started {
		return nil
	}

	preserve := (b.preserve || flags&dma.DMA_FLAG_PERSISTENT != 0) && flags&dma.DMA_FLAG_STOP == 0

	var freeFlags pcilib.KmemFlag
	if preserve {
		freeFlags = pcilib.KMEM_FLAG_REUSE
	} else {
		b.write(REG_CONTROL, 0)
		pcilib.Sleep(RESET_DELAY)
		b.write(REG_RESET, 1)
		pcilib.Sleep(RESET_DELAY)
		b.write(REG_RESET, 0)
		pcilib.Sleep(RESET_DELAY)
		b.write(REG_PAGE_COUNT, 0)
		pcilib.Sleep(RESET_DELAY)

		freeFlags = pcilib.KMEM_FLAG_HARDWARE | pcilib.KMEM_FLAG_PERSISTENT
		b.preserve = false
	}

	perr := b.kmem.FreeKernelMemory(b.pages, freeFlags)
	derr := b.kmem.FreeKernelMemory(b.desc, freeFlags)

	b.pages, b.desc = nil, nil
	b.started = false

	b.logger.Debug("IPE DMA engine stopped", zap.Bool("preserve", preserve))

	if perr != nil {
		return perr
	}

	return derr
}

// Close stops the engine unless it was started persistent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stop(dma.DMA_FLAGS_DEFAULT)
}

// findPage returns the index of the page at the bus address.
func (b *Backend) findPage(addr uint32) (int, bool) {
	for i := range b.pages.Blocks {
		if uint32(b.pages.Blocks[i].BusAddr) == addr {
			return i, true
		}
	}

	return 0, false
}

// Status reports the filled span between the last read page and the progress pointer.
func (b *Backend) Status(engine dma.Engine) (dma.EngineStatus, []dma.BufferStatus, error) {
	if err := checkEngine(engine); err != nil {
		return dma.EngineStatus{}, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return dma.EngineStatus{}, nil, nil
	}

	status := dma.EngineStatus{
		Started:    true,
		RingSize:   b.ringSize,
		BufferSize: b.pageSize,
		RingTail:   b.lastRead,
	}

	progress := b.progress()
	if progress != 0 {
		head, ok := b.findPage(progress)
		if !ok {
			return status, nil, fmt.Errorf("progress register points to unknown address 0x%x: %w", progress, pcilib.ErrFailed)
		}
		status.RingHead = head
	} else {
		status.RingHead = b.lastRead
	}

	buffers := make([]dma.BufferStatus, b.ringSize)
	for i := status.RingTail; i != status.RingHead; {
		i = (i + 1) % b.ringSize
		buffers[i] = dma.BufferStatus{Used: true, First: true, Last: true, Size: b.pageSize}
		status.WrittenBuffers++
		status.WrittenBytes += b.pageSize
	}

	if status.RingTail != status.RingHead {
		status.RingTail = (status.RingTail + 1) % b.ringSize
	}

	return status, buffers, nil
}

// Stream hands out filled pages to cb until it stops or no data arrives in time.
func (b *Backend) Stream(engine dma.Engine, addr uintptr, size int, flags dma.Flags, timeout time.Duration, cb dma.Callback) error {
	if err := checkEngine(engine); err != nil {
		return err
	}

	b.mu.Lock()
	err := b.start(dma.DMA_FLAGS_DEFAULT)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	sleep := b.cfg.PollSleep()
	action := dma.STREAMING_REQ_PACKET

	for {
		wait := dma.WaitTimeout(action, b.timeout, timeout)

		err := pcilib.Poll(wait, sleep, func() bool {
			progress := b.progress()

			return progress != 0 && progress != uint32(b.lastReadAddr)
		})
		if err != nil {
			b.metrics.Timeout(0)

			return dma.TimeoutResult(action)
		}

		cur := (b.lastRead + 1) % b.ringSize

		if err := b.kmem.SyncKernelMemoryBlock(b.pages, cur, pcilib.KMEM_SYNC_FROMDEVICE); err != nil {
			return err
		}

		action, err = cb(dma.DMA_FLAG_EOP, b.pages.Block(cur).Data)
		if err != nil {
			return err
		}

		if b.cfg.Streaming {
			prev := (cur - 1 + b.ringSize) % b.ringSize
			b.write(REG_PAGE_ADDR, uint32(b.pages.Block(prev).BusAddr))
		}

		b.write(REG_LAST_READ, uint32(cur+1))

		b.lastRead = cur
		b.lastReadAddr = b.pages.Block(cur).BusAddr

		if action == dma.STREAMING_STOP {
			return nil
		}
	}
}

// Benchmark measures the read throughput in MB/s.
func (b *Backend) Benchmark(engine dma.Engine, addr uintptr, size, iterations int, direction dma.Direction) (float64, error) {
	if err := checkEngine(engine); err != nil {
		return 0, err
	}

	if direction != dma.DMA_FROM_DEVICE {
		return 0, fmt.Errorf("IPE DMA only reads from the device: %w", pcilib.ErrNotSupported)
	}

	b.mu.Lock()
	err := b.start(dma.DMA_FLAGS_DEFAULT)
	pageSize := b.pageSize
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if size%pageSize != 0 {
		size = (size/pageSize + 1) * pageSize
	}

	skim := os.Getenv(ENV_BENCHMARK_HARDWARE) != ""
	buf := make([]byte, size)

	skip := func() error {
		return dma.Drain(func(cb dma.Callback) error {
			return b.Stream(engine, addr, 0, dma.DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, cb)
		})
	}

	var elapsed time.Duration
	for i := 0; i < iterations; i++ {
		if !b.cfg.Streaming {
			b.write(REG_CONTROL, 0)
		}
		if err := skip(); err != nil {
			return 0, err
		}
		if !b.cfg.Streaming {
			b.write(REG_CONTROL, 1)
		}

		flags := dma.DMA_FLAG_MULTIPACKET
		start := time.Now()

		var got int
		for got < size {
			n, err := b.benchmarkRead(engine, addr, buf[got:], flags, skim)
			if err != nil {
				return 0, err
			}
			if n == 0 {
				return 0, fmt.Errorf("no data within %s: %w", pcilib.DMA_TIMEOUT, pcilib.ErrTimeout)
			}
			got += n
		}

		elapsed += time.Since(start)

		if !b.cfg.Streaming {
			b.write(REG_CONTROL, 0)
		}
		if err := skip(); err != nil {
			return 0, err
		}
	}

	if !b.cfg.Streaming {
		b.write(REG_CONTROL, 1)
	}

	return dma.Throughput(size, iterations, elapsed), nil
}

func (b *Backend) benchmarkRead(engine dma.Engine, addr uintptr, buf []byte, flags dma.Flags, skim bool) (int, error) {
	if skim {
		sb := &dma.SkimBuffer{Size: len(buf), Flags: flags}
		err := b.Stream(engine, addr, len(buf), flags, pcilib.DMA_TIMEOUT, sb.Callback)

		return sb.Pos, err
	}

	rb := &dma.ReadBuffer{Data: buf, Flags: flags}
	err := b.Stream(engine, addr, len(buf), flags, pcilib.DMA_TIMEOUT, rb.Callback)

	return rb.Pos, err
}
