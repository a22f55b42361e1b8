// Package nwl drives the NorthWest Logic packet DMA engines. Every engine walks a ring of
// buffer descriptors in host memory and marks each one complete once its page is done.
package nwl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/internal/metrics"
)

// REG_DMA_CTRL_STATUS is the common control register, relative to the DMA bank.
const REG_DMA_CTRL_STATUS uintptr = 0x4000

// Bits of REG_DMA_CTRL_STATUS.
const (
	DMA_INT_ENABLE      uint32 = 0x01
	DMA_USER_INT_ENABLE uint32 = 0x10
)

// Engine registers, relative to the engine block.
const (
	REG_DMA_ENG_CAP         uintptr = 0x00
	REG_DMA_ENG_CTRL_STATUS uintptr = 0x04
	REG_DMA_ENG_NEXT_BD     uintptr = 0x08
	REG_SW_NEXT_BD          uintptr = 0x0C
	REG_DMA_ENG_LAST_BD     uintptr = 0x10
	REG_DMA_ENG_ACTIVE_TIME uintptr = 0x14
	REG_DMA_ENG_WAIT_TIME   uintptr = 0x18
	REG_DMA_ENG_COMP_BYTES  uintptr = 0x1C
)

// Bits of REG_DMA_ENG_CAP.
const (
	DMA_ENG_PRESENT_MASK   uint32 = 0x00000001
	DMA_ENG_DIRECTION_MASK uint32 = 0x00000002
	DMA_ENG_C2S            uint32 = 0x00000002
	DMA_ENG_TYPE_MASK      uint32 = 0x00000030
	DMA_ENG_BLOCK          uint32 = 0x00000000
	DMA_ENG_PACKET         uint32 = 0x00000010
	DMA_ENG_NUMBER         uint32 = 0x0000FF00
	DMA_ENG_BD_MAX_BC      uint32 = 0x3F000000

	DMA_ENG_NUMBER_SHIFT    = 8
	DMA_ENG_BD_MAX_BC_SHIFT = 24
)

// Bits of REG_DMA_ENG_CTRL_STATUS.
const (
	DMA_ENG_INT_ENABLE      uint32 = 0x00000001
	DMA_ENG_INT_ACTIVE_MASK uint32 = 0x00000002
	DMA_ENG_ENABLE          uint32 = 0x00000100
	DMA_ENG_DISABLE         uint32 = 0x00000000
	DMA_ENG_STATE_MASK      uint32 = 0x00000C00
	DMA_ENG_RUNNING         uint32 = 0x00000400
	DMA_ENG_WAITING         uint32 = 0x00000800
	DMA_ENG_USER_RESET      uint32 = 0x00004000
	DMA_ENG_RESET           uint32 = 0x00008000
	DMA_ENG_ALLINT_MASK     uint32 = 0x000000BE
)

// Buffer descriptor fields.
const (
	DMA_BD_STATUS_OFFSET = 0x00
	DMA_BD_USRL_OFFSET   = 0x04
	DMA_BD_USRH_OFFSET   = 0x08
	DMA_BD_CARDA_OFFSET  = 0x0C
	DMA_BD_CTRL_OFFSET   = 0x10
	DMA_BD_BUFAL_OFFSET  = 0x14
	DMA_BD_BUFAH_OFFSET  = 0x18
	DMA_BD_NDESC_OFFSET  = 0x1C
)

// Bits of the descriptor STATUS and CTRL words.
const (
	DMA_BD_BUFL_MASK      uint32 = 0x000FFFFF
	DMA_BD_SOP_MASK       uint32 = 0x80000000
	DMA_BD_EOP_MASK       uint32 = 0x40000000
	DMA_BD_ERROR_MASK     uint32 = 0x10000000
	DMA_BD_SHORT_MASK     uint32 = 0x02000000
	DMA_BD_COMP_MASK      uint32 = 0x01000000
	DMA_BD_INT_ERROR_MASK uint32 = 0x02000000
	DMA_BD_INT_COMP_MASK  uint32 = 0x01000000
)

const (
	MAX_ENGINES           = 32
	ENGINE_REGISTERS_SIZE = 0x100

	RING_SIZE            = 256
	DESCRIPTOR_SIZE      = 64
	DESCRIPTOR_ALIGNMENT = 64

	// MAX_PACKET_SIZE is the largest packet of the data generator.
	MAX_PACKET_SIZE = 4096

	// CAMERA_START_DELAY separates the camera control writes starting a benchmark.
	CAMERA_START_DELAY = 100 * time.Millisecond
)

// Data generator of the default firmware, relative to the DMA bank.
const (
	REG_RX_CONFIG       uintptr = 0x9100
	REG_PKT_SIZE        uintptr = 0x9104
	REG_TX_CONFIG       uintptr = 0x9108
	REG_LOOPBACK_STATUS uintptr = 0x910C

	PKTGENR  uint32 = 1
	LOOPBACK uint32 = 2
)

// Name of the backend in the dma registry.
const Name = "nwl"

func init() {
	dma.Register(Name, New)
}

type engine struct {
	index int
	desc  dma.EngineDescription
	base  uintptr

	started  bool
	preserve bool
	reused   bool
	writing  bool

	ring  *pcilib.KernelMemoryHandle
	pages *pcilib.KernelMemoryHandle

	pageSize int
	head     int
	tail     int
}

func (e *engine) c2s() bool {
	return e.desc.Direction == dma.DMA_FROM_DEVICE
}

func (e *engine) bd(i, field int) uint32 {
	return pcilib.LoadUint32(e.ring.Data(), i*DESCRIPTOR_SIZE+field)
}

func (e *engine) setBD(i, field int, value uint32) {
	pcilib.StoreUint32(e.ring.Data(), i*DESCRIPTOR_SIZE+field, value)
}

func (e *engine) ringBase() uint32 {
	return uint32(e.ring.BusAddr())
}

// bdAddr is the bus address of descriptor i.
func (e *engine) bdAddr(i int) uint32 {
	return e.ringBase() + uint32(i*DESCRIPTOR_SIZE)
}

// freeSlots is the number of descriptors software may fill before reaching the tail.
func (e *engine) freeSlots() int {
	return (e.tail - e.head - 1 + RING_SIZE) % RING_SIZE
}

// Backend is the NWL DMA controller with all engines found in its register block.
type Backend struct {
	kmem    pcilib.KernelMemory
	bank    *pcilib.Bank
	regs    *pcilib.Registers
	logger  *zap.Logger
	metrics *metrics.DMA
	cfg     dma.Config

	modification string
	// ignoreEOP reports every buffer as a complete packet, the camera firmware does not
	// mark packet ends.
	ignoreEOP bool

	mu       sync.Mutex
	engines  []*engine
	loopback bool
}

// New scans the register block for engines. Idle engines are reset, running ones are left
// alone so Start can take over their rings.
func New(opts dma.Options) (dma.Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Backend{
		kmem:         opts.Kmem,
		bank:         opts.Bank,
		regs:         opts.Registers,
		logger:       logger.With(zap.String("dma", Name)),
		metrics:      opts.Metrics,
		cfg:          opts.Config.WithDefaults(),
		modification: opts.Modification,
		ignoreEOP:    opts.Modification == dma.MODIFICATION_IPECAMERA,
	}

	for i := 0; i < 2*MAX_ENGINES; i++ {
		base := uintptr(i) * ENGINE_REGISTERS_SIZE
		if b.bank.Size != 0 && base+ENGINE_REGISTERS_SIZE > b.bank.Size {
			break
		}

		capability := b.read(base + REG_DMA_ENG_CAP)
		if capability&DMA_ENG_PRESENT_MASK == 0 {
			continue
		}

		e := &engine{index: len(b.engines), desc: describe(capability), base: base}

		if b.read(base+REG_DMA_ENG_CTRL_STATUS)&DMA_ENG_RUNNING == 0 {
			if err := b.resetEngine(e); err != nil {
				b.logger.Warn("Failed to reset DMA engine", zap.Uint8("addr", e.desc.Addr), zap.Error(err))
			}
		}

		b.engines = append(b.engines, e)
	}

	b.logger.Debug("NWL DMA engines found", zap.Int("engines", len(b.engines)))

	return b, nil
}

// Detect reports whether the bank holds NWL engine registers, i.e. whether any of the
// first engine slots carries the present bit.
func Detect(bank *pcilib.Bank) bool {
	for i := 0; i < MAX_ENGINES; i++ {
		base := uintptr(i) * ENGINE_REGISTERS_SIZE
		if bank.Size != 0 && base+ENGINE_REGISTERS_SIZE > bank.Size {
			break
		}

		if bank.Bar.Read32(bank.ReadAddr+base+REG_DMA_ENG_CAP)&DMA_ENG_PRESENT_MASK != 0 {
			return true
		}
	}

	return false
}

// describe decodes the capability register of an engine.
func describe(capability uint32) dma.EngineDescription {
	desc := dma.EngineDescription{
		Addr:     uint8((capability & DMA_ENG_NUMBER) >> DMA_ENG_NUMBER_SHIFT),
		AddrBits: int((capability & DMA_ENG_BD_MAX_BC) >> DMA_ENG_BD_MAX_BC_SHIFT),
	}

	suffix := "w"
	desc.Direction = dma.DMA_TO_DEVICE
	if capability&DMA_ENG_DIRECTION_MASK == DMA_ENG_C2S {
		suffix = "r"
		desc.Direction = dma.DMA_FROM_DEVICE
	}

	switch capability & DMA_ENG_TYPE_MASK {
	case DMA_ENG_BLOCK:
		desc.Type = dma.DMA_TYPE_BLOCK
	case DMA_ENG_PACKET:
		desc.Type = dma.DMA_TYPE_PACKET
	default:
		desc.Type = dma.DMA_TYPE_UNKNOWN
	}

	desc.Name = fmt.Sprintf("dma%d%s", desc.Addr, suffix)

	return desc
}

// Engines returns the engines found by New.
func (b *Backend) Engines() []dma.EngineDescription {
	descs := make([]dma.EngineDescription, len(b.engines))
	for i, e := range b.engines {
		descs[i] = e.desc
	}

	return descs
}

func (b *Backend) read(reg uintptr) uint32 {
	return b.bank.Bar.Read32(b.bank.ReadAddr + reg)
}

func (b *Backend) write(reg uintptr, value uint32) {
	b.bank.Bar.Write32(b.bank.WriteAddr+reg, value)
}

func (b *Backend) engine(engine dma.Engine) (*engine, error) {
	if engine < 0 || int(engine) >= len(b.engines) {
		return nil, fmt.Errorf("NWL DMA engine %d: %w", engine, pcilib.ErrInvalidBank)
	}

	return b.engines[engine], nil
}

// find returns the engine with the address and direction.
func (b *Backend) find(direction dma.Direction, addr uint8) (*engine, error) {
	for _, e := range b.engines {
		if e.desc.Addr == addr && e.desc.Direction == direction {
			return e, nil
		}
	}

	return nil, fmt.Errorf("NWL DMA engine %d (%s): %w", addr, direction, pcilib.ErrNotFound)
}

func (b *Backend) disableEngineIRQ(e *engine) {
	val := b.read(e.base + REG_DMA_ENG_CTRL_STATUS)
	b.write(e.base+REG_DMA_ENG_CTRL_STATUS, val&^DMA_ENG_INT_ENABLE)
}

func (b *Backend) ackInterrupts(e *engine) {
	val := b.read(e.base + REG_DMA_ENG_CTRL_STATUS)
	if val&DMA_ENG_INT_ACTIVE_MASK != 0 {
		b.write(e.base+REG_DMA_ENG_CTRL_STATUS, val|DMA_ENG_ALLINT_MASK)
	}
}

// resetEngine disables the engine and waits for the user logic and the engine to leave reset.
func (b *Backend) resetEngine(e *engine) error {
	ctrl := e.base + REG_DMA_ENG_CTRL_STATUS
	sleep := b.cfg.PollSleep()

	b.disableEngineIRQ(e)

	b.write(ctrl, DMA_ENG_DISABLE|DMA_ENG_USER_RESET)
	err := pcilib.Poll(pcilib.REGISTER_TIMEOUT, sleep, func() bool {
		return b.read(ctrl)&(DMA_ENG_STATE_MASK|DMA_ENG_USER_RESET) == 0
	})
	if err != nil {
		return fmt.Errorf("timeout during reset of DMA engine %d: %w", e.desc.Addr, pcilib.ErrTimeout)
	}

	b.write(ctrl, DMA_ENG_RESET)
	err = pcilib.Poll(pcilib.REGISTER_TIMEOUT, sleep, func() bool {
		return b.read(ctrl)&DMA_ENG_RESET == 0
	})
	if err != nil {
		return fmt.Errorf("timeout during reset of DMA engine %d: %w", e.desc.Addr, pcilib.ErrTimeout)
	}

	b.ackInterrupts(e)

	return nil
}

// Start allocates the descriptor ring and the pages of an engine and arms it, or takes
// over a running ring left by a previous owner.
func (b *Backend) Start(engine dma.Engine, flags dma.Flags) error {
	e, err := b.engine(engine)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.start(e, flags)
}

func (b *Backend) start(e *engine, flags dma.Flags) error {
	if e.started {
		return nil
	}

	if flags&dma.DMA_FLAG_PERSISTENT != 0 {
		e.preserve = true
	}

	ring, pages, decision, err := b.allocate(e)
	if err != nil {
		return err
	}

	if decision.Kind == dma.REUSE_PARTIAL {
		if flags&dma.DMA_FLAG_STOP == 0 {
			_ = b.kmem.FreeKernelMemory(pages, 0)
			_ = b.kmem.FreeKernelMemory(ring, 0)

			return decision.Err()
		}

		b.logger.Warn(decision.Reason+", dropping them", zap.Uint8("addr", e.desc.Addr))
		_ = b.kmem.FreeKernelMemory(pages, pcilib.KMEM_FLAG_FORCE|pcilib.KMEM_FLAG_MASS)
		_ = b.kmem.FreeKernelMemory(ring, pcilib.KMEM_FLAG_FORCE|pcilib.KMEM_FLAG_MASS)

		ring, pages, decision, err = b.allocate(e)
		if err != nil {
			return err
		}
		if decision.Kind == dma.REUSE_PARTIAL {
			_ = b.kmem.FreeKernelMemory(pages, 0)
			_ = b.kmem.FreeKernelMemory(ring, 0)

			return decision.Err()
		}
	}

	e.ring = ring
	e.pages = pages
	e.pageSize = pages.Block(0).Size()

	e.reused = false
	switch decision.Kind {
	case dma.REUSE_RECOVER:
		if err := b.recover(e); err != nil {
			b.logger.Warn("Reinitializing DMA engine", zap.Uint8("addr", e.desc.Addr), zap.Error(err))
		} else {
			e.reused = true
		}
	case dma.REUSE_INCONSISTENT:
		b.logger.Warn(decision.Reason, zap.Uint8("addr", e.desc.Addr))
	}

	if e.reused {
		e.preserve = true
	} else if err := b.initialize(e); err != nil {
		e.ring, e.pages = nil, nil
		_ = b.kmem.FreeKernelMemory(pages, pcilib.KMEM_FLAG_HARDWARE)
		_ = b.kmem.FreeKernelMemory(ring, pcilib.KMEM_FLAG_HARDWARE)

		return err
	}

	e.started = true
	b.metrics.Started(e.index, e.reused)

	b.logger.Debug("NWL DMA engine started",
		zap.String("engine", e.desc.Name),
		zap.Bool("reused", e.reused),
		zap.Bool("preserve", e.preserve),
		zap.Int("head", e.head),
		zap.Int("tail", e.tail))

	return nil
}

// allocate gets the ring and the pages of an engine and classifies what the kernel returned.
func (b *Backend) allocate(e *engine) (*pcilib.KernelMemoryHandle, *pcilib.KernelMemoryHandle, dma.ReuseDecision, error) {
	kflags := pcilib.KMEM_FLAG_REUSE | pcilib.KMEM_FLAG_EXCLUSIVE | pcilib.KMEM_FLAG_HARDWARE
	if e.preserve {
		kflags |= pcilib.KMEM_FLAG_PERSISTENT
	}

	sub := uint16(e.desc.Addr)
	pageType := pcilib.KMEM_TYPE_C2S_PAGE
	syncDir := pcilib.KMEM_SYNC_FROMDEVICE
	if !e.c2s() {
		sub |= 0x80
		pageType = pcilib.KMEM_TYPE_S2C_PAGE
		syncDir = pcilib.KMEM_SYNC_TODEVICE
	}

	ring, err := b.kmem.AllocKernelMemory(pcilib.KMEM_TYPE_CONSISTENT, 1, RING_SIZE*DESCRIPTOR_SIZE, DESCRIPTOR_ALIGNMENT,
		pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_RING, sub), kflags)
	if err != nil {
		return nil, nil, dma.ReuseDecision{}, fmt.Errorf("failed to allocate descriptor ring of DMA engine %d: %w", e.desc.Addr, err)
	}

	pages, err := b.kmem.AllocKernelMemory(pageType, RING_SIZE, uintptr(b.cfg.PageSize), 0,
		pcilib.KmemUseTag(pcilib.KMEM_USE_DMA_PAGES, sub), kflags)
	if err != nil {
		_ = b.kmem.FreeKernelMemory(ring, 0)

		return nil, nil, dma.ReuseDecision{}, fmt.Errorf("failed to allocate pages of DMA engine %d: %w", e.desc.Addr, err)
	}

	if err := b.kmem.SyncKernelMemory(pages, syncDir); err != nil {
		b.logger.Warn("Failed to sync DMA pages", zap.Uint8("addr", e.desc.Addr), zap.Error(err))
	}

	alive := func() bool {
		return b.read(e.base+REG_DMA_ENG_CTRL_STATUS)&DMA_ENG_RUNNING != 0
	}

	return ring, pages, dma.ClassifyReuse(ring.Reuse, pages.Reuse, alive), nil
}

// ringIndex converts a descriptor pointer register value into a ring position.
func (b *Backend) ringIndex(e *engine, value uint32) (int, error) {
	base := e.ringBase()
	if value < base || (value-base)%DESCRIPTOR_SIZE != 0 || (value-base)/DESCRIPTOR_SIZE >= RING_SIZE {
		return 0, fmt.Errorf("descriptor pointer 0x%x of DMA engine %d is outside of the ring at 0x%x: %w",
			value, e.desc.Addr, base, pcilib.ErrInvalidState)
	}

	return int((value - base) / DESCRIPTOR_SIZE), nil
}

// recover restores head and tail from the descriptor pointers of a running engine.
func (b *Backend) recover(e *engine) error {
	head, err := b.ringIndex(e, b.read(e.base+REG_SW_NEXT_BD))
	if err != nil {
		return err
	}

	tail := (head + 1) % RING_SIZE
	if !e.c2s() {
		tail, err = b.ringIndex(e, b.read(e.base+REG_DMA_ENG_NEXT_BD))
		if err != nil {
			return err
		}
	}

	e.head, e.tail = head, tail
	e.writing = false

	return nil
}

// initialize links a fresh ring, resets the engine and hands the ring to it.
func (b *Backend) initialize(e *engine) error {
	clear(e.ring.Data())

	for i := 0; i < RING_SIZE; i++ {
		pa := uint64(e.pages.Block(i).BusAddr)

		e.setBD(i, DMA_BD_NDESC_OFFSET, e.bdAddr((i+1)%RING_SIZE))
		e.setBD(i, DMA_BD_BUFAL_OFFSET, uint32(pa))
		e.setBD(i, DMA_BD_BUFAH_OFFSET, uint32(pa>>32))
		e.setBD(i, DMA_BD_CTRL_OFFSET, uint32(e.pageSize))
	}

	if err := b.resetEngine(e); err != nil {
		return err
	}

	ringBase := e.ringBase()
	b.write(e.base+REG_DMA_ENG_NEXT_BD, ringBase)
	b.write(e.base+REG_SW_NEXT_BD, ringBase)

	ctrl := b.read(e.base + REG_DMA_ENG_CTRL_STATUS)
	b.write(e.base+REG_DMA_ENG_CTRL_STATUS, ctrl|DMA_ENG_ENABLE)

	e.writing = false
	if e.c2s() {
		e.head = RING_SIZE - 1
		e.tail = 0
		b.write(e.base+REG_SW_NEXT_BD, e.bdAddr(e.head))
	} else {
		e.head = 0
		e.tail = 0
	}

	return nil
}

// Stop disarms an engine. Persistent engines keep running with their buffers unless
// DMA_FLAG_STOP is passed.
func (b *Backend) Stop(engine dma.Engine, flags dma.Flags) error {
	e, err := b.engine(engine)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !e.started {
		if err := b.start(e, dma.DMA_FLAG_STOP); err != nil {
			return err
		}
		if flags&dma.DMA_FLAG_PERSISTENT == 0 {
			flags |= dma.DMA_FLAG_STOP
		}
	}

	return b.stop(e, flags)
}

func (b *Backend) stop(e *engine, flags dma.Flags) error {
	if !e.started {
		return nil
	}

	preserve := (e.preserve || flags&dma.DMA_FLAG_PERSISTENT != 0) && flags&dma.DMA_FLAG_STOP == 0

	b.disableEngineIRQ(e)

	var freeFlags pcilib.KmemFlag
	if preserve {
		freeFlags = pcilib.KMEM_FLAG_REUSE
	} else {
		ringBase := e.ringBase()
		b.write(e.base+REG_DMA_ENG_CTRL_STATUS, DMA_ENG_DISABLE|DMA_ENG_USER_RESET|DMA_ENG_RESET)
		b.write(e.base+REG_DMA_ENG_NEXT_BD, ringBase)
		b.write(e.base+REG_SW_NEXT_BD, ringBase)

		freeFlags = pcilib.KMEM_FLAG_HARDWARE | pcilib.KMEM_FLAG_PERSISTENT
		e.preserve = false
	}

	b.ackInterrupts(e)

	perr := b.kmem.FreeKernelMemory(e.pages, freeFlags)
	rerr := b.kmem.FreeKernelMemory(e.ring, freeFlags)

	e.pages, e.ring = nil, nil
	e.started = false

	b.logger.Debug("NWL DMA engine stopped", zap.String("engine", e.desc.Name), zap.Bool("preserve", preserve))

	if perr != nil {
		return perr
	}

	return rerr
}

// Close stops the data generator and every engine not started persistent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLoopback()

	var errs []error
	for _, e := range b.engines {
		if err := b.stop(e, dma.DMA_FLAGS_DEFAULT); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Status reports the ring pointers and the state of every descriptor.
func (b *Backend) Status(engine dma.Engine) (dma.EngineStatus, []dma.BufferStatus, error) {
	e, err := b.engine(engine)
	if err != nil {
		return dma.EngineStatus{}, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !e.started {
		return dma.EngineStatus{}, nil, nil
	}

	status := dma.EngineStatus{
		Started:    true,
		RingSize:   RING_SIZE,
		BufferSize: e.pageSize,
		RingHead:   e.head,
		RingTail:   e.tail,
	}

	buffers := make([]dma.BufferStatus, RING_SIZE)
	for i := range buffers {
		bd := e.bd(i, DMA_BD_STATUS_OFFSET)

		buffers[i] = dma.BufferStatus{
			Used:  bd&DMA_BD_COMP_MASK != 0,
			Error: bd&DMA_BD_ERROR_MASK != 0,
			First: bd&DMA_BD_SOP_MASK != 0,
			Last:  bd&DMA_BD_EOP_MASK != 0,
			Size:  int(bd & DMA_BD_BUFL_MASK),
		}

		if buffers[i].Used {
			status.WrittenBuffers++
			status.WrittenBytes += buffers[i].Size
		}
	}

	return status, buffers, nil
}
