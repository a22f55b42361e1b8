package pcilib

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// KernelMemory allocates physically backed buffers shared between the host and the device.
type KernelMemory interface {
	// AllocKernelMemory allocates count blocks of the given type. With KMEM_FLAG_REUSE the
	// blocks previously registered under the same use tag are attached instead of allocated.
	AllocKernelMemory(typ KmemType, count int, size, align uintptr, use KmemUse, flags KmemFlag) (*KernelMemoryHandle, error)
	// FreeKernelMemory unmaps the blocks and drops the references selected by flags.
	FreeKernelMemory(h *KernelMemoryHandle, flags KmemFlag) error
	// SyncKernelMemory hands ownership of page memory to the device or back to the CPU.
	SyncKernelMemory(h *KernelMemoryHandle, dir KmemSyncDirection) error
	// SyncKernelMemoryBlock synchronizes a single block.
	SyncKernelMemoryBlock(h *KernelMemoryHandle, block int, dir KmemSyncDirection) error
}

// KernelMemoryBlock is one physically contiguous block of a kernel memory allocation.
type KernelMemoryBlock struct {
	HandleID int32
	// BusAddr is the address the device uses to reach the block.
	BusAddr uintptr
	// Data is the block as mapped into the process, alignment already applied.
	Data []byte

	mapping []byte
}

// Size returns the usable size of the block.
func (b *KernelMemoryBlock) Size() int {
	return len(b.Data)
}

// KernelMemoryHandle is a set of blocks sharing a type and a use tag.
type KernelMemoryHandle struct {
	Type   KmemType
	Use    KmemUse
	Blocks []KernelMemoryBlock
	// Reuse describes whether the blocks existed before the allocation.
	Reuse KmemReuse
}

// Block returns the block at index i.
func (h *KernelMemoryHandle) Block(i int) *KernelMemoryBlock {
	return &h.Blocks[i]
}

// BusAddr returns the bus address of the first block.
func (h *KernelMemoryHandle) BusAddr() uintptr {
	return h.Blocks[0].BusAddr
}

// Data returns the memory of the first block.
func (h *KernelMemoryHandle) Data() []byte {
	return h.Blocks[0].Data
}

// reuseTracker folds the per-block reuse flags returned by the driver into a single state.
type reuseTracker struct {
	first      bool
	reused     KmemReuse
	persistent int // -1 unknown, 0 no, 1 yes
	hardware   int
	err        error
}

func newReuseTracker() *reuseTracker {
	return &reuseTracker{first: true, persistent: -1, hardware: -1}
}

// add merges the flags returned for one block.
func (t *reuseTracker) add(flags KmemFlag) {
	isReused := flags&KMEM_FLAG_REUSE != 0

	if t.first {
		t.first = false
		if isReused {
			t.reused = KMEM_REUSE_REUSED
		} else {
			t.reused = KMEM_REUSE_ALLOCATED
		}
	} else if isReused != (t.reused == KMEM_REUSE_REUSED) || t.reused == KMEM_REUSE_PARTIAL {
		t.reused = KMEM_REUSE_PARTIAL
	}

	if !isReused {
		return
	}

	t.persistent = t.merge(t.persistent, flags&KMEM_FLAG_PERSISTENT != 0)
	t.hardware = t.merge(t.hardware, flags&KMEM_FLAG_HARDWARE != 0)
}

func (t *reuseTracker) merge(state int, set bool) int {
	value := 0
	if set {
		value = 1
	}

	if state >= 0 && state != value {
		t.err = fmt.Errorf("reused buffers are inconsistent: %w", ErrInvalidState)
	}

	return value
}

// state returns the aggregate reuse state. Reused persistent or hardware referenced memory
// is only consistent if the caller asked for the same properties.
func (t *reuseTracker) state(flags KmemFlag) (KmemReuse, error) {
	if t.err != nil {
		return 0, t.err
	}

	state := t.reused
	if t.persistent > 0 {
		if flags&KMEM_FLAG_PERSISTENT == 0 {
			return 0, fmt.Errorf("reused buffers are persistent: %w", ErrInvalidState)
		}
		state |= KMEM_REUSE_PERSISTENT
	}

	if t.hardware > 0 {
		if flags&KMEM_FLAG_HARDWARE == 0 {
			return 0, fmt.Errorf("reused buffers are referenced by hardware: %w", ErrInvalidState)
		}
		state |= KMEM_REUSE_HARDWARE
	}

	return state, nil
}

// AllocKernelMemory allocates kernel memory through the pcidriver KMEM ioctls and maps it.
func (d *Device) AllocKernelMemory(typ KmemType, count int, size, align uintptr, use KmemUse, flags KmemFlag) (*KernelMemoryHandle, error) {
	if !d.IsReady() {
		return nil, ErrNotInitialized
	}

	if count <= 0 {
		return nil, fmt.Errorf("kernel memory with %d blocks: %w", count, ErrInvalidArgument)
	}

	d.kmemMu.Lock()
	defer d.kmemMu.Unlock()

	if err := d.setMmapMode(PCIDRIVER_MMAP_KMEM); err != nil {
		return nil, err
	}

	h := &KernelMemoryHandle{Type: typ, Use: use, Blocks: make([]KernelMemoryBlock, 0, count)}
	tracker := newReuseTracker()

	for i := 0; i < count; i++ {
		kh := kmemHandle{
			Type:  culong(typ),
			Size:  culong(size),
			Align: culong(align),
			Use:   culong(use),
			Item:  culong(i),
			Flags: int32(flags),
		}

		if typ.IsRegion() {
			kh.Pa = culong(align + uintptr(i)*size)
		} else if !typ.IsPage() {
			kh.Size += culong(align)
		}

		if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_KMEM_ALLOC, uintptr(unsafe.Pointer(&kh))); err != nil {
			d.releaseBlocks(h, 0)

			return nil, fmt.Errorf("ioctl PCIDRIVER_IOC_KMEM_ALLOC failed for block %d: %w", i, err)
		}

		tracker.add(KmemFlag(kh.Flags))

		blk, err := d.mapBlock(&kh, typ, align)
		h.Blocks = append(h.Blocks, blk)
		if err != nil {
			d.releaseBlocks(h, 0)

			return nil, err
		}
	}

	state, err := tracker.state(flags)
	if err != nil {
		d.releaseBlocks(h, flags&(KMEM_FLAG_PERSISTENT|KMEM_FLAG_HARDWARE))
		d.logger.Error("Reused kernel buffers are inconsistent", zap.Uint32("use", uint32(use)), zap.Error(err))

		return nil, err
	}

	// A reused set may be a prefix of a larger set left behind by a previous owner.
	if state.Reused() && d.probeKernelMemory(typ, count, size, align, use) {
		state = (state &^ KMEM_REUSE_REUSED) | KMEM_REUSE_PARTIAL
	}

	h.Reuse = state

	return h, nil
}

// probeKernelMemory checks whether a block with the given item index is registered.
func (d *Device) probeKernelMemory(typ KmemType, item int, size, align uintptr, use KmemUse) bool {
	kh := kmemHandle{
		Type:  culong(typ),
		Size:  culong(size),
		Align: culong(align),
		Use:   culong(use),
		Item:  culong(item),
		Flags: int32(KMEM_FLAG_REUSE | KMEM_FLAG_TRY),
	}

	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_KMEM_ALLOC, uintptr(unsafe.Pointer(&kh))); err != nil {
		return false
	}

	probe := KernelMemoryBlock{HandleID: kh.HandleID, BusAddr: uintptr(kh.Pa)}
	_ = d.freeBlock(&probe, 0)

	return true
}

// mapBlock maps the block most recently allocated by the driver.
func (d *Device) mapBlock(kh *kmemHandle, typ KmemType, align uintptr) (KernelMemoryBlock, error) {
	blk := KernelMemoryBlock{HandleID: kh.HandleID, BusAddr: uintptr(kh.Pa)}

	size := uintptr(kh.Size)
	var alignOffset uintptr
	if align > 0 && !typ.IsPage() && !typ.IsRegion() {
		if rem := blk.BusAddr % align; rem != 0 {
			alignOffset = align - rem
		}
		size -= align
	}

	pageOffset := blk.BusAddr & uintptr(os.Getpagesize()-1)

	mem, err := unix.Mmap(int(d.file.Fd()), 0, int(pageOffset+alignOffset+size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return blk, fmt.Errorf("mmap of kernel memory failed: %w", err)
	}

	blk.mapping = mem
	blk.BusAddr += alignOffset
	blk.Data = mem[pageOffset+alignOffset : pageOffset+alignOffset+size]

	return blk, nil
}

// FreeKernelMemory unmaps all blocks and releases them in the driver.
func (d *Device) FreeKernelMemory(h *KernelMemoryHandle, flags KmemFlag) error {
	if h == nil {
		return nil
	}

	if !d.IsReady() {
		return ErrNotInitialized
	}

	d.kmemMu.Lock()
	defer d.kmemMu.Unlock()

	return d.releaseBlocks(h, flags)
}

func (d *Device) releaseBlocks(h *KernelMemoryHandle, flags KmemFlag) error {
	var errs []error
	for i := range h.Blocks {
		if err := d.freeBlock(&h.Blocks[i], flags); err != nil {
			errs = append(errs, err)
		}
	}
	h.Blocks = nil

	return errors.Join(errs...)
}

func (d *Device) freeBlock(blk *KernelMemoryBlock, flags KmemFlag) error {
	var errs []error
	if blk.mapping != nil {
		if err := unix.Munmap(blk.mapping); err != nil {
			errs = append(errs, fmt.Errorf("munmap of kernel memory failed: %w", err))
		}
		blk.mapping = nil
		blk.Data = nil
	}

	kh := kmemHandle{HandleID: blk.HandleID, Pa: culong(blk.BusAddr), Flags: int32(flags)}
	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_KMEM_FREE, uintptr(unsafe.Pointer(&kh))); err != nil {
		errs = append(errs, fmt.Errorf("ioctl PCIDRIVER_IOC_KMEM_FREE failed: %w", err))
	}

	return errors.Join(errs...)
}

// SyncKernelMemory synchronizes the CPU caches for every block of page memory.
func (d *Device) SyncKernelMemory(h *KernelMemoryHandle, dir KmemSyncDirection) error {
	for i := range h.Blocks {
		if err := d.SyncKernelMemoryBlock(h, i, dir); err != nil {
			return err
		}
	}

	return nil
}

// SyncKernelMemoryBlock synchronizes the CPU caches for one block of page memory.
func (d *Device) SyncKernelMemoryBlock(h *KernelMemoryHandle, block int, dir KmemSyncDirection) error {
	if !d.IsReady() {
		return ErrNotInitialized
	}

	if !h.Type.IsPage() {
		return nil
	}

	if block < 0 || block >= len(h.Blocks) {
		return fmt.Errorf("kernel memory block %d: %w", block, ErrOutOfRange)
	}

	ks := kmemSync{
		Handle: kmemHandle{HandleID: h.Blocks[block].HandleID, Pa: culong(h.Blocks[block].BusAddr)},
		Dir:    int32(dir),
	}

	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_KMEM_SYNC, uintptr(unsafe.Pointer(&ks))); err != nil {
		return fmt.Errorf("ioctl PCIDRIVER_IOC_KMEM_SYNC failed: %w", err)
	}

	return nil
}
