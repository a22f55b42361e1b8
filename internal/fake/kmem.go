// Package fake provides in-memory stand-ins for the pcidriver kernel memory and BAR access.
package fake

import (
	"fmt"
	"sync"

	"github.com/ipe-fpga/pcilib"
)

type kmemKey struct {
	use  pcilib.KmemUse
	item int
}

type kmemEntry struct {
	key        kmemKey
	typ        pcilib.KmemType
	busAddr    uintptr
	data       []byte
	persistent bool
	hardware   bool
}

// Kmem is a kernel memory service that keeps buffers registered by use tag across
// allocations, the way the driver does for persistent and hardware referenced memory.
type Kmem struct {
	mu      sync.Mutex
	entries map[kmemKey]*kmemEntry
	handles map[int32]*kmemEntry
	nextID  int32
	nextBus uintptr
	syncs   int
}

// NewKmem returns an empty kernel memory service.
func NewKmem() *Kmem {
	return &Kmem{
		entries: make(map[kmemKey]*kmemEntry),
		handles: make(map[int32]*kmemEntry),
		nextBus: 0x10000000,
	}
}

// AllocKernelMemory allocates or reattaches count blocks.
func (k *Kmem) AllocKernelMemory(typ pcilib.KmemType, count int, size, align uintptr, use pcilib.KmemUse, flags pcilib.KmemFlag) (*pcilib.KernelMemoryHandle, error) {
	if count <= 0 {
		return nil, pcilib.ErrInvalidArgument
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	h := &pcilib.KernelMemoryHandle{Type: typ, Use: use}

	reused, fresh := 0, 0
	persistent, hardware := -1, -1
	for i := 0; i < count; i++ {
		key := kmemKey{use: use, item: i}

		e, ok := k.entries[key]
		if ok && flags&pcilib.KMEM_FLAG_REUSE != 0 && len(e.data) == int(size) {
			reused++
			persistent = mergeTristate(persistent, e.persistent)
			hardware = mergeTristate(hardware, e.hardware)
		} else {
			if flags&pcilib.KMEM_FLAG_TRY != 0 {
				return nil, fmt.Errorf("block %d of use 0x%x: %w", i, use, pcilib.ErrNotFound)
			}
			e = k.allocate(key, typ, size, align)
			fresh++
		}

		if flags&pcilib.KMEM_FLAG_PERSISTENT != 0 {
			e.persistent = true
		}
		if flags&pcilib.KMEM_FLAG_HARDWARE != 0 {
			e.hardware = true
		}

		k.nextID++
		k.handles[k.nextID] = e
		h.Blocks = append(h.Blocks, pcilib.KernelMemoryBlock{HandleID: k.nextID, BusAddr: e.busAddr, Data: e.data})
	}

	switch {
	case persistent == 2 || hardware == 2:
		k.release(h, 0)

		return nil, fmt.Errorf("reused buffers are inconsistent: %w", pcilib.ErrInvalidState)
	case reused > 0 && fresh > 0:
		h.Reuse = pcilib.KMEM_REUSE_PARTIAL
	case reused > 0:
		h.Reuse = pcilib.KMEM_REUSE_REUSED
		if _, more := k.entries[kmemKey{use: use, item: count}]; more {
			h.Reuse = pcilib.KMEM_REUSE_PARTIAL
		}
	}

	if persistent == 1 {
		h.Reuse |= pcilib.KMEM_REUSE_PERSISTENT
	}
	if hardware == 1 {
		h.Reuse |= pcilib.KMEM_REUSE_HARDWARE
	}

	return h, nil
}

// mergeTristate returns 2 once two blocks disagree.
func mergeTristate(state int, set bool) int {
	value := 0
	if set {
		value = 1
	}

	switch {
	case state == 2:
		return 2
	case state >= 0 && state != value:
		return 2
	default:
		return value
	}
}

func (k *Kmem) allocate(key kmemKey, typ pcilib.KmemType, size, align uintptr) *kmemEntry {
	if align == 0 {
		align = 4096
	}
	if rem := k.nextBus % align; rem != 0 {
		k.nextBus += align - rem
	}

	e := &kmemEntry{key: key, typ: typ, busAddr: k.nextBus, data: make([]byte, size)}
	k.nextBus += size
	k.entries[key] = e

	return e
}

// FreeKernelMemory drops the handle. Blocks stay registered while they are persistent or
// hardware referenced, unless the matching flags or FORCE are passed.
func (k *Kmem) FreeKernelMemory(h *pcilib.KernelMemoryHandle, flags pcilib.KmemFlag) error {
	if h == nil {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.release(h, flags)

	return nil
}

func (k *Kmem) release(h *pcilib.KernelMemoryHandle, flags pcilib.KmemFlag) {
	for _, blk := range h.Blocks {
		e, ok := k.handles[blk.HandleID]
		if !ok {
			continue
		}
		delete(k.handles, blk.HandleID)

		if flags&pcilib.KMEM_FLAG_PERSISTENT != 0 {
			e.persistent = false
		}
		if flags&pcilib.KMEM_FLAG_HARDWARE != 0 {
			e.hardware = false
		}

		if flags&pcilib.KMEM_FLAG_FORCE != 0 || (!e.persistent && !e.hardware) {
			if k.entries[e.key] == e {
				delete(k.entries, e.key)
			}
		}
	}

	if flags&pcilib.KMEM_FLAG_MASS != 0 && flags&pcilib.KMEM_FLAG_FORCE != 0 {
		for key := range k.entries {
			if key.use == h.Use {
				delete(k.entries, key)
			}
		}
	}
	h.Blocks = nil
}

// SyncKernelMemory counts the sync requests.
func (k *Kmem) SyncKernelMemory(h *pcilib.KernelMemoryHandle, dir pcilib.KmemSyncDirection) error {
	k.mu.Lock()
	k.syncs++
	k.mu.Unlock()

	return nil
}

// SyncKernelMemoryBlock counts the sync requests.
func (k *Kmem) SyncKernelMemoryBlock(h *pcilib.KernelMemoryHandle, block int, dir pcilib.KmemSyncDirection) error {
	if block < 0 || block >= len(h.Blocks) {
		return pcilib.ErrOutOfRange
	}

	return k.SyncKernelMemory(h, dir)
}

// Registered returns the number of blocks kept under the use tag.
func (k *Kmem) Registered(use pcilib.KmemUse) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key := range k.entries {
		if key.use == use {
			n++
		}
	}

	return n
}

// Drop forgets a single registered block, leaving a partial set behind.
func (k *Kmem) Drop(use pcilib.KmemUse, item int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.entries, kmemKey{use: use, item: item})
}

// Memory returns the memory seen by the device at a bus address, up to the end of its block.
func (k *Kmem) Memory(busAddr uintptr) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, e := range k.entries {
		if busAddr >= e.busAddr && busAddr < e.busAddr+uintptr(len(e.data)) {
			return e.data[busAddr-e.busAddr:]
		}
	}

	return nil
}

// Syncs returns the number of sync requests served.
func (k *Kmem) Syncs() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.syncs
}
