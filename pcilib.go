// Package pcilib provides userspace access to PCIe FPGA boards served by the pcidriver kernel module.
package pcilib

import "time"

// Timeouts used by the DMA and register layers.
const (
	// TIMEOUT_INFINITE disables the deadline of a poll loop.
	TIMEOUT_INFINITE time.Duration = -1
	// TIMEOUT_IMMEDIATE makes a poll loop check the condition exactly once.
	TIMEOUT_IMMEDIATE time.Duration = 0

	DMA_TIMEOUT      = 10 * time.Millisecond
	DMA_SKIP_TIMEOUT = time.Second
	REGISTER_TIMEOUT = 10 * time.Millisecond
)

// KmemFlag controls allocation and release of kernel memory.
type KmemFlag uint32

const (
	// KMEM_FLAG_REUSE attaches to an existing buffer with the same use tag if one is present.
	KMEM_FLAG_REUSE KmemFlag = 1
	// KMEM_FLAG_EXCLUSIVE fails the allocation if the buffer is already used by another process.
	KMEM_FLAG_EXCLUSIVE KmemFlag = 2
	// KMEM_FLAG_PERSISTENT keeps the buffer in the kernel after the handle is closed.
	KMEM_FLAG_PERSISTENT KmemFlag = 4
	// KMEM_FLAG_HARDWARE marks the buffer as referenced by running hardware.
	KMEM_FLAG_HARDWARE KmemFlag = 8
	// KMEM_FLAG_FORCE releases the buffer regardless of remaining references.
	KMEM_FLAG_FORCE KmemFlag = 16
	// KMEM_FLAG_MASS applies the operation to every buffer with the same use tag.
	KMEM_FLAG_MASS KmemFlag = 32
	// KMEM_FLAG_TRY only probes for an existing buffer, nothing is allocated.
	KMEM_FLAG_TRY KmemFlag = 64
)

// KmemReuse is a bit set describing whether an allocation attached to existing buffers.
type KmemReuse uint32

const (
	KMEM_REUSE_ALLOCATED  KmemReuse = 0
	KMEM_REUSE_PARTIAL    KmemReuse = 1
	KMEM_REUSE_REUSED     KmemReuse = 2
	KMEM_REUSE_PERSISTENT KmemReuse = 0x100
	KMEM_REUSE_HARDWARE   KmemReuse = 0x200
)

// Reused reports whether every block of the allocation existed before.
func (r KmemReuse) Reused() bool {
	return r&KMEM_REUSE_REUSED != 0 && r&KMEM_REUSE_PARTIAL == 0
}

// Partial reports whether only some of the blocks existed before.
func (r KmemReuse) Partial() bool {
	return r&KMEM_REUSE_PARTIAL != 0
}

// Persistent reports whether the reused blocks were marked persistent by their previous owner.
func (r KmemReuse) Persistent() bool {
	return r&KMEM_REUSE_PERSISTENT != 0
}

// Hardware reports whether the reused blocks still carry a hardware reference.
func (r KmemReuse) Hardware() bool {
	return r&KMEM_REUSE_HARDWARE != 0
}

// KmemType selects the kind of kernel memory to allocate.
type KmemType uint32

const (
	KMEM_TYPE_CONSISTENT KmemType = 0
	KMEM_TYPE_PAGE       KmemType = 0x10000
	KMEM_TYPE_S2C_PAGE   KmemType = 0x10001
	KMEM_TYPE_C2S_PAGE   KmemType = 0x10002
	KMEM_TYPE_REGION     KmemType = 0x20000
	KMEM_TYPE_REGION_S2C KmemType = 0x20001
	KMEM_TYPE_REGION_C2S KmemType = 0x20002
)

// IsPage reports whether the memory is streaming (page) memory that needs explicit syncs.
func (t KmemType) IsPage() bool {
	return t&0xFFFF0000 == KMEM_TYPE_PAGE
}

// IsRegion reports whether the memory is carved from a reserved physical region.
func (t KmemType) IsRegion() bool {
	return t&0xFFFF0000 == KMEM_TYPE_REGION
}

// KmemUse tags an allocation so that it can be found again by a later process.
type KmemUse uint32

const (
	KMEM_USE_DMA_RING  = 1
	KMEM_USE_DMA_PAGES = 2
	KMEM_USE_USER      = 0x10
)

// KmemUseTag combines a use type and a subsystem specific index.
func KmemUseTag(typ, sub uint16) KmemUse {
	return KmemUse(uint32(typ)<<16 | uint32(sub))
}

// KmemSyncDirection selects the direction of a cache synchronization.
type KmemSyncDirection int32

const (
	KMEM_SYNC_BIDIRECTIONAL KmemSyncDirection = 0
	KMEM_SYNC_TODEVICE      KmemSyncDirection = 1
	KMEM_SYNC_FROMDEVICE    KmemSyncDirection = 2
)

// Endianness of the register data or raw bank layout.
type Endianness int

const (
	HOST_ENDIAN   Endianness = 0
	LITTLE_ENDIAN Endianness = 1
	BIG_ENDIAN    Endianness = 2
)

// BAR identifies a PCI base address register.
type BAR int

const (
	BAR0 BAR = 0
	BAR1 BAR = 1
	BAR2 BAR = 2
	BAR3 BAR = 3
	BAR4 BAR = 4
	BAR5 BAR = 5

	MAX_BARS = 6
)

// Known PCI identifiers.
const (
	PCIE_XILINX_VENDOR_ID    uint16 = 0x10ee
	PCIE_IPECAMERA_DEVICE_ID uint16 = 0x6081
)

// Driver mmap modes selected with PCIDRIVER_IOC_MMAP_MODE.
const (
	PCIDRIVER_MMAP_PCI  = 0
	PCIDRIVER_MMAP_KMEM = 1
)
