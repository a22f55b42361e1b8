package pcilib

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bar is a window of 32-bit device registers.
type Bar interface {
	// Read32 loads the register at the byte offset.
	Read32(offset uintptr) uint32
	// Write32 stores the register at the byte offset.
	Write32(offset uintptr, value uint32)
	// Size returns the length of the window in bytes.
	Size() uintptr
}

// MappedBar is a PCI BAR mapped into the process address space.
type MappedBar struct {
	bar    BAR
	mem    []byte // the whole mapping, page aligned
	offset uintptr
	size   uintptr
}

// Read32 loads the register at the byte offset.
func (b *MappedBar) Read32(offset uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mem[b.offset+offset])))
}

// Write32 stores the register at the byte offset.
func (b *MappedBar) Write32(offset uintptr, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b.mem[b.offset+offset])), value)
}

// Size returns the length of the BAR in bytes.
func (b *MappedBar) Size() uintptr {
	return b.size
}

// Bytes returns the BAR memory.
func (b *MappedBar) Bytes() []byte {
	return b.mem[b.offset : b.offset+b.size]
}

// unmap releases the mapping.
func (b *MappedBar) unmap() error {
	if b.mem == nil {
		return nil
	}

	err := unix.Munmap(b.mem)
	b.mem = nil
	if err != nil {
		return fmt.Errorf("munmap of BAR%d failed: %w", b.bar, err)
	}

	return nil
}

// HostAddressBits returns the width of host bus addresses, 32 or 64.
func HostAddressBits() int {
	return hostAddressBits
}

// LoadUint32 atomically reads a 32-bit word of DMA memory written by the device.
func LoadUint32(mem []byte, offset int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[offset])))
}

// StoreUint32 atomically writes a 32-bit word of DMA memory read by the device.
func StoreUint32(mem []byte, offset int, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[offset])), value)
}

// LoadUintptr atomically reads a host-word sized field of DMA memory.
func LoadUintptr(mem []byte, offset int) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(&mem[offset])))
}

// StoreUintptr atomically writes a host-word sized field of DMA memory.
func StoreUintptr(mem []byte, offset int, value uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(&mem[offset])), value)
}
