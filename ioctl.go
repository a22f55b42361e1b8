package pcilib

import (
	"syscall"
	"unsafe"
)

// ioctl performs a generic ioctl syscall.
func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

const (
	iocNrbits    = 8
	iocTypebits  = 8
	iocSizebits  = 14
	iocNrshift   = 0
	iocTypeshift = iocNrshift + iocNrbits
	iocSizeshift = iocTypeshift + iocTypebits
	iocDirshift  = iocSizeshift + iocSizebits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

// ioc builds an ioctl request code from its direction, type, number and argument size.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (size << iocSizeshift)
}

// io builds an ioctl request code for a command with no data transfer.
func io(typ, nr uintptr) uintptr {
	return ioc(iocNone, typ, nr, 0)
}

// iow builds an ioctl request code for a write-only operation.
func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

// ior builds a read-only ioctl request code.
func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

// iowr builds a read-write ioctl request code.
func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

const (
	pcidriverMagic = 'p'
	pcidriverBase  = 0xA0
)

var (
	PCIDRIVER_IOC_MMAP_MODE    uintptr
	PCIDRIVER_IOC_MMAP_AREA    uintptr
	PCIDRIVER_IOC_KMEM_ALLOC   uintptr
	PCIDRIVER_IOC_KMEM_FREE    uintptr
	PCIDRIVER_IOC_KMEM_SYNC    uintptr
	PCIDRIVER_IOC_PCI_INFO     uintptr
	PCIDRIVER_IOC_CLEAR_IOQ    uintptr
	PCIDRIVER_IOC_VERSION      uintptr
	PCIDRIVER_IOC_DEVICE_STATE uintptr
	PCIDRIVER_IOC_DMA_MASK     uintptr
)

func init() {
	// The driver headers declare the argument as a pointer, so the encoded size is the pointer size.
	ptrSize := unsafe.Sizeof(uintptr(0))

	PCIDRIVER_IOC_MMAP_MODE = io(pcidriverMagic, pcidriverBase+0)
	PCIDRIVER_IOC_MMAP_AREA = io(pcidriverMagic, pcidriverBase+1)

	// Kernel memory
	PCIDRIVER_IOC_KMEM_ALLOC = iowr(pcidriverMagic, pcidriverBase+2, ptrSize)
	PCIDRIVER_IOC_KMEM_FREE = iow(pcidriverMagic, pcidriverBase+3, ptrSize)
	PCIDRIVER_IOC_KMEM_SYNC = iowr(pcidriverMagic, pcidriverBase+4, ptrSize)

	// Device information
	PCIDRIVER_IOC_PCI_INFO = iowr(pcidriverMagic, pcidriverBase+12, ptrSize)
	PCIDRIVER_IOC_CLEAR_IOQ = io(pcidriverMagic, pcidriverBase+13)
	PCIDRIVER_IOC_VERSION = ior(pcidriverMagic, pcidriverBase+14, ptrSize)
	PCIDRIVER_IOC_DEVICE_STATE = ior(pcidriverMagic, pcidriverBase+15, ptrSize)
	PCIDRIVER_IOC_DMA_MASK = io(pcidriverMagic, pcidriverBase+16)
}
