package pcilib

// kmemHandle mirrors kmem_handle_t of the pcidriver headers.
type kmemHandle struct {
	Type     culong
	Pa       culong
	Size     culong
	Align    culong
	Use      culong
	Item     culong
	Flags    int32
	HandleID int32
}

// kmemSync mirrors kmem_sync_t.
type kmemSync struct {
	Handle kmemHandle
	Dir    int32
}

// boardInfo mirrors pcilib_board_info_t as filled by PCIDRIVER_IOC_PCI_INFO.
type boardInfo struct {
	VendorID      uint16
	DeviceID      uint16
	Bus           uint16
	Slot          uint16
	Func          uint16
	Devfn         uint16
	InterruptPin  uint8
	InterruptLine uint8
	Irq           uint32
	BarStart      [MAX_BARS]culong
	BarLength     [MAX_BARS]culong
	BarFlags      [MAX_BARS]culong
}

// driverVersion mirrors pcilib_driver_version_t.
type driverVersion struct {
	Version   culong
	Interface culong
	Ioctls    culong
	Reserved  [5]culong
}

// deviceState mirrors pcilib_device_state_t.
type deviceState struct {
	Iommu   culong
	DmaMask culong
}
