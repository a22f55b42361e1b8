package pcilib

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// BoardInfo describes the PCI function behind a device node.
type BoardInfo struct {
	VendorID      uint16            `json:"vendor_id"`
	DeviceID      uint16            `json:"device_id"`
	Bus           uint16            `json:"bus"`
	Slot          uint16            `json:"slot"`
	Func          uint16            `json:"func"`
	InterruptPin  uint8             `json:"interrupt_pin"`
	InterruptLine uint8             `json:"interrupt_line"`
	Irq           uint32            `json:"irq"`
	BarStart      [MAX_BARS]uintptr `json:"bar_start"`
	BarLength     [MAX_BARS]uintptr `json:"bar_length"`
}

// String returns a human-readable representation of the BoardInfo.
func (b BoardInfo) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("PCI %04x:%04x at %02x:%02x.%x, IRQ %d\n", b.VendorID, b.DeviceID, b.Bus, b.Slot, b.Func, b.Irq))
	for i := 0; i < MAX_BARS; i++ {
		if b.BarLength[i] == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("  BAR %d: 0x%08x (%d KB)\n", i, b.BarStart[i], b.BarLength[i]/1024))
	}

	return sb.String()
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used by the device.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDevicePath overrides the device node, /dev/fpga<n> by default.
func WithDevicePath(path string) Option {
	return func(d *Device) {
		d.path = path
	}
}

// Device is an open pcidriver device node.
type Device struct {
	file   *os.File
	path   string
	logger *zap.Logger
	info   BoardInfo

	barMu sync.Mutex
	bars  [MAX_BARS]*MappedBar

	// Serializes mmap mode changes with the mmap calls that depend on them.
	kmemMu sync.Mutex
}

// Open opens the device /dev/fpga<n> and reads its board information.
func Open(n int, opts ...Option) (*Device, error) {
	d := &Device{
		path:   fmt.Sprintf("/dev/fpga%d", n),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	file, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", d.path, err)
	}

	var info boardInfo
	if err := ioctl(file.Fd(), PCIDRIVER_IOC_PCI_INFO, uintptr(unsafe.Pointer(&info))); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("ioctl PCIDRIVER_IOC_PCI_INFO failed: %w", err)
	}

	d.file = file
	d.info = BoardInfo{
		VendorID:      info.VendorID,
		DeviceID:      info.DeviceID,
		Bus:           info.Bus,
		Slot:          info.Slot,
		Func:          info.Func,
		InterruptPin:  info.InterruptPin,
		InterruptLine: info.InterruptLine,
		Irq:           info.Irq,
	}
	for i := 0; i < MAX_BARS; i++ {
		d.info.BarStart[i] = uintptr(info.BarStart[i])
		d.info.BarLength[i] = uintptr(info.BarLength[i])
	}

	d.logger.Debug("Device opened", zap.String("path", d.path),
		zap.String("id", fmt.Sprintf("%04x:%04x", d.info.VendorID, d.info.DeviceID)))

	return d, nil
}

// IsReady checks if the device handle is valid.
func (d *Device) IsReady() bool {
	return d != nil && d.file != nil
}

// Close unmaps all BARs and closes the device node.
func (d *Device) Close() error {
	if !d.IsReady() {
		return nil
	}

	d.barMu.Lock()
	for i, bar := range d.bars {
		if bar != nil {
			_ = bar.unmap()
			d.bars[i] = nil
		}
	}
	d.barMu.Unlock()

	err := d.file.Close()
	d.file = nil

	return err
}

// Path returns the device node.
func (d *Device) Path() string {
	return d.path
}

// Logger returns the logger of the device.
func (d *Device) Logger() *zap.Logger {
	return d.logger
}

// BoardInfo returns the PCI information read when the device was opened.
func (d *Device) BoardInfo() BoardInfo {
	return d.info
}

// DriverVersion returns the version and interface revision of the kernel driver.
func (d *Device) DriverVersion() (version, iface uint64, err error) {
	if !d.IsReady() {
		return 0, 0, ErrNotInitialized
	}

	var v driverVersion
	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_VERSION, uintptr(unsafe.Pointer(&v))); err != nil {
		return 0, 0, fmt.Errorf("ioctl PCIDRIVER_IOC_VERSION failed: %w", err)
	}

	return uint64(v.Version), uint64(v.Interface), nil
}

// ClearInterruptQueue drops the pending interrupts of the given source.
func (d *Device) ClearInterruptQueue(source int) error {
	if !d.IsReady() {
		return ErrNotInitialized
	}

	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_CLEAR_IOQ, uintptr(source)); err != nil {
		return fmt.Errorf("ioctl PCIDRIVER_IOC_CLEAR_IOQ failed: %w", err)
	}

	return nil
}

// Bar maps BAR n on first use and returns it.
func (d *Device) Bar(n BAR) (*MappedBar, error) {
	if !d.IsReady() {
		return nil, ErrNotInitialized
	}

	if n < 0 || n >= MAX_BARS || d.info.BarLength[n] == 0 {
		return nil, fmt.Errorf("BAR%d is not present: %w", n, ErrInvalidBank)
	}

	d.barMu.Lock()
	defer d.barMu.Unlock()

	if d.bars[n] != nil {
		return d.bars[n], nil
	}

	d.kmemMu.Lock()
	defer d.kmemMu.Unlock()

	if err := d.setMmapMode(PCIDRIVER_MMAP_PCI); err != nil {
		return nil, err
	}

	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_MMAP_AREA, uintptr(n)); err != nil {
		return nil, fmt.Errorf("ioctl PCIDRIVER_IOC_MMAP_AREA failed for BAR%d: %w", n, err)
	}

	offset := d.info.BarStart[n] & uintptr(os.Getpagesize()-1)
	length := d.info.BarLength[n]

	mem, err := unix.Mmap(int(d.file.Fd()), 0, int(offset+length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of BAR%d failed: %w", n, err)
	}

	d.bars[n] = &MappedBar{bar: n, mem: mem, offset: offset, size: length}

	return d.bars[n], nil
}

func (d *Device) setMmapMode(mode int) error {
	if err := ioctl(d.file.Fd(), PCIDRIVER_IOC_MMAP_MODE, uintptr(mode)); err != nil {
		return fmt.Errorf("ioctl PCIDRIVER_IOC_MMAP_MODE failed: %w", err)
	}

	return nil
}

// DeviceEntry is a pcidriver device node found by EnumerateDevices.
type DeviceEntry struct {
	Number   int
	Path     string
	VendorID uint16
	DeviceID uint16
}

// String returns a human-readable representation of the DeviceEntry.
func (e DeviceEntry) String() string {
	return fmt.Sprintf("Device %d: %s [%04x:%04x]", e.Number, e.Path, e.VendorID, e.DeviceID)
}

// EnumerateDevices lists /dev/fpga* nodes with their PCI ids read from sysfs.
func EnumerateDevices() ([]DeviceEntry, error) {
	return enumerateDevices("/dev", "/sys/class/fpga")
}

func enumerateDevices(devDir, sysDir string) ([]DeviceEntry, error) {
	nodes, err := filepath.Glob(filepath.Join(devDir, "fpga*"))
	if err != nil {
		return nil, fmt.Errorf("could not scan %s: %w", devDir, err)
	}

	var result []DeviceEntry
	for _, node := range nodes {
		name := filepath.Base(node)
		n, err := strconv.Atoi(strings.TrimPrefix(name, "fpga"))
		if err != nil {
			continue
		}

		entry := DeviceEntry{Number: n, Path: node}
		entry.VendorID = readSysfsID(filepath.Join(sysDir, name, "device", "vendor"))
		entry.DeviceID = readSysfsID(filepath.Join(sysDir, name, "device", "device"))

		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Number < result[j].Number
	})

	return result, nil
}

func readSysfsID(path string) uint16 {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	id, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(content)), "0x"), 16, 16)
	if err != nil {
		return 0
	}

	return uint16(id)
}
