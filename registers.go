package pcilib

import (
	"fmt"
	"math/bits"
	"strings"
	"unsafe"
)

// BankProtocol implements register access for a bank.
type BankProtocol interface {
	Read(b *Bank, addr uintptr) (uint32, error)
	Write(b *Bank, addr uintptr, value uint32) error
}

// DirectProtocol accesses the bank registers as plain memory-mapped words.
type DirectProtocol struct{}

// Read loads the register at addr relative to the bank read address.
func (DirectProtocol) Read(b *Bank, addr uintptr) (uint32, error) {
	value := b.Bar.Read32(b.ReadAddr + addr)

	return b.fromBank(value), nil
}

// Write stores the register at addr relative to the bank write address.
func (DirectProtocol) Write(b *Bank, addr uintptr, value uint32) error {
	b.Bar.Write32(b.WriteAddr+addr, b.toBank(value))

	return nil
}

// Bank is a group of registers sharing an access protocol.
type Bank struct {
	Name string
	Bar  Bar
	// ReadAddr and WriteAddr are the offsets of the bank within the BAR.
	ReadAddr  uintptr
	WriteAddr uintptr
	// Size is the number of addressable units, bytes for direct banks.
	Size uintptr
	// Width of a register in bits.
	Width      uint
	Endianness Endianness
	// Protocol defaults to DirectProtocol.
	Protocol BankProtocol
	// Stride is the address increment between registers, Width/8 if zero.
	Stride uintptr
}

// Resolve checks that offset addresses a register of the bank.
func (b *Bank) Resolve(offset uintptr) (uintptr, error) {
	if offset+b.stride() > b.Size {
		return 0, fmt.Errorf("address 0x%x is outside bank %s: %w", offset, b.Name, ErrInvalidAddress)
	}

	return offset, nil
}

// Read reads the register at addr.
func (b *Bank) Read(addr uintptr) (uint32, error) {
	if _, err := b.Resolve(addr); err != nil {
		return 0, err
	}

	value, err := b.protocol().Read(b, addr)
	if err != nil {
		return 0, err
	}

	return value & widthMask(b.Width), nil
}

// Write writes the register at addr.
func (b *Bank) Write(addr uintptr, value uint32) error {
	if _, err := b.Resolve(addr); err != nil {
		return err
	}

	if value&^widthMask(b.Width) != 0 {
		return fmt.Errorf("value 0x%x does not fit %d-bit bank %s: %w", value, b.Width, b.Name, ErrOutOfRange)
	}

	return b.protocol().Write(b, addr, value)
}

func (b *Bank) protocol() BankProtocol {
	if b.Protocol == nil {
		return DirectProtocol{}
	}

	return b.Protocol
}

func (b *Bank) stride() uintptr {
	if b.Stride != 0 {
		return b.Stride
	}

	return uintptr(b.Width / 8)
}

func (b *Bank) fromBank(value uint32) uint32 {
	if needsSwap(b.Endianness) {
		return bits.ReverseBytes32(value)
	}

	return value
}

func (b *Bank) toBank(value uint32) uint32 {
	return b.fromBank(value)
}

var hostBigEndian = func() bool {
	x := uint16(1)

	return *(*byte)(unsafe.Pointer(&x)) == 0
}()

func needsSwap(e Endianness) bool {
	switch e {
	case LITTLE_ENDIAN:
		return hostBigEndian
	case BIG_ENDIAN:
		return !hostBigEndian
	default:
		return false
	}
}

func widthMask(width uint) uint32 {
	if width == 0 || width >= 32 {
		return 0xFFFFFFFF
	}

	return 1<<width - 1
}

// RegisterMode restricts the access to a register.
type RegisterMode int

const (
	REGISTER_R  RegisterMode = 1
	REGISTER_W  RegisterMode = 2
	REGISTER_RW RegisterMode = REGISTER_R | REGISTER_W
)

// String returns the mode as used in register listings.
func (m RegisterMode) String() string {
	switch m {
	case REGISTER_R:
		return "R"
	case REGISTER_W:
		return "W"
	case REGISTER_RW:
		return "RW"
	default:
		return "?"
	}
}

// Register is a named register or a bit field within one.
type Register struct {
	Name        string
	Bank        string
	Addr        uintptr
	Offset      uint
	Bits        uint
	Default     uint32
	Mode        RegisterMode
	Description string
}

// IsField reports whether the register covers only part of the bank word.
func (r *Register) IsField(width uint) bool {
	return r.Offset != 0 || (r.Bits != 0 && r.Bits < width)
}

func (r *Register) mask() uint32 {
	return widthMask(r.Bits)
}

// words is the number of consecutive bank registers holding the value, the least
// significant first.
func (r *Register) words(width uint) int {
	if width == 0 || r.Bits <= width {
		return 1
	}

	return int((r.Bits + width - 1) / width)
}

// Registers is a named register map over a set of banks.
type Registers struct {
	banks     map[string]*Bank
	bankNames []string
	regs      []Register
	byName    map[string][]int
}

// NewRegisters builds a register map. Every register must refer to one of the banks.
func NewRegisters(banks []*Bank, regs []Register) (*Registers, error) {
	r := &Registers{
		banks:  make(map[string]*Bank, len(banks)),
		byName: make(map[string][]int, len(regs)),
	}

	for _, b := range banks {
		if _, ok := r.banks[b.Name]; ok {
			return nil, fmt.Errorf("bank %s is defined twice: %w", b.Name, ErrInvalidBank)
		}
		r.banks[b.Name] = b
		r.bankNames = append(r.bankNames, b.Name)
	}

	for _, reg := range regs {
		if err := r.Add(reg); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add appends a register to the map.
func (r *Registers) Add(reg Register) error {
	b, ok := r.banks[reg.Bank]
	if !ok {
		return fmt.Errorf("register %s refers to unknown bank %s: %w", reg.Name, reg.Bank, ErrInvalidBank)
	}

	if _, err := b.Resolve(reg.Addr); err != nil {
		return err
	}

	if reg.Bits == 0 {
		reg.Bits = b.Width
	}

	if reg.Mode == 0 {
		reg.Mode = REGISTER_RW
	}

	switch {
	case reg.Bits > 32:
		return fmt.Errorf("register %s has %d bits: %w", reg.Name, reg.Bits, ErrOutOfRange)
	case reg.Bits > b.Width && reg.Offset == 0:
		last := reg.Addr + uintptr(reg.words(b.Width)-1)*b.stride()
		if _, err := b.Resolve(last); err != nil {
			return fmt.Errorf("register %s spans past the end of bank %s: %w", reg.Name, b.Name, err)
		}
	case reg.Offset+reg.Bits > b.Width:
		return fmt.Errorf("register %s exceeds the %d-bit width of bank %s: %w", reg.Name, b.Width, b.Name, ErrOutOfRange)
	}

	r.byName[reg.Name] = append(r.byName[reg.Name], len(r.regs))
	r.regs = append(r.regs, reg)

	return nil
}

// Bank returns a bank by name.
func (r *Registers) Bank(name string) (*Bank, error) {
	if r == nil {
		return nil, ErrNotInitialized
	}

	b, ok := r.banks[name]
	if !ok {
		return nil, fmt.Errorf("bank %s: %w", name, ErrInvalidBank)
	}

	return b, nil
}

// Banks returns the bank names in definition order.
func (r *Registers) Banks() []string {
	if r == nil {
		return nil
	}

	return r.bankNames
}

// List returns all registers in definition order.
func (r *Registers) List() []Register {
	if r == nil {
		return nil
	}

	return r.regs
}

// Find returns the register with the given name. An empty bank matches any bank,
// the register defined first wins.
func (r *Registers) Find(bank, name string) (*Register, error) {
	if r == nil {
		return nil, ErrNotInitialized
	}

	for _, idx := range r.byName[name] {
		if bank == "" || r.regs[idx].Bank == bank {
			return &r.regs[idx], nil
		}
	}

	if bank != "" {
		return nil, fmt.Errorf("register %s/%s: %w", bank, name, ErrNotFound)
	}

	return nil, fmt.Errorf("register %s: %w", name, ErrNotFound)
}

// Has reports whether a register with the given name exists in any bank.
func (r *Registers) Has(name string) bool {
	return r != nil && len(r.byName[name]) > 0
}

// lookup accepts both plain names and names qualified as "bank/name".
func (r *Registers) lookup(name string) (*Register, error) {
	if bank, reg, ok := strings.Cut(name, "/"); ok {
		return r.Find(bank, reg)
	}

	return r.Find("", name)
}

// Read returns the value of the named register, shifted and masked for bit fields.
func (r *Registers) Read(name string) (uint32, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return 0, err
	}

	return r.ReadRegister(reg)
}

// ReadRegister returns the value of reg.
func (r *Registers) ReadRegister(reg *Register) (uint32, error) {
	if reg.Mode&REGISTER_R == 0 {
		return 0, fmt.Errorf("register %s is write-only: %w", reg.Name, ErrNotSupported)
	}

	b := r.banks[reg.Bank]

	if n := reg.words(b.Width); n > 1 {
		var value uint32
		for i := 0; i < n; i++ {
			word, err := b.Read(reg.Addr + uintptr(i)*b.stride())
			if err != nil {
				return 0, fmt.Errorf("read of register %s failed: %w", reg.Name, err)
			}
			value |= word << (uint(i) * b.Width)
		}

		return value & reg.mask(), nil
	}

	value, err := b.Read(reg.Addr)
	if err != nil {
		return 0, fmt.Errorf("read of register %s failed: %w", reg.Name, err)
	}

	return (value >> reg.Offset) & reg.mask(), nil
}

// Write sets the named register. Bit fields are updated with read-modify-write.
func (r *Registers) Write(name string, value uint32) error {
	reg, err := r.lookup(name)
	if err != nil {
		return err
	}

	return r.WriteRegister(reg, value)
}

// WriteRegister sets reg to value.
func (r *Registers) WriteRegister(reg *Register, value uint32) error {
	if reg.Mode&REGISTER_W == 0 {
		return fmt.Errorf("register %s is read-only: %w", reg.Name, ErrNotSupported)
	}

	if value&^reg.mask() != 0 {
		return fmt.Errorf("value 0x%x does not fit %d-bit register %s: %w", value, reg.Bits, reg.Name, ErrOutOfRange)
	}

	b := r.banks[reg.Bank]

	if n := reg.words(b.Width); n > 1 {
		for i := 0; i < n; i++ {
			word := (value >> (uint(i) * b.Width)) & widthMask(b.Width)
			if err := b.Write(reg.Addr+uintptr(i)*b.stride(), word); err != nil {
				return fmt.Errorf("write of register %s failed: %w", reg.Name, err)
			}
		}

		return nil
	}

	if reg.IsField(b.Width) {
		cur, err := b.Read(reg.Addr)
		if err != nil {
			return fmt.Errorf("read of register %s failed: %w", reg.Name, err)
		}
		value = cur&^(reg.mask()<<reg.Offset) | value<<reg.Offset
	}

	if err := b.Write(reg.Addr, value); err != nil {
		return fmt.Errorf("write of register %s failed: %w", reg.Name, err)
	}

	return nil
}

// ReadSpace reads n consecutive registers of a bank starting at addr.
func (r *Registers) ReadSpace(bank string, addr uintptr, n int) ([]uint32, error) {
	b, err := r.Bank(bank)
	if err != nil {
		return nil, err
	}

	values := make([]uint32, n)
	for i := range values {
		values[i], err = b.Read(addr + uintptr(i)*b.stride())
		if err != nil {
			return nil, err
		}
	}

	return values, nil
}

// WriteSpace writes consecutive registers of a bank starting at addr.
func (r *Registers) WriteSpace(bank string, addr uintptr, values []uint32) error {
	b, err := r.Bank(bank)
	if err != nil {
		return err
	}

	for i, v := range values {
		if err := b.Write(addr+uintptr(i)*b.stride(), v); err != nil {
			return err
		}
	}

	return nil
}
