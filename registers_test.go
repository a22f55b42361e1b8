package pcilib_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/internal/fake"
)

func newTestRegisters(t *testing.T) (*fake.Bar, *pcilib.Registers) {
	t.Helper()

	bar := fake.NewBar(0x1000)
	banks := []*pcilib.Bank{
		{Name: "main", Bar: bar, ReadAddr: 0x100, WriteAddr: 0x100, Size: 0x100, Width: 32, Endianness: pcilib.LITTLE_ENDIAN},
		{Name: "narrow", Bar: bar, ReadAddr: 0x400, WriteAddr: 0x400, Size: 16, Width: 8, Stride: 4},
		{Name: "swapped", Bar: bar, ReadAddr: 0x800, WriteAddr: 0x800, Size: 0x10, Width: 32, Endianness: pcilib.BIG_ENDIAN},
	}

	regs, err := pcilib.NewRegisters(banks, []pcilib.Register{
		{Name: "control", Bank: "main", Addr: 0x00},
		{Name: "enable", Bank: "main", Addr: 0x00, Bits: 1},
		{Name: "mode", Bank: "main", Addr: 0x00, Offset: 4, Bits: 3},
		{Name: "status", Bank: "main", Addr: 0x04, Mode: pcilib.REGISTER_R},
		{Name: "command", Bank: "main", Addr: 0x08, Mode: pcilib.REGISTER_W},
		{Name: "counter", Bank: "narrow", Addr: 0x00, Bits: 20},
		{Name: "status", Bank: "narrow", Addr: 0x0C},
		{Name: "word", Bank: "swapped", Addr: 0x00},
	})
	require.NoError(t, err)

	return bar, regs
}

func TestRegisterReadWrite(t *testing.T) {
	bar, regs := newTestRegisters(t)

	require.NoError(t, regs.Write("control", 0xDEADBEEF))
	assert.Equal(t, uint32(0xDEADBEEF), bar.Get(0x100))

	value, err := regs.Read("control")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), value)
}

func TestRegisterBitFields(t *testing.T) {
	bar, regs := newTestRegisters(t)
	bar.Set(0x100, 0xFFFFFF00)

	require.NoError(t, regs.Write("enable", 1))
	require.NoError(t, regs.Write("mode", 5))
	assert.Equal(t, uint32(0xFFFFFF51), bar.Get(0x100))

	value, err := regs.Read("mode")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), value)

	assert.ErrorIs(t, regs.Write("mode", 8), pcilib.ErrOutOfRange)
}

func TestRegisterMultiWord(t *testing.T) {
	bar, regs := newTestRegisters(t)

	require.NoError(t, regs.Write("counter", 0xABCDE))
	assert.Equal(t, uint32(0xDE), bar.Get(0x400))
	assert.Equal(t, uint32(0xBC), bar.Get(0x404))
	assert.Equal(t, uint32(0x0A), bar.Get(0x408))

	value, err := regs.Read("counter")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCDE), value)

	assert.ErrorIs(t, regs.Write("counter", 1<<20), pcilib.ErrOutOfRange)
}

func TestRegisterLookup(t *testing.T) {
	bar, regs := newTestRegisters(t)
	bar.Set(0x104, 1)
	bar.Set(0x40C, 2)

	t.Run("first match", func(t *testing.T) {
		value, err := regs.Read("status")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), value)
	})

	t.Run("qualified", func(t *testing.T) {
		value, err := regs.Read("narrow/status")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), value)

		reg, err := regs.Find("narrow", "status")
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x0C), reg.Addr)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := regs.Read("missing")
		assert.ErrorIs(t, err, pcilib.ErrNotFound)

		_, err = regs.Find("main", "counter")
		assert.ErrorIs(t, err, pcilib.ErrNotFound)

		_, err = regs.Bank("other")
		assert.ErrorIs(t, err, pcilib.ErrInvalidBank)
	})

	t.Run("listing", func(t *testing.T) {
		assert.Equal(t, []string{"main", "narrow", "swapped"}, regs.Banks())
		assert.Len(t, regs.List(), 8)
		assert.True(t, regs.Has("enable"))
		assert.False(t, regs.Has("disable"))
	})
}

func TestRegisterModes(t *testing.T) {
	_, regs := newTestRegisters(t)

	assert.ErrorIs(t, regs.Write("status", 1), pcilib.ErrNotSupported)

	_, err := regs.Read("command")
	assert.ErrorIs(t, err, pcilib.ErrNotSupported)

	assert.Equal(t, "RW", pcilib.REGISTER_RW.String())
	assert.Equal(t, "R", pcilib.REGISTER_R.String())
}

func TestRegisterEndianness(t *testing.T) {
	bar, regs := newTestRegisters(t)

	require.NoError(t, regs.Write("word", 0x11223344))
	assert.Equal(t, uint32(0x44332211), bar.Get(0x800))

	value, err := regs.Read("word")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), value)
}

func TestRegisterSpace(t *testing.T) {
	bar, regs := newTestRegisters(t)

	require.NoError(t, regs.WriteSpace("narrow", 0x04, []uint32{1, 2, 3}))
	assert.Equal(t, uint32(2), bar.Get(0x408))

	values, err := regs.ReadSpace("narrow", 0x04, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, values)

	assert.ErrorIs(t, regs.WriteSpace("narrow", 0x00, []uint32{0x100}), pcilib.ErrOutOfRange)

	_, err = regs.ReadSpace("narrow", 0x0C, 2)
	assert.ErrorIs(t, err, pcilib.ErrInvalidAddress)
}

func TestRegisterDefinition(t *testing.T) {
	bar := fake.NewBar(0x100)
	bank := &pcilib.Bank{Name: "b", Bar: bar, Size: 0x10, Width: 8}

	for _, tc := range []struct {
		name string
		reg  pcilib.Register
		err  error
	}{
		{"unknown bank", pcilib.Register{Name: "r", Bank: "x"}, pcilib.ErrInvalidBank},
		{"outside", pcilib.Register{Name: "r", Bank: "b", Addr: 0x10}, pcilib.ErrInvalidAddress},
		{"too wide", pcilib.Register{Name: "r", Bank: "b", Bits: 33}, pcilib.ErrOutOfRange},
		{"field overflow", pcilib.Register{Name: "r", Bank: "b", Offset: 4, Bits: 5}, pcilib.ErrOutOfRange},
		{"spans past end", pcilib.Register{Name: "r", Bank: "b", Addr: 0x0F, Bits: 16}, pcilib.ErrInvalidAddress},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pcilib.NewRegisters([]*pcilib.Bank{bank}, []pcilib.Register{tc.reg})
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err := pcilib.NewRegisters([]*pcilib.Bank{bank, bank}, nil)
	assert.ErrorIs(t, err, pcilib.ErrInvalidBank)
}

func TestNilRegisters(t *testing.T) {
	var regs *pcilib.Registers

	assert.False(t, regs.Has("x"))
	assert.Nil(t, regs.Banks())

	_, err := regs.Find("", "x")
	assert.ErrorIs(t, err, pcilib.ErrNotInitialized)
}
