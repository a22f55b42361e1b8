package pcilib_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipe-fpga/pcilib"
)

func TestEnumerateDevices(t *testing.T) {
	dev := t.TempDir()
	sys := t.TempDir()

	for _, name := range []string{"fpga1", "fpga0", "fpgax"} {
		require.NoError(t, os.WriteFile(filepath.Join(dev, name), nil, 0o600))
	}

	ids := filepath.Join(sys, "fpga0", "device")
	require.NoError(t, os.MkdirAll(ids, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ids, "vendor"), []byte("0x10ee\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ids, "device"), []byte("0x6028\n"), 0o600))

	devices, err := pcilib.EnumerateDevicesIn(dev, sys)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, 0, devices[0].Number)
	assert.Equal(t, uint16(0x10ee), devices[0].VendorID)
	assert.Equal(t, uint16(0x6028), devices[0].DeviceID)
	assert.Equal(t, "Device 0: "+filepath.Join(dev, "fpga0")+" [10ee:6028]", devices[0].String())

	assert.Equal(t, 1, devices[1].Number)
	assert.Zero(t, devices[1].VendorID)
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := pcilib.Open(0, pcilib.WithDevicePath(filepath.Join(t.TempDir(), "fpga0")))
	assert.Error(t, err)
}

func TestKernelMemoryReuse(t *testing.T) {
	for _, tc := range []struct {
		name   string
		blocks []pcilib.KmemFlag
		flags  pcilib.KmemFlag
		want   pcilib.KmemReuse
		err    error
	}{
		{"allocated", []pcilib.KmemFlag{0, 0}, 0, pcilib.KMEM_REUSE_ALLOCATED, nil},
		{"reused", []pcilib.KmemFlag{pcilib.KMEM_FLAG_REUSE, pcilib.KMEM_FLAG_REUSE}, 0, pcilib.KMEM_REUSE_REUSED, nil},
		{"partial", []pcilib.KmemFlag{pcilib.KMEM_FLAG_REUSE, 0}, 0, pcilib.KMEM_REUSE_PARTIAL, nil},
		{
			"persistent",
			[]pcilib.KmemFlag{pcilib.KMEM_FLAG_REUSE | pcilib.KMEM_FLAG_PERSISTENT},
			pcilib.KMEM_FLAG_PERSISTENT,
			pcilib.KMEM_REUSE_REUSED | pcilib.KMEM_REUSE_PERSISTENT,
			nil,
		},
		{
			"persistent not requested",
			[]pcilib.KmemFlag{pcilib.KMEM_FLAG_REUSE | pcilib.KMEM_FLAG_PERSISTENT},
			0, 0, pcilib.ErrInvalidState,
		},
		{
			"inconsistent",
			[]pcilib.KmemFlag{pcilib.KMEM_FLAG_REUSE | pcilib.KMEM_FLAG_HARDWARE, pcilib.KMEM_FLAG_REUSE},
			pcilib.KMEM_FLAG_HARDWARE, 0, pcilib.ErrInvalidState,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, err := pcilib.ReuseState(tc.blocks, tc.flags)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, state)
		})
	}
}

func TestHardware(t *testing.T) {
	if _, err := os.Stat("/dev/fpga0"); err != nil {
		t.Skip("fpga0 not found")
	}

	d, err := pcilib.Open(0)
	require.NoError(t, err)
	defer d.Close()

	assert.True(t, d.IsReady())
	assert.NotZero(t, d.BoardInfo().VendorID)

	_, _, err = d.DriverVersion()
	assert.NoError(t, err)

	bar, err := d.Bar(pcilib.BAR0)
	require.NoError(t, err)
	assert.NotZero(t, bar.Size())
}
