//go:build linux && (amd64 || arm64 || ppc64le || riscv64)

package pcilib

// culong is the C `unsigned long` type on 64-bit systems.
type culong = uint64

// hostAddressBits is the width of bus addresses handed to the hardware.
const hostAddressBits = 64
