//go:build linux && (386 || arm)

package pcilib

// culong is the C `unsigned long` type on 32-bit systems.
type culong = uint32

// hostAddressBits is the width of bus addresses handed to the hardware.
const hostAddressBits = 32
