package ipecamera

import (
	"encoding/binary"
	"fmt"

	"github.com/ipe-fpga/pcilib"
)

// Decoder reconstructs the image of a raw frame. cmask receives the sensor line number of
// every decoded line.
type Decoder interface {
	Decode(raw []byte, pixels []uint16, cmask []uint32) error
}

// Payload layout of a channel line.
const (
	PIXEL_BITS  = 10
	PIXEL_MASK  = 1<<PIXEL_BITS - 1
	FIRST_LINE  = 6
	PIXEL_WORDS = PIXELS_PER_CHANNEL / 3
)

// PayloadDecoder unpacks the 10-bit pixel payload of the camera firmware. Every channel
// line starts with two header words, the second carrying the last two pixels, followed by
// words with three pixels each, the first pixel in the most significant bits.
type PayloadDecoder struct{}

// Decode implements Decoder.
func (PayloadDecoder) Decode(raw []byte, pixels []uint16, cmask []uint32) error {
	if !HasMagic(raw) {
		return fmt.Errorf("frame header is missing: %w", pcilib.ErrInvalidData)
	}

	lines := HeaderLines(raw)
	if need := NewGeometry(lines).Raw; len(raw) < need {
		return fmt.Errorf("frame of %d lines needs %d bytes, got %d: %w", lines, need, len(raw), pcilib.ErrInvalidData)
	}

	if len(pixels) < lines*WIDTH || len(cmask) < lines {
		return fmt.Errorf("image of %d lines does not fit: %w", lines, pcilib.ErrTooBig)
	}

	first := binary.LittleEndian.Uint32(raw[FIRST_LINE*4:]) & LINES_MASK

	payload := raw[HEADER_SIZE:]
	for line := 0; line < lines; line++ {
		for ch := 0; ch < MAX_CHANNELS; ch++ {
			words := payload[(line*MAX_CHANNELS+ch)*CHANNEL_SIZE:]
			out := pixels[line*WIDTH+ch*PIXELS_PER_CHANNEL:]

			for i := 0; i < PIXEL_WORDS; i++ {
				w := binary.LittleEndian.Uint32(words[(2+i)*4:])
				out[3*i] = uint16(w >> (2 * PIXEL_BITS) & PIXEL_MASK)
				out[3*i+1] = uint16(w >> PIXEL_BITS & PIXEL_MASK)
				out[3*i+2] = uint16(w & PIXEL_MASK)
			}

			tail := binary.LittleEndian.Uint32(words[4:])
			out[PIXELS_PER_CHANNEL-2] = uint16(tail >> PIXEL_BITS & PIXEL_MASK)
			out[PIXELS_PER_CHANNEL-1] = uint16(tail & PIXEL_MASK)
		}

		cmask[line] = first + uint32(line)
	}

	clear(pixels[lines*WIDTH:])
	clear(cmask[lines:])

	return nil
}
