package ipecamera

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ipe-fpga/pcilib"
)

// DataType selects the representation of a frame returned by Get.
type DataType int

const (
	DATA_IMAGE          DataType = 0
	DATA_RAW            DataType = 1
	DATA_DIMENSIONS     DataType = 0x8000
	DATA_IMAGE_REGION   DataType = 0x8010
	DATA_PACKED_IMAGE   DataType = 0x8020
	DATA_PACKED_LINE    DataType = 0x8021
	DATA_PACKED_PAYLOAD DataType = 0x8022
	DATA_CHANGE_MASK    DataType = 0x8030
)

// String returns the name of the data type.
func (t DataType) String() string {
	switch t {
	case DATA_IMAGE:
		return "image"
	case DATA_RAW:
		return "raw"
	case DATA_DIMENSIONS:
		return "dimensions"
	case DATA_IMAGE_REGION:
		return "region"
	case DATA_PACKED_IMAGE:
		return "packed"
	case DATA_PACKED_LINE:
		return "packed_line"
	case DATA_PACKED_PAYLOAD:
		return "packed_payload"
	case DATA_CHANGE_MASK:
		return "cmask"
	default:
		return "unknown"
	}
}

// Dimensions of the decoded image.
type Dimensions struct {
	BPP     uint32 `json:"bpp"`
	RealBPP uint32 `json:"real_bpp"`
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
}

// Bytes encodes the dimensions as four little-endian words.
func (d Dimensions) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], d.BPP)
	binary.LittleEndian.PutUint32(b[4:], d.RealBPP)
	binary.LittleEndian.PutUint32(b[8:], d.Width)
	binary.LittleEndian.PutUint32(b[12:], d.Height)

	return b
}

// Dimensions returns the image geometry of the current session.
func (c *Camera) Dimensions() Dimensions {
	_, _, geo := c.ring()

	return Dimensions{BPP: 16, RealBPP: PIXEL_BITS, Width: WIDTH, Height: uint32(geo.Lines)}
}

// live reports whether frame id still owns its slot.
func (c *Camera) live(win window, id EventID) bool {
	return win.live(uint64(id), c.eventID.Load())
}

func (c *Camera) overwritten(id EventID) error {
	c.metrics.Overwritten()

	return fmt.Errorf("frame %d: %w", id, pcilib.ErrOverwritten)
}

// Get returns the data of frame id. Image and change mask data stay locked against
// decoding until Return is called, raw data may be overwritten at any time.
func (c *Camera) Get(id EventID, typ DataType) ([]byte, error) {
	return c.get(id, typ, nil)
}

// GetInto copies the data of frame id into dst and returns its size. No Return is needed.
func (c *Camera) GetInto(id EventID, typ DataType, dst []byte) (int, error) {
	if dst == nil {
		dst = []byte{}
	}

	data, err := c.get(id, typ, dst)

	return len(data), err
}

func (c *Camera) get(id EventID, typ DataType, dst []byte) ([]byte, error) {
	switch typ {
	case DATA_DIMENSIONS:
		return fill(dst, c.Dimensions().Bytes())
	case DATA_IMAGE_REGION, DATA_PACKED_IMAGE, DATA_PACKED_LINE, DATA_PACKED_PAYLOAD:
		return nil, fmt.Errorf("data type %s: %w", typ, pcilib.ErrNotSupported)
	case DATA_RAW, DATA_IMAGE, DATA_CHANGE_MASK:
	default:
		return nil, fmt.Errorf("data type %d: %w", typ, pcilib.ErrInvalidRequest)
	}

	slots, win, _ := c.ring()
	if len(slots) == 0 || !c.live(win, id) {
		return nil, c.overwritten(id)
	}
	s := &slots[win.index(uint64(id))]

	if typ == DATA_RAW {
		data := s.raw[:s.eventInfo().RawSize]
		if dst == nil {
			return data, nil
		}

		if len(dst) < len(data) {
			return nil, fmt.Errorf("raw data of frame %d needs %d bytes: %w", id, len(data), pcilib.ErrTooBig)
		}

		n := copy(dst, data)
		if !c.live(win, id) {
			return nil, c.overwritten(id)
		}

		return dst[:n], nil
	}

	if err := c.lockImage(s, win, id); err != nil {
		return nil, err
	}

	var data []byte
	if typ == DATA_IMAGE {
		data = uint16Bytes(s.pixels)
	} else {
		data = uint32Bytes(s.cmask)
	}

	if dst == nil {
		return data, nil
	}
	defer s.mu.RUnlock()

	return fill(dst, data)
}

// lockImage waits until the image of frame id is decoded and returns with the slot locked
// for reading. Without live workers the frame is decoded on demand.
func (c *Camera) lockImage(s *slot, win window, id EventID) error {
	for {
		s.mu.RLock()
		if s.imageReady.Load() {
			if !c.live(win, id) {
				s.mu.RUnlock()

				return c.overwritten(id)
			}

			if err := s.imageErr; err != nil {
				s.mu.RUnlock()

				return err
			}

			return nil
		}
		s.mu.RUnlock()

		if !c.live(win, id) {
			return c.overwritten(id)
		}

		if c.workers.Load() > 0 {
			pcilib.Sleep(NOFRAME_PREPROC_SLEEP)
			continue
		}

		s.mu.Lock()
		c.decode(uint64(id), s, win)
		s.mu.Unlock()
	}
}

// Return releases the data obtained by Get. For raw data it reports whether the frame
// was overwritten in the meantime.
func (c *Camera) Return(id EventID, typ DataType) error {
	slots, win, _ := c.ring()

	switch typ {
	case DATA_RAW:
		if len(slots) == 0 || !c.live(win, id) {
			return c.overwritten(id)
		}
	case DATA_IMAGE, DATA_CHANGE_MASK:
		if len(slots) == 0 {
			return fmt.Errorf("camera is not grabbing: %w", pcilib.ErrNotInitialized)
		}
		slots[win.index(uint64(id))].mu.RUnlock()
	}

	return nil
}

func fill(dst, data []byte) ([]byte, error) {
	if dst == nil {
		return data, nil
	}

	if len(dst) < len(data) {
		return nil, fmt.Errorf("%d bytes are required: %w", len(data), pcilib.ErrTooBig)
	}

	return dst[:copy(dst, data)], nil
}

func uint16Bytes(v []uint16) []byte {
	if len(v) == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*2)
}

func uint32Bytes(v []uint32) []byte {
	if len(v) == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}
