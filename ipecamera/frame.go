package ipecamera

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// FRAME_MAGIC opens the header of every frame.
var FRAME_MAGIC = [5]uint32{0x51111111, 0x52222222, 0x53333333, 0x54444444, 0x55555555}

var frameMagic = func() []byte {
	b := make([]byte, 4*len(FRAME_MAGIC))
	for i, w := range FRAME_MAGIC {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}

	return b
}()

const (
	HEADER_SIZE = 8 * 4
	FOOTER_SIZE = 8 * 4
	// CHANNEL_SIZE is one line of a channel: two header words and three pixels per word.
	CHANNEL_SIZE = (2 + PIXELS_PER_CHANNEL/3) * 4
	LINE_SIZE    = MAX_CHANNELS * CHANNEL_SIZE

	// LINES_MASK extracts the line count from header word 5.
	LINES_MASK uint32 = 0x7FF
	// EXTRA_DATA is appended by the firmware after the padding of a frame.
	EXTRA_DATA = 8
)

// Geometry holds the sizes of a frame with a given number of lines.
type Geometry struct {
	Lines int
	// Raw is the size of the frame payload including header and footer.
	Raw int
	// Full is the most data the firmware sends for the frame.
	Full int
	// Padded is the size of a ring slot for the frame.
	Padded int
}

// NewGeometry computes the frame sizes for lines sensor lines.
func NewGeometry(lines int) Geometry {
	raw := HEADER_SIZE + lines*LINE_SIZE + FOOTER_SIZE
	blocks := (raw + DMA_PACKET_LENGTH - 1) / DMA_PACKET_LENGTH

	return Geometry{
		Lines:  lines,
		Raw:    raw,
		Full:   blocks*DMA_PACKET_LENGTH + EXTRA_DATA,
		Padded: (blocks + 1) * DMA_PACKET_LENGTH,
	}
}

// FindMagic returns the offset of the first frame header in data or -1.
func FindMagic(data []byte) int {
	return bytes.Index(data, frameMagic)
}

// HasMagic reports whether data starts with a frame header.
func HasMagic(data []byte) bool {
	return bytes.HasPrefix(data, frameMagic)
}

// HeaderLines returns the line count announced by the frame header at the start of data.
func HeaderLines(data []byte) int {
	if len(data) < 6*4 {
		return 0
	}

	return int(binary.LittleEndian.Uint32(data[5*4:]) & LINES_MASK)
}

// nextMagic searches data for the first word of a frame header at 4-byte steps from
// offset from and returns its position or -1.
func nextMagic(data []byte, from int) int {
	for pos := from; pos+4 <= len(data); pos += 4 {
		if binary.LittleEndian.Uint32(data[pos:]) == FRAME_MAGIC[0] {
			return pos
		}
	}

	return -1
}

// InfoFlags describe a captured frame.
type InfoFlags uint32

const (
	EVENT_INFO_FLAG_BROKEN InfoFlags = 1
)

// Event types of the camera.
type Event uint32

const (
	EVENT_NEW_FRAME Event = 1
	EVENTS_ALL      Event = 0xFFFFFFFF
)

// EventID numbers the frames of a session starting with 1.
type EventID uint64

// EventInfo is the metadata of a captured frame.
type EventInfo struct {
	Type      Event     `json:"type"`
	Flags     InfoFlags `json:"flags"`
	Seqnum    uint64    `json:"seqnum"`
	Offset    uint64    `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	RawSize   int       `json:"raw_size"`
}

// Broken reports whether the frame was received incomplete.
func (i EventInfo) Broken() bool {
	return i.Flags&EVENT_INFO_FLAG_BROKEN != 0
}

// slot is one element of the frame ring. The raw buffer is written by the reader without
// locking, mu guards the decoded data.
type slot struct {
	raw []byte

	infoMu sync.Mutex
	info   EventInfo

	mu         sync.RWMutex
	pixels     []uint16
	cmask      []uint32
	imageReady atomic.Bool
	imageErr   error
}

func newSlot(geo Geometry) slot {
	return slot{
		raw:    make([]byte, geo.Padded),
		info:   EventInfo{Type: EVENT_NEW_FRAME},
		pixels: make([]uint16, WIDTH*geo.Lines),
		cmask:  make([]uint32, geo.Lines),
	}
}

// reset prepares the slot for the next frame.
func (s *slot) reset() {
	s.infoMu.Lock()
	s.info = EventInfo{Type: EVENT_NEW_FRAME}
	s.infoMu.Unlock()

	s.imageReady.Store(false)
}

func (s *slot) begin(seqnum uint64) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	s.info.Seqnum = seqnum
	s.info.Timestamp = time.Now()
}

func (s *slot) complete(size int, broken bool) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	s.info.RawSize = size
	if broken {
		s.info.Flags |= EVENT_INFO_FLAG_BROKEN
	}
}

func (s *slot) eventInfo() EventInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	return s.info
}
