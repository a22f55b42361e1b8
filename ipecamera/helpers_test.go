package ipecamera_test

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/internal/fake"
	"github.com/ipe-fpga/pcilib/ipecamera"
)

// sensor simulates the SPI bridge of the firmware in front of the sensor registers.
type sensor struct {
	bar *fake.Bar

	mu   sync.Mutex
	regs [128]byte
	// answer overrides the computed answer when set.
	answer func(cmd uint32) (uint32, bool)
	// store overrides the value written to a register.
	store func(addr, value uint32) uint32
}

func newSensor(bar *fake.Bar) *sensor {
	s := &sensor{bar: bar}
	bar.OnWrite(ipecamera.REGISTER_WRITE, s.command)

	return s
}

func (s *sensor) command(cmd uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.answer != nil {
		if a, ok := s.answer(cmd); ok {
			s.bar.Set(ipecamera.REGISTER_READ, a)

			return
		}
	}

	addr := (cmd & ipecamera.SPI_ADDR_MASK) >> 8
	if cmd&ipecamera.SPI_WRITE_BIT != 0 {
		value := cmd & ipecamera.SPI_VALUE_MASK
		if s.store != nil {
			value = s.store(addr, value)
		}
		s.regs[addr] = byte(value)
	}

	s.bar.Set(ipecamera.REGISTER_READ, ipecamera.SPI_READY_BIT|addr<<8|uint32(s.regs[addr]))
}

func (s *sensor) reg(addr int) byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.regs[addr]
}

func (s *sensor) setLines(lines int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regs[1] = byte(lines)
	s.regs[2] = byte(lines >> 8)
}

// feed is a DMA backend serving queued pages from a single C2S engine at address 1.
type feed struct {
	mu     sync.Mutex
	pages  [][]byte
	err    error
	starts int
	stops  int
}

func (f *feed) Engines() []dma.EngineDescription {
	return []dma.EngineDescription{
		{Addr: 0, Type: dma.DMA_TYPE_PACKET, Direction: dma.DMA_TO_DEVICE, AddrBits: 64},
		{Addr: ipecamera.DMA_ADDRESS, Type: dma.DMA_TYPE_PACKET, Direction: dma.DMA_FROM_DEVICE, AddrBits: 64},
	}
}

func (f *feed) Start(engine dma.Engine, flags dma.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++

	return nil
}

func (f *feed) Stop(engine dma.Engine, flags dma.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops++

	return nil
}

func (f *feed) Status(engine dma.Engine) (dma.EngineStatus, []dma.BufferStatus, error) {
	return dma.EngineStatus{Started: true}, nil, nil
}

func (f *feed) Close() error { return nil }

// push queues data split into pages of size page.
func (f *feed) push(data []byte, page int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(data) > 0 {
		n := min(page, len(data))
		f.pages = append(f.pages, data[:n])
		data = data[n:]
	}
}

func (f *feed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *feed) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pages)
}

func (f *feed) next(wait time.Duration) ([]byte, error) {
	var (
		page []byte
		err  error
	)

	_ = pcilib.Poll(wait, 50*time.Microsecond, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.err != nil {
			err, f.err = f.err, nil

			return true
		}

		if len(f.pages) == 0 {
			return false
		}

		page = f.pages[0]
		f.pages = f.pages[1:]

		return true
	})

	return page, err
}

func (f *feed) Stream(engine dma.Engine, addr uintptr, size int, flags dma.Flags, timeout time.Duration, cb dma.Callback) error {
	action := dma.STREAMING_REQ_PACKET

	for {
		page, err := f.next(dma.WaitTimeout(action, pcilib.DMA_TIMEOUT, timeout))
		if err != nil {
			return err
		}
		if page == nil {
			return dma.TimeoutResult(action)
		}

		action, err = cb(dma.DMA_FLAG_EOP, page)
		if err != nil {
			return err
		}
		if action == dma.STREAMING_STOP {
			return nil
		}
	}
}

func pixelValue(line, x, seed int) uint16 {
	return uint16((line*31 + x*7 + seed*113) & ipecamera.PIXEL_MASK)
}

// encodeFrame builds the payload of a frame the way the firmware sends it and returns it
// with the expected image.
func encodeFrame(lines, first, seed int) ([]byte, []uint16) {
	geo := ipecamera.NewGeometry(lines)
	raw := make([]byte, geo.Raw)
	pixels := make([]uint16, lines*ipecamera.WIDTH)

	for i, w := range ipecamera.FRAME_MAGIC {
		binary.LittleEndian.PutUint32(raw[4*i:], w)
	}
	binary.LittleEndian.PutUint32(raw[5*4:], uint32(lines))
	binary.LittleEndian.PutUint32(raw[6*4:], uint32(first))

	payload := raw[ipecamera.HEADER_SIZE:]
	for line := 0; line < lines; line++ {
		for ch := 0; ch < ipecamera.MAX_CHANNELS; ch++ {
			words := payload[(line*ipecamera.MAX_CHANNELS+ch)*ipecamera.CHANNEL_SIZE:]

			px := func(i int) uint32 {
				x := ch*ipecamera.PIXELS_PER_CHANNEL + i
				v := pixelValue(line, x, seed)
				pixels[line*ipecamera.WIDTH+x] = v

				return uint32(v)
			}

			binary.LittleEndian.PutUint32(words, uint32(ch))
			for i := 0; i < ipecamera.PIXEL_WORDS; i++ {
				w := px(3*i)<<20 | px(3*i+1)<<10 | px(3*i+2)
				binary.LittleEndian.PutUint32(words[(2+i)*4:], w)
			}
			tail := px(ipecamera.PIXELS_PER_CHANNEL-2)<<10 | px(ipecamera.PIXELS_PER_CHANNEL-1)
			binary.LittleEndian.PutUint32(words[4:], tail)
		}
	}

	footer := raw[geo.Raw-ipecamera.FOOTER_SIZE:]
	for i := 0; i < ipecamera.FOOTER_SIZE; i += 4 {
		binary.LittleEndian.PutUint32(footer[i:], ipecamera.END_OF_SEQUENCE)
	}

	return raw, pixels
}

// padFrame extends a frame to the amount of data the firmware sends for it.
func padFrame(raw []byte) []byte {
	full := ipecamera.NewGeometry(ipecamera.HeaderLines(raw)).Full
	out := make([]byte, full)
	copy(out, raw)

	return out
}

func imageBytes(pixels []uint16) []byte {
	b := make([]byte, 2*len(pixels))
	for i, v := range pixels {
		binary.NativeEndian.PutUint16(b[2*i:], v)
	}

	return b
}

type rig struct {
	bar    *fake.Bar
	sensor *sensor
	model  *ipecamera.Model
	feed   *feed
	dma    *dma.DMA
}

const testLines = 2

func newRig(t *testing.T) *rig {
	t.Helper()

	bar := fake.NewBar(0x10000)
	r := &rig{
		bar:    bar,
		sensor: newSensor(bar),
		feed:   &feed{},
	}
	r.sensor.setLines(testLines)
	bar.Set(ipecamera.REGISTER_SPACE+0x50, ipecamera.EXPECTED_STATUS)

	var err error
	r.model, err = ipecamera.NewModel(bar, &ipecamera.SPIProtocol{
		Delay:   time.Microsecond,
		Timeout: time.Millisecond,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	r.dma = dma.NewDMA(r.feed, zaptest.NewLogger(t), nil)

	return r
}

func testConfig() ipecamera.Config {
	cfg := ipecamera.DefaultConfig()
	cfg.SettleTime = time.Microsecond

	return cfg
}

func (r *rig) camera(t *testing.T, cfg ipecamera.Config) *ipecamera.Camera {
	t.Helper()

	return r.cameraWith(t, cfg, nil)
}

func (r *rig) cameraWith(t *testing.T, cfg ipecamera.Config, decoder ipecamera.Decoder) *ipecamera.Camera {
	t.Helper()

	cam, err := ipecamera.New(ipecamera.Options{
		Registers: r.model.Registers,
		DMA:       r.dma,
		Decoder:   decoder,
		Logger:    zaptest.NewLogger(t),
		Config:    cfg,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cam.Close()
	})

	return cam
}

func waitFrames(t *testing.T, cam *ipecamera.Camera, n uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		return cam.Status().EventID >= n
	}, 2*time.Second, time.Millisecond)
}

// gatedDecoder holds every decode until open is called.
type gatedDecoder struct {
	gate chan struct{}
	once sync.Once
}

func newGatedDecoder() *gatedDecoder {
	return &gatedDecoder{gate: make(chan struct{})}
}

func (d *gatedDecoder) Decode(raw []byte, pixels []uint16, cmask []uint32) error {
	<-d.gate

	return ipecamera.PayloadDecoder{}.Decode(raw, pixels, cmask)
}

func (d *gatedDecoder) open() {
	d.once.Do(func() {
		close(d.gate)
	})
}

// checkCounters asserts the ordering of the event counters.
func checkCounters(t *testing.T, cam *ipecamera.Camera) {
	t.Helper()

	s := cam.Status()
	require.LessOrEqual(t, s.ReportedID, s.PreprocID, "reported id passed the preprocessed id")
	require.LessOrEqual(t, s.PreprocID, s.EventID, "preprocessed id passed the event id")
}
