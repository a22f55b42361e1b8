package ipecamera

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/internal/metrics"
)

// Flags modify Start, Stop and the raw data callback.
type Flags uint32

const (
	EVENT_FLAGS_DEFAULT Flags = 0
	// EVENT_FLAG_RAW_DATA_ONLY only forwards the stream to the raw data callback.
	EVENT_FLAG_RAW_DATA_ONLY Flags = 1
	// EVENT_FLAG_EOF marks the last fragment of a frame passed to the raw data callback.
	EVENT_FLAG_EOF Flags = 2
	// EVENT_FLAG_PREPROCESS decodes the frames in a pool of workers as they arrive.
	EVENT_FLAG_PREPROCESS Flags = 4
	// EVENT_FLAG_STOP_ONLY asks the reader to stop after the current frame and returns.
	EVENT_FLAG_STOP_ONLY Flags = 8
)

// RawCallback receives the stream data of every frame. Data not belonging to any frame is
// passed with id 0 and EVENT_FLAG_RAW_DATA_ONLY. Returning false stops the reader.
type RawCallback func(id EventID, info EventInfo, flags Flags, data []byte) bool

// Config holds the tunables of the camera.
type Config struct {
	BufferSize int   `koanf:"buffer_size"`
	Reserve    int   `koanf:"reserve"`
	DMAAddress uint8 `koanf:"dma_address"`
	Preprocess bool  `koanf:"preprocess"`
	MaxThreads int   `koanf:"max_threads"`
	// AutostopFrames and AutostopDuration stop the reader after that many frames or that
	// much time since Start.
	AutostopFrames   uint64        `koanf:"autostop_frames"`
	AutostopDuration time.Duration `koanf:"autostop_duration"`
	RawOnly          bool          `koanf:"raw_only"`
	// SettleTime is the wait after changing the sensor mode.
	SettleTime time.Duration `koanf:"settle_time"`
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: DEFAULT_BUFFER_SIZE,
		Reserve:    RESERVE_BUFFERS,
		DMAAddress: DMA_ADDRESS,
		SettleTime: SLEEP_TIME,
	}
}

// Options are passed to New.
type Options struct {
	Registers *pcilib.Registers
	DMA       *dma.DMA
	// Decoder defaults to PayloadDecoder.
	Decoder Decoder
	Logger  *zap.Logger
	Metrics *metrics.Camera
	Config  Config
}

// Camera runs the frame capture of one device.
type Camera struct {
	regs    *pcilib.Registers
	dma     *dma.DMA
	decoder Decoder
	logger  *zap.Logger
	metrics *metrics.Camera
	cfg     Config

	control, status, status3, lines *pcilib.Register

	trigger *rate.Limiter

	// mu serializes Start, Stop and the setters.
	mu        sync.Mutex
	started   atomic.Bool
	streaming atomic.Bool
	parseData bool
	session   uuid.UUID
	engine    dma.Engine
	raw       RawCallback
	autostop  autostop
	t         *tomb.Tomb
	err       error

	ringMu   sync.RWMutex
	geometry Geometry
	slots    []slot
	win      window

	// preprocessing is set for sessions decoding in workers, workers counts the live ones.
	preprocessing atomic.Bool
	workers       atomic.Int32
	runReader     atomic.Bool
	readerRunning atomic.Bool

	eventID    atomic.Uint64
	preprocID  atomic.Uint64
	reportedID atomic.Uint64

	claimMu  sync.Mutex
	reportMu sync.Mutex
}

type autostop struct {
	frames   uint64
	deadline pcilib.Deadline
	timed    bool
}

// expired reports whether the autostop duration has passed.
func (a autostop) expired() bool {
	return a.timed && a.deadline.Expired()
}

// New prepares a camera on the register map and DMA engines of a device.
func New(opts Options) (*Camera, error) {
	if opts.Registers == nil || opts.DMA == nil {
		return nil, fmt.Errorf("camera needs registers and DMA: %w", pcilib.ErrInvalidArgument)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Decoder == nil {
		opts.Decoder = PayloadDecoder{}
	}

	cfg := opts.Config
	def := DefaultConfig()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Reserve <= 0 {
		cfg.Reserve = def.Reserve
	}
	if cfg.SettleTime == 0 {
		cfg.SettleTime = def.SettleTime
	}

	c := &Camera{
		regs:    opts.Registers,
		dma:     opts.DMA,
		decoder: opts.Decoder,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cfg:     cfg,
		trigger: rate.NewLimiter(rate.Every(NEXT_FRAME_DELAY), 1),
		engine:  dma.ENGINE_INVALID,
	}

	for _, r := range []struct {
		reg  **pcilib.Register
		bank string
		name string
	}{
		{&c.control, "fpga", "control"},
		{&c.status, "fpga", "status"},
		{&c.status3, "fpga", "status3"},
		{&c.lines, "cmosis", "cmosis_number_lines"},
	} {
		reg, err := c.regs.Find(r.bank, r.name)
		if err != nil {
			return nil, fmt.Errorf("camera register is missing: %w", err)
		}
		*r.reg = reg
	}

	if err := c.SetBufferSize(cfg.BufferSize); err != nil {
		return nil, err
	}

	return c, nil
}

// IsReady checks if the camera is usable.
func (c *Camera) IsReady() bool {
	return c != nil && c.regs != nil && c.dma != nil
}

// Close stops a running capture.
func (c *Camera) Close() error {
	if !c.IsReady() {
		return nil
	}

	return c.Stop(EVENT_FLAGS_DEFAULT)
}

// Started reports whether the camera is grabbing.
func (c *Camera) Started() bool {
	return c.started.Load()
}

// Session returns the identifier of the running or last capture session.
func (c *Camera) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

// Err returns the error that stopped the reader of the current or last session.
func (c *Camera) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.t != nil {
		if err := c.t.Err(); !errors.Is(err, tomb.ErrStillAlive) {
			return err
		}

		return nil
	}

	return c.err
}

// SetBufferSize sets the number of frames kept in memory. A power of two is advised.
func (c *Camera) SetBufferSize(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.Load() {
		return fmt.Errorf("can't change the buffer size while grabbing: %w", pcilib.ErrInvalidRequest)
	}

	if n < 2 {
		return fmt.Errorf("buffer size %d is too small: %w", n, pcilib.ErrInvalidRequest)
	}

	if bits.OnesCount(uint(n)) != 1 {
		c.logger.Warn("The buffer size is not a power of 2", zap.Int("size", n))
	}

	c.cfg.BufferSize = n

	return nil
}

// SetAutostop stops the reader after maxEvents frames or after d, zero disables either
// limit. It applies to the next Start.
func (c *Camera) SetAutostop(maxEvents uint64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.AutostopFrames = maxEvents
	c.cfg.AutostopDuration = d
}

// SetRawCallback installs the raw data callback for the next Start.
func (c *Camera) SetRawCallback(cb RawCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.raw = cb
}

// SetMaxThreads caps the number of preprocessing workers, zero removes the cap.
func (c *Camera) SetMaxThreads(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.MaxThreads = n
}

func (c *Camera) settle() {
	pcilib.Sleep(c.cfg.SettleTime)
}

func (c *Camera) checkStatus(fail error) error {
	value, err := c.regs.ReadRegister(c.status)
	if err != nil {
		return err
	}

	if value != EXPECTED_STATUS {
		return fmt.Errorf("unexpected value 0x%x of status register, expected 0x%x: %w", value, EXPECTED_STATUS, fail)
	}

	return nil
}

// Start begins grabbing frames. With EVENT_FLAG_RAW_DATA_ONLY the frames are passed to
// the raw data callback only.
func (c *Camera) Start(events Event, flags Flags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.Load() {
		return fmt.Errorf("camera grabbing is already started: %w", pcilib.ErrInvalidRequest)
	}

	if err := c.regs.WriteRegister(c.control, CONTROL_IDLE|CONTROL_READOUT_FLAG); err != nil {
		return err
	}
	c.settle()

	if err := c.checkStatus(pcilib.ErrInvalidData); err != nil {
		return err
	}

	height, err := c.regs.ReadRegister(c.lines)
	if err != nil {
		return err
	}
	if height == 0 || height > MAX_LINES {
		return fmt.Errorf("sensor reports %d lines: %w", height, pcilib.ErrInvalidData)
	}

	slots := make([]slot, c.cfg.BufferSize)
	for i := range slots {
		slots[i] = newSlot(NewGeometry(int(height)))
	}

	c.ringMu.Lock()
	c.geometry = NewGeometry(int(height))
	c.win = newWindow(c.cfg.BufferSize, c.cfg.Reserve)
	c.slots = slots
	c.ringMu.Unlock()

	c.engine, err = c.dma.FindEngine(dma.DMA_FROM_DEVICE, c.cfg.DMAAddress)
	if err != nil {
		_ = c.release()

		return fmt.Errorf("C2S channel of the camera DMA engine is not found: %w", err)
	}

	if err := c.dma.Start(c.engine, dma.DMA_FLAGS_DEFAULT); err != nil {
		c.engine = dma.ENGINE_INVALID
		_ = c.release()

		return fmt.Errorf("failed to start the camera DMA engine: %w", err)
	}

	if err := c.dma.Skip(c.engine); err != nil {
		_ = c.release()

		return fmt.Errorf("device continuously writes unexpected data: %w", err)
	}

	c.eventID.Store(0)
	c.preprocID.Store(0)
	c.reportedID.Store(0)
	c.parseData = flags&EVENT_FLAG_RAW_DATA_ONLY == 0

	c.autostop = autostop{frames: c.cfg.AutostopFrames}
	if c.cfg.AutostopDuration > 0 {
		c.autostop.deadline = pcilib.NewDeadline(c.cfg.AutostopDuration)
		c.autostop.timed = true
	}

	workers := 0
	if flags&EVENT_FLAG_PREPROCESS != 0 && c.parseData {
		workers = poolSize(cpuCount(), c.cfg.MaxThreads)
	}
	c.workers.Store(int32(workers))
	c.preprocessing.Store(workers > 0)

	c.session = uuid.New()
	c.err = nil
	c.t = new(tomb.Tomb)
	c.runReader.Store(true)
	c.readerRunning.Store(true)
	c.started.Store(true)

	for i := 0; i < workers; i++ {
		c.t.Go(c.preprocess)
	}
	r := c.newReader()
	c.t.Go(r.run)

	c.logger.Info("Camera grabbing started",
		zap.Stringer("session", c.session),
		zap.Uint32("lines", height),
		zap.Int("buffers", len(slots)),
		zap.Int("workers", workers))

	return nil
}

// Stop ends grabbing. With EVENT_FLAG_STOP_ONLY it only asks the reader to stop.
func (c *Camera) Stop(flags Flags) error {
	if flags&EVENT_FLAG_STOP_ONLY != 0 {
		c.runReader.Store(false)

		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started.Load() {
		return nil
	}

	c.runReader.Store(false)
	c.t.Kill(nil)
	c.err = c.t.Wait()
	c.t = nil

	if c.err != nil {
		c.logger.Error("Camera reader failed", zap.Stringer("session", c.session), zap.Error(c.err))
	}

	err := c.release()

	c.eventID.Store(0)
	c.preprocID.Store(0)
	c.reportedID.Store(0)
	c.started.Store(false)

	c.logger.Info("Camera grabbing stopped", zap.Stringer("session", c.session))

	return err
}

// release stops the DMA engine and drops the frame ring.
func (c *Camera) release() error {
	var err error
	if c.engine != dma.ENGINE_INVALID {
		err = c.dma.Stop(c.engine, dma.DMA_FLAGS_DEFAULT)
		c.engine = dma.ENGINE_INVALID
	}

	c.ringMu.Lock()
	c.slots = nil
	c.ringMu.Unlock()

	return err
}

// ring returns the frame slots of the session. They stay valid after Stop.
func (c *Camera) ring() ([]slot, window, Geometry) {
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()

	return c.slots, c.win, c.geometry
}

// Reset brings the sensor into its default state.
func (c *Camera) Reset() error {
	if err := c.regs.WriteRegister(c.control, CONTROL_RESET); err != nil {
		return fmt.Errorf("error setting FPGA reset bit: %w", err)
	}
	c.settle()

	if err := c.regs.WriteRegister(c.control, CONTROL_IDLE); err != nil {
		return fmt.Errorf("error resetting FPGA reset bit: %w", err)
	}
	c.settle()

	for _, w := range []struct {
		addr  uintptr
		value uint32
	}{
		{115, 1},
		{82, 7},
	} {
		if err := c.regs.WriteSpace("cmosis", w.addr, []uint32{w.value}); err != nil {
			return fmt.Errorf("error setting sensor configuration: %w", err)
		}
		c.settle()
	}

	if err := c.regs.WriteRegister(c.control, CONTROL_IDLE); err != nil {
		return fmt.Errorf("error bringing FPGA in default mode: %w", err)
	}
	pcilib.Sleep(RESET_SETTLE_TIME)

	return c.checkStatus(pcilib.ErrVerify)
}

// Trigger requests a frame. Requests are spaced by at least NEXT_FRAME_DELAY.
func (c *Camera) Trigger(ctx context.Context, event Event, payload []byte) error {
	if err := c.trigger.Wait(ctx); err != nil {
		return err
	}

	err := pcilib.Poll(TRIGGER_TIMEOUT, NOFRAME_SLEEP, func() bool {
		value, err := c.regs.ReadRegister(c.status3)

		return err == nil && value&STATUS3_BUSY == 0
	})
	if err != nil {
		return fmt.Errorf("sensor is busy with the previous frame: %w", err)
	}

	if err := c.regs.WriteRegister(c.control, CONTROL_FRAME_REQUEST|CONTROL_READOUT_FLAG); err != nil {
		return err
	}

	statusErr := c.checkStatus(pcilib.ErrInvalidData)

	if err := c.regs.WriteRegister(c.control, CONTROL_IDLE|CONTROL_READOUT_FLAG); err != nil {
		return err
	}

	return statusErr
}

// Status is a snapshot of the capture state.
type Status struct {
	Session    string `json:"session"`
	Started    bool   `json:"started"`
	Streaming  bool   `json:"streaming"`
	Reading    bool   `json:"reading"`
	EventID    uint64 `json:"event_id"`
	PreprocID  uint64 `json:"preproc_id"`
	ReportedID uint64 `json:"reported_id"`
	BufferSize int    `json:"buffer_size"`
	Lines      int    `json:"lines"`
	Workers    int    `json:"workers"`
	Error      string `json:"error,omitempty"`
}

// Status reports the counters of the capture.
func (c *Camera) Status() Status {
	err := c.Err()
	_, _, geo := c.ring()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Started:    c.started.Load(),
		Streaming:  c.streaming.Load(),
		Reading:    c.started.Load() && c.readerRunning.Load(),
		EventID:    c.eventID.Load(),
		PreprocID:  c.preprocID.Load(),
		ReportedID: c.reportedID.Load(),
		BufferSize: c.cfg.BufferSize,
		Lines:      geo.Lines,
		Workers:    int(c.workers.Load()),
	}
	if c.session != uuid.Nil {
		s.Session = c.session.String()
	}
	if err != nil {
		s.Error = err.Error()
	}

	return s
}
