package dma

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/internal/metrics"
)

// DMA dispatches operations to the engines of a backend. Each engine direction is guarded
// by a lock taken without waiting, a second concurrent stream fails with ErrBusy.
type DMA struct {
	backend Backend
	engines []EngineDescription
	rlocks  []sync.Mutex
	wlocks  []sync.Mutex
	logger  *zap.Logger
	metrics *metrics.DMA
}

// Open creates the backend registered under name and wraps it.
func Open(name string, opts Options) (*DMA, error) {
	backend, err := New(name, opts)
	if err != nil {
		return nil, err
	}

	return NewDMA(backend, opts.Logger, opts.Metrics), nil
}

// NewDMA wraps an existing backend.
func NewDMA(backend Backend, logger *zap.Logger, m *metrics.DMA) *DMA {
	if logger == nil {
		logger = zap.NewNop()
	}

	engines := backend.Engines()

	return &DMA{
		backend: backend,
		engines: engines,
		rlocks:  make([]sync.Mutex, len(engines)),
		wlocks:  make([]sync.Mutex, len(engines)),
		logger:  logger,
		metrics: m,
	}
}

// IsReady checks if the DMA handle is valid.
func (d *DMA) IsReady() bool {
	return d != nil && d.backend != nil
}

// Close stops the backend.
func (d *DMA) Close() error {
	if !d.IsReady() {
		return nil
	}

	err := d.backend.Close()
	d.backend = nil

	return err
}

// Backend returns the wrapped backend.
func (d *DMA) Backend() Backend {
	return d.backend
}

// Engines lists the engines of the backend.
func (d *DMA) Engines() []EngineDescription {
	return d.engines
}

// Engine returns the description of an engine.
func (d *DMA) Engine(engine Engine) (EngineDescription, error) {
	if !d.IsReady() {
		return EngineDescription{}, pcilib.ErrNotInitialized
	}

	if engine < 0 || int(engine) >= len(d.engines) {
		return EngineDescription{}, fmt.Errorf("DMA engine %d is not supported by the device: %w", engine, pcilib.ErrNotAvailable)
	}

	return d.engines[engine], nil
}

// FindEngine returns the engine with the given address supporting every bit of direction.
func (d *DMA) FindEngine(direction Direction, addr uint8) (Engine, error) {
	if !d.IsReady() {
		return ENGINE_INVALID, pcilib.ErrNotInitialized
	}

	for i, e := range d.engines {
		if e.Addr == addr && e.Direction&direction == direction {
			return Engine(i), nil
		}
	}

	return ENGINE_INVALID, fmt.Errorf("DMA engine %d (%s): %w", addr, direction, pcilib.ErrNotFound)
}

// Start arms an engine.
func (d *DMA) Start(engine Engine, flags Flags) error {
	if _, err := d.Engine(engine); err != nil {
		return err
	}

	return d.backend.Start(engine, flags)
}

// Stop disarms an engine.
func (d *DMA) Stop(engine Engine, flags Flags) error {
	if _, err := d.Engine(engine); err != nil {
		return err
	}

	return d.backend.Stop(engine, flags)
}

// Stream runs the streaming protocol on a C2S engine.
func (d *DMA) Stream(engine Engine, addr uintptr, size int, flags Flags, timeout time.Duration, cb Callback) error {
	desc, err := d.Engine(engine)
	if err != nil {
		return err
	}

	streamer, ok := d.backend.(Streamer)
	if !ok {
		return fmt.Errorf("DMA read is not supported by the backend: %w", pcilib.ErrNotSupported)
	}

	if desc.Direction&DMA_FROM_DEVICE == 0 {
		return fmt.Errorf("DMA engine %d is S2C-only and does not support reading: %w", engine, pcilib.ErrNotSupported)
	}

	if !d.rlocks[engine].TryLock() {
		return fmt.Errorf("DMA engine %d: %w", engine, pcilib.ErrBusy)
	}
	defer d.rlocks[engine].Unlock()

	counted := func(f Flags, data []byte) (Action, error) {
		d.metrics.Read(int(engine), len(data))

		return cb(f, data)
	}

	return streamer.Stream(engine, addr, size, flags, timeout, counted)
}

// Push writes data to an S2C engine and returns the number of bytes written.
func (d *DMA) Push(engine Engine, addr uintptr, data []byte, flags Flags, timeout time.Duration) (int, error) {
	desc, err := d.Engine(engine)
	if err != nil {
		return 0, err
	}

	pusher, ok := d.backend.(Pusher)
	if !ok {
		return 0, fmt.Errorf("DMA write is not supported by the backend: %w", pcilib.ErrNotSupported)
	}

	if desc.Direction&DMA_TO_DEVICE == 0 {
		return 0, fmt.Errorf("DMA engine %d is C2S-only and does not support writes: %w", engine, pcilib.ErrNotSupported)
	}

	if !d.wlocks[engine].TryLock() {
		return 0, fmt.Errorf("DMA engine %d: %w", engine, pcilib.ErrBusy)
	}
	defer d.wlocks[engine].Unlock()

	written, err := pusher.Push(engine, addr, data, flags, timeout)
	d.metrics.Written(int(engine), written)

	return written, err
}

// Read reads one packet into buf with the default timeout and returns the bytes read.
func (d *DMA) Read(engine Engine, addr uintptr, buf []byte) (int, error) {
	return d.ReadCustom(engine, addr, buf, DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT)
}

// ReadCustom reads into buf. With DMA_FLAG_MULTIPACKET it keeps reading packets until the
// buffer is full.
func (d *DMA) ReadCustom(engine Engine, addr uintptr, buf []byte, flags Flags, timeout time.Duration) (int, error) {
	rb := &ReadBuffer{Data: buf, Flags: flags}

	err := d.Stream(engine, addr, len(buf), flags, timeout, rb.Callback)
	if err != nil && flags&DMA_FLAG_IGNORE_ERRORS == 0 && !errors.Is(err, pcilib.ErrTimeout) {
		d.logger.Error("DMA read failed", zap.Int("engine", int(engine)), zap.Error(err))
	}

	return rb.Pos, err
}

// Skip drops all data pending in the engine. It gives up with ErrTimeout if the device
// keeps producing data for DMA_SKIP_TIMEOUT.
func (d *DMA) Skip(engine Engine) error {
	return Drain(func(cb Callback) error {
		return d.Stream(engine, 0, 0, DMA_FLAGS_DEFAULT, pcilib.DMA_TIMEOUT, cb)
	})
}

// Write pushes data as a single packet and waits until the device consumed it.
func (d *DMA) Write(engine Engine, addr uintptr, data []byte) (int, error) {
	return d.Push(engine, addr, data, DMA_FLAG_EOP|DMA_FLAG_WAIT, pcilib.DMA_TIMEOUT)
}

// Benchmark measures the throughput of an engine in MB/s.
func (d *DMA) Benchmark(engine Engine, addr uintptr, size, iterations int, direction Direction) (float64, error) {
	if _, err := d.Engine(engine); err != nil {
		return 0, err
	}

	b, ok := d.backend.(Benchmarker)
	if !ok {
		return 0, fmt.Errorf("DMA benchmark is not supported by the backend: %w", pcilib.ErrNotSupported)
	}

	return b.Benchmark(engine, addr, size, iterations, direction)
}

// Status reports the ring state of an engine.
func (d *DMA) Status(engine Engine) (EngineStatus, []BufferStatus, error) {
	if _, err := d.Engine(engine); err != nil {
		return EngineStatus{}, nil, err
	}

	return d.backend.Status(engine)
}
