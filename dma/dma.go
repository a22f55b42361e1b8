// Package dma defines the DMA engine abstraction shared by the hardware backends.
package dma

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/internal/metrics"
)

// Direction of a DMA transfer as seen from the host.
type Direction int

const (
	DMA_TO_DEVICE     Direction = 1
	DMA_FROM_DEVICE   Direction = 2
	DMA_BIDIRECTIONAL Direction = 3
)

// String returns the direction as used in engine listings.
func (d Direction) String() string {
	switch d {
	case DMA_TO_DEVICE:
		return "S2C"
	case DMA_FROM_DEVICE:
		return "C2S"
	case DMA_BIDIRECTIONAL:
		return "BIDIR"
	default:
		return "unknown"
	}
}

// Type of the data an engine transfers.
type Type int

const (
	DMA_TYPE_BLOCK Type = iota
	DMA_TYPE_PACKET
	DMA_TYPE_UNKNOWN
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case DMA_TYPE_BLOCK:
		return "block"
	case DMA_TYPE_PACKET:
		return "packet"
	default:
		return "unknown"
	}
}

// Flags modify DMA operations.
type Flags uint32

const (
	DMA_FLAGS_DEFAULT Flags = 0
	// DMA_FLAG_EOP marks the last buffer of a packet.
	DMA_FLAG_EOP Flags = 1
	// DMA_FLAG_WAIT waits for completion of a write or for data during a read.
	DMA_FLAG_WAIT Flags = 2
	// DMA_FLAG_MULTIPACKET reads multiple packets.
	DMA_FLAG_MULTIPACKET Flags = 4
	// DMA_FLAG_PERSISTENT keeps the engine running and its buffers allocated across stop.
	DMA_FLAG_PERSISTENT Flags = 8
	// DMA_FLAG_IGNORE_ERRORS returns errors without logging them.
	DMA_FLAG_IGNORE_ERRORS Flags = 16
	// DMA_FLAG_STOP tears the engine down even if buffers are inconsistent or persistent.
	DMA_FLAG_STOP Flags = 32
)

// Action is the decision returned by a stream callback.
type Action int

const (
	// STREAMING_STOP ends the stream.
	STREAMING_STOP Action = 0
	// STREAMING_CONTINUE waits the default DMA timeout for new data.
	STREAMING_CONTINUE Action = 1
	// STREAMING_WAIT waits the caller timeout for new data.
	STREAMING_WAIT Action = 2
	// STREAMING_CHECK returns immediately if no data is ready.
	STREAMING_CHECK Action = 3
	// STREAMING_FAIL turns a timeout into an error.
	STREAMING_FAIL Action = 4
	// STREAMING_REQ_FRAGMENT waits the default timeout for the next fragment of a packet.
	STREAMING_REQ_FRAGMENT Action = STREAMING_CONTINUE | STREAMING_FAIL
	// STREAMING_REQ_PACKET waits the caller timeout for the next packet.
	STREAMING_REQ_PACKET Action = STREAMING_WAIT | STREAMING_FAIL

	STREAMING_TIMEOUT_MASK Action = 3
)

// Callback consumes one buffer of a stream. The data is only valid during the call.
type Callback func(flags Flags, data []byte) (Action, error)

// Engine is the index of an engine within its backend.
type Engine int

// ENGINE_INVALID selects no engine.
const ENGINE_INVALID Engine = -1

// EngineDescription identifies a hardware engine.
type EngineDescription struct {
	Addr      uint8
	Type      Type
	Direction Direction
	AddrBits  int
	Name      string
}

// String returns a human-readable representation of the EngineDescription.
func (e EngineDescription) String() string {
	return fmt.Sprintf("DMA %d %s (%s, %d-bit)", e.Addr, e.Direction, e.Type, e.AddrBits)
}

// EngineStatus is a snapshot of an engine ring.
type EngineStatus struct {
	Started        bool `json:"started"`
	RingSize       int  `json:"ring_size"`
	BufferSize     int  `json:"buffer_size"`
	RingHead       int  `json:"ring_head"`
	RingTail       int  `json:"ring_tail"`
	WrittenBuffers int  `json:"written_buffers"`
	WrittenBytes   int  `json:"written_bytes"`
}

// BufferStatus describes one ring slot.
type BufferStatus struct {
	Used  bool `json:"used"`
	Error bool `json:"error"`
	First bool `json:"first"`
	Last  bool `json:"last"`
	Size  int  `json:"size"`
}

// Backend drives the DMA engines of one hardware design.
type Backend interface {
	// Engines lists the engines found when the backend was created.
	Engines() []EngineDescription
	// Start allocates the engine buffers and arms the hardware. It is idempotent.
	Start(engine Engine, flags Flags) error
	// Stop disarms the engine and releases its buffers, see DMA_FLAG_PERSISTENT and DMA_FLAG_STOP.
	Stop(engine Engine, flags Flags) error
	// Status reports the ring state.
	Status(engine Engine) (EngineStatus, []BufferStatus, error)
	// Close stops all engines that were not started persistent.
	Close() error
}

// Streamer is implemented by backends able to read from the device.
type Streamer interface {
	Stream(engine Engine, addr uintptr, size int, flags Flags, timeout time.Duration, cb Callback) error
}

// Pusher is implemented by backends able to write to the device.
type Pusher interface {
	Push(engine Engine, addr uintptr, data []byte, flags Flags, timeout time.Duration) (int, error)
}

// Benchmarker is implemented by backends that can measure their throughput.
type Benchmarker interface {
	Benchmark(engine Engine, addr uintptr, size, iterations int, direction Direction) (float64, error)
}

// Config holds the tunables of the backends.
type Config struct {
	// Timeout is the default wait for data between fragments.
	Timeout time.Duration `koanf:"timeout"`
	// PageSize and RingSize of the IPE engine, used when the firmware does not report them.
	PageSize int `koanf:"page_size"`
	RingSize int `koanf:"ring_size"`
	// RegionLow and RegionHigh select a reserved memory region for the pages.
	RegionLow  uint64 `koanf:"region_low"`
	RegionHigh uint64 `koanf:"region_high"`
	// SleepGranularity is the poll sleep of real-time scheduled readers.
	SleepGranularity time.Duration `koanf:"sleep_granularity"`
	// TLPOverride forces the transfer unit size, zero negotiates it with the link.
	TLPOverride int `koanf:"tlp_override"`
	// Streaming keeps one page in reserve and recycles pages as soon as they are consumed.
	Streaming bool `koanf:"streaming"`
	// Persistent keeps the engines pcitool starts for reading running after it exits.
	Persistent bool `koanf:"persistent"`
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          pcilib.DMA_TIMEOUT,
		PageSize:         4096,
		RingSize:         16,
		SleepGranularity: 10 * time.Microsecond,
		TLPOverride:      32,
		Streaming:        true,
	}
}

// Options are passed to backend factories.
type Options struct {
	Kmem pcilib.KernelMemory
	// Bank is the DMA register bank.
	Bank *pcilib.Bank
	// Registers gives access to optional configuration registers.
	Registers    *pcilib.Registers
	Modification string
	Logger       *zap.Logger
	Metrics      *metrics.DMA
	Config       Config
}

// MODIFICATION_IPECAMERA adapts the backend to the ipecamera firmware.
const MODIFICATION_IPECAMERA = "ipecamera"

// Factory creates a backend.
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = factory
}

// Backends returns the names of the registered backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// New creates the backend registered under name.
func New(name string, opts Options) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("DMA backend %q: %w", name, pcilib.ErrNotSupported)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Kmem == nil || opts.Bank == nil {
		return nil, fmt.Errorf("DMA backend %q needs kernel memory and a register bank: %w", name, pcilib.ErrInvalidArgument)
	}

	return factory(opts)
}
