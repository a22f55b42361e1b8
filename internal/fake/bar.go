package fake

import (
	"sync"

	"github.com/ipe-fpga/pcilib"
)

// WriteHook runs after a register write has been stored.
type WriteHook func(value uint32)

// ReadHook produces the value of a register on every read.
type ReadHook func() uint32

// Bar is a register window backed by memory. Hooks let tests attach simulated hardware.
type Bar struct {
	mem []byte

	mu     sync.RWMutex
	writes map[uintptr]WriteHook
	reads  map[uintptr]ReadHook
	log    []uintptr
}

// NewBar returns a zeroed window of size bytes.
func NewBar(size uintptr) *Bar {
	return &Bar{
		mem:    make([]byte, size),
		writes: make(map[uintptr]WriteHook),
		reads:  make(map[uintptr]ReadHook),
	}
}

// Read32 loads the register at the byte offset.
func (b *Bar) Read32(offset uintptr) uint32 {
	b.mu.RLock()
	hook := b.reads[offset]
	b.mu.RUnlock()

	if hook != nil {
		return hook()
	}

	return pcilib.LoadUint32(b.mem, int(offset))
}

// Write32 stores the register at the byte offset and runs its hook.
func (b *Bar) Write32(offset uintptr, value uint32) {
	pcilib.StoreUint32(b.mem, int(offset), value)

	b.mu.Lock()
	hook := b.writes[offset]
	b.log = append(b.log, offset)
	b.mu.Unlock()

	if hook != nil {
		hook(value)
	}
}

// Size returns the length of the window in bytes.
func (b *Bar) Size() uintptr {
	return uintptr(len(b.mem))
}

// Set stores a register value without running hooks, as the hardware would.
func (b *Bar) Set(offset uintptr, value uint32) {
	pcilib.StoreUint32(b.mem, int(offset), value)
}

// Get returns the stored register value, bypassing read hooks.
func (b *Bar) Get(offset uintptr) uint32 {
	return pcilib.LoadUint32(b.mem, int(offset))
}

// OnWrite installs a hook for writes to offset.
func (b *Bar) OnWrite(offset uintptr, hook WriteHook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writes[offset] = hook
}

// OnRead installs a hook producing the value of offset.
func (b *Bar) OnRead(offset uintptr, hook ReadHook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reads[offset] = hook
}

// Writes returns how many times offset was written.
func (b *Bar) Writes(offset uintptr) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, o := range b.log {
		if o == offset {
			n++
		}
	}

	return n
}
