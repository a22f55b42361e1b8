package ipecamera

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/ipe-fpga/pcilib"
)

// cpuCount returns the number of CPUs the process may run on.
var cpuCount = func() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil {
		if n := set.Count(); n > 0 {
			return n
		}
	}

	return runtime.NumCPU()
}

// poolSize leaves one CPU to the reader on small machines and two on larger ones.
func poolSize(cpus, maxThreads int) int {
	n := cpus
	switch {
	case cpus <= 1:
		n = 1
	case cpus <= 3:
		n = cpus - 1
	default:
		n = cpus - 2
	}

	if maxThreads > 0 && maxThreads < n {
		n = maxThreads
	}

	return n
}

// preprocess decodes frames as the reader publishes them.
func (c *Camera) preprocess() error {
	defer c.workers.Add(-1)

	slots, win, _ := c.ring()

	for {
		select {
		case <-c.t.Dying():
			return nil
		default:
		}

		id, s, ok := c.claim(slots, win)
		if !ok {
			pcilib.Sleep(NOFRAME_PREPROC_SLEEP)
			continue
		}

		c.decode(id, s, win)
		s.mu.Unlock()
	}
}

// claim picks the oldest live frame not yet taken by a worker and locks its slot.
func (c *Camera) claim(slots []slot, win window) (uint64, *slot, bool) {
	if c.preprocID.Load() == c.eventID.Load() {
		return 0, nil, false
	}

	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	last := c.eventID.Load()
	prev := c.preprocID.Load()
	if prev >= last {
		return 0, nil, false
	}

	id := win.next(prev, last)
	s := &slots[win.index(id)]
	if !s.mu.TryLock() {
		return 0, nil, false
	}

	c.preprocID.Store(id)

	return id, s, true
}

// decode reconstructs the image of frame id. The caller holds the slot exclusively.
func (c *Camera) decode(id uint64, s *slot, win window) {
	if s.imageReady.Load() || !win.live(id, c.eventID.Load()) {
		return
	}

	info := s.eventInfo()

	s.imageErr = nil
	if info.Broken() {
		s.imageErr = fmt.Errorf("frame %d is broken: %w", id, pcilib.ErrInvalidData)
	} else if err := c.decoder.Decode(s.raw[:info.RawSize], s.pixels, s.cmask); err != nil {
		s.imageErr = fmt.Errorf("decoding of frame %d failed: %w: %w", id, pcilib.ErrFailed, err)
	}

	s.imageReady.Store(true)

	if !win.live(id, c.eventID.Load()) {
		s.imageReady.Store(false)

		return
	}

	c.metrics.Decoded()
}
