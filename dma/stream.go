package dma

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ipe-fpga/pcilib"
)

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()

	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.PageSize == 0 {
		c.PageSize = def.PageSize
	}
	if c.RingSize == 0 {
		c.RingSize = def.RingSize
	}
	if c.TLPOverride < 0 {
		c.TLPOverride = 0
	}

	return c
}

// PollSleep is the sleep between hardware polls of the calling thread. Real-time
// scheduled threads only yield.
func (c Config) PollSleep() time.Duration {
	attr, err := unix.SchedGetAttr(0, 0)
	if err == nil && (attr.Policy == unix.SCHED_FIFO || attr.Policy == unix.SCHED_RR) {
		return 0
	}

	return c.SleepGranularity
}

// WaitTimeout returns how long a backend waits for the next buffer after the callback
// returned action. The first wait of a stream uses STREAMING_REQ_PACKET.
func WaitTimeout(action Action, engineTimeout, timeout time.Duration) time.Duration {
	switch action & STREAMING_TIMEOUT_MASK {
	case STREAMING_CONTINUE:
		return engineTimeout
	case STREAMING_WAIT:
		if timeout < 0 {
			return pcilib.TIMEOUT_INFINITE
		}
		if timeout > engineTimeout {
			return timeout
		}

		return engineTimeout
	default:
		return pcilib.TIMEOUT_IMMEDIATE
	}
}

// TimeoutResult is the outcome of a stream that ran out of data after action.
// Running dry is the normal end of a stream unless the callback asked to fail.
func TimeoutResult(action Action) error {
	if action&STREAMING_FAIL != 0 {
		return pcilib.ErrTimeout
	}

	return nil
}

// ReadBuffer collects stream data into a caller buffer.
type ReadBuffer struct {
	Data  []byte
	Pos   int
	Flags Flags
}

// Callback copies each buffer and decides whether the read is complete.
func (r *ReadBuffer) Callback(flags Flags, data []byte) (Action, error) {
	if r.Pos+len(data) > len(r.Data) {
		return STREAMING_STOP, fmt.Errorf("buffer of %d bytes is too small for the DMA packet, at least %d bytes are required: %w",
			len(r.Data), r.Pos+len(data), pcilib.ErrTooBig)
	}

	copy(r.Data[r.Pos:], data)
	r.Pos += len(data)

	if flags&DMA_FLAG_EOP != 0 {
		if r.Pos < len(r.Data) && r.Flags&DMA_FLAG_MULTIPACKET != 0 {
			if r.Flags&DMA_FLAG_WAIT != 0 {
				return STREAMING_WAIT, nil
			}

			return STREAMING_CONTINUE, nil
		}

		return STREAMING_STOP, nil
	}

	return STREAMING_REQ_FRAGMENT, nil
}

// SkimBuffer counts stream data without touching it.
type SkimBuffer struct {
	Size  int
	Pos   int
	Flags Flags
}

// Callback accounts each buffer the same way ReadBuffer does.
func (s *SkimBuffer) Callback(flags Flags, data []byte) (Action, error) {
	s.Pos += len(data)

	if flags&DMA_FLAG_EOP != 0 {
		if s.Pos < s.Size && s.Flags&DMA_FLAG_MULTIPACKET != 0 {
			if s.Flags&DMA_FLAG_WAIT != 0 {
				return STREAMING_WAIT, nil
			}

			return STREAMING_CONTINUE, nil
		}

		return STREAMING_STOP, nil
	}

	return STREAMING_REQ_FRAGMENT, nil
}

// skipCallback drops everything until the deadline passes.
func skipCallback(deadline pcilib.Deadline) Callback {
	return func(flags Flags, data []byte) (Action, error) {
		if deadline.Expired() {
			return STREAMING_STOP, nil
		}

		return STREAMING_REQ_PACKET, nil
	}
}

// Drain runs stream with a callback dropping every buffer until no data arrives within
// the default timeout. It fails with ErrTimeout if data keeps arriving for DMA_SKIP_TIMEOUT.
func Drain(stream func(cb Callback) error) error {
	deadline := pcilib.NewDeadline(pcilib.DMA_SKIP_TIMEOUT)
	cb := skipCallback(deadline)

	for {
		err := stream(cb)
		if err != nil && !errors.Is(err, pcilib.ErrTimeout) {
			return err
		}

		if deadline.Expired() {
			return fmt.Errorf("device keeps producing data: %w", pcilib.ErrTimeout)
		}

		if err != nil {
			return nil
		}
	}
}

// Throughput converts a transfer of size bytes repeated iterations times in elapsed
// into MB/s.
func Throughput(size, iterations int, elapsed time.Duration) float64 {
	us := elapsed.Microseconds()
	if us <= 0 {
		us = 1
	}

	return float64(size) * float64(iterations) * 1e6 / (1024 * 1024 * float64(us))
}
