package ipecamera

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
)

// REALTIME_PRIORITY leaves the highest SCHED_FIFO priority to the system.
const REALTIME_PRIORITY = 98

// reader reassembles frames from the DMA stream. Its fields are owned by the reader
// goroutine.
type reader struct {
	c     *Camera
	slots []slot
	win   window
	full  int
	raw   RawCallback
	auto  autostop
	parse bool

	// pos is the slot of the frame being received, frame its expected payload size.
	pos   int
	frame int
	// cur counts the bytes stored for the frame, seen all bytes received for it.
	cur  int
	seen int

	queue [][]byte
}

func (c *Camera) newReader() *reader {
	return &reader{
		c:     c,
		slots: c.slots,
		win:   c.win,
		full:  c.geometry.Full,
		raw:   c.raw,
		auto:  c.autostop,
		parse: c.parseData,
	}
}

// setRealtime moves the calling thread to the SCHED_FIFO class.
func setRealtime() error {
	return unix.SchedSetAttr(0, &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: REALTIME_PRIORITY,
	}, 0)
}

func (r *reader) run() error {
	c := r.c
	defer c.readerRunning.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := setRealtime(); err != nil {
		c.logger.Warn("Can't schedule a real-time thread, you may consider running as root", zap.Error(err))
	}

	for c.runReader.Load() {
		select {
		case <-c.t.Dying():
			return nil
		default:
		}

		err := c.dma.Stream(c.engine, 0, 0, dma.DMA_FLAG_MULTIPACKET, pcilib.DMA_TIMEOUT, r.callback)
		switch {
		case errors.Is(err, pcilib.ErrTimeout):
			if r.seen > 0 && r.finalize() {
				continue
			}

			if r.auto.expired() {
				c.runReader.Store(false)
				continue
			}

			pcilib.Sleep(NOFRAME_SLEEP)
		case err != nil:
			return fmt.Errorf("DMA error while reading camera frames: %w", err)
		case r.auto.expired():
			c.runReader.Store(false)
		}
	}

	if r.cur > 0 {
		c.logger.Error("Partially read frame after stop signal", zap.Int("size", r.cur))
	}

	return nil
}

// callback processes one DMA buffer. A buffer holding the end of one frame and the start
// of the next is split, the remainder is processed as a separate fragment.
func (r *reader) callback(flags dma.Flags, data []byte) (dma.Action, error) {
	select {
	case <-r.c.t.Dying():
		return dma.STREAMING_STOP, nil
	default:
	}

	action := dma.STREAMING_REQ_FRAGMENT

	r.queue = append(r.queue[:0], data)
	for len(r.queue) > 0 {
		buf := r.queue[0]
		r.queue = r.queue[1:]

		var (
			rest []byte
			err  error
		)
		action, rest, err = r.fragment(buf)
		if err != nil || action == dma.STREAMING_STOP {
			r.queue = r.queue[:0]

			return action, err
		}

		if rest != nil {
			r.queue = append(r.queue, rest)
		}
	}

	return action, nil
}

func (r *reader) current() *slot {
	return &r.slots[r.pos]
}

// fragment stores buf into the current frame and returns the data belonging to the next
// frame, if any.
func (r *reader) fragment(buf []byte) (dma.Action, []byte, error) {
	if r.seen == 0 {
		start := FindMagic(buf)
		if start < 0 {
			if !r.emit(0, EVENT_FLAG_RAW_DATA_ONLY, buf) {
				return dma.STREAMING_STOP, nil, nil
			}

			return dma.STREAMING_CONTINUE, nil, nil
		}

		if start > 0 {
			if !r.emit(0, EVENT_FLAG_RAW_DATA_ONLY, buf[:start]) {
				return dma.STREAMING_STOP, nil, nil
			}
			buf = buf[start:]
		}

		r.frame = NewGeometry(HeaderLines(buf)).Raw
		r.current().begin(r.c.eventID.Load() + 1)
	}

	var rest []byte
	eof := false
	chunk := buf

	if r.cur+len(buf) > r.frame {
		need := r.frame - r.cur
		if pos := nextMagic(buf, need); pos >= 0 {
			rest = buf[pos:]
			buf = buf[:pos]
			eof = true
		}
		chunk = buf[:need]
	}

	if r.parse {
		if r.cur+len(chunk) > r.full {
			return dma.STREAMING_STOP, nil, fmt.Errorf("expecting at most %d bytes of frame data, but %d are already read: %w",
				r.full, r.cur+len(chunk), pcilib.ErrTooBig)
		}

		copy(r.current().raw[r.cur:], chunk)
	}

	r.cur += len(chunk)
	r.seen += len(buf)

	if r.seen >= r.full {
		eof = true
	}

	var f Flags
	if eof {
		f = EVENT_FLAG_EOF
	}
	if !r.emit(r.c.eventID.Load()+1, f, buf) {
		return dma.STREAMING_STOP, nil, nil
	}

	if eof {
		if r.finalize() || !r.c.runReader.Load() {
			return dma.STREAMING_STOP, nil, nil
		}
	}

	return dma.STREAMING_REQ_FRAGMENT, rest, nil
}

// emit passes data to the raw data callback and reports whether the reader should go on.
func (r *reader) emit(id uint64, flags Flags, data []byte) bool {
	if r.raw == nil || len(data) == 0 {
		return true
	}

	var info EventInfo
	if id != 0 {
		info = r.current().eventInfo()
	}

	if !r.raw(EventID(id), info, flags, data) {
		r.c.runReader.Store(false)

		return false
	}

	return true
}

// finalize publishes the current frame and reports whether the reader reached autostop.
func (r *reader) finalize() bool {
	c := r.c

	broken := r.cur < r.frame
	r.current().complete(r.cur, broken)

	id := c.eventID.Add(1)
	c.metrics.Frame(id, broken)

	r.pos = int(id % r.win.size)
	r.cur = 0
	r.seen = 0
	r.current().reset()

	if (r.auto.frames != 0 && id == r.auto.frames) || r.auto.expired() {
		c.runReader.Store(false)

		return true
	}

	return false
}
