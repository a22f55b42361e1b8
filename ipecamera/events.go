package ipecamera

import (
	"context"
	"fmt"
	"time"

	"github.com/ipe-fpga/pcilib"
)

// EventCallback receives the frames delivered by Stream. Returning false or an error ends
// the stream.
type EventCallback func(id EventID, info EventInfo) (bool, error)

// reportLimit is the newest frame that may be reported. When the session preprocesses,
// only frames claimed by a worker are.
func (c *Camera) reportLimit() uint64 {
	if c.preprocessing.Load() {
		return c.preprocID.Load()
	}

	return c.eventID.Load()
}

// pending tells whether frames are left to report, counting the frames the live workers
// are still going to claim.
func (c *Camera) pending() bool {
	reported := c.reportedID.Load()
	if reported < c.reportLimit() {
		return true
	}

	return c.preprocessing.Load() && c.workers.Load() > 0 && reported < c.eventID.Load()
}

// report advances the reported id past the frames that left the window and returns the
// metadata of the reported frame. The caller holds reportMu.
func (c *Camera) report(slots []slot, win window) (EventID, EventInfo, bool) {
	if len(slots) == 0 {
		return 0, EventInfo{}, false
	}

	for {
		last := c.reportLimit()
		prev := c.reportedID.Load()
		if prev >= last {
			return 0, EventInfo{}, false
		}

		id := win.next(prev, last)
		c.reportedID.Store(id)

		info := slots[win.index(id)].eventInfo()
		if win.live(id, c.eventID.Load()) {
			return EventID(id), info, true
		}
	}
}

// NextEvent waits up to timeout for a frame newer than the last reported one.
// TIMEOUT_INFINITE waits forever.
func (c *Camera) NextEvent(timeout time.Duration) (EventID, EventInfo, error) {
	if !c.started.Load() {
		return 0, EventInfo{}, fmt.Errorf("camera is not grabbing: %w", pcilib.ErrInvalidRequest)
	}

	c.mu.Lock()
	parse := c.parseData
	c.mu.Unlock()

	if !parse {
		return 0, EventInfo{}, fmt.Errorf("only raw data is forwarded: %w", pcilib.ErrInvalidRequest)
	}

	c.reportMu.Lock()
	defer c.reportMu.Unlock()

	err := pcilib.Poll(timeout, NOFRAME_SLEEP, func() bool {
		return c.reportLimit() > c.reportedID.Load()
	})
	if err != nil {
		return 0, EventInfo{}, fmt.Errorf("no frame within %s: %w", timeout, err)
	}

	slots, win, _ := c.ring()

	id, info, ok := c.report(slots, win)
	if !ok {
		return 0, EventInfo{}, fmt.Errorf("capture was stopped: %w", pcilib.ErrTimeout)
	}

	return id, info, nil
}

// Stream delivers every new frame to cb in order until the reader stops and all frames
// are reported, cb declines or ctx is done. A camera not yet grabbing is started with the
// default flags and stopped on return.
func (c *Camera) Stream(ctx context.Context, cb EventCallback) error {
	if !c.started.Load() {
		if err := c.Start(EVENTS_ALL, EVENT_FLAGS_DEFAULT); err != nil {
			return err
		}

		defer func() {
			_ = c.Stop(EVENT_FLAGS_DEFAULT)
		}()
	}

	c.streaming.Store(true)
	defer c.streaming.Store(false)

	c.mu.Lock()
	parse := c.parseData
	c.mu.Unlock()

	slots, win, _ := c.ring()

	for c.readerRunning.Load() || (parse && c.pending()) {
		if parse {
			done, err := c.deliver(slots, win, cb)
			if done || err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(NOFRAME_SLEEP):
		}
	}

	return nil
}

// deliver reports the pending frames and tells whether cb asked to stop.
func (c *Camera) deliver(slots []slot, win window, cb EventCallback) (bool, error) {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()

	for {
		id, info, ok := c.report(slots, win)
		if !ok {
			return false, nil
		}

		more, err := cb(id, info)
		if err != nil || !more {
			return true, err
		}
	}
}
