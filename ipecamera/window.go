package ipecamera

// window tells which event ids still own their ring slot. The newest span+1 frames are
// live, the remaining slots are kept in reserve for the reader.
type window struct {
	size uint64
	span uint64
}

func newWindow(size, reserve int) window {
	w := window{size: uint64(size)}
	if size-1 > reserve {
		w.span = uint64(size - 1 - reserve)
	}

	return w
}

// live reports whether the frame id is complete and not yet overwritten when last is the
// newest complete frame.
func (w window) live(id, last uint64) bool {
	return id >= 1 && id <= last && last-id <= w.span
}

// next returns the id following prev, skipping the frames that already left the window.
func (w window) next(prev, last uint64) uint64 {
	next := prev + 1
	if last > w.span && next < last-w.span {
		next = last - w.span
	}

	return next
}

// index returns the ring slot of id.
func (w window) index(id uint64) int {
	return int((id - 1) % w.size)
}
