package pcilib

var EnumerateDevicesIn = enumerateDevices

// ReuseState folds per-block driver flags the way AllocKernelMemory does.
func ReuseState(blocks []KmemFlag, flags KmemFlag) (KmemReuse, error) {
	t := newReuseTracker()
	for _, f := range blocks {
		t.add(f)
	}

	return t.state(flags)
}
