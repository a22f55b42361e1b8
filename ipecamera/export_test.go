package ipecamera

// SetCPUCount overrides the CPU count used to size the preprocessing pool.
func SetCPUCount(n int) (restore func()) {
	old := cpuCount
	cpuCount = func() int { return n }

	return func() { cpuCount = old }
}

var PoolSize = poolSize
