package health

import "runtime"

// SystemReading carries one set of machine-level health readings. Values a
// probe cannot determine are reported as neutral (zero load and memory
// pressure, full disk free ratio) so degraded probing never trips an alert
// on its own.
type SystemReading struct {
	CPULoadPerCore float64
	MemoryPressure float64
	DiskFreeRatio  float64
}

// SystemProbe reads machine-level health. The default implementation uses
// /proc and statfs on Linux and degrades to neutral readings elsewhere.
type SystemProbe interface {
	Read(path string) SystemReading
}

type systemProbe struct {
	cores int
}

// NewSystemProbe returns the platform probe. path in Read is the directory
// whose filesystem the disk reading describes, normally the state dir.
func NewSystemProbe() SystemProbe {
	cores := runtime.NumCPU()
	if cores < 1 {
		cores = 1
	}
	return &systemProbe{cores: cores}
}

func (p *systemProbe) Read(path string) SystemReading {
	reading := SystemReading{DiskFreeRatio: 1}
	if load, ok := readLoadAvg(); ok {
		reading.CPULoadPerCore = load / float64(p.cores)
	}
	if pressure, ok := readMemoryPressure(); ok {
		reading.MemoryPressure = pressure
	}
	if free, ok := readDiskFreeRatio(path); ok {
		reading.DiskFreeRatio = free
	}
	return reading
}
