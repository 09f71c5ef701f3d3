//go:build !linux

package health

// Non-Linux platforms report neutral readings: heartbeat and failure-streak
// monitoring still work, resource pressure alerts do not fire.

func readLoadAvg() (float64, bool) { return 0, false }

func readMemoryPressure() (float64, bool) { return 0, false }

func readDiskFreeRatio(string) (float64, bool) { return 0, false }
