package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemProbeReadStaysInRange(t *testing.T) {
	probe := NewSystemProbe()
	reading := probe.Read(t.TempDir())

	assert.GreaterOrEqual(t, reading.CPULoadPerCore, 0.0)
	assert.GreaterOrEqual(t, reading.MemoryPressure, 0.0)
	assert.LessOrEqual(t, reading.MemoryPressure, 1.0)
	assert.Greater(t, reading.DiskFreeRatio, 0.0)
	assert.LessOrEqual(t, reading.DiskFreeRatio, 1.0)
}

func TestSystemProbeDegradesToNeutral(t *testing.T) {
	probe := NewSystemProbe()
	reading := probe.Read("/nonexistent/path/for/statfs")

	// A failed disk probe must not look like disk pressure.
	assert.Equal(t, 1.0, reading.DiskFreeRatio)
}
