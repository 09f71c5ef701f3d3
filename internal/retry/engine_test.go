package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	records []Record
	fail    error
}

func (m *memRecorder) AppendRetryRecord(rec Record) error {
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, rec)
	return nil
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		JitterRatio:    0,
		PressureShrink: 0.5,
	}
}

func TestPolicyDelay(t *testing.T) {
	p := testPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestPolicyDelayMonotonic(t *testing.T) {
	p := testPolicy()
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestJittered(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, 4*time.Second, p.Jittered(4*time.Second), "zero ratio must not change the delay")

	p.JitterRatio = 0.5
	base := 4 * time.Second
	for i := 0; i < 200; i++ {
		d := p.Jittered(base)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestDecideRetriesUntilBudgetExhausted(t *testing.T) {
	rec := &memRecorder{}
	e := NewEngine(testPolicy(), rec)
	cause := errors.New("connection reset by peer")

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		dec, err := e.Decide("task-1", 2, attempt, cause)
		require.NoError(t, err)
		assert.True(t, dec.Retry, "attempt %d should retry", attempt)
		assert.Equal(t, ClassTransient, dec.Class)
		assert.Equal(t, wantDelays[attempt], dec.Delay)
	}

	dec, err := e.Decide("task-1", 2, 3, cause)
	require.NoError(t, err)
	assert.False(t, dec.Retry, "attempt 3 exceeds MaxAttempts=3")
	assert.Zero(t, dec.Delay)

	require.Len(t, rec.records, 4)
	last := rec.records[3]
	assert.Equal(t, "task-1", last.TaskID)
	assert.Equal(t, 2, last.StepIndex)
	assert.Equal(t, 3, last.Attempt)
	assert.False(t, last.Retry)
	assert.False(t, last.Timestamp.IsZero())
}

func TestDecideFatalNeverRetries(t *testing.T) {
	rec := &memRecorder{}
	e := NewEngine(testPolicy(), rec)

	dec, err := e.Decide("task-1", 0, 0, MarkFatal(errors.New("boom")))
	require.NoError(t, err)
	assert.False(t, dec.Retry)
	assert.Equal(t, ClassFatal, dec.Class)
	require.Len(t, rec.records, 1)
	assert.Equal(t, ClassFatal, rec.records[0].Class)
}

func TestDecideRecorderFailureSurfaces(t *testing.T) {
	rec := &memRecorder{fail: errors.New("disk full")}
	e := NewEngine(testPolicy(), rec)

	_, err := e.Decide("task-1", 0, 0, errors.New("flaky"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record retry decision")
}

func TestPressureShrinksBudget(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 4
	e := NewEngine(p, nil)

	pressured := false
	e.Pressure = func() bool { return pressured }

	assert.Equal(t, 4, e.EffectiveMaxAttempts())
	pressured = true
	assert.Equal(t, 2, e.EffectiveMaxAttempts())

	// attempt 2 is within the normal budget but outside the shrunk one
	dec, err := e.Decide("task-1", 0, 2, errors.New("flaky"))
	require.NoError(t, err)
	assert.False(t, dec.Retry)

	pressured = false
	dec, err = e.Decide("task-1", 0, 2, errors.New("flaky"))
	require.NoError(t, err)
	assert.True(t, dec.Retry)
}

func TestPressureNeverForbidsRetryOutright(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 1
	e := NewEngine(p, nil)
	e.Pressure = func() bool { return true }
	assert.Equal(t, 1, e.EffectiveMaxAttempts())
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", summarize(nil))
	assert.Equal(t, "a b c", summarize(errors.New("a\n  b\t c")))

	long := ""
	for i := 0; i < 40; i++ {
		long += "0123456789"
	}
	s := summarize(errors.New(long))
	assert.Len(t, s, 303)
	assert.Contains(t, s, "...")
}

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassTransient},
		{"canceled", context.Canceled, ClassFatal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), ClassTransient},
		{"conn refused", syscall.ECONNREFUSED, ClassTransient},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), ClassTransient},
		{"permission denied text", errors.New("mkdir /opt: permission denied"), ClassFatal},
		{"command not found", errors.New("/bin/sh: fetchx: command not found"), ClassFatal},
		{"unauthorized", errors.New("401 Unauthorized"), ClassFatal},
		{"unknown defaults transient", errors.New("something odd happened"), ClassTransient},
		{"mark fatal wins", MarkFatal(errors.New("connection reset")), ClassFatal},
		{"mark transient wins", MarkTransient(errors.New("permission denied")), ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultClassifier(tc.err))
		})
	}
}

func TestMarkPreservesMessageAndUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	m := MarkFatal(cause)
	assert.EqualError(t, m, "root cause")
	assert.ErrorIs(t, m, cause)
	assert.Nil(t, MarkFatal(nil))
	assert.Nil(t, MarkTransient(nil))
}

func TestMarkedClass(t *testing.T) {
	class, ok := MarkedClass(MarkFatal(errors.New("boom")))
	assert.True(t, ok)
	assert.Equal(t, ClassFatal, class)

	class, ok = MarkedClass(fmt.Errorf("step: %w", MarkTransient(errors.New("flaky"))))
	assert.True(t, ok)
	assert.Equal(t, ClassTransient, class)

	_, ok = MarkedClass(errors.New("plain"))
	assert.False(t, ok)
	_, ok = MarkedClass(nil)
	assert.False(t, ok)
}
