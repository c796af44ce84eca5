// Package leakcheck fails tests that leave goroutines running.
package leakcheck

import (
	"runtime"
	"testing"
	"time"
)

// Detector compares goroutine counts before and after a test
type Detector struct {
	t             testing.TB
	baseline      int
	allowedGrowth int
	pollInterval  time.Duration
	timeout       time.Duration
}

// New creates a detector and records the baseline count
func New(t testing.TB) *Detector {
	d := &Detector{
		t:            t,
		pollInterval: 20 * time.Millisecond,
		timeout:      2 * time.Second,
	}
	d.baseline = runtime.NumGoroutine()
	return d
}

// Verify records the baseline now and checks it when the test ends
func Verify(t testing.TB) *Detector {
	d := New(t)
	t.Cleanup(d.Check)
	return d
}

// AllowGrowth tolerates n extra goroutines, e.g. pooled HTTP connections
func (d *Detector) AllowGrowth(n int) *Detector {
	d.allowedGrowth = n
	return d
}

// WithTimeout sets how long Check waits for goroutines to exit
func (d *Detector) WithTimeout(timeout time.Duration) *Detector {
	d.timeout = timeout
	return d
}

// Check polls until the count drops back to the baseline or the timeout
// expires, then reports the leak with every goroutine stack.
func (d *Detector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.timeout)
	count := runtime.NumGoroutine()
	for count-d.baseline > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.pollInterval)
		count = runtime.NumGoroutine()
	}

	if leaked := count - d.baseline; leaked > d.allowedGrowth {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		d.t.Errorf("goroutine leak: started with %d, ended with %d (allowed growth %d)\n%s",
			d.baseline, count, d.allowedGrowth, buf[:n])
	}
}
