package leakcheck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	testing.TB
	failed bool
}

func (r *recorder) Helper()                           {}
func (r *recorder) Errorf(format string, args ...any) { r.failed = true }

func TestCheckPassesWhenGoroutinesExit(t *testing.T) {
	rec := &recorder{TB: t}
	d := New(rec)

	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(done)
	}()

	d.Check()
	<-done
	assert.False(t, rec.failed)
}

func TestCheckReportsLeak(t *testing.T) {
	rec := &recorder{TB: t}
	d := New(rec).WithTimeout(100 * time.Millisecond)

	stop := make(chan struct{})
	go func() { <-stop }()

	d.Check()
	close(stop)
	assert.True(t, rec.failed)
}

func TestAllowGrowth(t *testing.T) {
	rec := &recorder{TB: t}
	d := New(rec).AllowGrowth(1).WithTimeout(50 * time.Millisecond)

	stop := make(chan struct{})
	go func() { <-stop }()

	d.Check()
	close(stop)
	assert.False(t, rec.failed)
}
