package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerCaptures(t *testing.T) {
	defer SetLogger(nil)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	Logf("count=%d", 5)
	if got != "count=5" {
		t.Errorf("expected captured log %q, got %q", "count=5", got)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	SetLogger(nil)
	defer SetLogger(func(format string, v ...interface{}) {})

	// Must not panic.
	Logf("ignored %v", struct{}{})
}
