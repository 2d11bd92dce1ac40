package testutil

import (
	"testing"
	"time"
)

const (
	// FuzzInputCap truncates fuzz inputs; decoders reject frames far below it.
	FuzzInputCap = 64 << 10
	FuzzBudget   = 100 * time.Millisecond
)

// Bounded runs fn on data capped at FuzzInputCap and fails t if fn does
// not return within FuzzBudget.
func Bounded(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	if len(data) > FuzzInputCap {
		data = data[:FuzzInputCap]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	select {
	case <-done:
	case <-time.After(FuzzBudget):
		t.Fatalf("decoder still running after %s on %d bytes", FuzzBudget, len(data))
	}
}
