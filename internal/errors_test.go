package internal

import (
	"os"
	"testing"
)

func TestAssertion(t *testing.T) {
	os.Setenv("LOCKBASE_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("LOCKBASE_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if LOCKBASE_DEBUG is not 1", false)
	})
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		err := recover()
		if err != nil && !shouldPanic {
			t.Errorf("panicked but should not have: %s", err)
		}
		if err == nil && shouldPanic {
			t.Errorf("did not panic but should have")
		}
	}()
	fn()
}
