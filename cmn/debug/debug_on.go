//go:build debug

package debug

import "fmt"

func init() { Enabled = true }

// Assert fails (panics, or invokes the installed handler) if cond is false.
func Assert(cond bool, args ...any) {
	if cond {
		return
	}
	fail(fmt.Sprint(args...))
}

// Assertf is the formatted variant of Assert.
func Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	fail(fmt.Sprintf(format, args...))
}

// AssertNoErr fails if err is non-nil.
func AssertNoErr(err error) {
	if err == nil {
		return
	}
	fail(err.Error())
}

// AssertFunc fails if fn() returns false; the closure is only invoked in
// debug builds, so its cost never reaches release binaries.
func AssertFunc(fn func() bool) {
	if fn() {
		return
	}
	fail("assertion failed")
}
