//go:build !debug

package debug

// Assert is a no-op in release builds.
func Assert(cond bool, args ...any) {}

// Assertf is a no-op in release builds.
func Assertf(cond bool, format string, args ...any) {}

// AssertNoErr is a no-op in release builds.
func AssertNoErr(err error) {}

// AssertFunc never invokes fn in release builds, so the check's cost
// (often a map scan or an owner-thread lookup) never reaches production.
func AssertFunc(fn func() bool) {}
