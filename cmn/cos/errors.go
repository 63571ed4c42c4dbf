package cos

import "github.com/pkg/errors"

// Sentinel errors shared by every component. Call sites add context with
// errors.Wrapf rather than formatting a new error.
var (
	// ErrFull is returned (wrapped) by a pool Submit whose Chase-Lev deque
	// push failed because the ring buffer is at capacity, a sign of a
	// mis-sized DequeCapacity. Nothing aborts on it: the cell manager's
	// batch runner runs the task inline instead.
	ErrFull = errors.New("deque full")

	// ErrNotOwner indicates a push/pop was attempted from a goroutine
	// other than the deque's declared owner.
	ErrNotOwner = errors.New("not deque owner")

	// ErrShutdown is returned by Submit after the pool has been closed.
	ErrShutdown = errors.New("pool shut down")

	// ErrMigrationTimeout indicates a pending migration exceeded its
	// wall-clock budget and was aborted.
	ErrMigrationTimeout = errors.New("migration timed out")

	// ErrAdmissionReject names an admission rejection (rate or
	// concurrency cap) for callers that wrap one into an error; the
	// admission filter itself reports rejections as a bool.
	ErrAdmissionReject = errors.New("admission rejected")

	// ErrUnknownCell indicates a lookup could not be resolved within the
	// cell it was asked of, e.g. a migration or relocation for an entity
	// that cell does not own.
	ErrUnknownCell = errors.New("unknown cell")

	// ErrMigrationRejected indicates the destination cell declined a
	// MigrationRequest.
	ErrMigrationRejected = errors.New("migration rejected by destination")
)
