package wpool

import (
	"runtime"
	"time"

	"github.com/aistore-labs/worldcore/cmn/config"
)

// backoff implements the spin -> yield -> sleep idle escalation; pure
// spinning on an empty queue wastes cores under bursty loads. It is
// per-worker, single-goroutine state, reset whenever that worker finds
// work.
type backoff struct {
	cfg    config.Backoff
	spins  int
	yields int
}

func newBackoff(cfg config.Backoff) *backoff {
	return &backoff{cfg: cfg}
}

// Reset is called the moment a worker finds work, so the next idle spell
// starts back at pure spinning.
func (b *backoff) Reset() {
	b.spins = 0
	b.yields = 0
}

// Idle escalates: pause-spin, then Gosched yields, then a short sleep.
func (b *backoff) Idle() {
	switch {
	case b.spins < b.cfg.SpinCount:
		b.spins++
		procyield()
	case b.yields < b.cfg.YieldCount:
		b.yields++
		runtime.Gosched()
	default:
		time.Sleep(b.cfg.Sleep())
	}
}

// procyield spins briefly without yielding the OS thread, the closest Go
// gets to a pause-instruction spin without reaching for assembly.
func procyield() {
	var x int
	for i := 0; i < 30; i++ {
		x += i
	}
	runtime.KeepAlive(x)
}
