// Package config holds the runtime's single Config struct and validates
// it once, synchronously, at startup, so a bad knob surfaces as an error
// at construction time rather than a panic mid-tick.
package config

import (
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/aistore-labs/worldcore/cmn/cos"
)

type Backoff struct {
	SpinCount   int
	YieldCount  int
	SleepMicros int
}

type Admission struct {
	Enabled       bool
	MaxPerSource  int
	RateLimit     int
	WindowSeconds int
}

type Config struct {
	NumWorkers             int
	NumShards              int
	DequeCapacity          int
	Backoff                Backoff
	GrainSize              int
	MinEntitiesForParallel int
	Admission              Admission
	MigrationTimeoutMs     int
}

// Default returns the runtime's documented defaults.
func Default() Config {
	return Config{
		NumWorkers:    runtime.GOMAXPROCS(0),
		NumShards:     64,
		DequeCapacity: 4096,
		Backoff: Backoff{
			SpinCount:   64,
			YieldCount:  16,
			SleepMicros: 1000,
		},
		GrainSize:              300,
		MinEntitiesForParallel: 100,
		Admission: Admission{
			Enabled:       true,
			MaxPerSource:  5,
			RateLimit:     20,
			WindowSeconds: 60,
		},
		MigrationTimeoutMs: 5000,
	}
}

// Validate reports the first configuration error found, so it can be
// surfaced synchronously at process startup rather than as a later panic.
func (c Config) Validate() error {
	if c.NumWorkers < 1 {
		return errors.New("config: NumWorkers must be >= 1")
	}
	if !cos.IsPowerOfTwo(c.NumShards) {
		return errors.Errorf("config: NumShards (%d) must be a power of two", c.NumShards)
	}
	if !cos.IsPowerOfTwo(c.DequeCapacity) {
		return errors.Errorf("config: DequeCapacity (%d) must be a power of two", c.DequeCapacity)
	}
	if c.GrainSize < 1 {
		return errors.New("config: GrainSize must be >= 1")
	}
	if c.MinEntitiesForParallel < 0 {
		return errors.New("config: MinEntitiesForParallel must be >= 0")
	}
	if c.Admission.Enabled {
		if c.Admission.MaxPerSource < 1 {
			return errors.New("config: Admission.MaxPerSource must be >= 1 when enabled")
		}
		if c.Admission.RateLimit < 1 {
			return errors.New("config: Admission.RateLimit must be >= 1 when enabled")
		}
		if c.Admission.WindowSeconds < 1 {
			return errors.New("config: Admission.WindowSeconds must be >= 1 when enabled")
		}
	}
	if c.MigrationTimeoutMs < 1 {
		return errors.New("config: MigrationTimeoutMs must be >= 1")
	}
	return nil
}

// MigrationTimeout returns MigrationTimeoutMs as a time.Duration.
func (c Config) MigrationTimeout() time.Duration {
	return time.Duration(c.MigrationTimeoutMs) * time.Millisecond
}

// Window returns WindowSeconds as a time.Duration.
func (a Admission) Window() time.Duration {
	return time.Duration(a.WindowSeconds) * time.Second
}

// Sleep returns the steady-state idle sleep as a time.Duration.
func (b Backoff) Sleep() time.Duration {
	return time.Duration(b.SleepMicros) * time.Microsecond
}
