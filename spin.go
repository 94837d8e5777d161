package fll

import (
	"time"
	_ "unsafe"
)

// enableSpin controls whether waiting in the mark phase calls
// runtime_doSpin() (PAUSE) before falling back to a short sleep.
const enableSpin = true

// delay backs off one step of a busy wait. The first steps spin on the CPU,
// later ones sleep so a descheduled reader gets a chance to run and present
// Inactive.
func delay(spins *int) {
	const yieldSleep = 50 * time.Microsecond
	if //goland:noinspection ALL
	enableSpin && runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
