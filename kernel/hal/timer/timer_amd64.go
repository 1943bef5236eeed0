// Package timer provides the monotonic tick source used by the SMP
// bring-up controller to time the INIT-SIPI-SIPI delays and AP rendezvous
// timeouts. HPET/PIT register programming is out of scope, so this package
// is backed entirely by the processor's timestamp counter, calibrated once
// against a caller-supplied reference delay.
package timer

import "github.com/ferrumos/ferrumos/kernel/cpu"

var (
	// rdtscFn is mocked by tests and automatically inlined by the
	// compiler when compiling the kernel.
	rdtscFn = cpu.Rdtsc
	pauseFn = cpu.Pause

	// tscHz holds the calibrated TSC frequency. It defaults to a
	// conservative 1GHz estimate so NowUs/DelayUs behave sanely even if
	// Calibrate is never called (delays will simply run 1GHz-relative
	// rather than wall-clock accurate).
	tscHz uint64 = 1_000_000_000
)

// Calibrate records the processor's TSC frequency in Hz, as measured by the
// caller against an external reference (e.g. a PIT one-shot). Subsequent
// NowUs/DelayUs/DelayMs calls use this value to convert TSC ticks to wall
// time.
func Calibrate(hz uint64) {
	if hz > 0 {
		tscHz = hz
	}
}

// NowUs returns a monotonically increasing microsecond counter derived from
// the TSC. It has no relation to wall-clock time unless Calibrate was called
// with an accurate frequency.
func NowUs() uint64 {
	// Split the conversion so ticks*1e6 cannot overflow uint64.
	ticks := rdtscFn()
	return ticks/tscHz*1_000_000 + ticks%tscHz*1_000_000/tscHz
}

// DelayUs busy-waits for at least the given number of microseconds.
func DelayUs(us uint64) {
	deadline := NowUs() + us
	for NowUs() < deadline {
		pauseFn()
	}
}

// DelayMs busy-waits for at least the given number of milliseconds.
func DelayMs(ms uint64) {
	DelayUs(ms * 1000)
}
