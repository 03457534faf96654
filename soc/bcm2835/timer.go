// BCM2835 SOC support
// https://github.com/f-secure-foundry/tamago
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bcm2835

// SysTimerFreq is the frequency (Hz) of the BCM2835 free-running
// timer (fixed at 1 MHz)
const SysTimerFreq = 1000000

// WatchdogPeriod is the duration, in nanoseconds, of a single PM_WDOG
// countdown tick. The watchdog's countdown (the 20-bit PM_WDOG time field)
// is clocked independently of the free-running system timer, at 2^16 Hz.
const WatchdogPeriod = uint64(1e9) / 65536

// defined in timer.s
func read_systimer() int64
