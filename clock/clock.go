// Package clock provides the device subsystem's single source of time: a
// monotonic nanosecond counter advanced only by the CPU core, and a timer
// wheel devices use to schedule their own future state changes against it.
//
// Devices never read the host wall clock, not even the RTC: devices.CMOS
// seeds a civil-time counter explicitly and advances it once per virtual
// second, so every device's observable state is a deterministic function of
// virtual time alone.
package clock

import "sync/atomic"

// VirtualClock is the emulator-internal nanosecond clock. It is decoupled
// from host wall-clock time: the CPU core advances it by instruction
// retirement cost, devices only ever read it.
type VirtualClock struct {
	nowNS atomic.Uint64
}

// NewVirtualClock returns a clock starting at t=0 (power-on).
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

// Now returns the current virtual time in nanoseconds since power-on.
func (c *VirtualClock) Now() uint64 {
	return c.nowNS.Load()
}

// NowUS returns the current virtual time in microseconds since power-on.
func (c *VirtualClock) NowUS() uint64 {
	return c.Now() / 1000
}

// Advance moves the clock forward by deltaNS, as the CPU core retires
// instructions. Devices never call this.
func (c *VirtualClock) Advance(deltaNS uint64) {
	c.nowNS.Add(deltaNS)
}

// Set forces the clock to an absolute value. Used only by tests that need
// to place the clock at a specific instant before exercising a device.
func (c *VirtualClock) Set(ns uint64) {
	c.nowNS.Store(ns)
}
