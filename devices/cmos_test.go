package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
)

func newTestCMOS(t *testing.T) (*CMOS, *clock.VirtualClock, *clock.Wheel) {
	t.Helper()
	c := clock.NewVirtualClock()
	w := clock.NewWheel(c)
	fic := &fakeInterruptController{}
	irq := bus.NewIRQBus(fic)
	return NewCMOS(w, irq, 8, 1993, 11, 30, 23, 59, 58), c, w
}

func advanceCMOS(t *testing.T, c *clock.VirtualClock, w *clock.Wheel) {
	t.Helper()
	due, ok := w.NextDue()
	require.True(t, ok, "expected a pending timer")
	c.Set(due)
	w.Poll(due)
}

// TestCMOSSecondsAdvanceAndRollover exercises the civil-time counter's
// second->minute->hour->day rollover chain in BCD mode (the power-on
// default).
func TestCMOSSecondsAdvanceAndRollover(t *testing.T) {
	c, clk, w := newTestCMOS(t)

	advanceCMOS(t, clk, w) // 23:59:58 -> 23:59:59
	advanceCMOS(t, clk, w) // -> 00:00:00, next day

	c.PortOut(CMOSPortIndex, bus.Width8, regHours)
	hour := byte(c.PortIn(CMOSPortData, bus.Width8))
	assert.Equal(t, byte(0x00), hour)

	c.PortOut(CMOSPortIndex, bus.Width8, regDayOfMonth)
	day := byte(c.PortIn(CMOSPortData, bus.Width8))
	assert.Equal(t, byte(0x01), day, "day rolled over in BCD")
}

// TestCMOSRegCClearsOnRead verifies REG_C's read-clears-flags semantics
// and that reading it lowers the IRQ line.
func TestCMOSRegCClearsOnRead(t *testing.T) {
	c, clk, w := newTestCMOS(t)
	fic := &fakeInterruptController{}
	c.irq = bus.NewIRQBus(fic)

	c.PortOut(CMOSPortIndex, bus.Width8, regB)
	c.PortOut(CMOSPortData, bus.Width8, uint32(regBHour24|regBUIE))

	advanceCMOS(t, clk, w)

	c.PortOut(CMOSPortIndex, bus.Width8, regC)
	flags := byte(c.PortIn(CMOSPortData, bus.Width8))
	assert.NotZero(t, flags&regCUF)
	assert.NotZero(t, flags&regCIRQF)
	assert.Contains(t, fic.lowered, uint8(8), "reading REG_C lowers IRQ 8")

	again := byte(c.PortIn(CMOSPortData, bus.Width8))
	assert.Zero(t, again, "REG_C cleared after the first read")
}

// TestCMOSTimeRegistersReadOnlyOutsideSetMode verifies a write to a
// time/date register is ignored unless REG_B's SET bit is asserted first.
func TestCMOSTimeRegistersReadOnlyOutsideSetMode(t *testing.T) {
	c, _, _ := newTestCMOS(t)

	c.PortOut(CMOSPortIndex, bus.Width8, regSeconds)
	c.PortOut(CMOSPortData, bus.Width8, 0x30)

	c.PortOut(CMOSPortIndex, bus.Width8, regSeconds)
	got := byte(c.PortIn(CMOSPortData, bus.Width8))
	assert.NotEqual(t, byte(0x30), got, "write to seconds without SET should be ignored")
}
