package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
)

func newTestUART(t *testing.T) (*UART, *clock.VirtualClock, *clock.Wheel) {
	t.Helper()
	c := clock.NewVirtualClock()
	w := clock.NewWheel(c)
	fic := &fakeInterruptController{}
	irq := bus.NewIRQBus(fic)
	return NewUART(w, irq, 0x3F8, 4), c, w
}

func advanceUART(t *testing.T, c *clock.VirtualClock, w *clock.Wheel) {
	t.Helper()
	due, ok := w.NextDue()
	require.True(t, ok, "expected a pending timer")
	c.Set(due)
	w.Poll(due)
}

// TestUARTLoopbackRoundTrip exercises §8 property 3: with MCR.LOOP set, a
// byte written to THR reappears at RBR once the TX timer fires, with no
// host back-end attached at all.
func TestUARTLoopbackRoundTrip(t *testing.T) {
	u, c, w := newTestUART(t)

	u.PortOut(0x3F8+3, bus.Width8, 0x03) // LCR: 8N1
	u.PortOut(0x3F8+4, bus.Width8, 0x10) // MCR.LOOP

	u.PortOut(0x3F8, bus.Width8, 0x42) // THR <- 'B'

	advanceUART(t, c, w) // TX timer fires, delivers to loopback RX queue

	lsr := byte(u.PortIn(0x3F8+5, bus.Width8))
	assert.NotZero(t, lsr&lsrDR, "byte should have looped back into the RX path")

	got := byte(u.PortIn(0x3F8, bus.Width8))
	assert.Equal(t, byte(0x42), got)
}

// TestUARTDivisorLatchAccessToggle verifies the DLAB-gated register
// aliasing: DLL/DLM are only reachable while LCR.DLAB is set, and the LCR
// word-length bits persist across the DLAB toggle.
func TestUARTDivisorLatchAccessToggle(t *testing.T) {
	u, _, _ := newTestUART(t)

	u.PortOut(0x3F8+3, bus.Width8, 0x83) // LCR: DLAB=1, 8N1
	u.PortOut(0x3F8, bus.Width8, 0x01)   // DLL
	u.PortOut(0x3F8+1, bus.Width8, 0x00) // DLM

	u.PortOut(0x3F8+3, bus.Width8, 0x03) // LCR: DLAB=0, 8N1 unchanged

	lcr := byte(u.PortIn(0x3F8+3, bus.Width8))
	assert.Equal(t, byte(0x03), lcr, "word-length bits survive the DLAB toggle")

	// With DLAB clear, offset 0 now addresses THR/RBR, not DLL.
	u.PortOut(0x3F8, bus.Width8, 0x55)
	assert.Equal(t, byte(0x01), u.dll, "a write to offset 0 with DLAB clear leaves DLL unchanged")
}

// TestUARTFIFOTriggerLevelGatesRxDataInterrupt exercises the 16550 FIFO
// trigger-level semantics: fewer bytes than the trigger raise only the
// character-timeout indication as soon as the FIFO holds any bytes;
// reaching the trigger level raises the RX-data-available source instead.
func TestUARTFIFOTriggerLevelGatesRxDataInterrupt(t *testing.T) {
	u, _, _ := newTestUART(t)

	u.PortOut(0x3F8+4, bus.Width8, 0x10)  // MCR.LOOP
	u.PortOut(0x3F8+2, bus.Width8, 0xC1)  // FCR: enable, trigger level 14 (11b<<6)
	u.PortOut(0x3F8+1, bus.Width8, 0x01)  // IER: enable RX data available

	for i := 0; i < 4; i++ {
		u.PortOut(0x3F8, bus.Width8, 0x41)
		for u.txArmed {
			u.onTXTimer(0)
		}
	}

	iir := byte(u.PortIn(0x3F8+2, bus.Width8))
	assert.Equal(t, iirTimeout, iir&0x0F, "below trigger level: timeout indication, not RX data available")

	for i := 0; i < 14; i++ {
		u.PortOut(0x3F8, bus.Width8, 0x41)
		for u.txArmed {
			u.onTXTimer(0)
		}
	}

	iir = byte(u.PortIn(0x3F8+2, bus.Width8))
	assert.Equal(t, iirRxData, iir&0x0F, "at trigger level: RX data available takes priority")
}
