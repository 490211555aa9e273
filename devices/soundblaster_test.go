package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
)

func newTestSoundBlaster(t *testing.T) (*SoundBlaster, *clock.VirtualClock, *clock.Wheel) {
	t.Helper()
	c := clock.NewVirtualClock()
	w := clock.NewWheel(c)
	fic := &fakeInterruptController{}
	irq := bus.NewIRQBus(fic)
	dma := bus.NewController()
	return NewSoundBlaster(w, irq, dma, 0x220, 5, 1), c, w
}

func advanceSB(t *testing.T, c *clock.VirtualClock, w *clock.Wheel) {
	t.Helper()
	due, ok := w.NextDue()
	require.True(t, ok, "expected a pending timer")
	c.Set(due)
	w.Poll(due)
}

// TestSoundBlasterResetYieldsAA exercises §4.7's reset sequence: writing
// 0x01 then 0x00 to the reset port arms a 50us-delayed 0xAA in the output
// FIFO, observable through the data-available and read-data ports.
func TestSoundBlasterResetYieldsAA(t *testing.T) {
	sb, c, w := newTestSoundBlaster(t)

	sb.PortOut(0x220+sbRegResetReg, bus.Width8, 0x01)
	sb.PortOut(0x220+sbRegResetReg, bus.Width8, 0x00)

	advanceSB(t, c, w)

	avail := byte(sb.PortIn(0x220+sbRegDataAvail, bus.Width8))
	assert.Equal(t, byte(0x80), avail)

	got := byte(sb.PortIn(0x220+sbRegReadData, bus.Width8))
	assert.Equal(t, byte(0xAA), got)
}

// TestSoundBlasterCopyrightString verifies the literal, NUL-terminated
// copyright string the 0xE3 command posts byte-by-byte into the FIFO.
func TestSoundBlasterCopyrightString(t *testing.T) {
	sb, _, _ := newTestSoundBlaster(t)

	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0xE3)

	var got []byte
	for i := 0; i <= len(dspCopyrightString); i++ {
		got = append(got, byte(sb.PortIn(0x220+sbRegReadData, bus.Width8)))
	}
	assert.Equal(t, dspCopyrightString, string(got[:len(dspCopyrightString)]))
	assert.Equal(t, byte(0), got[len(got)-1])
}

// TestSoundBlasterVersionResponse exercises the 0xE1 command's two-byte
// major/minor version response.
func TestSoundBlasterVersionResponse(t *testing.T) {
	sb, _, _ := newTestSoundBlaster(t)

	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0xE1)

	major := byte(sb.PortIn(0x220+sbRegReadData, bus.Width8))
	minor := byte(sb.PortIn(0x220+sbRegReadData, bus.Width8))
	assert.Equal(t, byte(0x04), major)
	assert.Equal(t, byte(0x05), minor)
}

// TestSoundBlasterDMATCStopsPlaybackAndRaisesIRQ exercises §8 property 7:
// after the programmed DMA channel reaches terminal count mid-transfer,
// the DAC drops to STOPPED and exactly one completion IRQ is observed.
func TestSoundBlasterDMATCStopsPlaybackAndRaisesIRQ(t *testing.T) {
	sb, c, w := newTestSoundBlaster(t)
	dma := bus.NewController()
	sb.dma = dma
	fic := &fakeInterruptController{}
	sb.irq = bus.NewIRQBus(fic)
	dma.Program(1, 0, 1, bus.TransferRead, false)
	dma.SetMask(1, false)

	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0x40) // Set Time Constant
	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0x80) // mid constant

	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0x14) // Single Cycle DMA DAC
	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0x00)
	sb.PortOut(0x220+sbRegWriteCmd, bus.Width8, 0x00)

	advanceSB(t, c, w) // first tick: count 1 -> 0, not yet TC
	advanceSB(t, c, w) // second tick: TC reached, channel drained

	assert.Equal(t, dacStopped, sb.dac)
	assert.Equal(t, []uint8{5}, fic.raised, "exactly one completion IRQ on line 5")
}
