package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initPIC(t *testing.T, p *PIC) {
	t.Helper()
	// Master: ICW1, ICW2=0x08, ICW3=0x04 (slave on IRQ2), ICW4=0x01
	p.PortOut(MasterCmdPort, 0, icw1INIT|icw1IC4)
	p.PortOut(MasterDataPort, 0, 0x08)
	p.PortOut(MasterDataPort, 0, 0x04)
	p.PortOut(MasterDataPort, 0, icw4UPM)
	// Slave: ICW1, ICW2=0x70, ICW3=0x02 (cascade identity), ICW4=0x01
	p.PortOut(SlaveCmdPort, 0, icw1INIT|icw1IC4)
	p.PortOut(SlaveDataPort, 0, 0x70)
	p.PortOut(SlaveDataPort, 0, 0x02)
	p.PortOut(SlaveDataPort, 0, icw4UPM)
	// Unmask everything.
	p.PortOut(MasterDataPort, 0, 0x00)
	p.PortOut(SlaveDataPort, 0, 0x00)
}

func TestPICRaiseAndINTAReturnsVectorAndSetsISR(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(0)
	assert.True(t, p.HasPendingInterrupt())

	vec, ok := p.INTA()
	require.True(t, ok)
	assert.Equal(t, uint8(0x08), vec)
	assert.Equal(t, byte(0x01), p.master.isr)
	assert.Equal(t, byte(0x00), p.master.irr)
}

func TestPICPriorityLowestIRQWins(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(5)
	p.RaiseIRQ(1)
	p.RaiseIRQ(3)

	vec, ok := p.INTA()
	require.True(t, ok)
	assert.Equal(t, uint8(0x08+1), vec, "IRQ1 outranks IRQ3 and IRQ5")
}

func TestPICInServiceBlocksLowerPriority(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(1)
	_, ok := p.INTA()
	require.True(t, ok)

	p.RaiseIRQ(5)
	assert.False(t, p.HasPendingInterrupt(), "IRQ5 cannot preempt in-service IRQ1")

	p.RaiseIRQ(0)
	assert.True(t, p.HasPendingInterrupt(), "IRQ0 outranks in-service IRQ1 and may preempt")
}

func TestPICNonSpecificEOIClearsHighestISR(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(2)
	_, ok := p.INTA()
	require.True(t, ok)
	require.Equal(t, byte(0x04), p.master.isr)

	p.PortOut(MasterCmdPort, 0, ocw2EOI)
	assert.Equal(t, byte(0x00), p.master.isr)
}

func TestPICSpecificEOIClearsNamedLine(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(3)
	_, ok := p.INTA()
	require.True(t, ok)

	p.PortOut(MasterCmdPort, 0, uint32(ocw2EOI|ocw2SL|3))
	assert.Equal(t, byte(0x00), p.master.isr)
}

func TestPICSlaveCascadesThroughMasterIRQ2(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(8) // slave IRQ0, system IRQ8
	assert.True(t, p.HasPendingInterrupt())

	vec, ok := p.INTA()
	require.True(t, ok)
	assert.Equal(t, uint8(0x70), vec, "vector resolves to the slave's base, not the master's")
	assert.Equal(t, byte(1<<slaveCascadeLine), p.master.isr, "master ISR records the cascade line, not a direct IRQ")
}

func TestPICMaskedLineNeverAsserts(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)
	p.PortOut(MasterDataPort, 0, 0x02) // mask IRQ1

	p.RaiseIRQ(1)
	assert.False(t, p.HasPendingInterrupt())
}

func TestPICOnlyOneIntAssertedUntilINTA(t *testing.T) {
	p := NewPIC()
	var transitions int
	p.OnInterruptChange(func(asserted bool) { transitions++ })
	initPIC(t, p)

	p.RaiseIRQ(4)
	p.RaiseIRQ(4) // re-raising an already-latched edge must not re-trigger
	assert.Equal(t, 1, transitions)
}
