package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/retrohw/ps1devices/bus"
)

func newTestKBC(t *testing.T) (*KBC, *fakeInterruptController) {
	t.Helper()
	fic := &fakeInterruptController{}
	irq := bus.NewIRQBus(fic)
	return NewKBC(irq), fic
}

// TestKBCScancodeRaisesIRQ1AndDrainsOnRead verifies a pushed scan-code is
// visible at 0x60, sets OBF in the status register, raises IRQ1, and
// clears OBF/lowers the IRQ once read.
func TestKBCScancodeRaisesIRQ1AndDrainsOnRead(t *testing.T) {
	k, fic := newTestKBC(t)

	k.PushScancode(0x1E) // 'a' make code

	status := byte(k.PortIn(KBCStatusPort, bus.Width8))
	assert.NotZero(t, status&kbcStatusOBF)
	assert.Contains(t, fic.raised, uint8(1))

	got := byte(k.PortIn(KBCDataPort, bus.Width8))
	assert.Equal(t, byte(0x1E), got)
	assert.Contains(t, fic.lowered, uint8(1))

	status = byte(k.PortIn(KBCStatusPort, bus.Width8))
	assert.Zero(t, status&kbcStatusOBF)
}

// TestKBCSelfTestRespondsWith0x55 verifies the 0xAA self-test command
// queues the documented pass byte and sets the system-flag status bit.
func TestKBCSelfTestRespondsWith0x55(t *testing.T) {
	k, _ := newTestKBC(t)

	k.PortOut(KBCStatusPort, bus.Width8, 0xAA)
	got := byte(k.PortIn(KBCDataPort, bus.Width8))

	assert.Equal(t, byte(0x55), got)
	assert.NotZero(t, k.cfg&kbcCfgSysFlag)
}

// TestKBCWriteCommandByteRoundTrip verifies 0x60 (write command byte)
// followed by a data-port write updates the config byte, and 0x20 (read
// command byte) reads it back.
func TestKBCWriteCommandByteRoundTrip(t *testing.T) {
	k, _ := newTestKBC(t)

	k.PortOut(KBCStatusPort, bus.Width8, 0x60)
	k.PortOut(KBCDataPort, bus.Width8, uint32(kbcCfgKeyboardIRQ|kbcCfgTranslate))

	k.PortOut(KBCStatusPort, bus.Width8, 0x20)
	got := byte(k.PortIn(KBCDataPort, bus.Width8))
	assert.Equal(t, kbcCfgKeyboardIRQ|kbcCfgTranslate, got)
}

// TestKBCMouseByteRaisesIRQ12AndSetsAuxStatusBit verifies a pushed AUX
// byte is distinguished from keyboard data in the status register and
// raises IRQ12, not IRQ1.
func TestKBCMouseByteRaisesIRQ12AndSetsAuxStatusBit(t *testing.T) {
	k, fic := newTestKBC(t)

	k.PushMouseByte(0xFA)

	status := byte(k.PortIn(KBCStatusPort, bus.Width8))
	assert.NotZero(t, status&kbcStatusOBF)
	assert.NotZero(t, status&kbcStatusAuxOBF)
	assert.Contains(t, fic.raised, uint8(12))

	got := byte(k.PortIn(KBCDataPort, bus.Width8))
	assert.Equal(t, byte(0xFA), got)
	assert.Contains(t, fic.lowered, uint8(12))
}

// TestKBCDisabledKeyboardInterfaceDropsScancodes verifies 0xAD (disable
// keyboard interface) makes subsequent PushScancode calls no-ops.
func TestKBCDisabledKeyboardInterfaceDropsScancodes(t *testing.T) {
	k, _ := newTestKBC(t)

	k.PortOut(KBCStatusPort, bus.Width8, 0xAD)
	k.PushScancode(0x1E)

	status := byte(k.PortIn(KBCStatusPort, bus.Width8))
	assert.Zero(t, status&kbcStatusOBF)
}
