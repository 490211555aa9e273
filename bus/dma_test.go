package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flatMemory []byte

func (m flatMemory) ReadByte(addr uint32) byte  { return m[addr] }
func (m flatMemory) WriteByte(addr uint32, v byte) { m[addr] = v }

func TestDMAProgramAndPullByteAdvancesAddrAndCount(t *testing.T) {
	c := NewController()
	mem := make(flatMemory, 16)
	for i := range mem {
		mem[i] = byte(i)
	}
	c.Program(2, 4, 1, TransferRead, false)

	b, tc := c.PullByte(2, mem)
	assert.Equal(t, byte(4), b)
	assert.False(t, tc)
	assert.Equal(t, uint32(5), c.CurrentAddr(2))
	assert.Equal(t, uint16(0), c.CurrentCount(2))

	b, tc = c.PullByte(2, mem)
	assert.Equal(t, byte(5), b)
	assert.True(t, tc, "second byte of a 2-byte transfer asserts TC")
	assert.True(t, c.GetTC(2))
	assert.False(t, c.GetTC(2), "GetTC clears the latch")
}

func TestDMAAutoInitReloadsOnTerminalCount(t *testing.T) {
	c := NewController()
	mem := make(flatMemory, 16)
	c.Program(3, 0, 0, TransferWrite, true)

	tc := c.PushByte(3, mem, 0xAA)
	require.True(t, tc)
	assert.Equal(t, uint32(0), c.CurrentAddr(3), "auto-init reloads base address")
	assert.Equal(t, uint16(0), c.CurrentCount(3), "auto-init reloads base count")

	tc = c.PushByte(3, mem, 0xBB)
	assert.True(t, tc, "auto-init channel asserts TC again every cycle through a 1-byte block")
}

func TestDMAWithoutAutoInitDoesNotReload(t *testing.T) {
	c := NewController()
	mem := make(flatMemory, 16)
	c.Program(1, 10, 1, TransferRead, false)

	_, _ = c.PullByte(1, mem)
	_, tc := c.PullByte(1, mem)
	assert.True(t, tc)
	assert.Equal(t, uint32(12), c.CurrentAddr(1), "address keeps incrementing past TC without auto-init")
}

func TestDMAMaskGatesChannel(t *testing.T) {
	c := NewController()
	assert.True(t, c.Masked(0), "channels power on masked")
	c.SetMask(0, false)
	assert.False(t, c.Masked(0))
}

func TestDMADRQLatch(t *testing.T) {
	c := NewController()
	assert.False(t, c.DRQ(2))
	c.SetDRQ(2, true)
	assert.True(t, c.DRQ(2))
	c.SetDRQ(2, false)
	assert.False(t, c.DRQ(2))
}

func TestDMAPortProgrammingMatchesDirectProgram(t *testing.T) {
	c := NewController()
	// Channel 1: address port 0x02, count port 0x03.
	c.PortOut(0x02, Width8, 0x34)
	c.PortOut(0x02, Width8, 0x12)
	c.PortOut(0x03, Width8, 0x01)
	c.PortOut(0x03, Width8, 0x00)

	assert.Equal(t, uint32(0x1234), c.CurrentAddr(1))
	assert.Equal(t, uint16(0x0001), c.CurrentCount(1))

	lo := c.PortIn(0x02, Width8)
	hi := c.PortIn(0x02, Width8)
	assert.Equal(t, uint32(0x34), lo)
	assert.Equal(t, uint32(0x12), hi)
}

func TestDMAMasterClearResetsAllChannels(t *testing.T) {
	c := NewController()
	c.Program(0, 0x1000, 5, TransferRead, true)
	c.SetMask(0, false)

	c.PortOut(0x0D, Width8, 0)

	assert.True(t, c.Masked(0))
	assert.Equal(t, uint32(0), c.CurrentAddr(0))
	assert.Equal(t, uint16(0), c.CurrentCount(0))
}

func TestDMASingleMaskRegisterPort(t *testing.T) {
	c := NewController()
	c.SetMask(2, false)
	// select channel 2, set mask bit
	c.PortOut(0x0A, Width8, 0x02|0x04)
	assert.True(t, c.Masked(2))
	c.PortOut(0x0A, Width8, 0x02)
	assert.False(t, c.Masked(2))
}
