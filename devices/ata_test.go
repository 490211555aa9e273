package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
	"github.com/retrohw/ps1devices/storage"
)

func newTestATA(t *testing.T) (*Controller, *clock.VirtualClock, *clock.Wheel) {
	t.Helper()
	c := clock.NewVirtualClock()
	w := clock.NewWheel(c)
	fic := &fakeInterruptController{}
	irq := bus.NewIRQBus(fic)
	return NewController(w, irq, 0x1F0, 0x3F6, 14), c, w
}

func runUntilReady(t *testing.T, c *clock.VirtualClock, w *clock.Wheel) {
	t.Helper()
	due, ok := w.NextDue()
	require.True(t, ok, "expected a pending command timer")
	c.Set(due)
	w.Poll(due)
}

// TestATAIdentifyDeviceWordLayout exercises §8 S5: IDENTIFY DEVICE reports
// the drive's geometry in words 1/3/6 and its total sector count in 60/61.
func TestATAIdentifyDeviceWordLayout(t *testing.T) {
	c, clk, w := newTestATA(t)
	geom := storage.Geometry{Cylinders: 1024, Heads: 16, Sectors: 63}
	img, err := storage.OpenFlatFile(t.TempDir()+"/hd.img", geom, 512, false, true)
	require.NoError(t, err)
	c.AttachDisk(0, img, storage.Performance{RotSpeedRPM: 5400, SecXferUS: 10}, "TESTDISK", "SN0001")

	c.PortOut(0x1F6, bus.Width8, 0x00) // select master
	c.PortOut(0x1F7, bus.Width8, 0xEC) // IDENTIFY DEVICE

	runUntilReady(t, clk, w)

	status := byte(c.PortIn(0x1F7, bus.Width8))
	assert.NotZero(t, status&ataStatusDRQ)

	words := make([]uint16, 256)
	for i := range words {
		words[i] = uint16(c.PortIn(0x1F0, bus.Width16))
	}
	assert.Equal(t, uint16(1024), words[1])
	assert.Equal(t, uint16(16), words[3])
	assert.Equal(t, uint16(63), words[6])

	total := geom.TotalSectors()
	assert.Equal(t, uint16(total), words[60])
	assert.Equal(t, uint16(total>>16), words[61])
}

// TestATAPIInquiryReportsCDROM exercises §8 S6: an INQUIRY packet returns a
// 36-byte response identifying the device as a removable CD-ROM.
func TestATAPIInquiryReportsCDROM(t *testing.T) {
	c, clk, w := newTestATA(t)
	cdrom := storage.NewCdRomDrive()
	c.AttachCDROM(0, cdrom, "TESTCD", "SN0002")
	c.PortOut(0x1F6, bus.Width8, 0x00)

	c.PortOut(0x1F7, bus.Width8, 0xA0) // PACKET

	cdb := []byte{0x12, 0, 0, 0, 36, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 12; i += 2 {
		v := uint32(cdb[i]) | uint32(cdb[i+1])<<8
		c.PortOut(0x1F0, bus.Width16, v)
	}

	status := byte(c.PortIn(0x1F7, bus.Width8))
	assert.NotZero(t, status&ataStatusDRQ, "INQUIRY response staged for the PIO data read")

	resp := make([]byte, 36)
	for i := 0; i < 36; i += 2 {
		v := uint16(c.PortIn(0x1F0, bus.Width16))
		resp[i] = byte(v)
		resp[i+1] = byte(v >> 8)
	}

	assert.Equal(t, byte(0x05), resp[0], "peripheral device type: CD-ROM")
	assert.Equal(t, byte(0x80), resp[1], "RMB: removable")
}

// TestATAWriteThenReadSectorRoundTrip writes a sector via WRITE SECTOR(S)
// then reads it back via READ SECTOR(S), exercising §8's read/write
// idempotence property.
func TestATAWriteThenReadSectorRoundTrip(t *testing.T) {
	c, clk, w := newTestATA(t)
	geom := storage.Geometry{Cylinders: 16, Heads: 4, Sectors: 32}
	img, err := storage.OpenFlatFile(t.TempDir()+"/hd2.img", geom, 512, false, true)
	require.NoError(t, err)
	c.AttachDisk(0, img, storage.Performance{RotSpeedRPM: 5400, SecXferUS: 10}, "TESTDISK2", "SN3")

	c.PortOut(0x1F6, bus.Width8, 0x40) // LBA mode, master
	c.PortOut(0x1F2, bus.Width8, 1)    // sector count
	c.PortOut(0x1F3, bus.Width8, 5)    // LBA bits 0-7
	c.PortOut(0x1F4, bus.Width8, 0)
	c.PortOut(0x1F5, bus.Width8, 0)
	c.PortOut(0x1F7, bus.Width8, 0x30) // WRITE SECTOR(S)

	runUntilReady(t, clk, w)
	require.NotZero(t, byte(c.PortIn(0x1F7, bus.Width8))&ataStatusDRQ)

	for i := 0; i < 256; i++ {
		c.PortOut(0x1F0, bus.Width16, uint32(i))
	}

	c.PortOut(0x1F6, bus.Width8, 0x40)
	c.PortOut(0x1F2, bus.Width8, 1)
	c.PortOut(0x1F3, bus.Width8, 5)
	c.PortOut(0x1F4, bus.Width8, 0)
	c.PortOut(0x1F5, bus.Width8, 0)
	c.PortOut(0x1F7, bus.Width8, 0x20) // READ SECTOR(S)

	runUntilReady(t, clk, w)

	for i := 0; i < 256; i++ {
		got := uint16(c.PortIn(0x1F0, bus.Width16))
		assert.Equal(t, uint16(i), got, "word %d round-tripped through write then read", i)
	}
}
