package devices

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
	"github.com/retrohw/ps1devices/saveio"
	"github.com/retrohw/ps1devices/storage"
)

// ATA task-file register offsets from a channel's base (§6).
const (
	ataRegData        = 0
	ataRegError       = 1 // read; Features on write
	ataRegFeatures    = 1
	ataRegSectorCount = 2
	ataRegSectorNo    = 3
	ataRegCylLow      = 4
	ataRegCylHigh     = 5
	ataRegDriveHead   = 6
	ataRegStatus      = 7 // read; Command on write
	ataRegCommand     = 7
)

// Status register bits.
const (
	ataStatusERR  byte = 0x01
	ataStatusIDX  byte = 0x02
	ataStatusCORR byte = 0x04
	ataStatusDRQ  byte = 0x08
	ataStatusDSC  byte = 0x10
	ataStatusDF   byte = 0x20
	ataStatusDRDY byte = 0x40
	ataStatusBSY  byte = 0x80
)

// Error register bits.
const (
	ataErrABRT byte = 0x04
)

// Device/Head register bits.
const (
	ataDHDrive byte = 0x10
	ataDHLBA   byte = 0x40
)

// Alternate status / device control port offset from the channel's
// control base (0x3F6/0x376, §6).
const ataRegDevControl = 0

const ataCtrlNIEN byte = 0x02
const ataCtrlSRST byte = 0x04

// ATAPI interrupt-reason bits, latched into the (repurposed) sector-count
// register during a PACKET transaction (§4.6).
const (
	atapiIntReasonCD  byte = 0x01 // 1 = command, 0 = data
	atapiIntReasonIO  byte = 0x02 // 1 = device->host
	atapiIntReasonRel byte = 0x04
)

// ATAPI sense keys (§4.6, glossary "Sense key").
const (
	senseNone            = 0x0
	senseNotReady        = 0x2
	senseIllegalRequest  = 0x5
	senseUnitAttention   = 0x6
	senseAborted         = 0xB
)

// ATAPI additional sense codes used by the handlers below.
const (
	ascInvalidCommandOpcode  = 0x20
	ascInvalidField          = 0x24
	ascLogicalBlockOOR       = 0x21
	ascMediumNotPresent      = 0x3A
	ascMediaRemovalPrevented = 0x53
	ascNotReadyToReady       = 0x28
)

type ataSense struct {
	key, asc, ascq byte
}

// driveKind distinguishes a plain ATA hard-disk slot from an ATAPI (CD-ROM)
// slot, since the two speak different command sets over the same register
// file (§4.6).
type driveKind int

const (
	kindNone driveKind = iota
	kindATA
	kindATAPI
)

// Drive is one device slot on a channel (§3 "Drive").
type Drive struct {
	kind     driveKind
	image    storage.Image
	geom     storage.Geometry
	perf     storage.Performance
	cdrom    *storage.CdRomDrive

	identify [256]uint16

	multipleSectors int
	curLBA          int64

	sense ataSense
}

// Controller is one ATA channel: shared task-file registers, two drive
// slots selected by the Drive/Head register's DRV bit, and the command
// timer that models execution latency before BSY clears (§4.6).
type Controller struct {
	mu sync.Mutex

	drives  [2]Drive
	sel     int // 0 or 1, selected via Drive/Head bit 4

	status   byte
	errReg   byte
	features byte
	sectorCount byte
	sectorNo    byte
	cylLow, cylHigh byte
	driveHead byte
	devControl byte

	buffer      [512 * 256]byte
	bufIdx      int
	bufLimit    int
	pendingLBA  int64
	pendingN    int
	pendingCmd  byte

	base, ctrlBase uint16
	irqLine        uint8

	wheel   *clock.Wheel
	cmdTmr  clock.TimerID
	irq     *bus.IRQBus
	log     *log.Logger
}

// NewController creates an ATA channel at base/ctrlBase, raising irqLine.
func NewController(wheel *clock.Wheel, irq *bus.IRQBus, base, ctrlBase uint16, irqLine uint8) *Controller {
	c := &Controller{
		base: base, ctrlBase: ctrlBase, irqLine: irqLine,
		wheel: wheel, irq: irq,
		status: ataStatusDRDY | ataStatusDSC,
		log:    log.With("component", "ata", "base", base),
	}
	c.cmdTmr = wheel.Register("ata-cmd", c.onCommandDone)
	for i := range c.drives {
		c.drives[i].multipleSectors = 1
	}
	return c
}

// AttachDisk installs a hard-disk drive (ATA, not ATAPI) in slot n (0=master, 1=slave).
func (c *Controller) AttachDisk(n int, img storage.Image, perf storage.Performance, model, serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := &c.drives[n]
	d.kind = kindATA
	d.image = img
	d.geom = img.Geometry()
	d.perf = perf
	d.multipleSectors = 16
	buildIdentifyATA(&d.identify, d.geom, model, serial)
}

// AttachCDROM installs an ATAPI CD-ROM drive in slot n.
func (c *Controller) AttachCDROM(n int, cdrom *storage.CdRomDrive, model, serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := &c.drives[n]
	d.kind = kindATAPI
	d.cdrom = cdrom
	buildIdentifyATAPI(&d.identify, model, serial)
}

// Install registers the channel's task-file and control ports.
func (c *Controller) Install(d *bus.Dispatcher, name string) error {
	if err := d.RegisterReadWrite(name, c.base, c.base+7, bus.Mask8|bus.Mask16, c); err != nil {
		return err
	}
	return d.RegisterReadWrite(name, c.ctrlBase, c.ctrlBase, bus.Mask8, &altStatusPort{c})
}

// altStatusPort adapts the 0x3F6/0x376 alternate-status/device-control
// register, which shares no offset with the main task-file block, onto a
// small satellite bus.Device.
type altStatusPort struct{ c *Controller }

func (a *altStatusPort) PortIn(port uint16, width bus.Width) uint32 {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return uint32(a.c.status) // alternate status does not clear a pending IRQ, unlike reg 7
}

func (a *altStatusPort) PortOut(port uint16, width bus.Width, value uint32) {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	a.c.devControl = byte(value)
}

func (c *Controller) drive() *Drive { return &c.drives[c.sel] }

func (c *Controller) PortIn(port uint16, width bus.Width) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := port - c.base
	switch off {
	case ataRegData:
		return uint32(c.readData(width))
	case ataRegError:
		return uint32(c.errReg)
	case ataRegSectorCount:
		return uint32(c.sectorCount)
	case ataRegSectorNo:
		return uint32(c.sectorNo)
	case ataRegCylLow:
		return uint32(c.cylLow)
	case ataRegCylHigh:
		return uint32(c.cylHigh)
	case ataRegDriveHead:
		return uint32(c.driveHead)
	case ataRegStatus:
		c.irq.Lower(c.irqLine)
		return uint32(c.status)
	}
	return 0xFF
}

func (c *Controller) PortOut(port uint16, width bus.Width, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := port - c.base
	switch off {
	case ataRegData:
		c.writeData(width, value)
	case ataRegFeatures:
		c.features = byte(value)
	case ataRegSectorCount:
		c.sectorCount = byte(value)
	case ataRegSectorNo:
		c.sectorNo = byte(value)
	case ataRegCylLow:
		c.cylLow = byte(value)
	case ataRegCylHigh:
		c.cylHigh = byte(value)
	case ataRegDriveHead:
		c.driveHead = byte(value)
		c.sel = int((value >> 4) & 0x01)
	case ataRegCommand:
		c.execute(byte(value))
	}
}

func (c *Controller) readData(width bus.Width) uint16 {
	d := c.drive()
	if d.kind == kindATAPI && c.pendingCmd == 0xA0 {
		return c.readATAPIBufferWord()
	}
	if c.bufIdx+1 < c.bufLimit {
		v := uint16(c.buffer[c.bufIdx]) | uint16(c.buffer[c.bufIdx+1])<<8
		c.bufIdx += 2
		if c.bufIdx >= c.bufLimit {
			c.completeDataIn()
		}
		return v
	}
	return 0xFFFF
}

func (c *Controller) writeData(width bus.Width, value uint32) {
	d := c.drive()
	if d.kind == kindATAPI && c.pendingCmd == 0xA0 && c.bufLimit == 12 {
		c.buffer[c.bufIdx] = byte(value)
		c.buffer[c.bufIdx+1] = byte(value >> 8)
		c.bufIdx += 2
		if c.bufIdx >= 12 {
			c.dispatchATAPIPacket()
		}
		return
	}
	if c.bufIdx+1 < len(c.buffer) && c.bufIdx < c.bufLimit {
		c.buffer[c.bufIdx] = byte(value)
		c.buffer[c.bufIdx+1] = byte(value >> 8)
		c.bufIdx += 2
		if c.bufIdx >= c.bufLimit {
			c.completeDataOut()
		}
	}
}

// execute latches BSY and schedules command_timer, per §4.6's execution
// model: "writing to the command register latches BSY and schedules
// command_timer after a device-specific duration."
func (c *Controller) execute(cmd byte) {
	d := c.drive()
	c.status = (c.status &^ (ataStatusDRQ | ataStatusERR)) | ataStatusBSY
	c.errReg = 0
	c.pendingCmd = cmd

	// EXT opcodes are accepted but addressed identically to their 28-bit
	// counterparts: 48-bit LBA's HOB latch is not modeled (documented
	// simplification, see DESIGN.md).
	durationUS := 100.0
	switch cmd {
	case 0xEC, 0xA1: // IDENTIFY DEVICE / IDENTIFY PACKET DEVICE
		c.wheel.ActivateAfter(c.cmdTmr, uint64(durationUS*1000), 0)
	case 0x91: // INITIALIZE DRIVE PARAMETERS
		c.wheel.ActivateAfter(c.cmdTmr, uint64(durationUS*1000), 0)
	case 0x20, 0x21, 0xC4, 0x24, 0x29: // READ SECTOR(S) / READ MULTIPLE (+ EXT)
		c.beginReadWrite(false, cmd == 0xC4 || cmd == 0x29)
	case 0x30, 0x31, 0xC5, 0x34, 0x39: // WRITE SECTOR(S) / WRITE MULTIPLE (+ EXT)
		c.beginReadWrite(true, cmd == 0xC5 || cmd == 0x39)
	case 0xC6: // SET MULTIPLE MODE
		if c.sectorCount > 0 {
			d.multipleSectors = int(c.sectorCount)
		}
		c.finishImmediate()
	case 0xEF: // SET FEATURES: acknowledged, parameters not modeled beyond ack
		c.finishImmediate()
	case 0x40, 0x41, 0x42: // READ VERIFY SECTOR(S) (+ EXT / no-retry)
		c.finishImmediate()
	case 0x70: // SEEK
		c.wheel.ActivateAfter(c.cmdTmr, uint64(c.seekTimeUS(d)*1000), 0)
	case 0x90: // EXECUTE DEVICE DIAGNOSTIC
		c.errReg = 0x01
		c.finishImmediate()
	case 0xF8, 0x27: // READ NATIVE MAX ADDRESS (+ EXT)
		c.reportMaxAddress(d, cmd == 0x27)
		c.finishImmediate()
	case 0xE5: // CHECK POWER MODE
		c.sectorCount = 0xFF // active/idle
		c.finishImmediate()
	case 0xA0: // PACKET
		c.bufIdx = 0
		c.bufLimit = 12
		c.status = ataStatusDRQ | ataStatusDRDY
		c.sectorCount = atapiIntReasonCD
	default:
		c.abort()
	}
}

func (c *Controller) beginReadWrite(write bool, multiple bool) {
	d := c.drive()
	if d.kind != kindATA || d.image == nil {
		c.abort()
		return
	}
	lba, n := c.decodeLBACount()
	c.pendingLBA = lba
	c.pendingN = n
	count := n
	if multiple {
		if count > d.multipleSectors {
			count = d.multipleSectors
		}
	} else {
		count = 1
	}
	c.bufLimit = count * 512
	c.bufIdx = 0
	if write {
		c.status = ataStatusDRQ | ataStatusBSY | ataStatusDRDY
		c.wheel.ActivateAfter(c.cmdTmr, uint64(c.accessTimeUS(d, lba, count)*1000), 0)
	} else {
		for i := 0; i < count; i++ {
			d.image.ReadSector(lba+int64(i), c.buffer[i*512:i*512+512])
		}
		c.wheel.ActivateAfter(c.cmdTmr, uint64(c.accessTimeUS(d, lba, count)*1000), 0)
	}
}

func (c *Controller) decodeLBACount() (int64, int) {
	var lba int64
	var n int
	if c.driveHead&ataDHLBA != 0 {
		lba = int64(c.sectorNo) | int64(c.cylLow)<<8 | int64(c.cylHigh)<<16 | int64(c.driveHead&0x0F)<<24
	} else {
		d := c.drive()
		lba = d.geom.CHSToLBA(int(c.cylLow)|int(c.cylHigh)<<8, int(c.driveHead&0x0F), int(c.sectorNo))
	}
	n = int(c.sectorCount)
	if n == 0 {
		n = 256
	}
	return lba, n
}

// seekTimeUS and accessTimeUS implement §4.6's rotational/seek timing
// model: seek + rotational latency + transfer, consulting a simulated
// look-ahead cache window that is not modeled here beyond always charging
// full latency (documented simplification, see DESIGN.md).
func (c *Controller) seekTimeUS(d *Drive) float64 {
	return d.perf.SeekMoveTimeUS(int(d.curLBA/1000), int(c.pendingLBA/1000))
}

func (c *Controller) accessTimeUS(d *Drive, lba int64, count int) float64 {
	seek := d.perf.SeekMoveTimeUS(int(d.curLBA/1000), int(lba/1000))
	rot := d.perf.RotationalLatencyUS(0, 0, d.geom.Sectors)
	xfer := d.perf.SecXferUS * float64(count)
	d.curLBA = lba + int64(count)
	return seek + rot + xfer
}

func (c *Controller) finishImmediate() {
	c.wheel.ActivateAfter(c.cmdTmr, 1000, 0)
}

func (c *Controller) abort() {
	c.status = ataStatusDRDY | ataStatusERR
	c.errReg = ataErrABRT
	c.wheel.ActivateAfter(c.cmdTmr, 1000, 0)
}

func (c *Controller) onCommandDone(nowNS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.drive()
	c.status &^= ataStatusBSY
	switch c.pendingCmd {
	case 0xEC:
		copyIdentify(&c.buffer, &d.identify)
		c.bufIdx, c.bufLimit = 0, 512
		c.status = ataStatusDRQ | ataStatusDRDY | ataStatusDSC
	case 0xA1:
		copyIdentify(&c.buffer, &d.identify)
		c.bufIdx, c.bufLimit = 0, 512
		c.status = ataStatusDRQ | ataStatusDRDY | ataStatusDSC
	case 0x20, 0x21, 0xC4, 0x24, 0x29:
		c.status = ataStatusDRQ | ataStatusDRDY | ataStatusDSC
	case 0x30, 0x31, 0xC5, 0x34, 0x39:
		if c.bufIdx == 0 {
			// write already pending data phase; host now fills buffer
			c.status = ataStatusDRQ | ataStatusDRDY | ataStatusDSC
			c.raiseAndReturn()
			return
		}
	default:
		c.status = ataStatusDRDY | ataStatusDSC
	}
	c.raiseAndReturn()
}

func (c *Controller) raiseAndReturn() {
	if c.devControl&ataCtrlNIEN == 0 {
		c.irq.Raise(c.irqLine)
	}
}

// completeDataIn fires when the host has consumed the whole read buffer
// for a READ SECTORS/READ MULTIPLE command: §4.6 "READ MULTIPLE semantics"
// — re-arm for the next block if more sectors remain.
func (c *Controller) completeDataIn() {
	d := c.drive()
	done := c.bufLimit / 512
	c.pendingLBA += int64(done)
	c.pendingN -= done
	c.status &^= ataStatusDRQ
	if c.pendingN <= 0 {
		return
	}
	count := c.pendingN
	if count > d.multipleSectors {
		count = d.multipleSectors
	}
	for i := 0; i < count; i++ {
		d.image.ReadSector(c.pendingLBA+int64(i), c.buffer[i*512:i*512+512])
	}
	c.bufIdx, c.bufLimit = 0, count*512
	c.status = ataStatusBSY
	c.wheel.ActivateAfter(c.cmdTmr, uint64(c.accessTimeUS(d, c.pendingLBA, count)*1000), 0)
	c.pendingCmd = 0x20 // re-enter the read path on the re-arm timer
}

func (c *Controller) completeDataOut() {
	d := c.drive()
	count := c.bufLimit / 512
	for i := 0; i < count; i++ {
		d.image.WriteSector(c.pendingLBA+int64(i), c.buffer[i*512:i*512+512])
	}
	c.pendingLBA += int64(count)
	c.pendingN -= count
	c.status &^= ataStatusDRQ
	if c.pendingN > 0 {
		next := c.pendingN
		if next > d.multipleSectors {
			next = d.multipleSectors
		}
		c.bufIdx, c.bufLimit = 0, next*512
		c.status |= ataStatusDRQ
		return
	}
	c.raiseAndReturn()
}

func (c *Controller) reportMaxAddress(d *Drive, ext bool) {
	max := d.geom.TotalSectors() - 1
	c.sectorNo = byte(max)
	c.cylLow = byte(max >> 8)
	c.cylHigh = byte(max >> 16)
	c.driveHead = (c.driveHead &^ 0x0F) | byte(max>>24)&0x0F
}

// --- ATAPI packet layer (§4.6) -----------------------------------------

func (c *Controller) readATAPIBufferWord() uint16 {
	if c.bufIdx+1 >= c.bufLimit {
		c.status &^= ataStatusDRQ
		c.raiseAndReturn()
		return 0xFFFF
	}
	v := uint16(c.buffer[c.bufIdx]) | uint16(c.buffer[c.bufIdx+1])<<8
	c.bufIdx += 2
	if c.bufIdx >= c.bufLimit {
		c.status &^= ataStatusDRQ
		c.raiseAndReturn()
	}
	return v
}

func (c *Controller) dispatchATAPIPacket() {
	d := c.drive()
	cdb := append([]byte(nil), c.buffer[:12]...)
	c.pendingCmd = 0xA0
	fn, ok := atapiCommands[cdb[0]]
	if !ok {
		c.atapiAbort(d, senseIllegalRequest, ascInvalidCommandOpcode)
		return
	}
	fn(c, d, cdb)
}

func (c *Controller) atapiAbort(d *Drive, key, asc byte) {
	d.sense = ataSense{key: key, asc: asc}
	c.status = ataStatusDRDY | ataStatusERR
	c.errReg = key << 4
	c.sectorCount = atapiIntReasonCD | atapiIntReasonIO
	c.bufIdx, c.bufLimit = 0, 0
	c.raiseAndReturn()
}

// atapiReply stages resp into the data buffer and opens a single DRQ
// window for it. A response longer than the host's requested byte_count is
// truncated to byte_count; the remaining bytes are not delivered in further
// DRQ rounds.
func (c *Controller) atapiReply(resp []byte) {
	want := int(c.cylLow) | int(c.cylHigh)<<8
	if want == 0 || want > len(resp) {
		want = len(resp)
	}
	n := copy(c.buffer[:], resp[:want])
	c.cylLow = byte(n)
	c.cylHigh = byte(n >> 8)
	c.bufIdx, c.bufLimit = 0, n
	c.sectorCount = atapiIntReasonIO
	c.status = ataStatusDRQ | ataStatusDRDY
	c.raiseAndReturn()
}

func (c *Controller) atapiGood(d *Drive) {
	d.sense = ataSense{}
	c.sectorCount = atapiIntReasonCD | atapiIntReasonIO
	c.status = ataStatusDRDY
	c.bufIdx, c.bufLimit = 0, 0
	c.raiseAndReturn()
}

type atapiHandler func(c *Controller, d *Drive, cdb []byte)

var atapiCommands map[byte]atapiHandler

func init() {
	atapiCommands = map[byte]atapiHandler{
		0x00: atapiTestUnitReady,
		0x03: atapiRequestSense,
		0x12: atapiInquiry,
		0x1A: atapiModeSense,
		0x5A: atapiModeSense,
		0x15: atapiModeSelect,
		0x55: atapiModeSelect,
		0x1B: atapiStartStopUnit,
		0x1E: atapiPreventAllow,
		0x25: atapiReadCapacity,
		0x28: atapiRead,
		0xA8: atapiRead,
		0x2B: atapiSeek,
		0x42: atapiReadSubChannel,
		0x43: atapiReadTOC,
		0x45: atapiPlayAudio,
		0x47: atapiPlayAudioMSF,
		0x4A: atapiGetEventStatusNotification,
		0x4B: atapiPauseResume,
		0x4E: atapiStop,
		0x51: atapiReadDiscInfo,
	}
}

func atapiCheckReady(c *Controller, d *Drive) bool {
	if d.cdrom == nil || d.cdrom.DiscState() == storage.DiscAbsent {
		c.atapiAbort(d, senseNotReady, ascMediumNotPresent)
		return false
	}
	if d.cdrom.DiscState() == storage.DiscChanged {
		c.atapiAbort(d, senseUnitAttention, ascNotReadyToReady)
		d.cdrom.AcknowledgeMediaChanged()
		return false
	}
	return true
}

func atapiTestUnitReady(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	c.atapiGood(d)
}

// atapiRequestSense returns the 18-byte fixed-format sense response and
// clears the latched condition (§4.6 "ATAPI sense model").
func atapiRequestSense(c *Controller, d *Drive, cdb []byte) {
	resp := make([]byte, 18)
	resp[0] = 0x70
	resp[2] = d.sense.key
	resp[7] = 10
	resp[12] = d.sense.asc
	resp[13] = d.sense.ascq
	c.atapiReply(resp)
	d.sense = ataSense{}
}

// atapiInquiry returns the 36-byte standard INQUIRY response identifying
// the device as a removable CD-ROM (§8 S6).
func atapiInquiry(c *Controller, d *Drive, cdb []byte) {
	resp := make([]byte, 36)
	resp[0] = 0x05 // peripheral device type: CD-ROM
	resp[1] = 0x80 // RMB=1: removable
	resp[2] = 0x02 // ANSI version
	resp[3] = 0x02
	resp[4] = 31 // additional length
	copy(resp[8:16], []byte("PS1DEV  "))
	copy(resp[16:32], []byte("VIRTUAL CD-ROM DRIVE"))
	copy(resp[32:36], []byte("1.0 "))
	c.atapiReply(resp)
}

func atapiModeSense(c *Controller, d *Drive, cdb []byte) {
	page := cdb[2] & 0x3F
	header := []byte{0, 0, 0x80, 0} // byte 2: media type, byte3: block descriptor length
	var pageData []byte
	switch page {
	case 0x01: // error recovery
		pageData = make([]byte, 8)
		pageData[0] = 0x01
		pageData[1] = 6
	case 0x0D: // CD-ROM parameters
		pageData = make([]byte, 8)
		pageData[0] = 0x0D
		pageData[1] = 6
	case 0x0E: // CD audio control
		pageData = make([]byte, 16)
		pageData[0] = 0x0E
		pageData[1] = 14
	case 0x2A: // capabilities
		pageData = make([]byte, 20)
		pageData[0] = 0x2A
		pageData[1] = 18
	default:
		pageData = make([]byte, 8)
	}
	resp := append(header, pageData...)
	resp[0] = byte(len(resp) - 1)
	c.atapiReply(resp)
}

func atapiStartStopUnit(c *Controller, d *Drive, cdb []byte) {
	start := cdb[4]&0x01 != 0
	if !start && d.cdrom != nil {
		d.cdrom.Stop()
	}
	c.atapiGood(d)
}

func atapiPreventAllow(c *Controller, d *Drive, cdb []byte) {
	c.atapiGood(d)
}

func atapiReadCapacity(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	last := int64(0)
	if toc := d.cdrom.TOC(); len(toc) > 0 {
		last = toc[len(toc)-1].LBA - 1
	}
	resp := make([]byte, 8)
	resp[0], resp[1], resp[2], resp[3] = byte(last>>24), byte(last>>16), byte(last>>8), byte(last)
	resp[4], resp[5], resp[6], resp[7] = 0, 0, 0x08, 0x00 // 2048-byte blocks
	c.atapiReply(resp)
}

func atapiRead(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	var lba int64
	var count int
	if cdb[0] == 0x28 {
		lba = int64(cdb[2])<<24 | int64(cdb[3])<<16 | int64(cdb[4])<<8 | int64(cdb[5])
		count = int(cdb[7])<<8 | int(cdb[8])
	} else {
		lba = int64(cdb[2])<<24 | int64(cdb[3])<<16 | int64(cdb[4])<<8 | int64(cdb[5])
		count = int(cdb[6])<<24 | int(cdb[7])<<16 | int(cdb[8])<<8 | int(cdb[9])
	}
	if count == 0 {
		c.atapiGood(d)
		return
	}
	resp := make([]byte, count*2048)
	if d.image != nil {
		for i := 0; i < count; i++ {
			d.image.ReadSector(lba+int64(i), resp[i*2048:i*2048+2048])
		}
	}
	c.atapiReply(resp)
}

func atapiSeek(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	c.atapiGood(d)
}

// atapiReadTOC implements format 0 (§6 "ATAPI READ TOC formats").
func atapiReadTOC(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	msf := cdb[1]&0x02 != 0
	toc := d.cdrom.TOC()
	resp := make([]byte, 4)
	for _, e := range toc {
		entry := make([]byte, 8)
		entry[1] = e.Adr<<4 | e.Control
		entry[2] = byte(e.Track)
		if msf {
			m, s, f := lbaToMSF(e.LBA)
			entry[5], entry[6], entry[7] = m, s, f
		} else {
			entry[4], entry[5], entry[6], entry[7] = byte(e.LBA>>24), byte(e.LBA>>16), byte(e.LBA>>8), byte(e.LBA)
		}
		resp = append(resp, entry...)
	}
	totalLen := len(resp) - 2
	resp[0], resp[1] = byte(totalLen>>8), byte(totalLen)
	if len(toc) > 0 {
		resp[2] = byte(toc[0].Track)
		resp[3] = byte(toc[len(toc)-1].Track)
	}
	c.atapiReply(resp)
}

func lbaToMSF(lba int64) (m, s, f byte) {
	lba += 150 // 2-second lead-in, per Red Book addressing
	m = byte(lba / (60 * 75))
	s = byte((lba / 75) % 60)
	f = byte(lba % 75)
	return
}

func atapiPlayAudio(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	start := int64(cdb[2])<<24 | int64(cdb[3])<<16 | int64(cdb[4])<<8 | int64(cdb[5])
	count := int64(cdb[7])<<8 | int64(cdb[8])
	d.cdrom.PlayAudio(start, start+count)
	c.atapiGood(d)
}

func atapiPauseResume(c *Controller, d *Drive, cdb []byte) {
	if cdb[8]&0x01 != 0 {
		d.cdrom.Resume()
	} else {
		d.cdrom.Pause()
	}
	c.atapiGood(d)
}

func atapiStop(c *Controller, d *Drive, cdb []byte) {
	if d.cdrom != nil {
		d.cdrom.Stop()
	}
	c.atapiGood(d)
}

// atapiModeSelect accepts the MODE SELECT(6|10) parameter list and
// acknowledges it; no mode page actually changes device behaviour, the
// same fixed-response level of fidelity as atapiModeSense's pages.
func atapiModeSelect(c *Controller, d *Drive, cdb []byte) {
	c.atapiGood(d)
}

// atapiReadSubChannel returns a minimal CURRENT POSITION (format 1)
// sub-channel response built from the audio player's live state (§4.6
// "CD audio").
func atapiReadSubChannel(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	msf := cdb[1]&0x02 != 0
	audioStatus := byte(0x13) // no audio status / completed, default
	switch d.cdrom.State() {
	case storage.AudioPlaying:
		audioStatus = 0x11
	case storage.AudioPaused:
		audioStatus = 0x12
	}
	resp := make([]byte, 16)
	resp[1] = audioStatus
	resp[3] = 12 // sub-channel data length
	resp[5] = 1  // sub-channel data format: CURRENT POSITION
	resp[6] = 1  // track number (unknown exact track; reported as 1)
	lba := d.cdrom.CurrentLBA()
	if msf {
		m, s, f := lbaToMSF(lba)
		resp[9], resp[10], resp[11] = m, s, f
	} else {
		resp[8], resp[9], resp[10], resp[11] = byte(lba>>24), byte(lba>>16), byte(lba>>8), byte(lba)
	}
	c.atapiReply(resp)
}

// msfToLBA is the inverse of lbaToMSF.
func msfToLBA(m, s, f byte) int64 {
	return int64(m)*60*75 + int64(s)*75 + int64(f) - 150
}

// atapiPlayAudioMSF implements PLAY AUDIO MSF (0x47): cdb[3:6] is the
// starting M:S:F, cdb[6:9] the ending M:S:F (§4.6 "PLAY AUDIO (LBA|MSF)").
func atapiPlayAudioMSF(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	start := msfToLBA(cdb[3], cdb[4], cdb[5])
	end := msfToLBA(cdb[6], cdb[7], cdb[8])
	d.cdrom.PlayAudio(start, end)
	c.atapiGood(d)
}

// atapiGetEventStatusNotification only handles request == (1<<4) (MEDIA
// class); all other classes return an empty event, matching the only
// behaviour this device set documents for the command.
func atapiGetEventStatusNotification(c *Controller, d *Drive, cdb []byte) {
	const mediaClass = 1 << 4
	request := cdb[4]
	resp := make([]byte, 4)
	if request != mediaClass {
		resp[0], resp[1] = 0, 2 // event descriptor length
		c.atapiReply(resp)
		return
	}
	resp = append(resp, 0, 0, 0, 0)
	resp[0], resp[1] = 0, 6
	resp[2] = mediaClass
	resp[3] = mediaClass // NEA not set, supported event class = media
	present := byte(0)
	if d.cdrom != nil && d.cdrom.DiscState() != storage.DiscAbsent {
		present = 0x02
	}
	resp[5] = present
	c.atapiReply(resp)
}

// atapiReadDiscInfo returns a minimal disc information block (§4.6
// "READ DISC INFO"): disc status and the first/last track numbers off
// the loaded TOC.
func atapiReadDiscInfo(c *Controller, d *Drive, cdb []byte) {
	if !atapiCheckReady(c, d) {
		return
	}
	resp := make([]byte, 34)
	resp[1] = 32
	resp[2] = 0x0E // disc status: complete session, finalized
	toc := d.cdrom.TOC()
	if len(toc) > 0 {
		resp[3] = byte(toc[0].Track)
		resp[4] = byte(len(toc))
		resp[6] = byte(toc[len(toc)-1].Track)
	}
	c.atapiReply(resp)
}

// --- IDENTIFY word tables (§6) ------------------------------------------

func buildIdentifyATA(words *[256]uint16, geom storage.Geometry, model, serial string) {
	words[0] = 0x0040 // fixed, non-removable ATA device
	words[1] = uint16(geom.Cylinders)
	words[3] = uint16(geom.Heads)
	words[6] = uint16(geom.Sectors)
	putIdentifyString(words[10:20], serial)
	putIdentifyString(words[23:27], "1.0")
	putIdentifyString(words[27:47], model)
	words[47] = 16 // max sectors per READ/WRITE MULTIPLE
	words[49] = 0x0200 // LBA supported
	words[53] = 0x0007
	words[54] = uint16(geom.Cylinders)
	words[55] = uint16(geom.Heads)
	words[56] = uint16(geom.Sectors)
	total := geom.TotalSectors()
	words[57], words[58] = uint16(total), uint16(total>>16)
	words[60], words[61] = uint16(total), uint16(total>>16)
	words[100], words[101] = uint16(total), uint16(total>>16)
	words[102], words[103] = uint16(total>>32), uint16(total>>48)
}

func buildIdentifyATAPI(words *[256]uint16, model, serial string) {
	words[0] = 0x8580 // ATAPI, CD-ROM, removable, 12-byte packet
	putIdentifyString(words[10:20], serial)
	putIdentifyString(words[23:27], "1.0")
	putIdentifyString(words[27:47], model)
	words[49] = 0x0200
	words[53] = 0x0006
	words[73] = 0x0019 // ATAPI revision
	words[74] = 0x0019
}

// putIdentifyString writes s byte-swapped per word into dst, the IDENTIFY
// string convention (high byte of each word comes first in the string).
func putIdentifyString(dst []uint16, s string) {
	b := make([]byte, len(dst)*2)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := range dst {
		dst[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
}

func copyIdentify(buf *[512 * 256]byte, words *[256]uint16) {
	for i, w := range words {
		buf[i*2] = byte(w)
		buf[i*2+1] = byte(w >> 8)
	}
}

// driveState is Drive's gob-serializable mirror (§6 "Persisted state").
// The backing storage.Image/storage.CdRomDrive are non-serialisable
// resources — file handles — rebound by the caller's AttachDisk/
// AttachCDROM rather than by Controller itself, the same division of
// responsibility as UART's host back-end and SetHost.
type driveState struct {
	Kind            driveKind
	Geom            storage.Geometry
	Perf            storage.Performance
	Identify        [256]uint16
	MultipleSectors int
	CurLBA          int64
	Sense           ataSense
}

// ControllerState is the serializable snapshot of one ATA channel's
// task-file registers, both drive slots, and the data buffer in flight.
type ControllerState struct {
	Drives                          [2]driveState
	Sel                             int
	Status, ErrReg, Features        byte
	SectorCount, SectorNo           byte
	CylLow, CylHigh                 byte
	DriveHead, DevControl           byte
	Buffer                          []byte
	BufIdx, BufLimit                int
	PendingLBA                      int64
	PendingN                        int
	PendingCmd                      byte
}

// SaveState writes the channel's task-file registers, both drive slots'
// identify/position state, and the in-flight data buffer (§6 "Persisted
// state"). storage.Image/storage.CdRomDrive handles are excluded; the
// caller re-attaches them via AttachDisk/AttachCDROM.
func (c *Controller) SaveState(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state ControllerState
	for i := range c.drives {
		d := &c.drives[i]
		state.Drives[i] = driveState{
			Kind: d.kind, Geom: d.geom, Perf: d.perf, Identify: d.identify,
			MultipleSectors: d.multipleSectors, CurLBA: d.curLBA, Sense: d.sense,
		}
	}
	state.Sel = c.sel
	state.Status, state.ErrReg, state.Features = c.status, c.errReg, c.features
	state.SectorCount, state.SectorNo = c.sectorCount, c.sectorNo
	state.CylLow, state.CylHigh = c.cylLow, c.cylHigh
	state.DriveHead, state.DevControl = c.driveHead, c.devControl
	state.Buffer = append([]byte(nil), c.buffer[:c.bufLimit]...)
	state.BufIdx, state.BufLimit = c.bufIdx, c.bufLimit
	state.PendingLBA, state.PendingN, state.PendingCmd = c.pendingLBA, c.pendingN, c.pendingCmd
	return saveio.Save(w, "ata", &state)
}

// RestoreState reads back a snapshot written by SaveState. A drive slot's
// identify/position fields are only applied if that slot is already
// attached with a matching kind (AttachDisk/AttachCDROM runs first); an
// unattached or kind-mismatched slot's saved fields are skipped. A
// command in flight when the snapshot was taken (BSY set, cmdTmr armed)
// completes immediately on restore rather than resuming its remaining
// execution latency — a documented simplification, the same spirit as
// the FDC's whole-sector DMA burst precedent.
func (c *Controller) RestoreState(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state ControllerState
	if err := saveio.Restore(r, "ata", &state); err != nil {
		return err
	}
	for i := range c.drives {
		d := &c.drives[i]
		s := state.Drives[i]
		if d.kind != s.Kind {
			continue
		}
		d.geom, d.perf, d.identify = s.Geom, s.Perf, s.Identify
		d.multipleSectors, d.curLBA, d.sense = s.MultipleSectors, s.CurLBA, s.Sense
	}
	c.sel = state.Sel
	c.status, c.errReg, c.features = state.Status, state.ErrReg, state.Features
	c.sectorCount, c.sectorNo = state.SectorCount, state.SectorNo
	c.cylLow, c.cylHigh = state.CylLow, state.CylHigh
	c.driveHead, c.devControl = state.DriveHead, state.DevControl
	c.bufIdx, c.bufLimit = state.BufIdx, state.BufLimit
	copy(c.buffer[:], state.Buffer)
	c.pendingLBA, c.pendingN, c.pendingCmd = state.PendingLBA, state.PendingN, state.PendingCmd
	c.status &^= ataStatusBSY
	c.wheel.Deactivate(c.cmdTmr)
	return nil
}
