// Package devices implements the PS/1-class peripheral set: the 8259 PIC
// pair, 8254 PIT, 8250/16550 UART family, 8272A floppy controller, ATA/ATAPI
// storage controller and a Sound Blaster DSP. Every device is built on top
// of package bus (port dispatch, IRQ bus, DMA) and package clock (virtual
// time, timer wheel) and never calls another device directly.
package devices

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/saveio"
)

// ICW1 bits.
const (
	icw1IC4  byte = 0x01
	icw1SNGL byte = 0x02
	icw1ADI  byte = 0x04
	icw1LTIM byte = 0x08
	icw1INIT byte = 0x10
)

// ICW4 bits.
const (
	icw4UPM  byte = 0x01
	icw4AEOI byte = 0x02
	icw4MS   byte = 0x04
	icw4BUF  byte = 0x08
	icw4SFNM byte = 0x10
)

// OCW2 bits.
const (
	ocw2Level byte = 0x07
	ocw2EOI   byte = 0x20
	ocw2SL    byte = 0x40
	ocw2R     byte = 0x80
)

// OCW3 bits.
const (
	ocw3RIS  byte = 0x01
	ocw3RR   byte = 0x02
	ocw3Poll byte = 0x04
	ocw3ID   byte = 0x08
	ocw3ESMM byte = 0x20
	ocw3SMM  byte = 0x40
)

// chip is one 8259A's full register state (§3 "PIC state").
type chip struct {
	irr, isr, imr byte
	baseVector    byte
	lowestPri     uint8 // rotating priority pivot: highest priority is (lowestPri+1)%8
	autoEOI       bool
	edgeLevel     bool // true = level-triggered (accepted, not modeled: emulator is edge-only)
	readIRR       bool // OCW3 read-register select: true = IRR, false = ISR
	inInit        bool
	icwStep       int // 0=idle, 1=expect ICW2, 2=expect ICW3, 3=expect ICW4
	requiresICW4  bool
	single        bool
	specialMask   bool
	polled        bool
	intAsserted   bool
	irqIn         [8]bool // last-seen level on each input line, for edge detection
}

func newChip() chip {
	return chip{imr: 0xFF}
}

// PIC is the cascaded master/slave 8259 pair (§4.2). Slave IRQ lines 8-15
// present to the master as IRQ 2.
type PIC struct {
	mu          sync.Mutex
	master      chip
	slave       chip
	log         *log.Logger
	onIntChange func(asserted bool)
}

const slaveCascadeLine = 2

// NewPIC creates a master/slave pair, both fully masked, awaiting ICW1.
func NewPIC() *PIC {
	return &PIC{
		master: newChip(),
		slave:  newChip(),
		log:    log.With("component", "pic"),
	}
}

// OnInterruptChange registers a callback invoked whenever the composite
// INTR line to the CPU changes level. The CPU core (out of scope here)
// polls or is notified through this hook to pull a vector via INTA.
func (p *PIC) OnInterruptChange(fn func(asserted bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onIntChange = fn
}

// masterPort and slavePort identify which physical chip and register
// (command vs data) a port belongs to.
const (
	MasterCmdPort  uint16 = 0x20
	MasterDataPort uint16 = 0x21
	SlaveCmdPort   uint16 = 0xA0
	SlaveDataPort  uint16 = 0xA1
)

// Install registers the PIC's four ports on dispatcher.
func (p *PIC) Install(d *bus.Dispatcher) error {
	if err := d.RegisterReadWrite("pic", MasterCmdPort, MasterCmdPort, bus.Mask8, p); err != nil {
		return err
	}
	if err := d.RegisterReadWrite("pic", MasterDataPort, MasterDataPort, bus.Mask8, p); err != nil {
		return err
	}
	if err := d.RegisterReadWrite("pic", SlaveCmdPort, SlaveCmdPort, bus.Mask8, p); err != nil {
		return err
	}
	return d.RegisterReadWrite("pic", SlaveDataPort, SlaveDataPort, bus.Mask8, p)
}

func (p *PIC) PortIn(port uint16, width bus.Width) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch port {
	case MasterCmdPort:
		return uint32(readSelected(&p.master))
	case MasterDataPort:
		return uint32(p.master.imr)
	case SlaveCmdPort:
		return uint32(readSelected(&p.slave))
	case SlaveDataPort:
		return uint32(p.slave.imr)
	}
	return 0xFF
}

func readSelected(c *chip) byte {
	if c.readIRR {
		return c.irr
	}
	return c.isr
}

func (p *PIC) PortOut(port uint16, width bus.Width, value uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := byte(value)
	switch port {
	case MasterCmdPort:
		p.writeCommand(&p.master, v, true)
	case MasterDataPort:
		p.writeData(&p.master, v)
	case SlaveCmdPort:
		p.writeCommand(&p.slave, v, false)
	case SlaveDataPort:
		p.writeData(&p.slave, v)
	}
	p.updateIntLocked()
}

func (p *PIC) writeCommand(c *chip, v byte, isMaster bool) {
	if v&icw1INIT != 0 {
		c.inInit = true
		c.imr = 0
		c.irr = 0
		c.isr = 0
		c.lowestPri = 7
		c.edgeLevel = v&icw1LTIM != 0
		c.single = v&icw1SNGL != 0
		c.requiresICW4 = v&icw1IC4 != 0
		c.autoEOI = false
		c.specialMask = false
		c.icwStep = 1 // ICW2 always follows
		if c.edgeLevel || c.single {
			p.log.Warn("PIC: only cascaded edge-triggered mode is implemented", "ltim", c.edgeLevel, "single", c.single)
		}
		return
	}
	if c.inInit {
		return
	}
	if v&ocw3ID != 0 && v&0x10 == 0 {
		p.processOCW3(c, v)
		return
	}
	p.processOCW2(c, v, isMaster)
}

func (p *PIC) writeData(c *chip, v byte) {
	if c.inInit {
		switch c.icwStep {
		case 1: // ICW2: vector offset
			c.baseVector = v & 0xF8
			if c.single {
				c.icwStep = 0
			} else {
				c.icwStep = 2 // ICW3 (cascade mask), always present in cascaded mode
			}
		case 2: // ICW3: cascade controller identification, not modeled beyond consuming the byte
			if c.requiresICW4 {
				c.icwStep = 3
			} else {
				c.icwStep = 0
			}
		case 3: // ICW4
			c.autoEOI = v&icw4AEOI != 0
			c.icwStep = 0
		}
		if c.icwStep == 0 {
			c.inInit = false
		}
		return
	}
	c.imr = v
}

func (p *PIC) processOCW2(c *chip, v byte, isMaster bool) {
	if v&ocw2EOI == 0 {
		return // rotation-only / priority-set-only OCW2s are not modeled beyond EOI
	}
	specific := v&ocw2SL != 0
	rotate := v&ocw2R != 0
	if specific {
		line := v & ocw2Level
		if c.isr&(1<<line) != 0 {
			c.isr &^= 1 << line
			if rotate {
				c.lowestPri = line
			}
		}
		return
	}
	// Non-specific EOI: clear the highest-priority in-service bit.
	for i := 0; i < 8; i++ {
		line := (c.lowestPri + 1 + uint8(i)) % 8
		if c.isr&(1<<line) != 0 {
			c.isr &^= 1 << line
			if rotate {
				c.lowestPri = line
			}
			if isMaster && line == slaveCascadeLine {
				p.processOCW2(&p.slave, ocw2EOI, false)
			}
			return
		}
	}
}

func (p *PIC) processOCW3(c *chip, v byte) {
	if v&ocw3Poll != 0 {
		c.polled = true
		return
	}
	if v&ocw3RR != 0 {
		c.readIRR = v&ocw3RIS == 0
	}
	if v&ocw3ESMM != 0 {
		c.specialMask = v&ocw3SMM != 0
	}
}

// RaiseIRQ latches an edge (0->1) on line (0-15), per §4.2 "Raise/lower".
func (p *PIC) RaiseIRQ(line uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line < 8 {
		p.raiseLocked(&p.master, line)
	} else if line < 16 {
		p.raiseLocked(&p.slave, line-8)
		if p.slave.irr&^p.slave.imr != 0 {
			p.raiseLocked(&p.master, slaveCascadeLine)
		}
	}
	p.updateIntLocked()
}

func (p *PIC) raiseLocked(c *chip, line uint8) {
	if !c.irqIn[line] {
		c.irqIn[line] = true
		c.irr |= 1 << line
	}
}

// LowerIRQ clears an edge on line.
func (p *PIC) LowerIRQ(line uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line < 8 {
		p.master.irqIn[line] = false
	} else if line < 16 {
		p.slave.irqIn[line-8] = false
		if p.slave.irr&^p.slave.imr == 0 {
			p.master.irqIn[slaveCascadeLine] = false
		}
	}
	p.updateIntLocked()
}

// priorityOrder returns the 8 IRQ lines of c in current priority order,
// highest first, per the rotating `lowestPri` pivot.
func priorityOrder(c *chip) [8]uint8 {
	var order [8]uint8
	for i := 0; i < 8; i++ {
		order[i] = (c.lowestPri + 1 + uint8(i)) % 8
	}
	return order
}

// pending reports the highest-priority requestable line on c, honoring
// special mask mode and in-service nesting (§4.2 "Service algorithm"): a
// request may only interrupt if it outranks every currently in-service
// line, unless special mask mode is set.
func pending(c *chip) (uint8, bool) {
	active := c.irr &^ c.imr
	if active == 0 {
		return 0, false
	}
	order := priorityOrder(c)
	for _, line := range order {
		if c.isr&(1<<line) != 0 {
			break // everything from here on is lower priority than this in-service line
		}
		if active&(1<<line) != 0 {
			return line, true
		}
	}
	if c.specialMask {
		for _, line := range order {
			if active&(1<<line) != 0 {
				return line, true
			}
		}
	}
	return 0, false
}

func (p *PIC) updateIntLocked() {
	_, master := pending(&p.master)
	if p.onIntChange != nil && master != p.master.intAsserted {
		p.master.intAsserted = master
		p.onIntChange(master)
	} else {
		p.master.intAsserted = master
	}
}

// HasPendingInterrupt reports whether INTR is currently asserted.
func (p *PIC) HasPendingInterrupt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := pending(&p.master)
	return ok
}

// INTA services the CPU's interrupt-acknowledge cycle: clears the edge
// latch (non-level-triggered), sets ISR (unless auto-EOI), and returns the
// resolved vector. Recurses into the slave when the cascade line wins.
// Returns (vector, true) or (0, false) if nothing is pending.
func (p *PIC) INTA() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line, ok := pending(&p.master)
	if !ok {
		return 0, false
	}
	if !p.master.autoEOI {
		p.master.isr |= 1 << line
	}
	p.master.irr &^= 1 << line
	if line == slaveCascadeLine {
		sline, sok := pending(&p.slave)
		if !sok {
			p.updateIntLocked()
			return p.slave.baseVector + 7, true // spurious: slave IRR empty, report IRQ7 of slave
		}
		if !p.slave.autoEOI {
			p.slave.isr |= 1 << sline
		}
		p.slave.irr &^= 1 << sline
		p.updateIntLocked()
		return p.slave.baseVector + sline, true
	}
	p.updateIntLocked()
	return p.master.baseVector + line, true
}

// chipState is the gob-serializable mirror of chip: gob only encodes
// exported fields, so every unexported device struct gets one of these
// alongside its SaveState/RestoreState pair (§6 "Persisted state").
type chipState struct {
	IRR, ISR, IMR byte
	BaseVector    byte
	LowestPri     uint8
	AutoEOI       bool
	EdgeLevel     bool
	ReadIRR       bool
	InInit        bool
	ICWStep       int
	RequiresICW4  bool
	Single        bool
	SpecialMask   bool
	Polled        bool
	IntAsserted   bool
	IRQIn         [8]bool
}

func saveChip(c *chip) chipState {
	return chipState{
		IRR: c.irr, ISR: c.isr, IMR: c.imr,
		BaseVector: c.baseVector, LowestPri: c.lowestPri,
		AutoEOI: c.autoEOI, EdgeLevel: c.edgeLevel, ReadIRR: c.readIRR,
		InInit: c.inInit, ICWStep: c.icwStep, RequiresICW4: c.requiresICW4,
		Single: c.single, SpecialMask: c.specialMask, Polled: c.polled,
		IntAsserted: c.intAsserted, IRQIn: c.irqIn,
	}
}

func restoreChip(c *chip, s chipState) {
	c.irr, c.isr, c.imr = s.IRR, s.ISR, s.IMR
	c.baseVector, c.lowestPri = s.BaseVector, s.LowestPri
	c.autoEOI, c.edgeLevel, c.readIRR = s.AutoEOI, s.EdgeLevel, s.ReadIRR
	c.inInit, c.icwStep, c.requiresICW4 = s.InInit, s.ICWStep, s.RequiresICW4
	c.single, c.specialMask, c.polled = s.Single, s.SpecialMask, s.Polled
	c.intAsserted, c.irqIn = s.IntAsserted, s.IRQIn
}

// PICState is the serializable snapshot of both chips in the cascade.
type PICState struct {
	Master, Slave chipState
}

// SaveState writes the cascade's full register state (§6 "Persisted
// state"). Both chips are plain value state; nothing here needs
// rebinding on restore.
func (p *PIC) SaveState(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := PICState{Master: saveChip(&p.master), Slave: saveChip(&p.slave)}
	return saveio.Save(w, "pic", &state)
}

// RestoreState reads back a snapshot written by SaveState and
// re-evaluates the cascade's asserted-interrupt edge against whatever
// OnInterruptChange callback is currently wired, since that callback
// itself is not part of the serialized state.
func (p *PIC) RestoreState(r io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var state PICState
	if err := saveio.Restore(r, "pic", &state); err != nil {
		return err
	}
	restoreChip(&p.master, state.Master)
	restoreChip(&p.slave, state.Slave)
	p.updateIntLocked()
	return nil
}
