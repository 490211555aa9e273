package bus

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/saveio"
)

// TransferType mirrors the 8237's mode-register transfer-type field.
type TransferType uint8

const (
	TransferVerify TransferType = 0
	TransferWrite  TransferType = 1 // device -> memory ("memory write")
	TransferRead   TransferType = 2 // memory -> device ("memory read")
)

// Memory is the abstract system-memory side of a DMA burst. The CPU/memory
// subsystem is an external collaborator (§1); Machine wires a concrete
// implementation in, tests wire in a flat byte slice.
type Memory interface {
	ReadByte(addr uint32) byte
	WriteByte(addr uint32, v byte)
}

// Channel is one 8237-style DMA channel: address/count registers, mode,
// auto-init, DRQ and mask state (§3 "DMA channel").
type Channel struct {
	mode         byte
	transferType TransferType
	autoInit     bool
	addrDecrement bool
	baseAddr     uint32
	baseCount    uint16
	curAddr      uint32
	curCount     uint16
	drq          bool
	masked       bool
	flipflop     bool // low/high byte pointer for addr & count port access
	tc           bool
	is16bit      bool
}

// Controller is the DMA engine: 8 channels (0-3 are 8-bit, 4-7 are 16-bit,
// §3), reachable both as port-mapped registers (for guest programming) and
// as a direct Go API devices use for the byte pump (§4.5, §4.6, §4.7:
// "expects the DMA engine to drive dma_read_8/dma_write_8").
//
// In the reference machine only channel 2 (FDC) and the Sound Blaster's
// configured channel (1 by default) are driven; the rest exist for
// register-file completeness.
type Controller struct {
	mu       sync.Mutex
	channels [8]Channel
	pages    [8]byte // page register (address bits 16-23) per channel
	log      *log.Logger
}

// NewController creates an 8-channel DMA controller with all channels
// masked (the 8237 power-on state).
func NewController() *Controller {
	c := &Controller{log: log.With("component", "dma")}
	for i := range c.channels {
		c.channels[i].masked = true
		c.channels[i].is16bit = i >= 4
	}
	return c
}

// Install registers the low 8237's port-mapped register file: the
// interleaved address/count/control ports (0x00-0x0F) and the page
// registers for channels 0-3. Only the low controller is wired to the
// port bus in this reference machine (channels 2 and 1 cover the FDC and
// Sound Blaster, the only DMA-driven devices this module wires up); the
// high (word-spaced, DMA2Base) controller's ports are not bound.
func (c *Controller) Install(d *Dispatcher) error {
	if err := d.RegisterReadWrite("dma", 0x00, 0x0F, Mask8, c); err != nil {
		return err
	}
	for port, ch := range pagePortForChannel {
		if ch >= 4 {
			continue // the high controller's page registers are left unbound
		}
		if err := d.RegisterReadWrite("dma", port, port, Mask8, c); err != nil {
			return err
		}
	}
	return nil
}

// Program sets up a channel's base address/count, transfer type and
// auto-init flag directly (used by tests and by devices that also drive
// the controller's ports). Guests normally do this through port I/O.
func (c *Controller) Program(ch int, addr uint32, count uint16, t TransferType, autoInit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch2 := &c.channels[ch]
	ch2.baseAddr, ch2.curAddr = addr, addr
	ch2.baseCount, ch2.curCount = count, count
	ch2.transferType = t
	ch2.autoInit = autoInit
	ch2.tc = false
}

// SetMask masks or unmasks channel ch. The mask is recorded and reported by
// Masked; SetDRQ, PullByte and PushByte do not consult it.
func (c *Controller) SetMask(ch int, masked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch].masked = masked
}

// Masked reports whether ch is currently masked.
func (c *Controller) Masked(ch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[ch].masked
}

// SetDRQ raises or lowers a channel's DMA request line. A device asserts
// DRQ when it has a byte ready (read case) or room for one (write case).
func (c *Controller) SetDRQ(ch int, asserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch].drq = asserted
}

// DRQ reports a channel's current request state.
func (c *Controller) DRQ(ch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[ch].drq
}

// GetTC reports and clears the channel's latched terminal-count flag.
func (c *Controller) GetTC(ch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.channels[ch].tc
	c.channels[ch].tc = false
	return tc
}

// PullByte performs one memory->device transfer step (8237 "DMA read"
// transfer type): the device calls this when it is ready to consume a
// byte. Returns the byte and whether this transfer reached terminal
// count. mem is the system memory backing the burst.
func (c *Controller) PullByte(ch int, mem Memory) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch2 := &c.channels[ch]
	v := mem.ReadByte(ch2.curAddr)
	tc := c.stepLocked(ch2)
	return v, tc
}

// PushByte performs one device->memory transfer step (8237 "DMA write"
// transfer type).
func (c *Controller) PushByte(ch int, mem Memory, v byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch2 := &c.channels[ch]
	mem.WriteByte(ch2.curAddr, v)
	tc := c.stepLocked(ch2)
	return tc
}

func (c *Controller) stepLocked(ch *Channel) bool {
	if ch.addrDecrement {
		ch.curAddr--
	} else {
		ch.curAddr++
	}
	tc := ch.curCount == 0
	if tc {
		ch.tc = true
		if ch.autoInit {
			ch.curAddr = ch.baseAddr
			ch.curCount = ch.baseCount
		}
	} else {
		ch.curCount--
	}
	return tc
}

// CurrentAddr/CurrentCount expose a channel's live registers, e.g. for the
// floppy controller's sector-overrun bookkeeping.
func (c *Controller) CurrentAddr(ch int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[ch].curAddr
}

func (c *Controller) CurrentCount(ch int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[ch].curCount
}

// --- Port-mapped register file (guest-programmable) -----------------------

// Port bases for the cascaded 8237 pair.
const (
	DMA1Base    uint16 = 0x00 // channels 0-3, byte-spaced
	DMA1Page           = 0x80
	DMA2Base    uint16 = 0xC0 // channels 4-7, word-spaced
	DMA2Page           = 0x88
)

var pagePortForChannel = map[uint16]int{
	0x87: 0, 0x83: 1, 0x81: 2, 0x82: 3,
	0x8F: 4, 0x8B: 5, 0x89: 6, 0x8A: 7,
}

// PortIn implements bus.Device for the low controller (ports 0x00-0x0F and
// page registers). No adapter exists for the word-spaced high
// controller's ports.
func (c *Controller) PortIn(port uint16, width Width) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := pagePortForChannel[port]; ok {
		return uint32(c.pages[ch])
	}
	if port <= 0x07 {
		return uint32(c.rwAddrCount(int(port/2), port%2 == 0))
	}
	switch port {
	case 0x08: // status: bits 0-3 TC per channel, 4-7 DRQ per channel
		var v byte
		for i := 0; i < 4; i++ {
			if c.channels[i].tc {
				v |= 1 << i
			}
			if c.channels[i].drq {
				v |= 1 << (i + 4)
			}
		}
		return uint32(v)
	case 0x0A:
		return 0 // single-mask register is write-mostly; reads are undefined on real hw
	}
	return 0xFF
}

func (c *Controller) PortOut(port uint16, width Width, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := byte(value)
	if ch, ok := pagePortForChannel[port]; ok {
		c.pages[ch] = v
		return
	}
	if port <= 0x07 {
		c.writeAddrCount(int(port/2), port%2 == 0, v)
		return
	}
	switch port {
	case 0x08: // command register, mostly ignored in this reference model
	case 0x09: // request register
	case 0x0A: // single channel mask
		ch := int(v & 0x03)
		c.channels[ch].masked = v&0x04 != 0
	case 0x0B: // mode register
		ch := int(v & 0x03)
		c.programMode(ch, v)
	case 0x0C: // clear byte pointer flip-flop
		for i := 0; i < 4; i++ {
			c.channels[i].flipflop = false
		}
	case 0x0D: // master clear
		for i := 0; i < 4; i++ {
			c.channels[i] = Channel{masked: true}
		}
	case 0x0E: // clear mask register: unmask all
		for i := 0; i < 4; i++ {
			c.channels[i].masked = false
		}
	case 0x0F: // write mask register: bits 0-3 mask channels 0-3
		for i := 0; i < 4; i++ {
			c.channels[i].masked = v&(1<<i) != 0
		}
	}
}

func (c *Controller) programMode(ch int, v byte) {
	ch2 := &c.channels[ch]
	ch2.mode = v
	ch2.transferType = TransferType((v >> 2) & 0x03)
	ch2.autoInit = v&0x10 != 0
	ch2.addrDecrement = v&0x20 != 0
}

// rwAddrCount reads the low controller's interleaved addr/count ports
// (0x00=ch0 addr, 0x01=ch0 count, 0x02=ch1 addr, ...), honoring the
// low/high byte flip-flop.
func (c *Controller) rwAddrCount(ch int, isAddr bool) byte {
	ch2 := &c.channels[ch]
	var word uint16
	if isAddr {
		word = uint16(ch2.curAddr)
	} else {
		word = ch2.curCount
	}
	var b byte
	if !ch2.flipflop {
		b = byte(word)
	} else {
		b = byte(word >> 8)
	}
	ch2.flipflop = !ch2.flipflop
	return b
}

func (c *Controller) writeAddrCount(ch int, isAddr bool, v byte) {
	ch2 := &c.channels[ch]
	if isAddr {
		if !ch2.flipflop {
			ch2.baseAddr = (ch2.baseAddr &^ 0xFF) | uint32(v)
		} else {
			ch2.baseAddr = (ch2.baseAddr &^ 0xFF00) | (uint32(v) << 8)
			ch2.curAddr = ch2.baseAddr
		}
	} else {
		if !ch2.flipflop {
			ch2.baseCount = (ch2.baseCount &^ 0xFF) | uint16(v)
		} else {
			ch2.baseCount = (ch2.baseCount &^ 0xFF00) | (uint16(v) << 8)
			ch2.curCount = ch2.baseCount
		}
	}
	ch2.flipflop = !ch2.flipflop
}

// ChannelState is Channel's gob-serializable mirror (§6 "Persisted
// state"). The DMA engine has no timers of its own, so nothing needs
// rebinding on restore.
type ChannelState struct {
	Mode          byte
	TransferType  TransferType
	AutoInit      bool
	AddrDecrement bool
	BaseAddr      uint32
	BaseCount     uint16
	CurAddr       uint32
	CurCount      uint16
	DRQ           bool
	Masked        bool
	Flipflop      bool
	TC            bool
	Is16Bit       bool
}

// ControllerState is the serializable snapshot of all 8 channels plus
// their page registers.
type ControllerState struct {
	Channels [8]ChannelState
	Pages    [8]byte
}

// SaveState writes every channel's register file (§6 "Persisted state").
func (c *Controller) SaveState(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state ControllerState
	for i := range c.channels {
		ch := &c.channels[i]
		state.Channels[i] = ChannelState{
			Mode: ch.mode, TransferType: ch.transferType,
			AutoInit: ch.autoInit, AddrDecrement: ch.addrDecrement,
			BaseAddr: ch.baseAddr, BaseCount: ch.baseCount,
			CurAddr: ch.curAddr, CurCount: ch.curCount,
			DRQ: ch.drq, Masked: ch.masked, Flipflop: ch.flipflop,
			TC: ch.tc, Is16Bit: ch.is16bit,
		}
	}
	state.Pages = c.pages
	return saveio.Save(w, "dma", &state)
}

// RestoreState reads back a snapshot written by SaveState.
func (c *Controller) RestoreState(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state ControllerState
	if err := saveio.Restore(r, "dma", &state); err != nil {
		return err
	}
	for i := range c.channels {
		s := state.Channels[i]
		c.channels[i] = Channel{
			mode: s.Mode, transferType: s.TransferType,
			autoInit: s.AutoInit, addrDecrement: s.AddrDecrement,
			baseAddr: s.BaseAddr, baseCount: s.BaseCount,
			curAddr: s.CurAddr, curCount: s.CurCount,
			drq: s.DRQ, masked: s.Masked, flipflop: s.Flipflop,
			tc: s.TC, is16bit: s.Is16Bit,
		}
	}
	c.pages = state.Pages
	return nil
}
