package devices

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
	"github.com/retrohw/ps1devices/saveio"
)

// Port constants for the 8254 (§4.3).
const (
	PITCounter0Port uint16 = 0x40
	PITCounter1Port uint16 = 0x41
	PITCounter2Port uint16 = 0x42
	PITCommandPort  uint16 = 0x43
)

// pitClockPeriodNS is 1/1.193182MHz, the 8254's CLK input period.
const pitClockPeriodNS = 838.0964

// Read/write mode of a counter's data ports.
const (
	pitRWLatch byte = 0
	pitRWLSB   byte = 1
	pitRWMSB   byte = 2
	pitRWLOHI  byte = 3
)

type pitCounter struct {
	mode   byte // 0-5, already de-aliased from 6/7
	rwMode byte
	bcd    bool

	reload uint32 // 1..0x10000 (0x10000 encoded as reload==0 on the wire)
	armed  bool
	elapsed uint64 // cumulative CLK ticks since (re)arm
	out     bool

	writeLo  bool // LOHI write: next byte expected is low (false) or high (true)
	readLo   bool
	pendingLo byte
	haveLo    bool

	latched   bool
	latchVal  uint16
	statusLatched bool
	statusVal     byte
}

func (c *pitCounter) period() uint64 {
	if c.reload == 0 {
		return 0x10000
	}
	return uint64(c.reload)
}

// current returns the live down-counter value for register reads.
func (c *pitCounter) current() uint16 {
	p := c.period()
	if !c.armed || p == 0 {
		return uint16(c.reload)
	}
	switch effectiveMode(c.mode) {
	case 0:
		if c.elapsed >= p {
			return 0
		}
		return uint16(p - c.elapsed)
	default:
		pos := c.elapsed % p
		return uint16(p - pos)
	}
}

// advance moves the counter forward by delta CLK ticks and reports whether
// OUT rose (0->1) at least once, which is the event that matters to IRQ0
// (counter 0) and the speaker hook (counter 2).
func (c *pitCounter) advance(delta uint64) (rose bool) {
	if !c.armed || delta == 0 {
		return false
	}
	p := c.period()
	old := c.elapsed
	c.elapsed += delta

	switch effectiveMode(c.mode) {
	case 0: // interrupt on terminal count: one rising edge, then OUT stays high
		wasHigh := old >= p
		c.out = c.elapsed >= p
		return !wasHigh && c.out
	case 1, 4, 5: // one-shot / strobe: OUT low for `period` ticks after (re)arm, then high, no rearm
		wasHigh := old >= p
		c.out = c.elapsed >= p
		if !wasHigh && c.out {
			return true
		}
		return false
	case 2: // rate generator: low for the last tick of each period, high otherwise
		oldCycles := old / p
		newCycles := c.elapsed / p
		pos := c.elapsed % p
		c.out = pos != p-1
		return newCycles > oldCycles
	case 3: // square wave: high for first half of the period, low for the rest
		half := p / 2
		oldCycles := old / p
		newCycles := c.elapsed / p
		pos := c.elapsed % p
		c.out = pos < half
		return newCycles > oldCycles
	}
	return false
}

// effectiveMode folds the undocumented mode aliases 6 and 7 onto 2 and 3.
func effectiveMode(m byte) byte {
	switch m {
	case 6:
		return 2
	case 7:
		return 3
	default:
		return m
	}
}

// PIT is the 8254 programmable interval timer: three counters, each with
// its own mode, clocked from virtual time at 1.193182MHz (§4.3). Counter 0's
// OUT transitions raise IRQ 0; counter 2's are forwarded to an optional
// speaker hook instead of being wired to any IRQ line.
type PIT struct {
	mu       sync.Mutex
	counters [3]pitCounter
	clk      *clock.VirtualClock
	wheel    *clock.Wheel
	timerID  clock.TimerID
	lastSync uint64
	irq      *bus.IRQBus
	speaker  func(tsNS uint64, level bool)
	log      *log.Logger
}

// NewPIT creates a PIT driven by clk/wheel, raising line 0 on irq.
func NewPIT(clk *clock.VirtualClock, wheel *clock.Wheel, irq *bus.IRQBus) *PIT {
	p := &PIT{clk: clk, wheel: wheel, irq: irq, log: log.With("component", "pit")}
	for i := range p.counters {
		p.counters[i].mode = 3
		p.counters[i].rwMode = pitRWLOHI
		p.counters[i].reload = 0 // 0x10000
	}
	p.timerID = wheel.Register("pit", p.onTimer)
	return p
}

// OnSpeakerEvent registers the callback counter 2's OUT transitions are
// forwarded to, e.g. a PC-speaker audio channel (§4.3).
func (p *PIT) OnSpeakerEvent(fn func(tsNS uint64, level bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaker = fn
}

// Install registers the four PIT ports on dispatcher.
func (p *PIT) Install(d *bus.Dispatcher) error {
	return d.RegisterReadWrite("pit", PITCounter0Port, PITCommandPort, bus.Mask8, p)
}

func (p *PIT) PortIn(port uint16, width bus.Width) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncLocked()
	if port == PITCommandPort {
		return 0xFF // command register is not readable
	}
	return uint32(p.readCounterPort(int(port - PITCounter0Port)))
}

func (p *PIT) PortOut(port uint16, width bus.Width, value uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncLocked()
	v := byte(value)
	if port == PITCommandPort {
		p.writeCommand(v)
	} else {
		p.writeCounterPort(int(port-PITCounter0Port), v)
	}
	p.rearmLocked()
}

func (p *PIT) writeCommand(v byte) {
	sel := (v >> 6) & 0x3
	if sel == 3 {
		p.readBack(v)
		return
	}
	c := &p.counters[sel]
	rw := (v >> 4) & 0x3
	if rw == pitRWLatch {
		c.latched = true
		c.latchVal = c.current()
		c.readLo = true
		return
	}
	c.rwMode = rw
	c.mode = (v >> 1) & 0x7
	c.bcd = v&0x1 != 0
	c.writeLo = true
	c.haveLo = false
	c.armed = false
	c.latched = false
}

func (p *PIT) readBack(v byte) {
	// Simplified read-back (0xC0-0xFF): bit5 suppresses count latch, bit4
	// suppresses status latch, bits 3-1 select counters 2-0.
	latchCount := v&0x20 == 0
	latchStatus := v&0x10 == 0
	for i := 0; i < 3; i++ {
		if v&(1<<(uint(i)+1)) == 0 {
			continue
		}
		c := &p.counters[i]
		if latchCount && !c.latched {
			c.latched = true
			c.latchVal = c.current()
			c.readLo = true
		}
		if latchStatus {
			c.statusLatched = true
			c.statusVal = c.mode<<1 | c.rwMode<<4
			if c.bcd {
				c.statusVal |= 0x01
			}
			if c.out {
				c.statusVal |= 0x80
			}
		}
	}
}

func (p *PIT) writeCounterPort(idx int, v byte) {
	c := &p.counters[idx]
	switch c.rwMode {
	case pitRWLSB:
		c.reload = uint32(v)
		c.armed = true
		c.elapsed = 0
	case pitRWMSB:
		c.reload = uint32(v) << 8
		c.armed = true
		c.elapsed = 0
	case pitRWLOHI:
		if c.writeLo {
			c.pendingLo = v
			c.haveLo = true
			c.writeLo = false
		} else {
			c.reload = uint32(c.pendingLo) | uint32(v)<<8
			c.armed = true
			c.elapsed = 0
			c.writeLo = true
		}
	}
}

func (p *PIT) readCounterPort(idx int) byte {
	c := &p.counters[idx]
	if c.statusLatched {
		c.statusLatched = false
		return c.statusVal
	}
	if c.latched {
		switch c.rwMode {
		case pitRWLSB:
			c.latched = false
			return byte(c.latchVal)
		case pitRWMSB:
			c.latched = false
			return byte(c.latchVal >> 8)
		default: // LOHI
			if c.readLo {
				c.readLo = false
				return byte(c.latchVal)
			}
			c.latched = false
			c.readLo = true
			return byte(c.latchVal >> 8)
		}
	}
	cur := c.current()
	switch c.rwMode {
	case pitRWLSB:
		return byte(cur)
	case pitRWMSB:
		return byte(cur >> 8)
	default:
		if c.readLo {
			c.readLo = false
			return byte(cur)
		}
		c.readLo = true
		return byte(cur >> 8)
	}
}

// syncLocked advances all counters by the CLK ticks elapsed since the last
// sync and raises/forwards edges observed along the way.
func (p *PIT) syncLocked() {
	now := p.clk.Now()
	ticks := uint64(float64(now-p.lastSync) / pitClockPeriodNS)
	if ticks == 0 {
		return
	}
	p.lastSync += uint64(float64(ticks) * pitClockPeriodNS)
	for i := range p.counters {
		if p.counters[i].advance(ticks) {
			if i == 0 {
				p.irq.Raise(0)
				p.irq.Lower(0)
			} else if i == 2 && p.speaker != nil {
				p.speaker(now, p.counters[2].out)
			}
		}
	}
}

func (p *PIT) onTimer(nowNS uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncLocked()
	p.rearmLocked()
}

// rearmLocked schedules the wheel to wake at the earliest upcoming OUT
// transition among the counters, per §4.3's "dispatcher fires at
// min(next_change_time)".
func (p *PIT) rearmLocked() {
	var minTicks uint64
	have := false
	for i := range p.counters {
		c := &p.counters[i]
		if !c.armed {
			continue
		}
		nt := nextChangeTicks(c)
		if nt == 0 {
			continue
		}
		if !have || nt < minTicks {
			minTicks = nt
			have = true
		}
	}
	if !have {
		p.wheel.Deactivate(p.timerID)
		return
	}
	deltaNS := uint64(float64(minTicks)*pitClockPeriodNS) + 1
	p.wheel.ActivateAfter(p.timerID, deltaNS, 0)
}

// nextChangeTicks returns CLK ticks until c's OUT next transitions, or 0 if
// c will never transition again without reprogramming.
func nextChangeTicks(c *pitCounter) uint64 {
	p := c.period()
	switch effectiveMode(c.mode) {
	case 0:
		if c.elapsed >= p {
			return 0
		}
		return p - c.elapsed
	case 1, 4, 5:
		if c.elapsed >= p {
			return 0
		}
		return p - c.elapsed
	case 2:
		pos := c.elapsed % p
		return p - pos
	case 3:
		half := p / 2
		pos := c.elapsed % p
		if pos < half {
			return half - pos
		}
		return p - pos
	}
	return 0
}

// pitCounterState is pitCounter's gob-serializable mirror (§6 "Persisted
// state"): every field is plain value state, nothing to rebind.
type pitCounterState struct {
	Mode, RWMode byte
	BCD          bool
	Reload       uint32
	Armed        bool
	Elapsed      uint64
	Out          bool
	WriteLo      bool
	ReadLo       bool
	PendingLo    byte
	HaveLo       bool
	Latched      bool
	LatchVal     uint16
	StatusLatched bool
	StatusVal     byte
}

func saveCounter(c *pitCounter) pitCounterState {
	return pitCounterState{
		Mode: c.mode, RWMode: c.rwMode, BCD: c.bcd,
		Reload: c.reload, Armed: c.armed, Elapsed: c.elapsed, Out: c.out,
		WriteLo: c.writeLo, ReadLo: c.readLo, PendingLo: c.pendingLo, HaveLo: c.haveLo,
		Latched: c.latched, LatchVal: c.latchVal,
		StatusLatched: c.statusLatched, StatusVal: c.statusVal,
	}
}

func restoreCounter(c *pitCounter, s pitCounterState) {
	c.mode, c.rwMode, c.bcd = s.Mode, s.RWMode, s.BCD
	c.reload, c.armed, c.elapsed, c.out = s.Reload, s.Armed, s.Elapsed, s.Out
	c.writeLo, c.readLo, c.pendingLo, c.haveLo = s.WriteLo, s.ReadLo, s.PendingLo, s.HaveLo
	c.latched, c.latchVal = s.Latched, s.LatchVal
	c.statusLatched, c.statusVal = s.StatusLatched, s.StatusVal
}

// PITState is the serializable snapshot of all three counters plus the
// sync point they were last advanced to.
type PITState struct {
	Counters [3]pitCounterState
	LastSync uint64
}

// SaveState writes the three counters' full register/phase state (§6
// "Persisted state").
func (p *PIT) SaveState(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncLocked()
	var state PITState
	for i := range p.counters {
		state.Counters[i] = saveCounter(&p.counters[i])
	}
	state.LastSync = p.lastSync
	return saveio.Save(w, "pit", &state)
}

// RestoreState reads back a snapshot written by SaveState, resets the
// sync point to the clock's current time, and calls rearmLocked to
// re-register the wheel timer against whichever counter next changes —
// timerID itself is a stable registration from construction and does not
// need to be recreated, only re-activated.
func (p *PIT) RestoreState(r io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var state PITState
	if err := saveio.Restore(r, "pit", &state); err != nil {
		return err
	}
	for i := range p.counters {
		restoreCounter(&p.counters[i], state.Counters[i])
	}
	p.lastSync = p.clk.Now()
	p.rearmLocked()
	return nil
}
