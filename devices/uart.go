package devices

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
	"github.com/retrohw/ps1devices/hostport"
	"github.com/retrohw/ps1devices/saveio"
)

// Register offsets from a COM port's base, per the 8250/16550 family (§4.4).
const (
	RegRBRTHRDLL byte = 0 // RBR(r)/THR(w), or DLL when DLAB=1
	RegIERDLM    byte = 1 // IER, or DLM when DLAB=1
	RegIIRFCR    byte = 2 // IIR(r)/FCR(w)
	RegLCR       byte = 3
	RegMCR       byte = 4
	RegLSR       byte = 5
	RegMSR       byte = 6
	RegSCR       byte = 7
)

// LCR bits.
const (
	lcrWordLenMask byte = 0x03
	lcrStopBits    byte = 0x04
	lcrParityEn    byte = 0x08
	lcrDLAB        byte = 0x80
)

// LSR bits.
const (
	lsrDR   byte = 0x01
	lsrOE   byte = 0x02
	lsrPE   byte = 0x04
	lsrFE   byte = 0x08
	lsrBI   byte = 0x10
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40
)

// MSR bits: low nibble is delta-since-last-read, high nibble is current state.
const (
	msrDCTS byte = 0x01
	msrDDSR byte = 0x02
	msrTERI byte = 0x04
	msrDDCD byte = 0x08
	msrCTS  byte = 0x10
	msrDSR  byte = 0x20
	msrRI   byte = 0x40
	msrDCD  byte = 0x80
)

// MCR bits.
const (
	mcrDTR   byte = 0x01
	mcrRTS   byte = 0x02
	mcrOut1  byte = 0x04
	mcrOut2  byte = 0x08
	mcrLoop  byte = 0x10
)

// IER bits.
const (
	ierRxData byte = 0x01
	ierTHRE   byte = 0x02
	ierRxLine byte = 0x04
	ierModem  byte = 0x08
)

// IIR interrupt-source codes, in priority order highest to lowest (§4.4).
const (
	iirNoInt   byte = 0x01
	iirRxLine  byte = 0x06
	iirRxData  byte = 0x04
	iirTimeout byte = 0x0C
	iirTHRE    byte = 0x02
	iirModem   byte = 0x00
)

// FCR bits.
const (
	fcrEnable     byte = 0x01
	fcrRxReset    byte = 0x02
	fcrTxReset    byte = 0x04
	fcrTriggerMask byte = 0xC0
)

var fifoTriggerLevels = [4]int{1, 4, 8, 14}

const uartFIFODepth = 16

// UART is an 8250/16550-family serial port (§4.4): register file,
// divisor-driven per-byte timing, a 16-byte TX/RX FIFO pair, and a
// pluggable host back-end the TX/RX timers push bytes through regardless
// of whether the back-end is actually connected to anything.
type UART struct {
	mu sync.Mutex

	ier, lcr, mcr, lsr byte
	msrDelta           byte
	msrState           byte
	fcr                byte
	scr                byte

	dll, dlm byte
	dlab     bool

	fifoEnable    bool
	fifoTrigger   int
	rxFIFO        []byte
	txFIFO        []byte
	rbr           byte
	rbrLoaded     bool
	thrIntPending bool // latched separately from LSR.THRE; cleared by an IIR read

	lcrAtLastMCR byte

	wheel *clock.Wheel
	irq   *bus.IRQBus
	line  uint8
	base  uint16

	txTimer   clock.TimerID
	rxTimer   clock.TimerID
	fifoTimer clock.TimerID
	txArmed   bool

	host hostport.Backend
	log  *log.Logger
}

// NewUART creates a COM port at base, raising irqLine, with no host
// back-end attached (loopback and idle reads only) until SetHost is
// called.
func NewUART(wheel *clock.Wheel, irq *bus.IRQBus, base uint16, irqLine uint8) *UART {
	u := &UART{
		wheel: wheel, irq: irq, base: base, line: irqLine,
		lsr:           lsrTHRE | lsrTEMT,
		thrIntPending: true,
		dll:           0x01, // 115200 baud power-on default
		log:           log.With("component", "uart", "base", base),
	}
	u.txTimer = wheel.Register("uart-tx", u.onTXTimer)
	u.rxTimer = wheel.Register("uart-rx", u.onRXTimer)
	u.fifoTimer = wheel.Register("uart-fifo-timeout", u.onFIFOTimeout)
	return u
}

// SetHost attaches (or replaces) the host-side back-end. Passing nil
// detaches it; RX stalls and TX bytes are simply discarded at the TX
// timer, as if nothing were connected.
func (u *UART) SetHost(h hostport.Backend) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.host = h
	if h != nil {
		u.wheel.ActivateAfter(u.rxTimer, u.databyteNS(), 0)
	} else {
		u.wheel.Deactivate(u.rxTimer)
	}
}

// Install registers base..base+7 on the dispatcher.
func (u *UART) Install(d *bus.Dispatcher, name string) error {
	return d.RegisterReadWrite(name, u.base, u.base+7, bus.Mask8, u)
}

func (u *UART) PortIn(port uint16, width bus.Width) uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return uint32(u.readReg(byte(port - u.base)))
}

func (u *UART) PortOut(port uint16, width bus.Width, value uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeReg(byte(port-u.base), byte(value))
}

func (u *UART) readReg(off byte) byte {
	switch off {
	case RegRBRTHRDLL:
		if u.dlab {
			return u.dll
		}
		return u.readRBR()
	case RegIERDLM:
		if u.dlab {
			return u.dlm
		}
		return u.ier
	case RegIIRFCR:
		iir := u.computeIIR()
		if iir == iirTHRE {
			// reading IIR clears the TX-empty source (§4.4); LSR.THRE
			// itself stays set until a new byte is written.
			u.thrIntPending = false
			u.recomputeInterrupt()
		}
		fifoBits := byte(0)
		if u.fifoEnable {
			fifoBits = 0xC0
		}
		return iir | fifoBits
	case RegLCR:
		return u.lcr
	case RegMCR:
		return u.mcr
	case RegLSR:
		v := u.lsr
		u.lsr &^= lsrOE | lsrPE | lsrFE | lsrBI
		return v
	case RegMSR:
		v := u.msrState | u.msrDelta
		u.msrDelta = 0
		return v
	case RegSCR:
		return u.scr
	}
	return 0xFF
}

func (u *UART) readRBR() byte {
	var b byte
	if u.fifoEnable {
		if len(u.rxFIFO) > 0 {
			b = u.rxFIFO[0]
			u.rxFIFO = u.rxFIFO[1:]
		}
		if len(u.rxFIFO) == 0 {
			u.lsr &^= lsrDR
		}
	} else {
		b = u.rbr
		u.rbrLoaded = false
		u.lsr &^= lsrDR
	}
	u.recomputeInterrupt()
	return b
}

func (u *UART) writeReg(off byte, v byte) {
	switch off {
	case RegRBRTHRDLL:
		if u.dlab {
			u.dll = v
		} else {
			u.writeTHR(v)
		}
	case RegIERDLM:
		if u.dlab {
			u.dlm = v
		} else {
			u.ier = v & 0x0F
			u.recomputeInterrupt()
		}
	case RegIIRFCR:
		u.writeFCR(v)
	case RegLCR:
		u.lcr = v
		u.dlab = v&lcrDLAB != 0
	case RegMCR:
		u.writeMCR(v)
	case RegSCR:
		u.scr = v
	}
}

func (u *UART) writeFCR(v byte) {
	u.fcr = v
	wasEnabled := u.fifoEnable
	u.fifoEnable = v&fcrEnable != 0
	if v&fcrRxReset != 0 {
		u.rxFIFO = nil
	}
	if v&fcrTxReset != 0 {
		u.txFIFO = nil
	}
	if u.fifoEnable {
		u.fifoTrigger = fifoTriggerLevels[(v&fcrTriggerMask)>>6]
	}
	if u.fifoEnable != wasEnabled {
		u.rxFIFO = nil
		u.txFIFO = nil
	}
}

func (u *UART) writeTHR(v byte) {
	if u.fifoEnable {
		if len(u.txFIFO) < uartFIFODepth {
			u.txFIFO = append(u.txFIFO, v)
		}
	} else {
		u.txFIFO = []byte{v}
	}
	u.lsr &^= lsrTHRE | lsrTEMT
	u.recomputeInterrupt()
	if !u.txArmed {
		u.txArmed = true
		u.wheel.ActivateAfter(u.txTimer, u.databyteNS(), 0)
	}
}

// writeMCR applies a Modem Control Register write. A DTR+RTS 0->1
// transition is the serial-mouse power-up signal only when it arrives
// without an intervening LCR change (§4.4); a change to LCR between MCR
// writes marks the transition as part of a line-mode reconfiguration
// instead, and is not forwarded to the host back-end.
func (u *UART) writeMCR(v byte) {
	prevDTR := u.mcr&mcrDTR != 0
	prevRTS := u.mcr&mcrRTS != 0
	u.mcr = v & 0x1F
	dtr := v&mcrDTR != 0
	rts := v&mcrRTS != 0
	bothRising := dtr && rts && !prevDTR && !prevRTS
	lcrChanged := u.lcr != u.lcrAtLastMCR
	u.lcrAtLastMCR = u.lcr
	if u.host != nil && (dtr != prevDTR || rts != prevRTS) && !(bothRising && lcrChanged) {
		u.host.Control(dtr, rts)
	}
	if v&mcrLoop != 0 {
		u.syncLoopbackModemStatus()
	}
}

// syncLoopbackModemStatus mirrors MCR's DTR/RTS/OUT1/OUT2 onto MSR's
// DSR/CTS/RI/DCD when MCR.LOOP is set (§4.4 loopback test mode).
func (u *UART) syncLoopbackModemStatus() {
	var state byte
	if u.mcr&mcrDTR != 0 {
		state |= msrDSR
	}
	if u.mcr&mcrRTS != 0 {
		state |= msrCTS
	}
	if u.mcr&mcrOut1 != 0 {
		state |= msrRI
	}
	if u.mcr&mcrOut2 != 0 {
		state |= msrDCD
	}
	u.applyModemState(state)
}

// applyModemState latches a new CTS/DSR/RI/DCD state into MSR, recording
// delta bits for whichever lines changed.
func (u *UART) applyModemState(state byte) {
	if state == u.msrState {
		return
	}
	u.msrDelta |= (state ^ u.msrState) >> 4 & 0x0F
	u.msrState = state
	u.recomputeInterrupt()
}

// databyteNS computes the per-byte transmission time in nanoseconds from
// LCR and the programmed divisor (§4.4): (1 + word_len + parity + stop) x 10^9 / baud.
func (u *UART) databyteNS() uint64 {
	divisor := uint16(u.dll) | uint16(u.dlm)<<8
	if divisor == 0 {
		divisor = 1
	}
	baud := 115200.0 / float64(divisor)
	bits := 1.0 + float64((u.lcr&lcrWordLenMask)+5)
	if u.lcr&lcrParityEn != 0 {
		bits++
	}
	if u.lcr&lcrStopBits != 0 {
		bits += 2
	} else {
		bits++
	}
	usec := bits * 1e6 / baud
	return uint64(usec * 1000.0)
}

func (u *UART) onTXTimer(nowNS uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txArmed = false
	if len(u.txFIFO) == 0 {
		u.lsr |= lsrTHRE | lsrTEMT
		u.thrIntPending = true
		u.recomputeInterrupt()
		return
	}
	b := u.txFIFO[0]
	u.txFIFO = u.txFIFO[1:]
	if u.mcr&mcrLoop != 0 {
		u.deliverLoopback(b)
	} else if u.host != nil {
		u.host.Send(b)
	}
	if len(u.txFIFO) == 0 {
		u.lsr |= lsrTHRE | lsrTEMT
		u.thrIntPending = true
	} else {
		u.txArmed = true
		u.wheel.ActivateAfter(u.txTimer, u.databyteNS(), 0)
	}
	u.recomputeInterrupt()
}

// deliverLoopback feeds a transmitted byte straight back to the receive
// side, per MCR.LOOP (§4.4 loopback round-trip test).
func (u *UART) deliverLoopback(b byte) {
	u.enqueueRX(b)
}

func (u *UART) enqueueRX(b byte) {
	if u.fifoEnable {
		if len(u.rxFIFO) >= uartFIFODepth {
			u.lsr |= lsrOE
		} else {
			u.rxFIFO = append(u.rxFIFO, b)
		}
	} else {
		if u.rbrLoaded {
			u.lsr |= lsrOE
		}
		u.rbr = b
		u.rbrLoaded = true
	}
	u.lsr |= lsrDR
	u.wheel.ActivateAfter(u.fifoTimer, 3*u.databyteNS(), 0)
	u.recomputeInterrupt()
}

func (u *UART) onRXTimer(nowNS uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.host == nil || u.mcr&mcrLoop != 0 {
		u.wheel.ActivateAfter(u.rxTimer, u.databyteNS(), 0)
		return
	}
	if b, ok := u.host.Recv(); ok {
		u.enqueueRX(b)
	}
	u.pollModemStatus()
	u.wheel.ActivateAfter(u.rxTimer, u.databyteNS(), 0)
}

// pollModemStatus reflects the host back-end's CTS/DSR/RI/DCD lines onto
// MSR, recording delta bits for any line that changed since the last read.
func (u *UART) pollModemStatus() {
	cts, dsr, ri, dcd := u.host.ModemStatus()
	var state byte
	if cts {
		state |= msrCTS
	}
	if dsr {
		state |= msrDSR
	}
	if ri {
		state |= msrRI
	}
	if dcd {
		state |= msrDCD
	}
	u.applyModemState(state)
}

func (u *UART) onFIFOTimeout(nowNS uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fifoEnable && len(u.rxFIFO) > 0 && len(u.rxFIFO) < u.fifoTrigger {
		u.recomputeInterrupt()
	}
}

func (u *UART) computeIIR() byte {
	if u.ier&ierRxLine != 0 && u.lsr&(lsrOE|lsrPE|lsrFE|lsrBI) != 0 {
		return iirRxLine
	}
	if u.ier&ierRxData != 0 {
		if u.fifoEnable {
			if len(u.rxFIFO) >= u.fifoTrigger {
				return iirRxData
			}
			if len(u.rxFIFO) > 0 {
				return iirTimeout
			}
		} else if u.rbrLoaded {
			return iirRxData
		}
	}
	if u.ier&ierTHRE != 0 && u.thrIntPending {
		return iirTHRE
	}
	if u.ier&ierModem != 0 && u.msrDelta != 0 {
		return iirModem
	}
	return iirNoInt
}

func (u *UART) recomputeInterrupt() {
	iir := u.computeIIR()
	if iir != iirNoInt {
		u.irq.Raise(u.line)
	} else {
		u.irq.Lower(u.line)
	}
}

// UARTState is UART's gob-serializable snapshot (§6 "Persisted state").
// The host back-end, wheel/irq collaborators and timer IDs are
// non-serialisable resources: the host is rebound by a later SetHost
// call, and rxTimer/fifoTimer re-arm themselves the next time a byte
// arrives; only txTimer needs an explicit kick in RestoreState.
type UARTState struct {
	IER, LCR, MCR, LSR byte
	MSRDelta           byte
	MSRState           byte
	FCR                byte
	SCR                byte
	DLL, DLM           byte
	DLAB               bool
	FIFOEnable         bool
	FIFOTrigger        int
	RxFIFO, TxFIFO     []byte
	RBR                byte
	RBRLoaded          bool
	THRIntPending      bool
	LCRAtLastMCR       byte
	TxArmed            bool
}

// SaveState writes the full register/FIFO state (§6 "Persisted state").
func (u *UART) SaveState(w io.Writer) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	state := UARTState{
		IER: u.ier, LCR: u.lcr, MCR: u.mcr, LSR: u.lsr,
		MSRDelta: u.msrDelta, MSRState: u.msrState,
		FCR: u.fcr, SCR: u.scr,
		DLL: u.dll, DLM: u.dlm, DLAB: u.dlab,
		FIFOEnable: u.fifoEnable, FIFOTrigger: u.fifoTrigger,
		RxFIFO: append([]byte(nil), u.rxFIFO...),
		TxFIFO: append([]byte(nil), u.txFIFO...),
		RBR: u.rbr, RBRLoaded: u.rbrLoaded, THRIntPending: u.thrIntPending,
		LCRAtLastMCR: u.lcrAtLastMCR, TxArmed: u.txArmed,
	}
	return saveio.Save(w, "uart", &state)
}

// RestoreState reads back a snapshot written by SaveState and, if a
// transmit was in flight when it was taken, re-arms txTimer the same way
// writeTHR does.
func (u *UART) RestoreState(r io.Reader) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var state UARTState
	if err := saveio.Restore(r, "uart", &state); err != nil {
		return err
	}
	u.ier, u.lcr, u.mcr, u.lsr = state.IER, state.LCR, state.MCR, state.LSR
	u.msrDelta, u.msrState = state.MSRDelta, state.MSRState
	u.fcr, u.scr = state.FCR, state.SCR
	u.dll, u.dlm, u.dlab = state.DLL, state.DLM, state.DLAB
	u.fifoEnable, u.fifoTrigger = state.FIFOEnable, state.FIFOTrigger
	u.rxFIFO = append([]byte(nil), state.RxFIFO...)
	u.txFIFO = append([]byte(nil), state.TxFIFO...)
	u.rbr, u.rbrLoaded, u.thrIntPending = state.RBR, state.RBRLoaded, state.THRIntPending
	u.lcrAtLastMCR = state.LCRAtLastMCR
	u.txArmed = false
	if state.TxArmed {
		u.txArmed = true
		u.wheel.ActivateAfter(u.txTimer, u.databyteNS(), 0)
	}
	u.recomputeInterrupt()
	return nil
}
