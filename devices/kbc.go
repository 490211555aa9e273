package devices

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/saveio"
)

// KBC ports (§C "8042-style keyboard/mouse controller port pair").
const (
	KBCDataPort   uint16 = 0x60
	KBCStatusPort uint16 = 0x64 // read: status, write: command
)

const (
	kbcIRQKeyboard uint8 = 1
	kbcIRQMouse    uint8 = 12
)

// Status register bits.
const (
	kbcStatusOBF     byte = 0x01 // output buffer full: a byte is waiting at 0x60
	kbcStatusIBF     byte = 0x02 // input buffer full: host wrote 0x60/0x64, controller hasn't consumed it yet
	kbcStatusSysFlag byte = 0x04 // set after a successful self-test, cleared by reset
	kbcStatusCmdData byte = 0x08 // 1 = last byte at 0x60 was a command parameter, 0 = keyboard data
	kbcStatusAuxOBF  byte = 0x20 // the byte waiting at 0x60 came from the AUX (mouse) port, not the keyboard
	kbcStatusTimeout byte = 0x40
	kbcStatusParity  byte = 0x80
)

// Controller command-byte bits (read via 0x20, written via 0x60).
const (
	kbcCfgKeyboardIRQ byte = 0x01
	kbcCfgMouseIRQ    byte = 0x02
	kbcCfgSysFlag     byte = 0x04
	kbcCfgKeyboardDis byte = 0x10
	kbcCfgMouseDis    byte = 0x20
	kbcCfgTranslate   byte = 0x40
)

// kbcAwait names what a pending command byte at 0x64 is waiting for at 0x60,
// the same accumulate-then-dispatch idiom devices.FDC uses for its
// command/parameter phases (§C).
type kbcAwait int

const (
	kbcAwaitNone kbcAwait = iota
	kbcAwaitConfigByte
	kbcAwaitOutputPort
	kbcAwaitMouseByte
)

// KBC is an 8042-style keyboard/mouse controller (Supplemented Feature,
// §C): ports 0x60 (data) / 0x64 (status/command), independent keyboard and
// AUX (mouse) scan-code output queues, and a command/command-byte/
// command-with-argument phase state machine generalized from the FDC's
// command dispatcher, since the teacher's keyboard device (core_engine/
// devices/keyboard.go) has no command protocol to draw on directly.
type KBC struct {
	mu sync.Mutex

	cfg        byte // command byte: IRQ enables, disable flags, translation
	outputPort byte
	await      kbcAwait

	kbdQueue   []byte
	auxQueue   []byte
	lastSource bool // true if the most recently queued byte for 0x60 came from AUX

	irq *bus.IRQBus
	log *log.Logger
}

// NewKBC creates a keyboard/mouse controller with both IRQ lines enabled
// and translation on, matching a BIOS-initialized PC at boot.
func NewKBC(irq *bus.IRQBus) *KBC {
	return &KBC{
		cfg: kbcCfgKeyboardIRQ | kbcCfgMouseIRQ | kbcCfgSysFlag | kbcCfgTranslate,
		irq: irq,
		log: log.With("component", "kbc"),
	}
}

// Install registers the data and status/command ports.
func (k *KBC) Install(d *bus.Dispatcher) error {
	if err := d.RegisterReadWrite("kbc", KBCDataPort, KBCDataPort, bus.Mask8, k); err != nil {
		return err
	}
	return d.RegisterReadWrite("kbc", KBCStatusPort, KBCStatusPort, bus.Mask8, k)
}

func (k *KBC) PortIn(port uint16, width bus.Width) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch port {
	case KBCStatusPort:
		return uint32(k.statusLocked())
	case KBCDataPort:
		return uint32(k.readDataLocked())
	}
	return 0xFF
}

func (k *KBC) PortOut(port uint16, width bus.Width, value uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := byte(value)
	switch port {
	case KBCStatusPort:
		k.writeCommandLocked(v)
	case KBCDataPort:
		k.writeDataLocked(v)
	}
}

func (k *KBC) statusLocked() byte {
	s := byte(0)
	if len(k.kbdQueue) > 0 || len(k.auxQueue) > 0 {
		s |= kbcStatusOBF
		if k.lastSource {
			s |= kbcStatusAuxOBF
		}
	}
	if k.await != kbcAwaitNone {
		s |= kbcStatusCmdData
	}
	if k.cfg&kbcCfgSysFlag != 0 {
		s |= kbcStatusSysFlag
	}
	return s
}

// readDataLocked drains the AUX queue first when a byte is pending there
// (it was the most recently produced), otherwise the keyboard queue,
// mirroring the real 8042's single output-buffer-to-two-sources funnel.
func (k *KBC) readDataLocked() byte {
	if k.lastSource && len(k.auxQueue) > 0 {
		v := k.auxQueue[0]
		k.auxQueue = k.auxQueue[1:]
		k.irq.Lower(kbcIRQMouse)
		if len(k.kbdQueue) > 0 {
			k.lastSource = false
		}
		return v
	}
	if len(k.kbdQueue) > 0 {
		v := k.kbdQueue[0]
		k.kbdQueue = k.kbdQueue[1:]
		k.irq.Lower(kbcIRQKeyboard)
		return v
	}
	if len(k.auxQueue) > 0 {
		v := k.auxQueue[0]
		k.auxQueue = k.auxQueue[1:]
		k.irq.Lower(kbcIRQMouse)
		return v
	}
	return 0
}

// writeCommandLocked handles a byte written to 0x64: either a standalone
// command or the first byte of a command awaiting a parameter at 0x60.
func (k *KBC) writeCommandLocked(cmd byte) {
	switch cmd {
	case 0x20: // read command byte
		k.pushReplace(&k.kbdQueue, k.cfg, false)
	case 0x60: // write command byte: next 0x60 write is the parameter
		k.await = kbcAwaitConfigByte
	case 0xA7: // disable AUX
		k.cfg |= kbcCfgMouseDis
	case 0xA8: // enable AUX
		k.cfg &^= kbcCfgMouseDis
	case 0xA9: // test AUX port
		k.pushReplace(&k.auxQueue, 0x00, true)
	case 0xAA: // self test
		k.cfg |= kbcCfgSysFlag
		k.pushReplace(&k.kbdQueue, 0x55, false)
	case 0xAB: // test keyboard (first PS/2) port
		k.pushReplace(&k.kbdQueue, 0x00, false)
	case 0xAD: // disable keyboard interface
		k.cfg |= kbcCfgKeyboardDis
	case 0xAE: // enable keyboard interface
		k.cfg &^= kbcCfgKeyboardDis
	case 0xD0: // read output port
		k.pushReplace(&k.kbdQueue, k.outputPort, false)
	case 0xD1: // write output port: next 0x60 write is the parameter
		k.await = kbcAwaitOutputPort
	case 0xD4: // next 0x60 write is routed to the AUX device
		k.await = kbcAwaitMouseByte
	case 0xFE: // system reset pulse: not modeled (CPU core out of scope), accepted and logged
		k.log.Info("system reset pulse requested")
	default:
		k.log.Debug("unhandled KBC command", "cmd", cmd)
	}
}

func (k *KBC) writeDataLocked(v byte) {
	switch k.await {
	case kbcAwaitConfigByte:
		k.cfg = v
		k.await = kbcAwaitNone
	case kbcAwaitOutputPort:
		k.outputPort = v
		k.await = kbcAwaitNone
	case kbcAwaitMouseByte:
		k.await = kbcAwaitNone
		// A command aimed at the AUX device with no PS/2 mouse attached
		// (mouse I/O in this device set is modeled as a serial-COM
		// backend, §hostport.Mouse) is acknowledged with ACK only.
		k.pushReplace(&k.auxQueue, 0xFA, true)
	default:
		// Keyboard data register write: real hardware rejects this on
		// most controllers; logged and dropped.
		k.log.Debug("unexpected write to data port", "value", v)
	}
}

func (k *KBC) pushReplace(q *[]byte, v byte, fromAux bool) {
	*q = append(*q, v)
	k.lastSource = fromAux
	if fromAux {
		if k.cfg&kbcCfgMouseIRQ != 0 {
			k.irq.Raise(kbcIRQMouse)
		}
	} else if k.cfg&kbcCfgKeyboardIRQ != 0 {
		k.irq.Raise(kbcIRQKeyboard)
	}
}

// PushScancode enqueues a keyboard scan-code byte for the host to read at
// 0x60, raising IRQ1 if the keyboard interrupt is enabled and the
// interface isn't disabled.
func (k *KBC) PushScancode(b byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cfg&kbcCfgKeyboardDis != 0 {
		return
	}
	k.pushReplace(&k.kbdQueue, b, false)
}

// PushMouseByte enqueues a PS/2 mouse protocol byte, raising IRQ12 if the
// AUX interrupt is enabled and the AUX interface isn't disabled.
func (k *KBC) PushMouseByte(b byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cfg&kbcCfgMouseDis != 0 {
		return
	}
	k.pushReplace(&k.auxQueue, b, true)
}

// KBCState is KBC's gob-serializable snapshot (§6 "Persisted state"):
// the controller has no timers, so nothing needs rebinding on restore.
type KBCState struct {
	Cfg        byte
	OutputPort byte
	Await      kbcAwait
	KbdQueue   []byte
	AuxQueue   []byte
	LastSource bool
}

// SaveState writes the command-byte/queue state (§6 "Persisted state").
func (k *KBC) SaveState(w io.Writer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	state := KBCState{
		Cfg: k.cfg, OutputPort: k.outputPort, Await: k.await,
		KbdQueue:   append([]byte(nil), k.kbdQueue...),
		AuxQueue:   append([]byte(nil), k.auxQueue...),
		LastSource: k.lastSource,
	}
	return saveio.Save(w, "kbc", &state)
}

// RestoreState reads back a snapshot written by SaveState.
func (k *KBC) RestoreState(r io.Reader) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var state KBCState
	if err := saveio.Restore(r, "kbc", &state); err != nil {
		return err
	}
	k.cfg, k.outputPort, k.await = state.Cfg, state.OutputPort, state.Await
	k.kbdQueue = append([]byte(nil), state.KbdQueue...)
	k.auxQueue = append([]byte(nil), state.AuxQueue...)
	k.lastSource = state.LastSource
	return nil
}
