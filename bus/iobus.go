// Package bus implements the device subsystem's shared services: the port
// dispatcher, the IRQ line bus, and the DMA controller. These are the
// "leaves" every device in package devices is built on top of (§2).
package bus

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Width is the access width of a port I/O operation, in bytes.
type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
)

// WidthMask declares which access widths a device's port range accepts. A
// device may accept more than one width at the same port range (e.g. a
// 16-bit-capable data register also answering 8-bit accesses).
type WidthMask uint8

const (
	Mask8  WidthMask = 1 << 0
	Mask16 WidthMask = 1 << 1
	Mask32 WidthMask = 1 << 2
)

func (m WidthMask) allows(w Width) bool {
	switch w {
	case Width8:
		return m&Mask8 != 0
	case Width16:
		return m&Mask16 != 0
	case Width32:
		return m&Mask32 != 0
	}
	return false
}

// Device is the interface a peripheral publishes to the port dispatcher.
// Port values are always the absolute port number; a device spanning
// several registers computes its own offset. Devices never return an
// error from I/O: protocol-level problems are recorded in the device's own
// status registers (§7), not unwound through this interface.
type Device interface {
	// PortIn services a CPU IN instruction.
	PortIn(port uint16, width Width) uint32
	// PortOut services a CPU OUT instruction.
	PortOut(port uint16, width Width, value uint32)
}

type binding struct {
	lo, hi uint16
	mask   WidthMask
	dev    Device
	name   string
}

// Dispatcher maps (port, width, direction) to a registered device handler,
// with independent read and write tables so a port may be read by one
// device's logic path and written by another's (§4.1).
type Dispatcher struct {
	mu      sync.RWMutex
	reads   map[uint16]*binding
	writes  map[uint16]*binding
	readSet map[string]*binding
	wrtSet  map[string]*binding
	log     *log.Logger
}

// NewDispatcher creates an empty port dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		reads:   make(map[uint16]*binding),
		writes:  make(map[uint16]*binding),
		readSet: make(map[string]*binding),
		wrtSet:  make(map[string]*binding),
		log:     log.With("component", "bus"),
	}
}

// RegisterRead publishes dev as the handler for reads on [lo, hi] at the
// given widths. name identifies the device for PortAlreadyBound errors and
// logging.
func (d *Dispatcher) RegisterRead(name string, lo, hi uint16, mask WidthMask, dev Device) error {
	return d.register(d.reads, d.readSet, name, lo, hi, mask, dev)
}

// RegisterWrite publishes dev as the handler for writes on [lo, hi].
func (d *Dispatcher) RegisterWrite(name string, lo, hi uint16, mask WidthMask, dev Device) error {
	return d.register(d.writes, d.wrtSet, name, lo, hi, mask, dev)
}

// RegisterReadWrite is a convenience that binds both tables to the same
// device over the same range and mask — the common case.
func (d *Dispatcher) RegisterReadWrite(name string, lo, hi uint16, mask WidthMask, dev Device) error {
	if err := d.RegisterRead(name, lo, hi, mask, dev); err != nil {
		return err
	}
	if err := d.RegisterWrite(name, lo, hi, mask, dev); err != nil {
		d.UnregisterRead(name)
		return err
	}
	return nil
}

func (d *Dispatcher) register(table map[uint16]*binding, set map[string]*binding, name string, lo, hi uint16, mask WidthMask, dev Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := uint32(lo); p <= uint32(hi); p++ {
		if existing, ok := table[uint16(p)]; ok && existing.name != name {
			return &PortAlreadyBound{Port: uint16(p), Incumbent: existing.name, Challenger: name}
		}
	}
	b := &binding{lo: lo, hi: hi, mask: mask, dev: dev, name: name}
	for p := uint32(lo); p <= uint32(hi); p++ {
		table[uint16(p)] = b
	}
	set[name] = b
	d.log.Debug("port range registered", "device", name, "lo", lo, "hi", hi)
	return nil
}

// UnregisterRead removes a device's read binding by name.
func (d *Dispatcher) UnregisterRead(name string) {
	d.unregister(d.reads, d.readSet, name)
}

// UnregisterWrite removes a device's write binding by name.
func (d *Dispatcher) UnregisterWrite(name string) {
	d.unregister(d.writes, d.wrtSet, name)
}

// Unregister removes both read and write bindings for name.
func (d *Dispatcher) Unregister(name string) {
	d.UnregisterRead(name)
	d.UnregisterWrite(name)
}

func (d *Dispatcher) unregister(table map[uint16]*binding, set map[string]*binding, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := set[name]
	if !ok {
		return
	}
	for p := uint32(b.lo); p <= uint32(b.hi); p++ {
		if table[uint16(p)] == b {
			delete(table, uint16(p))
		}
	}
	delete(set, name)
}

// Rebind atomically replaces a device's previous binding with a new range
// (POS-style reconfiguration, §4.1): unregister then register under the
// same name so no other device can race into the freed range first.
func (d *Dispatcher) Rebind(name string, lo, hi uint16, mask WidthMask, dev Device) error {
	d.Unregister(name)
	return d.RegisterReadWrite(name, lo, hi, mask, dev)
}

// Read performs a CPU IN instruction. A 16/32-bit access to a range only
// published at 8-bit width is decomposed into sequential 8-bit accesses,
// little-endian assembled, per §4.1. An access matching no handler at all
// returns all-ones and is logged at debug level.
func (d *Dispatcher) Read(port uint16, width Width) uint32 {
	d.mu.RLock()
	b, ok := d.reads[port]
	d.mu.RUnlock()
	if !ok {
		d.log.Debug("unhandled port read", "port", port, "width", width)
		return widthOnes(width)
	}
	if b.mask.allows(width) {
		return b.dev.PortIn(port, width)
	}
	// Decompose into narrower accesses the device does support.
	if width == Width32 && b.mask.allows(Width16) {
		lo := d.Read(port, Width16)
		hi := d.Read(port+2, Width16)
		return lo | (hi << 16)
	}
	if (width == Width16 || width == Width32) && b.mask.allows(Width8) {
		var v uint32
		n := int(width)
		for i := 0; i < n; i++ {
			byteVal := d.Read(port+uint16(i), Width8)
			v |= (byteVal & 0xFF) << (8 * i)
		}
		return v
	}
	d.log.Warn("port access width not supported by device", "port", port, "width", width, "device", b.name)
	return widthOnes(width)
}

// Write performs a CPU OUT instruction with the same width-decomposition
// rule as Read. A write matching no handler is silently dropped at warn
// level, per §4.1.
func (d *Dispatcher) Write(port uint16, width Width, value uint32) {
	d.mu.RLock()
	b, ok := d.writes[port]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("unhandled port write dropped", "port", port, "width", width, "value", value)
		return
	}
	if b.mask.allows(width) {
		b.dev.PortOut(port, width, value)
		return
	}
	if width == Width32 && b.mask.allows(Width16) {
		d.Write(port, Width16, value&0xFFFF)
		d.Write(port+2, Width16, (value>>16)&0xFFFF)
		return
	}
	if (width == Width16 || width == Width32) && b.mask.allows(Width8) {
		n := int(width)
		for i := 0; i < n; i++ {
			d.Write(port+uint16(i), Width8, (value>>(8*i))&0xFF)
		}
		return
	}
	d.log.Warn("port write width not supported by device", "port", port, "width", width, "device", b.name)
}

func widthOnes(w Width) uint32 {
	switch w {
	case Width8:
		return 0xFF
	case Width16:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}
