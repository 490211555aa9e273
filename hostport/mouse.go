package hostport

import "sync"

// MouseProtocol selects which serial-mouse wire format Mouse emits.
type MouseProtocol int

const (
	ProtocolMicrosoft MouseProtocol = iota
	ProtocolMicrosoftWheel
	ProtocolMouseSystems
)

// Mouse is the serial-mouse backend (§4.4): writes are ignored; a
// DTR 0->1, RTS 0->1 transition (without an intervening LCR change, which
// the UART is responsible for checking before calling Control) emits the
// identification sequence, and Move enqueues subsequent motion/button
// packets.
type Mouse struct {
	mu       sync.Mutex
	proto    MouseProtocol
	dtr, rts bool
	queue    []byte
}

// NewMouse creates a mouse backend emitting proto's wire format.
func NewMouse(proto MouseProtocol) *Mouse {
	return &Mouse{proto: proto}
}

func (m *Mouse) Send(b byte) error { return nil }

func (m *Mouse) Recv() (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return 0, false
	}
	b := m.queue[0]
	m.queue = m.queue[1:]
	return b, true
}

func (m *Mouse) ModemStatus() (cts, dsr, ri, dcd bool) { return true, true, false, false }

// Control detects the DTR/RTS 0->1 power-up edge and emits the
// identification byte(s) (§4.4): "M" for Microsoft 2-button, "M","Z" for
// wheel, or a 0x80-prefixed 5-byte frame for MouseSystems.
func (m *Mouse) Control(dtr, rts bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rising := !m.dtr && dtr && !m.rts && rts
	m.dtr, m.rts = dtr, rts
	if !rising {
		return
	}
	switch m.proto {
	case ProtocolMicrosoft:
		m.queue = append(m.queue, 'M')
	case ProtocolMicrosoftWheel:
		m.queue = append(m.queue, 'M', 'Z')
	case ProtocolMouseSystems:
		m.queue = append(m.queue, 0x80, 0x57, 0x00, 0x00, 0x00)
	}
}

// Move encodes a relative motion + button-state packet and enqueues it.
func (m *Mouse) Move(dx, dy int8, left, middle, right bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.proto {
	case ProtocolMicrosoft, ProtocolMicrosoftWheel:
		b0 := byte(0x40)
		if left {
			b0 |= 0x20
		}
		if right {
			b0 |= 0x10
		}
		b0 |= byte(dy>>6) & 0x0C
		b0 |= byte(dx>>6) & 0x03
		b1 := byte(dx) & 0x3F
		b2 := byte(dy) & 0x3F
		m.queue = append(m.queue, b0, b1, b2)
	case ProtocolMouseSystems:
		b0 := byte(0x80)
		if !left {
			b0 |= 0x04
		}
		if !middle {
			b0 |= 0x02
		}
		if !right {
			b0 |= 0x01
		}
		m.queue = append(m.queue, b0, byte(dx), byte(dy), 0, 0)
	}
}

func (m *Mouse) Close() error { return nil }
