package bus

import "fmt"

// PortAlreadyBound is returned by Dispatcher.Register* when two devices
// claim overlapping port ranges with the same read/write intent (§4.1).
type PortAlreadyBound struct {
	Port       uint16
	Incumbent  string
	Challenger string
}

func (e *PortAlreadyBound) Error() string {
	return fmt.Sprintf("bus: port 0x%x already bound to %q, cannot bind %q", e.Port, e.Incumbent, e.Challenger)
}

// IRQAlreadyBound is returned by IRQBus.Bind when a line already has an
// owner.
type IRQAlreadyBound struct {
	Line       uint8
	Incumbent  string
	Challenger string
}

func (e *IRQAlreadyBound) Error() string {
	return fmt.Sprintf("bus: IRQ line %d already bound to %q, cannot bind %q", e.Line, e.Incumbent, e.Challenger)
}
