// Package hostport implements the pluggable host-side backends a UART's TX
// and RX timers drive bytes through: file, terminal, TCP client/server,
// pipe client/server, Hayes-AT modem, speech synthesizer stub, serial
// mouse, dummy and null (§4.4 "Host back-ends").
package hostport

// Backend is the host side of one serial port. The UART calls Send for
// every byte it transmits and Recv to poll for an incoming byte; neither
// call may block — a backend with nothing to deliver returns ok=false.
// ModemStatus reports the four RS-232 input lines (CTS, DSR, RI, DCD) the
// UART's MSR mirrors; Null reports them all deasserted, while File reports
// CTS, DSR and DCD asserted and RI deasserted.
type Backend interface {
	Send(b byte) error
	Recv() (b byte, ok bool)
	ModemStatus() (cts, dsr, ri, dcd bool)
	// Control is called whenever a write to the UART's MCR changes DTR or
	// RTS, so line-sensitive backends (modem, mouse) can react to those edges.
	Control(dtr, rts bool)
	Close() error
}

// Null discards everything written and never has data available. It is the
// power-on default for an unconnected COM port.
type Null struct{}

func (Null) Send(byte) error                        { return nil }
func (Null) Recv() (byte, bool)                      { return 0, false }
func (Null) ModemStatus() (bool, bool, bool, bool)   { return false, false, false, false }
func (Null) Control(dtr, rts bool)                   {}
func (Null) Close() error                            { return nil }

// Dummy behaves like Null but loops DTR back onto DSR and RTS onto CTS, the
// minimum a loopback cable test expects.
type Dummy struct {
	dtr, rts bool
}

func (d *Dummy) Send(byte) error { return nil }
func (d *Dummy) Recv() (byte, bool) { return 0, false }
func (d *Dummy) ModemStatus() (cts, dsr, ri, dcd bool) { return d.rts, d.dtr, false, d.dtr }
func (d *Dummy) Control(dtr, rts bool)                 { d.dtr, d.rts = dtr, rts }
func (d *Dummy) Close() error                          { return nil }
