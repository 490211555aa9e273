package hostport

import (
	"fmt"
	"sync"
	"time"

	serial "github.com/daedaluz/goserial"
)

// RealSerial passes a COM port through to an actual host serial device
// (e.g. /dev/ttyUSB0), using real termios control rather than simulating
// one. This is an enrichment backend beyond the distilled host-port set:
// IBMulator-class emulators only ever talk to simulated backends, but the
// pack's serial library makes host passthrough cheap to offer.
type RealSerial struct {
	mu   sync.Mutex
	port *serial.Port
	buf  [1]byte
}

var baudRates = map[int]serial.CFlag{
	9600:   serial.B9600,
	19200:  serial.B19200,
	38400:  serial.B38400,
	57600:  serial.B57600,
	115200: serial.B115200,
}

// NewRealSerial opens name (e.g. "/dev/ttyUSB0") at baud, putting the line
// into raw mode.
func NewRealSerial(name string, baud int) (*RealSerial, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("hostport: unsupported baud rate %d", baud)
	}
	p, err := serial.Open(name, serial.NewOptions().SetReadTimeout(time.Millisecond))
	if err != nil {
		return nil, err
	}
	attrs, err := p.GetAttr()
	if err != nil {
		p.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.SetSpeed(speed)
	if err := p.SetAttr(serial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, err
	}
	return &RealSerial{port: p}, nil
}

func (r *RealSerial) Send(b byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.port.Write([]byte{b})
	return err
}

func (r *RealSerial) Recv() (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.port.ReadTimeout(r.buf[:], time.Millisecond)
	if n == 0 || err != nil {
		return 0, false
	}
	return r.buf[0], true
}

func (r *RealSerial) ModemStatus() (cts, dsr, ri, dcd bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines, err := r.port.GetModemLines()
	if err != nil {
		return true, true, false, true
	}
	return lines&serial.TIOCM_CTS != 0, true, lines&serial.TIOCM_RNG != 0, lines&serial.TIOCM_CAR != 0
}

// Control mirrors the UART's DTR/RTS lines onto the real host port.
func (r *RealSerial) Control(dtr, rts bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var set, clear serial.ModemLine
	if dtr {
		set |= serial.TIOCM_DTR
	} else {
		clear |= serial.TIOCM_DTR
	}
	if rts {
		set |= serial.TIOCM_RTS
	} else {
		clear |= serial.TIOCM_RTS
	}
	if set != 0 {
		r.port.EnableModemLines(set)
	}
	if clear != 0 {
		r.port.DisableModemLines(clear)
	}
}

func (r *RealSerial) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port.Close()
}
