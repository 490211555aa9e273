package hostport

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Terminal is the "terminal" backend (§4.4, POSIX only): the UART is
// wired to one side of a pty, and whatever is attached to Slave (a shell,
// a test harness) sees the other side.
type Terminal struct {
	mu     sync.Mutex
	master *os.File
	Slave  *os.File
	buf    [1]byte
}

// NewTerminal allocates a pty pair. The caller is responsible for handing
// Slave's name (Slave.Name()) to whatever process should sit on the other
// end.
func NewTerminal() (*Terminal, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &Terminal{master: master, Slave: slave}, nil
}

func (t *Terminal) Send(b byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.master.Write([]byte{b})
	return err
}

// Recv performs a non-blocking poll of the master side: a near-zero read
// deadline turns a blocking tty read into "return whatever is already
// buffered, or nothing".
func (t *Terminal) Recv() (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.master.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, false
	}
	n, err := t.master.Read(t.buf[:])
	if n == 0 || (err != nil && err != io.EOF) {
		return 0, false
	}
	return t.buf[0], true
}

func (t *Terminal) ModemStatus() (cts, dsr, ri, dcd bool) { return true, true, false, true }

func (t *Terminal) Control(dtr, rts bool) {}

func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Slave.Close()
	return t.master.Close()
}
