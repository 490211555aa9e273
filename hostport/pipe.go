package hostport

import (
	"os"
	"sync"
	"time"
)

// Pipe is the "pipe client/server" backend (§4.4: "named pipe;
// platform-dependent; simulator is allowed to stub"). It wraps a pair of
// OS pipes so a test harness can sit on PeerRead/PeerWrite without needing
// a named FIFO on disk.
type Pipe struct {
	mu         sync.Mutex
	readEnd    *os.File
	writeEnd   *os.File
	PeerRead   *os.File
	PeerWrite  *os.File
	buf        [1]byte
}

// NewPipe creates a connected in-process pipe pair. server is not used —
// client and server behave identically since both ends are equally
// anonymous pipes.
func NewPipe(server bool) (*Pipe, error) {
	r1, w1, err := os.Pipe() // host -> peer
	if err != nil {
		return nil, err
	}
	r2, w2, err := os.Pipe() // peer -> host
	if err != nil {
		r1.Close()
		w1.Close()
		return nil, err
	}
	return &Pipe{readEnd: r2, writeEnd: w1, PeerRead: r1, PeerWrite: w2}, nil
}

func (p *Pipe) Send(b byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.writeEnd.Write([]byte{b})
	return err
}

func (p *Pipe) Recv() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readEnd.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := p.readEnd.Read(p.buf[:])
	if n == 0 || err != nil {
		return 0, false
	}
	return p.buf[0], true
}

func (p *Pipe) ModemStatus() (cts, dsr, ri, dcd bool) { return true, true, false, true }

func (p *Pipe) Control(dtr, rts bool) {}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readEnd.Close()
	return p.writeEnd.Close()
}
