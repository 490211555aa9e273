package hostport

import (
	"os"
	"sync"
)

// File is the "file" backend (§4.4): bytes written to the port are
// appended to path, opened lazily on the first byte. It never produces
// input.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFile creates a File backend targeting path. The file is not opened
// until the first Send.
func NewFile(path string) *File {
	return &File{path: path}
}

func (h *File) Send(b byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		h.f = f
	}
	_, err := h.f.Write([]byte{b})
	return err
}

func (h *File) Recv() (byte, bool) { return 0, false }

func (h *File) ModemStatus() (cts, dsr, ri, dcd bool) { return true, true, false, true }

func (h *File) Control(dtr, rts bool) {}

func (h *File) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	return h.f.Close()
}
