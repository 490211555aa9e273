// Package machine assembles the device subsystem into one owning struct
// (§9 "Global mutable state": replace file-scope singletons with an owning
// Machine struct threaded explicitly through install/reset/run paths).
// machine.New builds every shared service and device from a Config, wires
// them together the way §2's dependency order prescribes (clock -> timer
// wheel -> IRQ/DMA/port dispatch -> PIC -> PIT -> UART/FDC/ATA/Sound), and
// installs their port ranges on one Dispatcher.
package machine

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
	"github.com/retrohw/ps1devices/devices"
	"github.com/retrohw/ps1devices/hostport"
	"github.com/retrohw/ps1devices/storage"
)

// comBinding is one of the four fixed COM port base/IRQ pairs (§6).
type comBinding struct {
	base uint16
	irq  uint8
}

var comBindings = [4]comBinding{
	{0x3F8, 4}, // COM1
	{0x2F8, 3}, // COM2
	{0x3E8, 4}, // COM3
	{0x2E8, 3}, // COM4
}

// ataBinding is one of the two fixed ATA channel port/IRQ triples (§6).
type ataBinding struct {
	base, ctrlBase uint16
	irq            uint8
}

var ataBindings = [2]ataBinding{
	{0x1F0, 0x3F6, 14}, // primary
	{0x170, 0x376, 15}, // secondary
}

// floppy144 is the standard 3.5" 1.44MB geometry, the only shape
// cmd/ps1bus creates images at.
var floppy144 = storage.Geometry{Cylinders: 80, Heads: 2, Sectors: 18}

// defaultHDPerf is a representative early-90s IDE drive's timing constants
// (§3 "Performance"), used for every ATA disk a Config attaches since the
// device subsystem has no image-format field to read real timing from.
var defaultHDPerf = storage.Performance{
	SeekTrackUS:    800,
	SeekMaxUS:      18000,
	SeekOverheadUS: 2000,
	SeekAvgSpeedUS: 8000,
	RotSpeedRPM:    3600,
	Interleave:     1,
	SecXferUS:      30,
	SecReadUS:      60,
	TrackReadUS:    16000,
	TrackToTrackUS: 3000,
}

// Machine owns every shared service and device (§3, §9). Nothing else in
// this module holds package-level mutable state; a test or cmd/ps1bus
// drives everything through this struct.
type Machine struct {
	Clock *clock.VirtualClock
	Wheel *clock.Wheel
	Bus   *bus.Dispatcher
	DMA   *bus.Controller
	PIC   *devices.PIC
	IRQ   *bus.IRQBus

	PIT   *devices.PIT
	COM   [4]*devices.UART
	FDC   *devices.FDC
	ATA   [2]*devices.Controller
	Sound *devices.SoundBlaster
	CMOS  *devices.CMOS
	KBC   *devices.KBC

	closers []io.Closer
	log     *log.Logger
}

// New builds a Machine from cfg (DefaultConfig() if nil), installing every
// configured device's ports on one Dispatcher. An install-time failure
// (§7 "Configuration errors": duplicate port binding, missing image file)
// is returned as an error; nothing past that point is left partially wired
// since New tears down anything it opened before returning.
func New(cfg *Config) (m *Machine, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m = &Machine{
		Clock: clock.NewVirtualClock(),
		log:   log.With("component", "machine"),
	}
	built := m
	defer func() {
		if err != nil {
			built.Close()
		}
	}()
	m.Wheel = clock.NewWheel(m.Clock)
	m.Bus = bus.NewDispatcher()
	m.DMA = bus.NewController()
	m.PIC = devices.NewPIC()
	m.IRQ = bus.NewIRQBus(m.PIC)

	if err = m.PIC.Install(m.Bus); err != nil {
		return nil, err
	}
	if err = m.DMA.Install(m.Bus); err != nil {
		return nil, err
	}

	m.PIT = devices.NewPIT(m.Clock, m.Wheel, m.IRQ)
	if err = m.PIT.Install(m.Bus); err != nil {
		return nil, err
	}

	m.CMOS = devices.NewCMOS(m.Wheel, m.IRQ, 8,
		cfg.CMOS.Year, cfg.CMOS.Month, cfg.CMOS.Day, cfg.CMOS.Hour, cfg.CMOS.Min, cfg.CMOS.Sec)
	if err = m.CMOS.Install(m.Bus, "cmos"); err != nil {
		return nil, err
	}

	m.KBC = devices.NewKBC(m.IRQ)
	if err = m.KBC.Install(m.Bus); err != nil {
		return nil, err
	}

	if err = m.installCOMPorts(cfg); err != nil {
		return nil, err
	}

	m.FDC = devices.NewFDC(m.Wheel, m.IRQ, m.DMA)
	if err = m.FDC.Install(m.Bus); err != nil {
		return nil, err
	}
	if err = m.attachFloppies(cfg); err != nil {
		return nil, err
	}

	if err = m.installATA(cfg); err != nil {
		return nil, err
	}

	if cfg.Sound.Enabled {
		m.Sound = devices.NewSoundBlaster(m.Wheel, m.IRQ, m.DMA, cfg.Sound.Base, cfg.Sound.IRQ, cfg.Sound.DMA)
		if err = m.Sound.Install(m.Bus, "soundblaster"); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Machine) installCOMPorts(cfg *Config) error {
	for i, cc := range cfg.COM {
		if !cc.Enabled {
			continue
		}
		name := fmt.Sprintf("com%d", i+1)
		u := devices.NewUART(m.Wheel, m.IRQ, comBindings[i].base, comBindings[i].irq)
		if err := u.Install(m.Bus, name); err != nil {
			return err
		}
		backend, closer, err := buildHostBackend(cc)
		if err != nil {
			return fmt.Errorf("machine: %s: %w", name, err)
		}
		if backend != nil {
			u.SetHost(backend)
		}
		if closer != nil {
			m.closers = append(m.closers, closer)
		}
		m.COM[i] = u
	}
	return nil
}

func (m *Machine) attachFloppies(cfg *Config) error {
	for i, fc := range cfg.Floppy {
		if !fc.Enabled {
			continue
		}
		img, err := storage.OpenFlatFile(fc.Image, floppy144, 512, fc.ReadOnly, false)
		if err != nil {
			return fmt.Errorf("machine: floppy%d: %w", i, err)
		}
		m.FDC.AttachDrive(i, img)
		m.closers = append(m.closers, img)
	}
	return nil
}

func (m *Machine) installATA(cfg *Config) error {
	channels := [2]ChannelConfig{cfg.Primary, cfg.Secondary}
	for ci, chCfg := range channels {
		c := devices.NewController(m.Wheel, m.IRQ, ataBindings[ci].base, ataBindings[ci].ctrlBase, ataBindings[ci].irq)
		name := fmt.Sprintf("ata%d", ci)
		if err := c.Install(m.Bus, name); err != nil {
			return err
		}
		slots := [2]DeviceConfig{chCfg.Master, chCfg.Slave}
		for di, dc := range slots {
			if !dc.Enabled {
				continue
			}
			if dc.ATAPI {
				cdrom := storage.NewCdRomDrive()
				c.AttachCDROM(di, cdrom, dc.Model, dc.Serial)
				continue
			}
			geom := storage.Geometry{
				Cylinders: dc.Geometry.Cylinders,
				Heads:     dc.Geometry.Heads,
				Sectors:   dc.Geometry.Sectors,
			}
			img, err := storage.OpenFlatFile(dc.Image, geom, 512, false, false)
			if err != nil {
				return fmt.Errorf("machine: ata%d.%d: %w", ci, di, err)
			}
			c.AttachDisk(di, img, defaultHDPerf, dc.Model, dc.Serial)
			m.closers = append(m.closers, img)
		}
		m.ATA[ci] = c
	}
	return nil
}

// buildHostBackend constructs the hostport.Backend a COMConfig names. An
// unrecognised or empty backend name yields no backend (nil, nil, nil) —
// the UART behaves as an unconnected port.
func buildHostBackend(cc COMConfig) (hostport.Backend, io.Closer, error) {
	switch cc.Backend {
	case "", "null":
		return nil, nil, nil
	case "dummy":
		return &hostport.Dummy{}, nil, nil
	case "file":
		f := hostport.NewFile(cc.Path)
		return f, f, nil
	case "terminal":
		t, err := hostport.NewTerminal()
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	case "tcp-client":
		c, err := hostport.NewTCPClient(cc.Address, cc.Baud, cc.TxDelay)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "tcp-server":
		s, err := hostport.NewTCPServer(cc.Address, cc.Baud, cc.TxDelay)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "pipe":
		p, err := hostport.NewPipe(false)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case "modem":
		return hostport.NewModem(), nil, nil
	case "speech":
		return hostport.NewSpeech(), nil, nil
	case "mouse":
		return hostport.NewMouse(mouseProtocol(cc.MouseProto)), nil, nil
	case "realserial":
		r, err := hostport.NewRealSerial(cc.Path, cc.Baud)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("unknown host backend %q", cc.Backend)
	}
}

func mouseProtocol(name string) hostport.MouseProtocol {
	switch name {
	case "wheel":
		return hostport.ProtocolMicrosoftWheel
	case "mousesystems":
		return hostport.ProtocolMouseSystems
	default:
		return hostport.ProtocolMicrosoft
	}
}

// Read performs a CPU IN instruction.
func (m *Machine) Read(port uint16, width bus.Width) uint32 {
	return m.Bus.Read(port, width)
}

// Write performs a CPU OUT instruction.
func (m *Machine) Write(port uint16, width bus.Width, value uint32) {
	m.Bus.Write(port, width, value)
}

// HasPendingInterrupt reports whether INTR is currently asserted.
func (m *Machine) HasPendingInterrupt() bool {
	return m.PIC.HasPendingInterrupt()
}

// IACK services the CPU's interrupt-acknowledge cycle.
func (m *Machine) IACK() (vector uint8, ok bool) {
	return m.PIC.INTA()
}

// Advance moves the virtual clock forward by deltaNS and fires every timer
// that becomes due along the way, in as many Wheel.Poll steps as needed so
// a timer callback that re-arms another timer due before deltaNS has
// elapsed still fires in order (§5 "Ordering guarantees").
func (m *Machine) Advance(deltaNS uint64) {
	target := m.Clock.Now() + deltaNS
	for {
		due, ok := m.Wheel.NextDue()
		if !ok || due > target {
			break
		}
		m.Clock.Set(due)
		m.Wheel.Poll(due)
	}
	m.Clock.Set(target)
}

// Close releases every host-side resource a Config attached (open image
// files, network sockets, ptys). Safe to call on a partially constructed
// Machine.
func (m *Machine) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.closers = nil
	return first
}

// SaveState writes every device's snapshot to w in a fixed order, each
// chained on the same stream via saveio (§6 "Persisted state"). Devices
// with attached host/storage resources (COM backends, disk and CD-ROM
// images) only save their internal register and timer-arm state; the
// caller is responsible for re-attaching those resources to an equivalent
// Machine before calling RestoreState.
func (m *Machine) SaveState(w io.Writer) error {
	if err := m.PIC.SaveState(w); err != nil {
		return fmt.Errorf("machine: pic: %w", err)
	}
	if err := m.PIT.SaveState(w); err != nil {
		return fmt.Errorf("machine: pit: %w", err)
	}
	if err := m.DMA.SaveState(w); err != nil {
		return fmt.Errorf("machine: dma: %w", err)
	}
	if err := m.CMOS.SaveState(w); err != nil {
		return fmt.Errorf("machine: cmos: %w", err)
	}
	if err := m.KBC.SaveState(w); err != nil {
		return fmt.Errorf("machine: kbc: %w", err)
	}
	for i, com := range m.COM {
		if com == nil {
			continue
		}
		if err := com.SaveState(w); err != nil {
			return fmt.Errorf("machine: com%d: %w", i+1, err)
		}
	}
	if m.FDC != nil {
		if err := m.FDC.SaveState(w); err != nil {
			return fmt.Errorf("machine: fdc: %w", err)
		}
	}
	for i, ata := range m.ATA {
		if ata == nil {
			continue
		}
		if err := ata.SaveState(w); err != nil {
			return fmt.Errorf("machine: ata%d: %w", i, err)
		}
	}
	if m.Sound != nil {
		if err := m.Sound.SaveState(w); err != nil {
			return fmt.Errorf("machine: soundblaster: %w", err)
		}
	}
	return nil
}

// RestoreState reads back a snapshot written by SaveState, in the same
// fixed order. Call it only after every device this Machine configured is
// already installed and any host/storage resources are already attached;
// each device's RestoreState re-arms its own timers from the restored
// register state but leaves external resource attachment to the caller.
func (m *Machine) RestoreState(r io.Reader) error {
	if err := m.PIC.RestoreState(r); err != nil {
		return fmt.Errorf("machine: pic: %w", err)
	}
	if err := m.PIT.RestoreState(r); err != nil {
		return fmt.Errorf("machine: pit: %w", err)
	}
	if err := m.DMA.RestoreState(r); err != nil {
		return fmt.Errorf("machine: dma: %w", err)
	}
	if err := m.CMOS.RestoreState(r); err != nil {
		return fmt.Errorf("machine: cmos: %w", err)
	}
	if err := m.KBC.RestoreState(r); err != nil {
		return fmt.Errorf("machine: kbc: %w", err)
	}
	for i, com := range m.COM {
		if com == nil {
			continue
		}
		if err := com.RestoreState(r); err != nil {
			return fmt.Errorf("machine: com%d: %w", i+1, err)
		}
	}
	if m.FDC != nil {
		if err := m.FDC.RestoreState(r); err != nil {
			return fmt.Errorf("machine: fdc: %w", err)
		}
	}
	for i, ata := range m.ATA {
		if ata == nil {
			continue
		}
		if err := ata.RestoreState(r); err != nil {
			return fmt.Errorf("machine: ata%d: %w", i, err)
		}
	}
	if m.Sound != nil {
		if err := m.Sound.RestoreState(r); err != nil {
			return fmt.Errorf("machine: soundblaster: %w", err)
		}
	}
	return nil
}
