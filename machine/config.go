package machine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the small, testable description of what a Machine installs:
// COM port bindings, floppy/ATA drive images, and the Sound Blaster
// base/IRQ/DMA (§A "Configuration" — not the RML GUI's asset and input
// configuration, which stays out of scope).
type Config struct {
	COM       [4]COMConfig   `yaml:"com"`
	Floppy    [2]DriveConfig `yaml:"floppy"`
	Primary   ChannelConfig  `yaml:"primary"`
	Secondary ChannelConfig  `yaml:"secondary"`
	Sound     SoundConfig    `yaml:"sound"`
	CMOS      CMOSConfig     `yaml:"cmos"`
}

// COMConfig describes one serial port's host-side backend binding.
type COMConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"` // file, terminal, tcp-client, tcp-server, pipe, modem, speech, mouse, realserial, dummy, ""(null)
	Path       string `yaml:"path"`    // file path / tty device name, backend-dependent
	Address    string `yaml:"address"` // host:port for tcp-client/tcp-server
	Baud       int    `yaml:"baud"`
	TxDelay    int    `yaml:"tx_delay_ms"`
	MouseProto string `yaml:"mouse_protocol"` // microsoft, wheel, mousesystems
}

// DriveConfig describes one floppy drive slot.
type DriveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	ReadOnly bool   `yaml:"read_only"`
}

// ChannelConfig describes one ATA channel's two device slots.
type ChannelConfig struct {
	Master DeviceConfig `yaml:"master"`
	Slave  DeviceConfig `yaml:"slave"`
}

// DeviceConfig describes one ATA/ATAPI device slot.
type DeviceConfig struct {
	Enabled  bool           `yaml:"enabled"`
	ATAPI    bool           `yaml:"atapi"`
	Image    string         `yaml:"image"`
	Model    string         `yaml:"model"`
	Serial   string         `yaml:"serial"`
	Geometry GeometryConfig `yaml:"geometry"`
}

// GeometryConfig is the CHS shape of an ATA hard-disk image.
type GeometryConfig struct {
	Cylinders int `yaml:"cylinders"`
	Heads     int `yaml:"heads"`
	Sectors   int `yaml:"sectors"`
}

// SoundConfig describes the Sound Blaster's installed port/IRQ/DMA.
type SoundConfig struct {
	Enabled bool   `yaml:"enabled"`
	Base    uint16 `yaml:"base"`
	IRQ     uint8  `yaml:"irq"`
	DMA     int    `yaml:"dma"`
}

// CMOSConfig seeds the RTC's civil-time counter at power-on.
type CMOSConfig struct {
	Year  int `yaml:"year"`
	Month int `yaml:"month"`
	Day   int `yaml:"day"`
	Hour  int `yaml:"hour"`
	Min   int `yaml:"min"`
	Sec   int `yaml:"sec"`
}

// DefaultConfig returns a Config with no drives attached, the Sound
// Blaster at its factory-default port/IRQ/DMA, and the CMOS seeded at a
// fixed epoch — the shape a freshly created Machine gets before a user's
// YAML overrides it.
func DefaultConfig() *Config {
	return &Config{
		Sound: SoundConfig{Base: 0x220, IRQ: 5, DMA: 1},
		CMOS:  CMOSConfig{Year: 1993, Month: 1, Day: 1},
	}
}

// LoadConfig reads and parses a YAML machine description from path,
// starting from DefaultConfig so an omitted section keeps its default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("machine: parsing config: %w", err)
	}
	return cfg, nil
}
