package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/devices"
)

func TestNewDefaultConfigInstallsCorePorts(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint32(0xFF), m.Read(devices.PITCommandPort, bus.Width8))
	m.Write(devices.CMOSPortIndex, bus.Width8, 0x00)
	assert.NotNil(t, m.KBC)
	assert.NotNil(t, m.PIC)
	assert.Nil(t, m.Sound)
}

func TestNewAttachesFloppyFromConfig(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.img")
	require.NoError(t, os.WriteFile(img, make([]byte, 80*2*18*512), 0o644))

	cfg := DefaultConfig()
	cfg.Floppy[0] = DriveConfig{Enabled: true, Image: img}

	m, err := New(cfg)
	require.NoError(t, err)
	defer m.Close()

	assert.NotNil(t, m.FDC)
	assert.Len(t, m.closers, 1)
}

func TestNewRejectsMissingDiskImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Primary.Master = DeviceConfig{
		Enabled:  true,
		Image:    "/nonexistent/does-not-exist.img",
		Geometry: GeometryConfig{Cylinders: 100, Heads: 16, Sectors: 63},
	}

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewWithSoundEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sound.Enabled = true

	m, err := New(cfg)
	require.NoError(t, err)
	defer m.Close()

	assert.NotNil(t, m.Sound)
}

func TestAdvanceFiresDueTimer(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	defer m.Close()

	fired := false
	id := m.Wheel.Register("test", func(now uint64) { fired = true })
	m.Wheel.ActivateAfter(id, 1000, 0)

	m.Advance(2000)
	assert.True(t, fired)
}

func TestBuildHostBackendUnknownNameErrors(t *testing.T) {
	_, _, err := buildHostBackend(COMConfig{Backend: "nonsense"})
	assert.Error(t, err)
}

func TestBuildHostBackendDummy(t *testing.T) {
	backend, closer, err := buildHostBackend(COMConfig{Backend: "dummy"})
	require.NoError(t, err)
	assert.NotNil(t, backend)
	assert.Nil(t, closer)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
com:
  - enabled: true
    backend: dummy
sound:
  enabled: true
  base: 544
  irq: 5
  dma: 1
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.COM[0].Enabled)
	assert.Equal(t, "dummy", cfg.COM[0].Backend)
	assert.True(t, cfg.Sound.Enabled)
	assert.Equal(t, uint16(544), cfg.Sound.Base)
}
