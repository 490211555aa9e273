// Package storage provides the abstract block-image and timing model the
// floppy and ATA/ATAPI controllers drive (§3 "Storage device"). Disk image
// file formats and their I/O layer are out of scope (§1); this package
// only exposes the geometry/performance/transfer-timing abstraction a
// controller consumes, plus one raw flat-file implementation of it for
// manual exercising via cmd/ps1bus.
package storage

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrOutOfRange is returned by ReadSector/WriteSector when lba is past the
// image's capacity.
var ErrOutOfRange = errors.New("storage: lba out of range")

// Geometry is a drive's logical CHS shape plus the write-precompensation
// and landing-zone cylinders BIOS drive tables carry (§3).
type Geometry struct {
	Cylinders int
	Heads     int
	Sectors   int // sectors per track
	WritePrecompCylinder int
	LandingZoneCylinder  int
}

// TotalSectors returns the CHS-addressable capacity.
func (g Geometry) TotalSectors() int64 {
	return int64(g.Cylinders) * int64(g.Heads) * int64(g.Sectors)
}

// LBAToCHS converts a linear block address to cylinder/head/sector (sector
// is 1-based, per the ATA/INT13 convention).
func (g Geometry) LBAToCHS(lba int64) (c, h, s int) {
	spt := int64(g.Sectors)
	hpc := int64(g.Heads)
	c = int(lba / (spt * hpc))
	h = int((lba / spt) % hpc)
	s = int(lba%spt) + 1
	return
}

// CHSToLBA converts cylinder/head/sector (1-based sector) to a linear
// block address.
func (g Geometry) CHSToLBA(c, h, s int) int64 {
	return (int64(c)*int64(g.Heads)+int64(h))*int64(g.Sectors) + int64(s-1)
}

// Performance carries the rotational/seek timing constants the ATA and
// floppy controllers use to compute access latency (§3, §4.5, §4.6).
type Performance struct {
	SeekTrackUS     float64 // time to step one track
	SeekMaxUS       float64 // time for a full-stroke seek
	SeekOverheadUS  float64
	SeekAvgSpeedUS  float64
	RotSpeedRPM     float64
	Interleave      int
	SecXferUS       float64 // time to move one sector across the bus
	SecReadUS       float64 // time to read one sector off the media
	TrackReadUS     float64
	TrackToTrackUS  float64
}

// RotationPeriodUS returns one full revolution's duration.
func (p Performance) RotationPeriodUS() float64 {
	if p.RotSpeedRPM <= 0 {
		return 0
	}
	return 60_000_000.0 / p.RotSpeedRPM
}

// SeekMoveTimeUS estimates the head-movement time between two cylinders,
// the linear model real drives approximate with an overhead-plus-per-track
// term (§3 "seek_move_time_us").
func (p Performance) SeekMoveTimeUS(c0, c1 int) float64 {
	d := c1 - c0
	if d == 0 {
		return 0
	}
	if d < 0 {
		d = -d
	}
	t := p.SeekOverheadUS + float64(d)*p.SeekTrackUS
	if t > p.SeekMaxUS && p.SeekMaxUS > 0 {
		return p.SeekMaxUS
	}
	return t
}

// RotationalLatencyUS estimates the wait for the target sector to reach
// the head, given the head's current rotational position (expressed as a
// sector number already passed under the head) and the destination
// sector, both 0-based within the track.
func (p Performance) RotationalLatencyUS(headPosSector, targetSector, sectorsPerTrack int) float64 {
	if sectorsPerTrack <= 0 {
		return 0
	}
	delta := targetSector - headPosSector
	for delta < 0 {
		delta += sectorsPerTrack
	}
	return float64(delta) * p.RotationPeriodUS() / float64(sectorsPerTrack)
}

// Image is the abstract block device the floppy and ATA controllers read
// and write through (§1 "BlockImage"): open/close, geometry, and
// sector-granular random access. Short reads are zero-filled and logged by
// the caller (§7 "Host I/O errors"), never by Image itself.
type Image interface {
	Geometry() Geometry
	SectorSize() int
	ReadSector(lba int64, buf []byte) error
	WriteSector(lba int64, buf []byte) error
	ReadOnly() bool
	Close() error
}

// FlatFile is a raw flat-file block image: sector n lives at byte offset
// n*sectorSize, no header (§4.5 "Only a raw flat image format is
// specified").
type FlatFile struct {
	mu       sync.Mutex
	f        *os.File
	geom     Geometry
	secSize  int
	readOnly bool
}

// OpenFlatFile opens (or creates, if create is true) a raw flat image at
// path sized for geom at the given sector size.
func OpenFlatFile(path string, geom Geometry, sectorSize int, readOnly, create bool) (*FlatFile, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	ff := &FlatFile{f: f, geom: geom, secSize: sectorSize, readOnly: readOnly}
	if create {
		size := geom.TotalSectors() * int64(sectorSize)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return ff, nil
}

func (f *FlatFile) Geometry() Geometry { return f.geom }
func (f *FlatFile) SectorSize() int    { return f.secSize }
func (f *FlatFile) ReadOnly() bool     { return f.readOnly }

func (f *FlatFile) ReadSector(lba int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lba < 0 || lba >= f.geom.TotalSectors() {
		return ErrOutOfRange
	}
	n, err := f.f.ReadAt(buf[:f.secSize], lba*int64(f.secSize))
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < f.secSize; i++ {
		buf[i] = 0 // short read: zero-fill the tail (§7 "Host I/O errors")
	}
	return nil
}

func (f *FlatFile) WriteSector(lba int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly {
		return errors.New("storage: write to read-only image")
	}
	if lba < 0 || lba >= f.geom.TotalSectors() {
		return ErrOutOfRange
	}
	_, err := f.f.WriteAt(buf[:f.secSize], lba*int64(f.secSize))
	return err
}

func (f *FlatFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

// DiscState is a CD-ROM's media presence/audio state (§4.6 "CD audio").
type DiscState int

const (
	DiscAbsent DiscState = iota
	DiscPresent
	DiscChanged // media-changed condition pending acknowledgement via sense
)

// AudioState is the CdRomDrive audio player's state machine (§4.6).
type AudioState int

const (
	AudioStopped AudioState = iota
	AudioPlaying
	AudioPaused
)

// TOCEntry is one track of a CD-ROM's table of contents.
type TOCEntry struct {
	Track   int
	Adr     byte
	Control byte
	LBA     int64
}

// CdRomDrive is the external audio-playback collaborator ATA's ATAPI layer
// delegates PLAY AUDIO/PAUSE/STOP/SEEK-position queries to (§4.6). The
// controller holds a mutex across transitions on its side; this type's own
// methods are not required to be concurrency-safe beyond what the caller
// already serialises.
type CdRomDrive struct {
	mu      sync.Mutex
	state   AudioState
	startLBA, endLBA int64
	curLBA  int64
	disc    DiscState
	toc     []TOCEntry
}

// NewCdRomDrive creates a drive with no disc loaded.
func NewCdRomDrive() *CdRomDrive {
	return &CdRomDrive{disc: DiscAbsent}
}

// LoadDisc inserts media with the given table of contents, marking the
// media-changed condition for the next sense poll.
func (c *CdRomDrive) LoadDisc(toc []TOCEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toc = toc
	c.disc = DiscChanged
	c.state = AudioStopped
}

// AcknowledgeMediaChanged clears the pending media-changed condition,
// called once REQUEST SENSE has reported it.
func (c *CdRomDrive) AcknowledgeMediaChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disc == DiscChanged {
		c.disc = DiscPresent
	}
}

// DiscState reports the current media presence state.
func (c *CdRomDrive) DiscState() DiscState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disc
}

// TOC returns the loaded table of contents.
func (c *CdRomDrive) TOC() []TOCEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toc
}

// PlayAudio starts playback from startLBA through endLBA (exclusive).
func (c *CdRomDrive) PlayAudio(startLBA, endLBA int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = AudioPlaying
	c.startLBA, c.endLBA = startLBA, endLBA
	c.curLBA = startLBA
}

// Pause suspends playback without resetting the current position.
func (c *CdRomDrive) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AudioPlaying {
		c.state = AudioPaused
	}
}

// Resume continues playback from the paused position.
func (c *CdRomDrive) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AudioPaused {
		c.state = AudioPlaying
	}
}

// Stop aborts any audio playback (§4.6 "STOP aborts any audio").
func (c *CdRomDrive) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = AudioStopped
}

// State reports the player's current state.
func (c *CdRomDrive) State() AudioState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentLBA reports the simulated current playback position, advancing
// by one frame per call (a stand-in for real-time playback progress a
// polled SEEK-completion query observes).
func (c *CdRomDrive) CurrentLBA() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AudioPlaying {
		c.curLBA++
		if c.curLBA >= c.endLBA {
			c.curLBA = c.endLBA
			c.state = AudioStopped
		}
	}
	return c.curLBA
}
