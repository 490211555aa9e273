package devices

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/clock"
	"github.com/retrohw/ps1devices/saveio"
)

// Sound Blaster port offsets from the configurable base (default 0x220,
// §4.7/§6). 0x388 (AdLib/OPL compatibility) is installed separately.
const (
	sbRegMixerAddr  = 0x4
	sbRegMixerData  = 0x5
	sbRegResetReg   = 0x6
	sbRegReadData   = 0xA
	sbRegWriteCmd   = 0xC // write: command/data; status bit 0x80 = busy
	sbRegDataAvail  = 0xE // read: bit 0x80 set while a byte is queued, also acks IRQ
)

// dspState is the command-dispatch FSM's phase.
type dspState int

const (
	dspIdle dspState = iota
	dspCollectingArgs
	dspExecuting
)

// dacState models the DAC pipeline's underrun/silence machine (§4.7).
type dacState int

const (
	dacStopped dacState = iota
	dacPlaying
	dacWaiting // underrun: replenishing with the last sample
)

// dspDecoder selects the DAC pipeline's sample format: linear 8-bit PCM
// or one of the three differential ADPCM widths the DSP's DMA commands
// select (§3 "Sound Blaster state", §4.7 "2-/2.6-/4-bit ADPCM").
type dspDecoder int

const (
	decoderPCM dspDecoder = iota
	decoderADPCM2
	decoderADPCM3
	decoderADPCM4
)

// codeWidth returns how many ADPCM codes are packed per DMA byte and how
// many bits make up each code. 2.6-bit ADPCM packs three codes per byte
// at a non-integral bit width (8/3 bits); this decoder keeps the
// documented 3-bit code size and discards the byte's low two bits, a
// simplification in the same spirit as sbMemoryAdapter's fixed silence
// byte below.
func (d dspDecoder) codeWidth() (codes, bits int) {
	switch d {
	case decoderADPCM2:
		return 4, 2
	case decoderADPCM3:
		return 3, 3
	case decoderADPCM4:
		return 2, 4
	default:
		return 1, 8
	}
}

// dspCommand describes one entry of the version-mask-filtered dispatch
// table (§4.7 "ms_dsp_commands"): opcode, parameter count, execution time,
// and handler. Go has no function-pointer-bound-to-this idiom, so the
// handler takes the Sound Blaster explicitly as its first argument,
// following the enum+match/static-table pattern this repo's other
// command-driven devices (PIC OCW dispatch, FDC command table) already
// use (§9 "Command dispatch tables").
type dspCommand struct {
	paramCount int
	execTimeUS float64
	fn         func(sb *SoundBlaster, args []byte)
}

var dspCommands map[byte]dspCommand

func init() {
	dspCommands = map[byte]dspCommand{
		0x10: {1, 0, dspDirectDAC8},
		0x14: {2, 0, dspSingleCycleDMA8},
		0x1C: {0, 0, dspAutoInitDMA8},
		0x16: {2, 0, dspADPCM2SingleCycle},
		0x17: {2, 0, dspADPCM2SingleCycleRef},
		0x1F: {2, 0, dspADPCM2AutoInitRef},
		0x74: {2, 0, dspADPCM4SingleCycle},
		0x75: {2, 0, dspADPCM4SingleCycleRef},
		0x76: {2, 0, dspADPCM3SingleCycle},
		0x77: {2, 0, dspADPCM3SingleCycleRef},
		0x7D: {2, 0, dspADPCM4AutoInitRef},
		0x7F: {2, 0, dspADPCM3AutoInitRef},
		0x40: {1, 0, dspSetTimeConstant},
		0x48: {2, 0, dspSetBlockSize},
		0x90: {0, 0, dspHighSpeedAutoInitDMA8},
		0x91: {0, 0, dspHighSpeedSingleCycleDMA8},
		0x34: {0, 0, dspMIDIUARTMode},
		0x35: {0, 0, dspMIDIUARTMode},
		0x36: {0, 0, dspMIDIUARTMode},
		0x37: {0, 0, dspMIDIUARTMode},
		0x38: {1, 0, dspMIDIWrite},
		0xD0: {0, 0, dspPauseDMA},
		0xD1: {0, 0, dspSpeakerOn},
		0xD3: {0, 0, dspSpeakerOff},
		0xD4: {0, 0, dspContinueDMA},
		0xDA: {0, 0, dspExitAutoInitDMA},
		0xE0: {1, 0, dspIdentify},
		0xE1: {0, 0, dspVersion},
		0xE3: {0, 0, dspCopyright},
		0xE4: {1, 0, dspWriteTestRegister},
		0xE8: {0, 0, dspReadTestRegister},
		0xF2: {0, 0, dspTriggerIRQ},
		0xFF: {0, 0, dspResetViaCommand},
	}
}

const dspCopyrightString = "COPYRIGHT (C) CREATIVE TECHNOLOGY LTD, 1992."

// SoundBlaster is a representative member of the Sound Blaster DSP family
// (§4.7): a command-dispatch state machine over a 1-byte write port / FIFO
// read port, a DMA-channel-1-fed DAC pipeline, and a speaker on/off latch.
// OPL/FM synthesis is out of scope (no audio mixing, per SPEC_FULL's
// carried non-goal) — the 0x388 range is installed but answers a fixed
// "no card present" pattern.
type SoundBlaster struct {
	mu sync.Mutex

	base    uint16
	irqLine uint8
	dmaChan int

	state      dspState
	pendingCmd byte
	argBuf     []byte
	argWant    int

	outFIFO []byte

	testReg byte

	timeConstant byte
	blockSize    int
	highSpeed    bool
	autoInit     bool
	speakerOn    bool
	midiUART     bool

	dac       dacState
	lastSample byte
	silenceNS  uint64

	decoder       dspDecoder
	adpcmRef      byte
	adpcmStep     byte
	adpcmNeedsRef bool

	wheel    *clock.Wheel
	cmdTimer clock.TimerID
	dacTimer clock.TimerID
	dma      *bus.Controller
	irq      *bus.IRQBus
	log      *log.Logger
}

// NewSoundBlaster creates a card at base (default 0x220), raising irqLine
// (default 5) and driving DMA channel dmaChan (default 1).
func NewSoundBlaster(wheel *clock.Wheel, irq *bus.IRQBus, dma *bus.Controller, base uint16, irqLine uint8, dmaChan int) *SoundBlaster {
	sb := &SoundBlaster{
		base: base, irqLine: irqLine, dmaChan: dmaChan,
		wheel: wheel, irq: irq, dma: dma,
		blockSize: 0x0FFF,
		log:       log.With("component", "soundblaster", "base", base),
	}
	sb.cmdTimer = wheel.Register("sb-cmd", sb.onCmdDone)
	sb.dacTimer = wheel.Register("sb-dac", sb.onDACTick)
	return sb
}

// Install registers the DSP register range and the AdLib-compatibility
// placeholder range.
func (sb *SoundBlaster) Install(d *bus.Dispatcher, name string) error {
	if err := d.RegisterReadWrite(name, sb.base, sb.base+0xF, bus.Mask8, sb); err != nil {
		return err
	}
	return d.RegisterReadWrite(name, 0x388, 0x389, bus.Mask8, &adlibStub{})
}

// adlibStub answers the AdLib/OPL compatibility range with the
// "no card present" all-ones pattern: FM synthesis is carried as a port
// placeholder only (§ Non-goals: audio mixing DSP is out of scope).
type adlibStub struct{}

func (a *adlibStub) PortIn(port uint16, width bus.Width) uint32  { return 0xFF }
func (a *adlibStub) PortOut(port uint16, width bus.Width, value uint32) {}

func (sb *SoundBlaster) PortIn(port uint16, width bus.Width) uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	switch port - sb.base {
	case sbRegReadData:
		return uint32(sb.popFIFO())
	case sbRegDataAvail:
		if len(sb.outFIFO) > 0 {
			sb.irq.Lower(sb.irqLine)
			return 0x80
		}
		return 0x00
	case sbRegWriteCmd:
		return 0x00 // not busy
	}
	return 0xFF
}

func (sb *SoundBlaster) PortOut(port uint16, width bus.Width, value uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	v := byte(value)
	switch port - sb.base {
	case sbRegResetReg:
		sb.handleReset(v)
	case sbRegWriteCmd:
		sb.handleWrite(v)
	}
}

func (sb *SoundBlaster) popFIFO() byte {
	if len(sb.outFIFO) == 0 {
		return 0
	}
	b := sb.outFIFO[0]
	sb.outFIFO = sb.outFIFO[1:]
	return b
}

func (sb *SoundBlaster) pushFIFO(b byte) {
	sb.outFIFO = append(sb.outFIFO, b)
	sb.irq.Raise(sb.irqLine)
}

// handleReset implements §4.7 "Reset": writing 0x01 then 0x00 arms a
// 50us-delayed 0xAA in the output FIFO. High-speed mode is exited as a
// side effect, tearing down any in-flight DAC timer (§5 "cancellation").
func (sb *SoundBlaster) handleReset(v byte) {
	if v == 0x01 {
		sb.wheel.Deactivate(sb.dacTimer)
		sb.highSpeed = false
		sb.autoInit = false
		sb.dac = dacStopped
		sb.state = dspIdle
		sb.outFIFO = nil
		sb.decoder = decoderPCM
		sb.adpcmRef = 0
		sb.adpcmStep = 0
		sb.adpcmNeedsRef = false
		return
	}
	if v == 0x00 {
		sb.wheel.ActivateAfter(sb.cmdTimer, 50_000, 0)
		sb.pendingCmd = 0xAA // marker consumed by onCmdDone to mean "post reset ack"
	}
}

// handleWrite feeds one byte into the command/argument collector,
// dispatching through dspCommands once all declared parameters have
// arrived (§4.7 "DSP is a command-dispatch state machine").
func (sb *SoundBlaster) handleWrite(v byte) {
	switch sb.state {
	case dspIdle:
		cmd, ok := dspCommands[v]
		if !ok {
			sb.log.Debug("unknown DSP command", "opcode", v)
			return
		}
		sb.pendingCmd = v
		sb.argBuf = sb.argBuf[:0]
		sb.argWant = cmd.paramCount
		if sb.argWant == 0 {
			sb.dispatch()
		} else {
			sb.state = dspCollectingArgs
		}
	case dspCollectingArgs:
		sb.argBuf = append(sb.argBuf, v)
		if len(sb.argBuf) >= sb.argWant {
			sb.dispatch()
		}
	}
}

func (sb *SoundBlaster) dispatch() {
	cmd := dspCommands[sb.pendingCmd]
	sb.state = dspIdle
	cmd.fn(sb, sb.argBuf)
}

func (sb *SoundBlaster) onCmdDone(nowNS uint64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.pendingCmd == 0xAA {
		sb.pushFIFO(0xAA)
	}
}

// --- DSP command handlers (§4.7) ----------------------------------------

func dspDirectDAC8(sb *SoundBlaster, args []byte) {
	sb.lastSample = args[0]
	sb.dac = dacPlaying
}

func dspSingleCycleDMA8(sb *SoundBlaster, args []byte) {
	sb.autoInit = false
	sb.decoder = decoderPCM
	sb.beginDMA()
}

func dspAutoInitDMA8(sb *SoundBlaster, args []byte) {
	sb.autoInit = true
	sb.decoder = decoderPCM
	sb.beginDMA()
}

func dspHighSpeedSingleCycleDMA8(sb *SoundBlaster, args []byte) {
	sb.autoInit = false
	sb.highSpeed = true
	sb.decoder = decoderPCM
	sb.beginDMA()
}

func dspHighSpeedAutoInitDMA8(sb *SoundBlaster, args []byte) {
	sb.autoInit = true
	sb.highSpeed = true
	sb.decoder = decoderPCM
	sb.beginDMA()
}

// beginADPCMDMA arms the DAC pipeline in one of the three ADPCM decode
// modes (§4.7 "2-/2.6-/4-bit ADPCM"). withRef marks a command variant
// whose first DMA byte is a reference sample that seeds adpcm_ref rather
// than the first decoded output.
func (sb *SoundBlaster) beginADPCMDMA(decoder dspDecoder, autoInit, withRef bool) {
	sb.autoInit = autoInit
	sb.decoder = decoder
	sb.adpcmStep = 0
	sb.adpcmNeedsRef = withRef
	if !withRef {
		sb.adpcmRef = 0x80
	}
	sb.beginDMA()
}

func dspADPCM2SingleCycle(sb *SoundBlaster, args []byte)    { sb.beginADPCMDMA(decoderADPCM2, false, false) }
func dspADPCM2SingleCycleRef(sb *SoundBlaster, args []byte) { sb.beginADPCMDMA(decoderADPCM2, false, true) }
func dspADPCM2AutoInitRef(sb *SoundBlaster, args []byte)    { sb.beginADPCMDMA(decoderADPCM2, true, true) }

func dspADPCM3SingleCycle(sb *SoundBlaster, args []byte)    { sb.beginADPCMDMA(decoderADPCM3, false, false) }
func dspADPCM3SingleCycleRef(sb *SoundBlaster, args []byte) { sb.beginADPCMDMA(decoderADPCM3, false, true) }
func dspADPCM3AutoInitRef(sb *SoundBlaster, args []byte)    { sb.beginADPCMDMA(decoderADPCM3, true, true) }

func dspADPCM4SingleCycle(sb *SoundBlaster, args []byte)    { sb.beginADPCMDMA(decoderADPCM4, false, false) }
func dspADPCM4SingleCycleRef(sb *SoundBlaster, args []byte) { sb.beginADPCMDMA(decoderADPCM4, false, true) }
func dspADPCM4AutoInitRef(sb *SoundBlaster, args []byte)    { sb.beginADPCMDMA(decoderADPCM4, true, true) }

func (sb *SoundBlaster) beginDMA() {
	sb.dma.SetDRQ(sb.dmaChan, true)
	sb.dac = dacPlaying
	sb.wheel.ActivateAfter(sb.dacTimer, sb.samplePeriodNS(), sb.samplePeriodNS())
}

// samplePeriodNS derives the DAC sampling period from the 8-bit time
// constant per the documented formula `sample_rate = 1_000_000 /
// (256 - time_constant)` (§4.7).
func (sb *SoundBlaster) samplePeriodNS() uint64 {
	denom := 256 - int(sb.timeConstant)
	if denom <= 0 {
		denom = 1
	}
	rate := 1_000_000.0 / float64(denom)
	if rate <= 0 {
		rate = 1
	}
	return uint64(1e9 / rate)
}

// onDACTick pumps one byte from DMA channel 1 per sample period and
// handles the underrun/silence state machine (§4.7): a tick that finds the
// channel masked puts the DAC in WAITING, replaying the last sample, until
// one second of silence transitions it to STOPPED. A pull that reaches TC
// raises the IRQ; on a single-cycle transfer it also stops the DAC.
func (sb *SoundBlaster) onDACTick(nowNS uint64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.dma.Masked(sb.dmaChan) {
		sb.enterWaiting(nowNS)
		return
	}
	b, tc := sb.dma.PullByte(sb.dmaChan, &sbMemoryAdapter{})
	switch {
	case sb.decoder == decoderPCM:
		sb.lastSample = b
	case sb.adpcmNeedsRef:
		sb.adpcmRef = b
		sb.adpcmNeedsRef = false
		sb.lastSample = b
	default:
		sb.lastSample = sb.decodeADPCMByte(b)
	}
	sb.dac = dacPlaying
	sb.silenceNS = 0
	if tc {
		if sb.autoInit {
			sb.irq.Raise(sb.irqLine)
		} else {
			sb.dma.SetDRQ(sb.dmaChan, false)
			sb.irq.Raise(sb.irqLine)
			sb.wheel.Deactivate(sb.dacTimer)
			sb.dac = dacStopped
		}
	}
}

func (sb *SoundBlaster) enterWaiting(nowNS uint64) {
	sb.dac = dacWaiting
	sb.silenceNS += sb.samplePeriodNS()
	if sb.silenceNS >= 1_000_000_000 {
		sb.dac = dacStopped
		sb.wheel.Deactivate(sb.dacTimer)
	}
}

// decodeADPCMByte unpacks sb.decoder's codes from one DMA byte in turn,
// applying each to adpcm_ref/adpcm_step, and returns the last decoded
// sample — the byte's final code is what the DAC is playing once the
// next DMA pull is due.
func (sb *SoundBlaster) decodeADPCMByte(b byte) byte {
	codes, bits := sb.decoder.codeWidth()
	for i := 0; i < codes; i++ {
		shift := uint(8 - bits*(i+1))
		code := (b >> shift) & (1<<uint(bits) - 1)
		sb.applyADPCMCode(code, bits)
	}
	return sb.adpcmRef
}

// applyADPCMCode steps adpcm_ref by one code: the code's top bit is
// sign, the remaining bits are a magnitude scaled by the current
// adpcm_step, and codes at either extreme of the magnitude range widen
// or narrow the step for the next code (adaptive differential PCM).
func (sb *SoundBlaster) applyADPCMCode(code byte, bits int) {
	signBit := byte(1) << uint(bits-1)
	maxMag := int(signBit) - 1

	mag := int(code &^ signBit)
	scale := maxMag
	if scale == 0 {
		scale = 1
	}
	delta := (int(sb.adpcmStep) * mag) / scale
	if code&signBit != 0 {
		delta = -delta
	}

	ref := int(sb.adpcmRef) + delta
	switch {
	case ref < 0:
		ref = 0
	case ref > 255:
		ref = 255
	}
	sb.adpcmRef = byte(ref)

	switch {
	case mag == maxMag:
		step := int(sb.adpcmStep) + int(sb.adpcmStep)/2 + 1
		if step > 255 {
			step = 255
		}
		sb.adpcmStep = byte(step)
	case mag == 0 && sb.adpcmStep > 0:
		sb.adpcmStep--
	}
}

// sbMemoryAdapter is a placeholder bus.Memory: with no system-memory
// image in the device-only scope, DAC bytes are read as silence rather
// than wired to a real buffer. The DMA engine's DRQ/TC bookkeeping is
// exercised regardless (documented simplification, mirrors the FDC's own
// memory-adapter pattern).
type sbMemoryAdapter struct{}

func (sbMemoryAdapter) ReadByte(addr uint32) byte     { return 0x80 }
func (sbMemoryAdapter) WriteByte(addr uint32, v byte) {}

func dspSetTimeConstant(sb *SoundBlaster, args []byte) {
	sb.timeConstant = args[0]
}

func dspSetBlockSize(sb *SoundBlaster, args []byte) {
	sb.blockSize = int(args[0]) | int(args[1])<<8
}

func dspPauseDMA(sb *SoundBlaster, args []byte) {
	sb.wheel.Deactivate(sb.dacTimer)
}

func dspContinueDMA(sb *SoundBlaster, args []byte) {
	if sb.dac != dacStopped {
		sb.wheel.ActivateAfter(sb.dacTimer, sb.samplePeriodNS(), sb.samplePeriodNS())
	}
}

func dspExitAutoInitDMA(sb *SoundBlaster, args []byte) {
	sb.autoInit = false
}

func dspSpeakerOn(sb *SoundBlaster, args []byte)  { sb.speakerOn = true }
func dspSpeakerOff(sb *SoundBlaster, args []byte) { sb.speakerOn = false }

func dspIdentify(sb *SoundBlaster, args []byte) {
	sb.pushFIFO(^args[0])
}

func dspVersion(sb *SoundBlaster, args []byte) {
	sb.pushFIFO(0x04)
	sb.pushFIFO(0x05)
}

func dspCopyright(sb *SoundBlaster, args []byte) {
	for i := 0; i <= len(dspCopyrightString); i++ {
		if i == len(dspCopyrightString) {
			sb.pushFIFO(0)
		} else {
			sb.pushFIFO(dspCopyrightString[i])
		}
	}
}

func dspWriteTestRegister(sb *SoundBlaster, args []byte) {
	sb.testReg = args[0]
}

func dspReadTestRegister(sb *SoundBlaster, args []byte) {
	sb.pushFIFO(sb.testReg)
}

func dspTriggerIRQ(sb *SoundBlaster, args []byte) {
	sb.irq.Raise(sb.irqLine)
}

func dspResetViaCommand(sb *SoundBlaster, args []byte) {
	sb.handleReset(0x01)
}

// dspMIDIUARTMode implements the 0x34-0x37 family: enter raw MIDI UART
// mode, optionally with timestamping/interrupt variants the source
// distinguishes by opcode but which this reference treats identically
// beyond the mode flag (no MIDI device is modeled downstream).
func dspMIDIUARTMode(sb *SoundBlaster, args []byte) {
	sb.midiUART = true
}

func dspMIDIWrite(sb *SoundBlaster, args []byte) {
	if sb.midiUART {
		sb.pushFIFO(args[0])
	}
}

// SoundBlasterState is SoundBlaster's gob-serializable snapshot (§6
// "Persisted state"): the command-dispatch FSM, DAC/ADPCM pipeline and
// output FIFO. dacTimer/cmdTimer are re-armed in RestoreState rather
// than serialized directly, the same division of labor as the PIT's
// rearmLocked.
type SoundBlasterState struct {
	State      dspState
	PendingCmd byte
	ArgBuf     []byte
	ArgWant    int
	OutFIFO    []byte
	TestReg    byte

	TimeConstant byte
	BlockSize    int
	HighSpeed    bool
	AutoInit     bool
	SpeakerOn    bool
	MIDIUART     bool

	DAC        dacState
	LastSample byte
	SilenceNS  uint64

	Decoder       dspDecoder
	AdpcmRef      byte
	AdpcmStep     byte
	AdpcmNeedsRef bool
}

// SaveState writes the DSP/DAC state (§6 "Persisted state").
func (sb *SoundBlaster) SaveState(w io.Writer) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	state := SoundBlasterState{
		State: sb.state, PendingCmd: sb.pendingCmd,
		ArgBuf: append([]byte(nil), sb.argBuf...), ArgWant: sb.argWant,
		OutFIFO: append([]byte(nil), sb.outFIFO...), TestReg: sb.testReg,
		TimeConstant: sb.timeConstant, BlockSize: sb.blockSize,
		HighSpeed: sb.highSpeed, AutoInit: sb.autoInit,
		SpeakerOn: sb.speakerOn, MIDIUART: sb.midiUART,
		DAC: sb.dac, LastSample: sb.lastSample, SilenceNS: sb.silenceNS,
		Decoder: sb.decoder, AdpcmRef: sb.adpcmRef, AdpcmStep: sb.adpcmStep,
		AdpcmNeedsRef: sb.adpcmNeedsRef,
	}
	return saveio.Save(w, "soundblaster", &state)
}

// RestoreState reads back a snapshot written by SaveState and, if the
// DAC was PLAYING or WAITING, re-arms dacTimer at the restored sample
// period — mirroring beginDMA's own arm call.
func (sb *SoundBlaster) RestoreState(r io.Reader) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	var state SoundBlasterState
	if err := saveio.Restore(r, "soundblaster", &state); err != nil {
		return err
	}
	sb.state, sb.pendingCmd = state.State, state.PendingCmd
	sb.argBuf = append([]byte(nil), state.ArgBuf...)
	sb.argWant = state.ArgWant
	sb.outFIFO = append([]byte(nil), state.OutFIFO...)
	sb.testReg = state.TestReg
	sb.timeConstant, sb.blockSize = state.TimeConstant, state.BlockSize
	sb.highSpeed, sb.autoInit = state.HighSpeed, state.AutoInit
	sb.speakerOn, sb.midiUART = state.SpeakerOn, state.MIDIUART
	sb.dac, sb.lastSample, sb.silenceNS = state.DAC, state.LastSample, state.SilenceNS
	sb.decoder, sb.adpcmRef, sb.adpcmStep = state.Decoder, state.AdpcmRef, state.AdpcmStep
	sb.adpcmNeedsRef = state.AdpcmNeedsRef

	sb.wheel.Deactivate(sb.dacTimer)
	sb.wheel.Deactivate(sb.cmdTimer)
	if sb.dac != dacStopped {
		sb.wheel.ActivateAfter(sb.dacTimer, sb.samplePeriodNS(), sb.samplePeriodNS())
	}
	return nil
}
