package trigger

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Identity is the prefix of the banner line the trigger firmware prints when the port opens.
const Identity = "CDDM Trigger"

// RecordSize is the size of one timestamp record sent during read-back.
const RecordSize = 5

// Mode selects how the firmware schedules camera 2 triggers relative to camera 1.
type Mode int16

const (
	ModeRandom        Mode = iota // random t2
	ModeRandomZeroMod             // random t2 + zero modification
	ModeModulo                    // modulo t2
	ModeModuloZeroMod             // modulo t2 + zero modification
)

func (m Mode) String() string {
	switch m {
	case ModeRandom:
		return "random"
	case ModeRandomZeroMod:
		return "random+zero"
	case ModeModulo:
		return "modulo"
	case ModeModuloZeroMod:
		return "modulo+zero"
	default:
		return fmt.Sprintf("mode(%d)", int16(m))
	}
}

// Revision is the command frame layout understood by the firmware.
//
//	Revision1: <b b i h h h h h  (16 bytes, mode int8)
//	Revision2: <b h i h h h h h  (17 bytes, mode int16)
type Revision int

const (
	Revision1 Revision = 1
	Revision2 Revision = 2
)

// CommandSize returns the encoded command length for the revision.
func (r Revision) CommandSize() int {
	if r == Revision1 {
		return 16
	}
	return 17
}

// Config is the trigger generator configuration.
// It must not change once an exchange with the device has started.
type Config struct {
	Mode        Mode
	Count       uint32 // pulses per camera
	DeltaT      uint32 // minimum inter-trigger spacing (µs)
	N           uint16
	PulseWidth  uint16 // µs
	StrobeWidth uint16 // µs, 0 = no strobe
	StrobeDelay int16  // µs
}

// Validate checks the invariants and that every field fits its wire width.
func (c Config) Validate() error {
	if c.Mode < ModeRandom || c.Mode > ModeModuloZeroMod {
		return fmt.Errorf("%w: mode must be 0-3, got %d", ErrInvalidConfig, c.Mode)
	}
	if c.Count == 0 {
		return fmt.Errorf("%w: count must be > 0", ErrInvalidConfig)
	}
	if c.DeltaT > math.MaxUint16 {
		return fmt.Errorf("%w: deltat %dus does not fit the 16-bit wire field", ErrInvalidConfig, c.DeltaT)
	}
	if c.N == 0 {
		return fmt.Errorf("%w: n must be >= 1", ErrInvalidConfig)
	}
	if uint32(c.PulseWidth) >= c.DeltaT {
		return fmt.Errorf("%w: pulse width %dus must be lower than deltat %dus", ErrInvalidConfig, c.PulseWidth, c.DeltaT)
	}
	if uint32(c.StrobeWidth) >= c.DeltaT {
		return fmt.Errorf("%w: strobe width %dus must be lower than deltat %dus", ErrInvalidConfig, c.StrobeWidth, c.DeltaT)
	}
	return nil
}

// Command is one request frame: run=true starts triggering, run=false asks
// the firmware to simulate the run and stream back the trigger times.
type Command struct {
	Run    bool
	Config Config
}

// EncodeCommand packs cmd little-endian for the given revision.
func EncodeCommand(rev Revision, cmd Command) ([]byte, error) {
	if rev != Revision1 && rev != Revision2 {
		return nil, fmt.Errorf("%w: unknown protocol revision %d", ErrInvalidConfig, rev)
	}
	if err := cmd.Config.Validate(); err != nil {
		return nil, err
	}
	c := cmd.Config

	buf := make([]byte, 0, rev.CommandSize())
	if cmd.Run {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if rev == Revision1 {
		buf = append(buf, byte(int8(c.Mode)))
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.Mode))
	}
	buf = binary.LittleEndian.AppendUint32(buf, c.Count)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(c.DeltaT))
	buf = binary.LittleEndian.AppendUint16(buf, c.N)
	buf = binary.LittleEndian.AppendUint16(buf, c.PulseWidth)
	buf = binary.LittleEndian.AppendUint16(buf, c.StrobeWidth)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(c.StrobeDelay))
	return buf, nil
}

// DecodeCommand is the inverse of EncodeCommand, as the firmware reads it.
func DecodeCommand(rev Revision, b []byte) (Command, error) {
	if len(b) != rev.CommandSize() {
		return Command{}, fmt.Errorf("%w: command frame is %d bytes, want %d", ErrProtocol, len(b), rev.CommandSize())
	}
	var cmd Command
	cmd.Run = b[0] == 1
	off := 1
	if rev == Revision1 {
		cmd.Config.Mode = Mode(int8(b[1]))
		off = 2
	} else {
		cmd.Config.Mode = Mode(int16(binary.LittleEndian.Uint16(b[1:3])))
		off = 3
	}
	le := binary.LittleEndian
	cmd.Config.Count = le.Uint32(b[off:])
	cmd.Config.DeltaT = uint32(le.Uint16(b[off+4:]))
	cmd.Config.N = le.Uint16(b[off+6:])
	cmd.Config.PulseWidth = le.Uint16(b[off+8:])
	cmd.Config.StrobeWidth = le.Uint16(b[off+10:])
	cmd.Config.StrobeDelay = int16(le.Uint16(b[off+12:]))
	return cmd, nil
}

// Channel says which camera a trigger fired on.
type Channel byte

const (
	Both    Channel = 0
	Camera1 Channel = 1
	Camera2 Channel = 2
)

func (c Channel) String() string {
	switch c {
	case Both:
		return "both"
	case Camera1:
		return "camera1"
	case Camera2:
		return "camera2"
	default:
		return fmt.Sprintf("channel(%d)", byte(c))
	}
}

// Timestamp is one fired trigger reported by the firmware.
type Timestamp struct {
	Channel Channel
	Micros  uint32
}

// EncodeRecord packs ts the way the firmware sends it.
func EncodeRecord(ts Timestamp) []byte {
	b := make([]byte, RecordSize)
	b[0] = byte(ts.Channel)
	binary.LittleEndian.PutUint32(b[1:], ts.Micros)
	return b
}

// DecodeRecord unpacks a 5-byte record. The tag is not validated.
func DecodeRecord(b []byte) Timestamp {
	return Timestamp{Channel: Channel(b[0]), Micros: binary.LittleEndian.Uint32(b[1:5])}
}

// Split attributes records to the two cameras, preserving arrival order.
// A Both record lands in both streams.
func Split(records []Timestamp) (t1, t2 []uint32) {
	for _, r := range records {
		switch r.Channel {
		case Both:
			t1 = append(t1, r.Micros)
			t2 = append(t2, r.Micros)
		case Camera1:
			t1 = append(t1, r.Micros)
		case Camera2:
			t2 = append(t2, r.Micros)
		}
	}
	return t1, t2
}
