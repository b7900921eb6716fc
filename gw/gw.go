// Package gw implements the "GW" scan report framing spoken by the scanner
// boards: a small little-endian header, a fixed scan options block and one
// offset encoded RSSI byte per frequency bin.
package gw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/hb9tf/whitespace/sdr"
)

const (
	// DefaultPort is the UDP port the backend listens on and the boards accept configuration on.
	DefaultPort = 9930

	magicSize      = 2
	lengthSize     = 2
	HardwareIDSize = 6
	OptionsSize    = 18

	// rssiOffset is the raw value reported for 0 dBm; one raw step is 0.5 dB.
	rssiOffset = 147
)

var Magic = [magicSize]byte{'G', 'W'}

var (
	// ErrShortBuffer means more bytes are needed. It is not a protocol error.
	ErrShortBuffer  = errors.New("not enough bytes")
	ErrBadMagic     = errors.New("bad magic")
	ErrEmptyPayload = errors.New("frame carries no samples")
	ErrFrameTooLong = errors.New("frame exceeds maximum length")
)

// Version selects the header layout.
type Version int

const (
	// Basic frames carry magic and length only.
	Basic Version = iota + 1
	// WithHardwareID frames append the board MAC address to the header.
	WithHardwareID
)

func (v Version) HeaderSize() int {
	if v == WithHardwareID {
		return magicSize + lengthSize + HardwareIDSize
	}
	return magicSize + lengthSize
}

// MinFrameSize is the size of a frame without samples.
func (v Version) MinFrameSize() int {
	return v.HeaderSize() + OptionsSize
}

func (v Version) String() string {
	switch v {
	case Basic:
		return "basic"
	case WithHardwareID:
		return "hwid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// ParseVersion parses the names returned by Version.String.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "basic":
		return Basic, nil
	case "hwid":
		return WithHardwareID, nil
	}
	return 0, fmt.Errorf("unknown protocol version %q, pick one of: basic, hwid", s)
}

// Header is the fixed-size frame prefix.
type Header struct {
	Magic      [magicSize]byte
	Length     uint16 // header + options + samples, in bytes
	HardwareID net.HardwareAddr
}

// SampleCount derives the number of RSSI bytes announced by h.
func (h Header) SampleCount(v Version) int {
	return int(h.Length) - v.MinFrameSize()
}

// HasMagicPrefix reports whether b could be the start of a frame. It only
// looks at the bytes present, so a single 'G' qualifies.
func HasMagicPrefix(b []byte) bool {
	for i := 0; i < len(b) && i < magicSize; i++ {
		if b[i] != Magic[i] {
			return false
		}
	}
	return true
}

// DecodeHeader parses the header at the start of b.
func DecodeHeader(v Version, b []byte) (Header, error) {
	if len(b) < v.HeaderSize() {
		return Header{}, fmt.Errorf("header: %w: need %d, have %d", ErrShortBuffer, v.HeaderSize(), len(b))
	}
	h := Header{
		Length: binary.LittleEndian.Uint16(b[magicSize:]),
	}
	copy(h.Magic[:], b[:magicSize])
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: %q", ErrBadMagic, h.Magic[:])
	}
	if v == WithHardwareID {
		off := magicSize + lengthSize
		h.HardwareID = make(net.HardwareAddr, HardwareIDSize)
		copy(h.HardwareID, b[off:off+HardwareIDSize])
	}
	return h, nil
}

func encodeHeader(v Version, h Header, dst []byte) {
	copy(dst, Magic[:])
	binary.LittleEndian.PutUint16(dst[magicSize:], h.Length)
	if v == WithHardwareID {
		copy(dst[magicSize+lengthSize:], h.HardwareID)
	}
}

// DecodeOptions parses a scan options block. Apart from the AGC flag, which
// must be 0 or 1, the result is not validated.
func DecodeOptions(b []byte) (sdr.ScanOptions, error) {
	if len(b) < OptionsSize {
		return sdr.ScanOptions{}, fmt.Errorf("options: %w: need %d, have %d", ErrShortBuffer, OptionsSize, len(b))
	}
	if b[11] > 1 {
		return sdr.ScanOptions{}, fmt.Errorf("%w: AGC flag %d is neither 0 nor 1", sdr.ErrInvalidOptions, b[11])
	}
	le := binary.LittleEndian
	return sdr.ScanOptions{
		StartFreqMHz:      le.Uint16(b[0:]),
		StartFreqKHz:      le.Uint16(b[2:]),
		StopFreqMHz:       le.Uint16(b[4:]),
		StopFreqKHz:       le.Uint16(b[6:]),
		FreqResolutionKHz: le.Uint16(b[8:]),
		Modulation:        sdr.Modulation(b[10]),
		AGCEnabled:        b[11] == 1,
		LNAGain:           b[12],
		LNA2Gain:          b[13],
		DVGAGain:          b[14],
		// b[15] is reserved.
		RSSIWaitMicroseconds: uint32(le.Uint16(b[16:])),
	}, nil
}

// EncodeOptions serializes o. Only the wire representable range is checked,
// callers validate the semantics.
func EncodeOptions(o sdr.ScanOptions) ([]byte, error) {
	b := make([]byte, OptionsSize)
	if err := putOptions(o, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putOptions(o sdr.ScanOptions, b []byte) error {
	if o.RSSIWaitMicroseconds > 0xffff {
		return fmt.Errorf("rssi wait %dus does not fit the 16 bit wire field", o.RSSIWaitMicroseconds)
	}
	le := binary.LittleEndian
	le.PutUint16(b[0:], o.StartFreqMHz)
	le.PutUint16(b[2:], o.StartFreqKHz)
	le.PutUint16(b[4:], o.StopFreqMHz)
	le.PutUint16(b[6:], o.StopFreqKHz)
	le.PutUint16(b[8:], o.FreqResolutionKHz)
	b[10] = byte(o.Modulation)
	if o.AGCEnabled {
		b[11] = 1
	} else {
		b[11] = 0
	}
	b[12] = o.LNAGain
	b[13] = o.LNA2Gain
	b[14] = o.DVGAGain
	b[15] = 0
	le.PutUint16(b[16:], uint16(o.RSSIWaitMicroseconds))
	return nil
}

// DecodeSamples converts the first n raw RSSI bytes of b to dBm.
func DecodeSamples(b []byte, n int) ([]float64, error) {
	if n < 0 || len(b) < n {
		return nil, fmt.Errorf("samples: %w: need %d, have %d", ErrShortBuffer, n, len(b))
	}
	out := make([]float64, n)
	for i, raw := range b[:n] {
		out[i] = RawToDBm(raw)
	}
	return out, nil
}

// RawToDBm maps one raw RSSI byte to dBm. The byte is read unsigned, so
// 147 is 0 dBm. The CC1101 RSSI register is two's complement though: a
// board reading -100 dBm sends 0xcc (-52), which decodes here as 28.5 dBm.
func RawToDBm(raw byte) float64 {
	return (float64(raw) - rssiOffset) / 2.0
}

// DBmToRaw is the inverse of RawToDBm, clamped to the byte range.
func DBmToRaw(dbm float64) byte {
	v := dbm*2 + rssiOffset
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v + 0.5)
}

// Frame is one complete message.
type Frame struct {
	HardwareID net.HardwareAddr
	Options    sdr.ScanOptions
	// Samples holds the raw RSSI bytes.
	Samples []byte
}

// Size returns the encoded length of f.
func (f Frame) Size(v Version) int {
	return v.MinFrameSize() + len(f.Samples)
}

// Encode serializes f, computing the length field.
func (f Frame) Encode(v Version) ([]byte, error) {
	size := f.Size(v)
	if size > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, size)
	}
	if v == WithHardwareID && f.HardwareID != nil && len(f.HardwareID) != HardwareIDSize {
		return nil, fmt.Errorf("hardware id %s is not %d bytes long", f.HardwareID, HardwareIDSize)
	}
	b := make([]byte, size)
	encodeHeader(v, Header{Length: uint16(size), HardwareID: f.HardwareID}, b)
	if err := putOptions(f.Options, b[v.HeaderSize():]); err != nil {
		return nil, err
	}
	copy(b[v.MinFrameSize():], f.Samples)
	return b, nil
}

// DecodeFrame parses one complete frame from the start of b. Trailing bytes
// are ignored; the consumed size is the returned frame's Size.
func DecodeFrame(v Version, b []byte) (Frame, error) {
	h, err := DecodeHeader(v, b)
	if err != nil {
		return Frame{}, err
	}
	n := h.SampleCount(v)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: length %d below minimum %d", ErrEmptyPayload, h.Length, v.MinFrameSize())
	}
	if len(b) < int(h.Length) {
		return Frame{}, fmt.Errorf("frame: %w: need %d, have %d", ErrShortBuffer, h.Length, len(b))
	}
	opts, err := DecodeOptions(b[v.HeaderSize():])
	if err != nil {
		return Frame{}, err
	}
	f := Frame{
		HardwareID: h.HardwareID,
		Options:    opts,
	}
	if n > 0 {
		f.Samples = make([]byte, n)
		copy(f.Samples, b[v.MinFrameSize():h.Length])
	}
	return f, nil
}

// EncodeConfigFrame builds the zero-sample frame used to push a new
// configuration to a board.
func EncodeConfigFrame(v Version, hwID net.HardwareAddr, o sdr.ScanOptions) ([]byte, error) {
	return Frame{HardwareID: hwID, Options: o}.Encode(v)
}
