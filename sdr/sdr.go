package sdr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frequency and gain limits of the CC1101 based scanner boards.
const (
	MinFreqMHz = 779
	MaxFreqMHz = 928

	MinFreqResolutionKHz = 58
	MaxFreqResolutionKHz = 812

	MaxLNAGain  = 3
	MaxLNA2Gain = 7
	MaxDVGAGain = 7
)

var ErrInvalidOptions = errors.New("invalid scan options")

type Modulation uint8

const (
	Mod2FSK Modulation = iota
	ModGFSK
	ModASK
	ModOOK
	Mod4FSK
	ModMSK
)

var modulationNames = map[Modulation]string{
	Mod2FSK: "2-FSK",
	ModGFSK: "GFSK",
	ModASK:  "ASK",
	ModOOK:  "OOK",
	Mod4FSK: "4-FSK",
	ModMSK:  "MSK",
}

func (m Modulation) Valid() bool {
	_, ok := modulationNames[m]
	return ok
}

func (m Modulation) String() string {
	if n, ok := modulationNames[m]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(%d)", uint8(m))
}

// ParseModulation accepts the names returned by Modulation.String, case insensitive.
func ParseModulation(name string) (Modulation, error) {
	for m, n := range modulationNames {
		if strings.EqualFold(n, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown modulation format %q", name)
}

func (m Modulation) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Modulation) UnmarshalText(text []byte) error {
	parsed, err := ParseModulation(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ScanOptions is the sensing configuration a board used for one report.
type ScanOptions struct {
	// StartFreqMHz and StartFreqKHz define the start of the scanned range:
	// StartFreqMHz + StartFreqKHz/1000 MHz.
	StartFreqMHz uint16 `json:"startFreqMHz" yaml:"start_freq_mhz"`
	StartFreqKHz uint16 `json:"startFreqKHz" yaml:"start_freq_khz"`
	// StopFreqMHz and StopFreqKHz define the end of the scanned range.
	StopFreqMHz uint16 `json:"stopFreqMHz" yaml:"stop_freq_mhz"`
	StopFreqKHz uint16 `json:"stopFreqKHz" yaml:"stop_freq_khz"`
	// FreqResolutionKHz is the channel filter bandwidth, i.e. the bin width.
	FreqResolutionKHz uint16     `json:"freqResolutionKHz" yaml:"freq_resolution_khz"`
	Modulation        Modulation `json:"modulation" yaml:"modulation"`
	AGCEnabled        bool       `json:"agcEnabled" yaml:"agc_enabled"`
	// Manual gain stages, ignored by the board while AGC is enabled.
	LNAGain  uint8 `json:"lnaGain" yaml:"lna_gain"`
	LNA2Gain uint8 `json:"lna2Gain" yaml:"lna2_gain"`
	DVGAGain uint8 `json:"dvgaGain" yaml:"dvga_gain"`
	// RSSIWaitMicroseconds is how long the board settles on a frequency before reading RSSI.
	RSSIWaitMicroseconds uint32 `json:"rssiWaitMicroseconds" yaml:"rssi_wait_us"`
}

// DefaultScanOptions mirrors the configuration the boards boot with.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		StartFreqMHz:         MinFreqMHz,
		StopFreqMHz:          MaxFreqMHz,
		FreqResolutionKHz:    203,
		Modulation:           ModASK,
		AGCEnabled:           true,
		LNAGain:              0,
		LNA2Gain:             7,
		DVGAGain:             7,
		RSSIWaitMicroseconds: 1000,
	}
}

// StartKHz returns the start of the scanned range in kHz.
func (o ScanOptions) StartKHz() int64 {
	return int64(o.StartFreqMHz)*1000 + int64(o.StartFreqKHz)
}

// StopKHz returns the end of the scanned range in kHz.
func (o ScanOptions) StopKHz() int64 {
	return int64(o.StopFreqMHz)*1000 + int64(o.StopFreqKHz)
}

// BinFrequenciesKHz spreads n bins evenly over the scanned range, the
// first bin at the start and the last at the stop frequency.
func (o ScanOptions) BinFrequenciesKHz(n int) []float64 {
	if n <= 0 {
		return nil
	}
	start, stop := float64(o.StartKHz()), float64(o.StopKHz())
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

func (o ScanOptions) Validate() error {
	switch {
	case o.StartFreqKHz > 999:
		return fmt.Errorf("%w: start kHz %d out of range [0, 999]", ErrInvalidOptions, o.StartFreqKHz)
	case o.StopFreqKHz > 999:
		return fmt.Errorf("%w: stop kHz %d out of range [0, 999]", ErrInvalidOptions, o.StopFreqKHz)
	case o.StartKHz() < MinFreqMHz*1000 || o.StartKHz() > MaxFreqMHz*1000:
		return fmt.Errorf("%w: start frequency %d kHz outside [%d, %d] MHz", ErrInvalidOptions, o.StartKHz(), MinFreqMHz, MaxFreqMHz)
	case o.StopKHz() < MinFreqMHz*1000 || o.StopKHz() > MaxFreqMHz*1000:
		return fmt.Errorf("%w: stop frequency %d kHz outside [%d, %d] MHz", ErrInvalidOptions, o.StopKHz(), MinFreqMHz, MaxFreqMHz)
	case o.StartKHz() >= o.StopKHz():
		return fmt.Errorf("%w: start frequency %d kHz not below stop frequency %d kHz", ErrInvalidOptions, o.StartKHz(), o.StopKHz())
	case o.FreqResolutionKHz < MinFreqResolutionKHz || o.FreqResolutionKHz > MaxFreqResolutionKHz:
		return fmt.Errorf("%w: resolution %d kHz outside [%d, %d]", ErrInvalidOptions, o.FreqResolutionKHz, MinFreqResolutionKHz, MaxFreqResolutionKHz)
	case !o.Modulation.Valid():
		return fmt.Errorf("%w: modulation %s", ErrInvalidOptions, o.Modulation)
	case o.LNAGain > MaxLNAGain:
		return fmt.Errorf("%w: LNA gain %d above %d", ErrInvalidOptions, o.LNAGain, MaxLNAGain)
	case o.LNA2Gain > MaxLNA2Gain:
		return fmt.Errorf("%w: LNA2 gain %d above %d", ErrInvalidOptions, o.LNA2Gain, MaxLNA2Gain)
	case o.DVGAGain > MaxDVGAGain:
		return fmt.Errorf("%w: DVGA gain %d above %d", ErrInvalidOptions, o.DVGAGain, MaxDVGAGain)
	}
	return nil
}

// Sender identifies a board.
type Sender struct {
	// Addr is the UDP address the reports arrive from; it keys sessions and records.
	Addr string `json:"addr"`
	// HardwareID is the board MAC address if the protocol version carries it.
	HardwareID string `json:"hardwareId,omitempty"`
}

// ScanResult is one decoded report. A result without options signals that
// the sender went silent.
type ScanResult struct {
	Sender  Sender
	Options *ScanOptions
	// RSSI holds one dBm value per frequency bin.
	RSSI []float64
	Time time.Time
}

// Lost reports whether r is a liveness-loss signal rather than a report.
func (r ScanResult) Lost() bool {
	return r.Options == nil
}

// Record is the running aggregate kept per sender.
type Record struct {
	Sender     Sender      `json:"sender"`
	Options    ScanOptions `json:"options"`
	Alive      bool        `json:"alive"`
	LastReport time.Time   `json:"lastReport"`

	// Last is the most recent raw sample vector.
	Last []float64 `json:"last"`
	Avg  []float64 `json:"avg"`
	Min  []float64 `json:"min"`
	Max  []float64 `json:"max"`

	// Count is the number of reports folded into the vectors since the last reset.
	Count uint64 `json:"count"`
	// Epoch increments on every reset.
	Epoch uint64 `json:"epoch"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Last = cloneFloats(r.Last)
	r.Avg = cloneFloats(r.Avg)
	r.Min = cloneFloats(r.Min)
	r.Max = cloneFloats(r.Max)
	return r
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}
