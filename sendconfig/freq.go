package main

import (
	"fmt"
	"math"

	"github.com/hb9tf/whitespace/sdr"
)

// optionFlags holds the scan option flags as parsed, before narrowing them
// to the wire widths.
type optionFlags struct {
	startMHz, stopMHz           float64
	resolutionKHz               uint
	modulation                  sdr.Modulation
	agc                         bool
	lnaGain, lna2Gain, dvgaGain uint
	rssiWaitMicroseconds        uint
}

// buildOptions narrows f to sdr.ScanOptions. Values that do not fit their
// field are rejected rather than truncated.
func buildOptions(f optionFlags) (sdr.ScanOptions, error) {
	startMHz, startKHz, err := splitFreq(f.startMHz)
	if err != nil {
		return sdr.ScanOptions{}, fmt.Errorf("start frequency: %w", err)
	}
	stopMHz, stopKHz, err := splitFreq(f.stopMHz)
	if err != nil {
		return sdr.ScanOptions{}, fmt.Errorf("stop frequency: %w", err)
	}
	resolution, err := narrow[uint16]("resolution", f.resolutionKHz)
	if err != nil {
		return sdr.ScanOptions{}, err
	}
	lna, err := narrow[uint8]("lnaGain", f.lnaGain)
	if err != nil {
		return sdr.ScanOptions{}, err
	}
	lna2, err := narrow[uint8]("lna2Gain", f.lna2Gain)
	if err != nil {
		return sdr.ScanOptions{}, err
	}
	dvga, err := narrow[uint8]("dvgaGain", f.dvgaGain)
	if err != nil {
		return sdr.ScanOptions{}, err
	}
	rssiWait, err := narrow[uint16]("rssiWait", f.rssiWaitMicroseconds)
	if err != nil {
		return sdr.ScanOptions{}, err
	}
	opts := sdr.ScanOptions{
		StartFreqMHz:         startMHz,
		StartFreqKHz:         startKHz,
		StopFreqMHz:          stopMHz,
		StopFreqKHz:          stopKHz,
		FreqResolutionKHz:    resolution,
		Modulation:           f.modulation,
		AGCEnabled:           f.agc,
		LNAGain:              lna,
		LNA2Gain:             lna2,
		DVGAGain:             dvga,
		RSSIWaitMicroseconds: uint32(rssiWait),
	}
	return opts, opts.Validate()
}

func narrow[T uint8 | uint16](name string, v uint) (T, error) {
	limit := ^T(0)
	if v > uint(limit) {
		return 0, fmt.Errorf("%w: %s %d above %d", sdr.ErrInvalidOptions, name, v, limit)
	}
	return T(v), nil
}

// splitFreq splits a frequency in MHz into whole MHz and the kHz remainder.
func splitFreq(mhz float64) (uint16, uint16, error) {
	if math.IsNaN(mhz) || mhz < 0 {
		return 0, 0, fmt.Errorf("%w: %v MHz", sdr.ErrInvalidOptions, mhz)
	}
	khz := math.Round(mhz * 1000)
	if khz/1000 >= math.MaxUint16+1 {
		return 0, 0, fmt.Errorf("%w: %v MHz does not fit the wire field", sdr.ErrInvalidOptions, mhz)
	}
	k := int64(khz)
	return uint16(k / 1000), uint16(k % 1000), nil
}

func formatFreq(mhz, khz uint16) string {
	return fmt.Sprintf("%d.%03d", mhz, khz)
}
