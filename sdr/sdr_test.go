package sdr

import (
	"errors"
	"reflect"
	"testing"
)

func TestScanOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *ScanOptions)
		wantErr bool
	}{
		{name: "defaults", mutate: func(o *ScanOptions) {}},
		{name: "start below band", mutate: func(o *ScanOptions) { o.StartFreqMHz = 778 }, wantErr: true},
		{name: "stop above band", mutate: func(o *ScanOptions) { o.StopFreqMHz = 928; o.StopFreqKHz = 1 }, wantErr: true},
		{name: "start khz overflow", mutate: func(o *ScanOptions) { o.StartFreqKHz = 1000 }, wantErr: true},
		{name: "stop khz overflow", mutate: func(o *ScanOptions) { o.StopFreqMHz = 900; o.StopFreqKHz = 1000 }, wantErr: true},
		{name: "start equals stop", mutate: func(o *ScanOptions) { o.StartFreqMHz = 800; o.StopFreqMHz = 800 }, wantErr: true},
		{name: "start above stop", mutate: func(o *ScanOptions) { o.StartFreqMHz = 900; o.StopFreqMHz = 850 }, wantErr: true},
		{name: "khz decides order", mutate: func(o *ScanOptions) { o.StartFreqMHz = 800; o.StartFreqKHz = 500; o.StopFreqMHz = 800; o.StopFreqKHz = 501 }},
		{name: "resolution too small", mutate: func(o *ScanOptions) { o.FreqResolutionKHz = 57 }, wantErr: true},
		{name: "resolution too large", mutate: func(o *ScanOptions) { o.FreqResolutionKHz = 813 }, wantErr: true},
		{name: "unknown modulation", mutate: func(o *ScanOptions) { o.Modulation = 6 }, wantErr: true},
		{name: "lna gain", mutate: func(o *ScanOptions) { o.LNAGain = 4 }, wantErr: true},
		{name: "lna2 gain", mutate: func(o *ScanOptions) { o.LNA2Gain = 8 }, wantErr: true},
		{name: "dvga gain", mutate: func(o *ScanOptions) { o.DVGAGain = 8 }, wantErr: true},
		{name: "max gains", mutate: func(o *ScanOptions) { o.LNAGain = 3; o.LNA2Gain = 7; o.DVGAGain = 7 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultScanOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOptions) {
					t.Fatalf("Validate() = %v, want ErrInvalidOptions", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestParseModulation(t *testing.T) {
	for m := Mod2FSK; m <= ModMSK; m++ {
		got, err := ParseModulation(m.String())
		if err != nil {
			t.Fatalf("ParseModulation(%q): %v", m.String(), err)
		}
		if got != m {
			t.Errorf("ParseModulation(%q) = %d, want %d", m.String(), got, m)
		}
	}
	if got, err := ParseModulation("gfsk"); err != nil || got != ModGFSK {
		t.Errorf("ParseModulation(gfsk) = %v, %v", got, err)
	}
	if _, err := ParseModulation("QAM"); err == nil {
		t.Errorf("expected error for unknown modulation")
	}
}

func TestRecordClone(t *testing.T) {
	r := Record{Avg: []float64{1, 2}, Min: []float64{0}}
	c := r.Clone()
	c.Avg[0] = 42
	if r.Avg[0] != 1 {
		t.Fatalf("Clone shares the Avg slice")
	}
	if c.Max != nil {
		t.Fatalf("Clone of nil slice should stay nil")
	}
}

func TestScanResultLost(t *testing.T) {
	opts := DefaultScanOptions()
	if (ScanResult{Options: &opts}).Lost() {
		t.Errorf("report flagged as lost")
	}
	if !(ScanResult{Sender: Sender{Addr: "10.0.0.1:60000"}}).Lost() {
		t.Errorf("liveness signal not flagged as lost")
	}
}

func TestBinFrequenciesKHz(t *testing.T) {
	o := DefaultScanOptions()
	o.StartFreqMHz, o.StopFreqMHz = 800, 801

	tests := []struct {
		n    int
		want []float64
	}{
		{0, nil},
		{1, []float64{800000}},
		{2, []float64{800000, 801000}},
		{5, []float64{800000, 800250, 800500, 800750, 801000}},
	}
	for _, tt := range tests {
		got := o.BinFrequenciesKHz(tt.n)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("BinFrequenciesKHz(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
