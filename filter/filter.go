// Package filter drops scan results before they reach the aggregation
// engine. Liveness-loss signals always pass.
package filter

import (
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
)

type Filterer interface {
	ShouldIgnore(*sdr.ScanResult) bool
}

// Filter copies input to output, skipping results any filter ignores. It
// closes output once input is closed.
func Filter(input <-chan sdr.ScanResult, output chan<- sdr.ScanResult, filters []Filterer, m *metrics.Metrics) error {
	defer close(output)
	for res := range input {
		if !res.Lost() && ignored(&res, filters) {
			if m != nil {
				m.ResultsFiltered.Inc()
			}
			continue
		}
		output <- res
	}
	return nil
}

func ignored(res *sdr.ScanResult, filters []Filterer) bool {
	for _, f := range filters {
		if f.ShouldIgnore(res) {
			return true
		}
	}
	return false
}

// FilterFreq ignores results whose scanned range does not overlap
// [FreqLowKHz, FreqHighKHz].
type FilterFreq struct {
	FreqLowKHz  int64
	FreqHighKHz int64
}

func (f *FilterFreq) ShouldIgnore(res *sdr.ScanResult) bool {
	// Check if the start of the scan is above what we want to include.
	if res.Options.StartKHz() > f.FreqHighKHz {
		return true
	}
	// Check if the end of the scan is below what we want to include.
	if res.Options.StopKHz() < f.FreqLowKHz {
		return true
	}
	return false
}

// FilterSender only lets results from the listed senders through. A sender
// matches on its address or its hardware id.
type FilterSender struct {
	allowed map[string]bool
}

func NewFilterSender(senders []string) *FilterSender {
	f := &FilterSender{allowed: map[string]bool{}}
	for _, s := range senders {
		f.allowed[s] = true
	}
	return f
}

func (f *FilterSender) ShouldIgnore(res *sdr.ScanResult) bool {
	if f.allowed[res.Sender.Addr] {
		return false
	}
	if res.Sender.HardwareID != "" && f.allowed[res.Sender.HardwareID] {
		return false
	}
	return true
}
