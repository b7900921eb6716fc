package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/hb9tf/whitespace/sdr"
)

var csvHeader = []string{
	"Sender",
	"HardwareID",
	"Alive",
	"LastReportUnixMilli",
	"Epoch",
	"Count",
	"FreqKHz",
	"dBLast",
	"dBAvg",
	"dBMin",
	"dBMax",
}

// WriteCSV writes one line per sender and frequency bin.
func WriteCSV(w io.Writer, records []sdr.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range records {
		freqs := rec.Options.BinFrequenciesKHz(len(rec.Avg))
		for i := range rec.Avg {
			if err := cw.Write([]string{
				rec.Sender.Addr,
				rec.Sender.HardwareID,
				fmt.Sprintf("%t", rec.Alive),
				fmt.Sprintf("%d", rec.LastReport.UnixMilli()),
				fmt.Sprintf("%d", rec.Epoch),
				fmt.Sprintf("%d", rec.Count),
				fmt.Sprintf("%.3f", freqs[i]),
				csvFloat(rec.Last, i),
				csvFloat(rec.Avg, i),
				csvFloat(rec.Min, i),
				csvFloat(rec.Max, i),
			}); err != nil {
				return fmt.Errorf("error while writing CSV line: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvFloat(v []float64, i int) string {
	if i >= len(v) {
		return ""
	}
	return fmt.Sprintf("%f", v[i])
}
