package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hb9tf/whitespace/sdr"
)

func TestWriteCSV(t *testing.T) {
	rec := testRecord("192.0.2.1:60000", 3, -50, -40)
	rec.Options.StartFreqMHz, rec.Options.StopFreqMHz = 800, 801
	rec.Max = []float64{-45, -35}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, []sdr.Record{rec}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 bins:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "Sender,HardwareID,Alive") {
		t.Errorf("header = %q", lines[0])
	}
	want := "192.0.2.1:60000,,true,1714564800000,3,1,801000.000,-40.000000,-40.000000,-40.000000,-35.000000"
	if lines[2] != want {
		t.Errorf("line = %q\nwant   %q", lines[2], want)
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("empty snapshot wrote %d lines", got)
	}
}
