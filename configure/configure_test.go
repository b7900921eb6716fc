package configure

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hb9tf/whitespace/gw"
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendPartialFailure(t *testing.T) {
	board := listen(t)
	local := listen(t)
	m := metrics.NewUnregistered()
	hw := net.HardwareAddr{0, 4, 0xa3, 1, 2, 3}
	s := &Sender{Conn: local, Version: gw.WithHardwareID, HardwareID: hw, Metrics: m}

	opts := sdr.DefaultScanOptions()
	opts.FreqResolutionKHz = 58
	err := s.Send(context.Background(), []string{"unresolvable.invalid:9930", board.LocalAddr().String()}, opts)
	if err == nil {
		t.Fatalf("Send reported no error for an unreachable board")
	}

	board.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 128)
	n, from, rerr := board.ReadFrom(buf)
	if rerr != nil {
		t.Fatalf("board received nothing: %v", rerr)
	}
	if from.String() != local.LocalAddr().String() {
		t.Errorf("frame came from %s, want %s", from, local.LocalAddr())
	}
	f, derr := gw.DecodeFrame(gw.WithHardwareID, buf[:n])
	if derr != nil {
		t.Fatalf("DecodeFrame: %v", derr)
	}
	if f.Options != opts || len(f.Samples) != 0 || !reflect.DeepEqual(f.HardwareID, hw) {
		t.Errorf("frame = %+v", f)
	}

	if got := testutil.ToFloat64(m.ConfigFramesSent); got != 1 {
		t.Errorf("sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigFramesFailed); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestSendUsesDefaultPort(t *testing.T) {
	board := listen(t)
	s := &Sender{Conn: listen(t), Version: gw.Basic, Port: board.LocalAddr().(*net.UDPAddr).Port}

	if err := s.Send(context.Background(), []string{"127.0.0.1"}, sdr.DefaultScanOptions()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	board.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := board.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != gw.Basic.MinFrameSize() {
		t.Errorf("frame size = %d, want %d", n, gw.Basic.MinFrameSize())
	}
}

func TestSendRejectsInvalidOptions(t *testing.T) {
	s := &Sender{Conn: listen(t)}
	opts := sdr.DefaultScanOptions()
	opts.LNAGain = 9
	if err := s.Send(context.Background(), []string{"127.0.0.1"}, opts); !errors.Is(err, sdr.ErrInvalidOptions) {
		t.Errorf("Send = %v, want ErrInvalidOptions", err)
	}
}

func TestSendStopsOnCancelledContext(t *testing.T) {
	s := &Sender{Conn: listen(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, []string{"127.0.0.1"}, sdr.DefaultScanOptions()); !errors.Is(err, context.Canceled) {
		t.Errorf("Send = %v, want context.Canceled", err)
	}
}
