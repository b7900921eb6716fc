// Package configure pushes scan configurations to the boards.
package configure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/whitespace/gw"
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
)

const DefaultWriteTimeout = time.Second

// Sender writes configuration frames to boards. Conn is usually the
// listening socket, so replies come from the port the boards report to.
type Sender struct {
	Conn       net.PacketConn
	Port       int
	Version    gw.Version
	HardwareID net.HardwareAddr
	Metrics    *metrics.Metrics
}

// Send validates opts, encodes it once and writes it to every board. A
// board that cannot be reached does not stop delivery to the others; all
// failures are returned joined.
func (s *Sender) Send(ctx context.Context, boards []string, opts sdr.ScanOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	version := s.Version
	if version == 0 {
		version = gw.WithHardwareID
	}
	port := s.Port
	if port == 0 {
		port = gw.DefaultPort
	}
	m := s.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}

	frame, err := gw.EncodeConfigFrame(version, s.HardwareID, opts)
	if err != nil {
		return err
	}

	var errs []error
	for _, board := range boards {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.sendTo(ctx, board, port, frame); err != nil {
			m.ConfigFramesFailed.Inc()
			glog.Warningf("unable to configure board %s: %s", board, err)
			errs = append(errs, fmt.Errorf("board %s: %w", board, err))
			continue
		}
		m.ConfigFramesSent.Inc()
		glog.V(1).Infof("sent configuration to %s", board)
	}
	return errors.Join(errs...)
}

func (s *Sender) sendTo(ctx context.Context, board string, port int, frame []byte) error {
	host := board
	if h, p, err := net.SplitHostPort(board); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.Conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = s.Conn.WriteTo(frame, addr)
	return err
}
