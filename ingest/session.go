package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/whitespace/gw"
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
	"github.com/hb9tf/whitespace/session"
)

// chunk is one received datagram.
type chunk struct {
	data []byte
	at   time.Time
}

// senderSession runs the protocol machine of one sender address in its own
// goroutine.
type senderSession struct {
	srv     *Server
	addr    string
	machine *session.Machine
	chunks  chan chunk

	// prev is closed when the previous session of addr has exited.
	prev     <-chan struct{}
	finished chan struct{}
}

func newSenderSession(srv *Server, addr string, prev <-chan struct{}) *senderSession {
	return &senderSession{
		srv:      srv,
		addr:     addr,
		machine:  session.New(srv.opts.Version, addr),
		chunks:   make(chan chunk, srv.opts.SessionQueueSize),
		prev:     prev,
		finished: make(chan struct{}),
	}
}

// run processes chunks until the sender goes silent or ctx is cancelled.
// Only silence produces a liveness-loss signal.
func (ss *senderSession) run(ctx context.Context) {
	defer func() {
		close(ss.finished)
		ss.srv.forget(ss)
	}()

	if ss.prev != nil {
		select {
		case <-ss.prev:
		case <-ctx.Done():
			ss.srv.retire(ss)
			return
		}
	}

	timer := time.NewTimer(ss.srv.opts.SilenceTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			ss.srv.retire(ss)
			glog.V(1).Infof("session for %s stopped", ss.addr)
			return

		case c := <-ss.chunks:
			if !ss.handle(ctx, c) {
				ss.srv.retire(ss)
				return
			}
			timer.Reset(ss.srv.opts.SilenceTimeout)

		case <-timer.C:
			if !ss.srv.retireIfIdle(ss) {
				// A datagram slipped in right at the deadline.
				timer.Reset(ss.srv.opts.SilenceTimeout)
				continue
			}
			ss.srv.metrics.SessionTimeouts.Inc()
			glog.Infof("sender %s silent for %s, closing session (%d bytes unconsumed)", ss.addr, ss.srv.opts.SilenceTimeout, ss.machine.Buffered())
			ss.emit(ctx, sdr.ScanResult{
				Sender: ss.machine.Sender(),
				Time:   time.Now(),
			})
			return
		}
	}
}

// handle feeds c to the machine and forwards the results. It returns false
// if ctx was cancelled while forwarding.
func (ss *senderSession) handle(ctx context.Context, c chunk) bool {
	results, discarded := ss.machine.Feed(c.data, c.at)
	for _, err := range discarded {
		ss.srv.metrics.FramesDiscarded.WithLabelValues(discardReason(err)).Inc()
		glog.V(2).Infof("discarded frame from %s: %s", ss.addr, err)
	}
	for _, res := range results {
		ss.srv.metrics.FramesDecoded.Inc()
		glog.V(3).Infof("scan result from %s: %d bins", ss.addr, len(res.RSSI))
		if !ss.emit(ctx, res) {
			return false
		}
	}
	return true
}

func (ss *senderSession) emit(ctx context.Context, res sdr.ScanResult) bool {
	select {
	case ss.srv.events <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, gw.ErrBadMagic):
		return metrics.ReasonBadMagic
	case errors.Is(err, sdr.ErrInvalidOptions):
		return metrics.ReasonInvalidOptions
	case errors.Is(err, gw.ErrEmptyPayload):
		return metrics.ReasonEmptyPayload
	default:
		return metrics.ReasonOther
	}
}
