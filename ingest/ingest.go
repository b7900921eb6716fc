// Package ingest owns the UDP socket the scanner boards report to and runs
// one protocol session per sender address.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/whitespace/gw"
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
)

const (
	DefaultSilenceTimeout   = 5 * time.Second
	DefaultPollInterval     = time.Second
	DefaultReadBufferSize   = 8192
	DefaultSessionQueueSize = 64
)

type Options struct {
	// Addr is the UDP address to listen on, e.g. ":9930".
	Addr    string
	Version gw.Version
	// SilenceTimeout is how long a sender may stay quiet before it is
	// considered gone.
	SilenceTimeout time.Duration
	// PollInterval bounds how long a socket read blocks, and with that how
	// quickly a shutdown is noticed.
	PollInterval time.Duration
	// ReadBufferSize is the largest datagram accepted.
	ReadBufferSize int
	// SessionQueueSize is the number of datagrams buffered per sender.
	SessionQueueSize int
}

func (o *Options) applyDefaults() {
	if o.Version == 0 {
		o.Version = gw.WithHardwareID
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = DefaultSilenceTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.SessionQueueSize <= 0 {
		o.SessionQueueSize = DefaultSessionQueueSize
	}
}

// Server demultiplexes datagrams to sender sessions. Decoded results and
// liveness-loss signals are written to the events channel, which Serve
// closes once every session has stopped.
type Server struct {
	opts    Options
	conn    *net.UDPConn
	events  chan<- sdr.ScanResult
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*senderSession
	// retired holds the exit signal of the last retired session per
	// address, so a replacement starts only after its predecessor is done.
	retired map[string]chan struct{}
	wg      sync.WaitGroup
}

// Listen opens the UDP socket. The caller must call Serve to process
// traffic and to release the socket.
func Listen(opts Options, events chan<- sdr.ScanResult, m *metrics.Metrics) (*Server, error) {
	opts.applyDefaults()
	if m == nil {
		m = metrics.NewUnregistered()
	}

	addr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", opts.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", addr, err)
	}
	if err := conn.SetReadBuffer(opts.ReadBufferSize * opts.SessionQueueSize); err != nil {
		glog.Warningf("unable to set UDP socket receive buffer: %s", err)
	}

	glog.Infof("listening for %s scan reports on %s", opts.Version, conn.LocalAddr())
	return &Server{
		opts:     opts,
		conn:     conn,
		events:   events,
		metrics:  m,
		sessions: map[string]*senderSession{},
		retired:  map[string]chan struct{}{},
	}, nil
}

// LocalAddr returns the address the server is bound to.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Conn exposes the listening socket so configuration frames can be sent
// from the port the boards report to.
func (s *Server) Conn() net.PacketConn {
	return s.conn
}

// ActiveSessions returns the number of live sender sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve receives datagrams until ctx is cancelled. On return all sessions
// have stopped without signalling liveness loss, the events channel is
// closed and the socket is released.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		close(s.events)
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			glog.Warningf("error closing UDP socket: %s", err)
		}
		glog.Infof("UDP listener on %s stopped", s.conn.LocalAddr())
	}()

	buffer := make([]byte, s.opts.ReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.PollInterval)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			glog.Warningf("failed to read UDP datagram: %s", err)
			continue
		}
		s.metrics.DatagramsReceived.Inc()
		s.metrics.BytesReceived.Add(float64(n))

		// The read buffer is reused, the session gets its own copy.
		data := make([]byte, n)
		copy(data, buffer[:n])
		s.dispatch(ctx, addr.String(), chunk{data: data, at: time.Now()})
	}
}

// dispatch hands c to the live session of addr, starting one if needed.
func (s *Server) dispatch(ctx context.Context, addr string, c chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[addr]
	if !ok {
		sess = s.startSession(ctx, addr)
	}
	select {
	case sess.chunks <- c:
	default:
		s.metrics.DatagramsDropped.Inc()
		glog.Warningf("session queue of %s full, dropping %d byte datagram", addr, len(c.data))
	}
}

// startSession must be called with s.mu held.
func (s *Server) startSession(ctx context.Context, addr string) *senderSession {
	prev := s.retired[addr]
	delete(s.retired, addr)
	sess := newSenderSession(s, addr, prev)
	s.sessions[addr] = sess

	s.metrics.SessionsCreated.Inc()
	s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
	glog.Infof("new session for sender %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(ctx)
	}()
	return sess
}

// retireIfIdle removes sess from the routing table unless a datagram is
// still queued for it. Holding s.mu makes the check atomic with dispatch.
func (s *Server) retireIfIdle(sess *senderSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(sess.chunks) > 0 {
		return false
	}
	s.removeLocked(sess)
	return true
}

func (s *Server) retire(sess *senderSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sess)
}

func (s *Server) removeLocked(sess *senderSession) {
	if cur, ok := s.sessions[sess.addr]; ok && cur == sess {
		delete(s.sessions, sess.addr)
		s.retired[sess.addr] = sess.finished
	}
	s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
}

// forget drops the exit signal of a finished session nobody waits for.
func (s *Server) forget(sess *senderSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired[sess.addr] == sess.finished {
		delete(s.retired, sess.addr)
	}
}
