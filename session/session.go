// Package session reassembles GW frames from an arbitrarily chunked byte
// stream of one sender.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hb9tf/whitespace/gw"
	"github.com/hb9tf/whitespace/sdr"
)

type State int

const (
	Idle State = iota
	RecvHeader
	RecvOpt
	RecvData
	Done
	Fail
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RecvHeader:
		return "RecvHeader"
	case RecvOpt:
		return "RecvOpt"
	case RecvData:
		return "RecvData"
	case Done:
		return "Done"
	case Fail:
		return "Fail"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Machine is the per-sender protocol state machine. It is not safe for
// concurrent use; each sender session owns exactly one.
type Machine struct {
	version gw.Version
	sender  sdr.Sender

	state  State
	buf    []byte
	header gw.Header
	opts   sdr.ScanOptions
	// result is set on RecvData -> Done, failure on any -> Fail.
	result  *sdr.ScanResult
	failure error
}

func New(version gw.Version, addr string) *Machine {
	return &Machine{
		version: version,
		sender:  sdr.Sender{Addr: addr},
		state:   Idle,
	}
}

func (m *Machine) State() State { return m.state }

// Buffered returns the number of bytes not consumed yet.
func (m *Machine) Buffered() int { return len(m.buf) }

// Sender returns the identity of the sender, including the hardware id of
// the last frame header seen.
func (m *Machine) Sender() sdr.Sender { return m.sender }

// Feed appends chunk to the buffer and runs the machine until it needs more
// input. Every frame completed by chunk is returned in order, together with
// the reasons of all frames discarded on the way. All results carry the
// capture time at.
func (m *Machine) Feed(chunk []byte, at time.Time) ([]sdr.ScanResult, []error) {
	m.buf = append(m.buf, chunk...)

	var (
		results   []sdr.ScanResult
		discarded []error
	)
	for {
		next, wait := m.step(at)
		m.state = next
		switch next {
		case Done:
			results = append(results, *m.result)
			m.result = nil
		case Fail:
			discarded = append(discarded, m.failure)
		}
		if wait {
			return results, discarded
		}
	}
}

// step is the transition function. It returns the next state and whether the
// machine has to wait for more input before stepping again.
func (m *Machine) step(at time.Time) (State, bool) {
	hs := m.version.HeaderSize()

	switch m.state {
	case Idle:
		if len(m.buf) == 0 {
			return Idle, true
		}
		return RecvHeader, false

	case RecvHeader:
		if !gw.HasMagicPrefix(m.buf) {
			return m.fail(fmt.Errorf("%w: %q", gw.ErrBadMagic, m.buf[:min(len(m.buf), 2)]))
		}
		h, err := gw.DecodeHeader(m.version, m.buf)
		if errors.Is(err, gw.ErrShortBuffer) {
			return RecvHeader, true
		}
		if err != nil {
			return m.fail(err)
		}
		if n := h.SampleCount(m.version); n <= 0 {
			return m.fail(fmt.Errorf("%w: length %d, minimum %d", gw.ErrEmptyPayload, h.Length, m.version.MinFrameSize()+1))
		}
		m.header = h
		if h.HardwareID != nil {
			m.sender.HardwareID = h.HardwareID.String()
		}
		return RecvOpt, false

	case RecvOpt:
		opts, err := gw.DecodeOptions(m.buf[hs:])
		if errors.Is(err, gw.ErrShortBuffer) {
			return RecvOpt, true
		}
		if err != nil {
			return m.fail(err)
		}
		if err := opts.Validate(); err != nil {
			return m.fail(err)
		}
		m.opts = opts
		return RecvData, false

	case RecvData:
		frameLen := int(m.header.Length)
		if len(m.buf) < frameLen {
			return RecvData, true
		}
		n := m.header.SampleCount(m.version)
		rssi, err := gw.DecodeSamples(m.buf[m.version.MinFrameSize():frameLen], n)
		if err != nil {
			return m.fail(err)
		}
		opts := m.opts
		m.result = &sdr.ScanResult{
			Sender:  m.sender,
			Options: &opts,
			RSSI:    rssi,
			Time:    at,
		}
		m.consume(frameLen)
		return Done, false

	case Done:
		m.header = gw.Header{}
		return Idle, false

	case Fail:
		m.resync()
		m.header = gw.Header{}
		return Idle, false
	}
	panic(fmt.Sprintf("session: unknown state %s", m.state))
}

func (m *Machine) fail(err error) (State, bool) {
	m.failure = err
	return Fail, false
}

// resync drops the start of the rejected frame and everything up to the
// next magic candidate. A trailing first magic byte is kept since the rest
// of the magic may arrive with the next chunk.
func (m *Machine) resync() {
	if len(m.buf) == 0 {
		return
	}
	rest := m.buf[1:]
	if i := bytes.Index(rest, gw.Magic[:]); i >= 0 {
		m.consume(1 + i)
		return
	}
	if n := len(rest); n > 0 && rest[n-1] == gw.Magic[0] {
		m.consume(len(m.buf) - 1)
		return
	}
	m.consume(len(m.buf))
}

// consume drops the first n buffered bytes.
func (m *Machine) consume(n int) {
	remaining := copy(m.buf, m.buf[n:])
	m.buf = m.buf[:remaining]
}
