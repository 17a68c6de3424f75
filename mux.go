package goprobe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const resyncQuietPeriod = 10 * time.Millisecond

// Mux owns the half-duplex transport. Every exchange takes the link, writes
// one request, reads one response and hands the link to the next waiter in
// arrival order.
type Mux struct {
	t       Transport
	sem     *semaphore.Weighted
	timeout time.Duration
	log     zerolog.Logger
	closed  atomic.Bool

	exchanges atomic.Uint64
	timeouts  atomic.Uint64
	corrupt   atomic.Uint64
	resyncs   atomic.Uint64
	abandoned atomic.Uint64
	sentBytes atomic.Uint64
	recvBytes atomic.Uint64
}

func NewMux(t Transport, timeout time.Duration, log zerolog.Logger) *Mux {
	return &Mux{
		t:       t,
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
		log:     log.With().Str("component", "mux").Logger(),
	}
}

type exchangeResult struct {
	frame *Frame
	err   error
}

// Exchange performs one request/response cycle. onSent, when non-nil, runs
// right after the request has been written.
//
// If ctx ends first the caller stops waiting, but the cycle on the wire still
// runs to completion or timeout before the link is released.
func (m *Mux) Exchange(ctx context.Context, req *Frame, onSent func()) (*Frame, error) {
	wire, err := req.MarshalBinary()
	if err != nil {
		return nil, Unrecoverable(err)
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	done := make(chan exchangeResult, 1)
	go func() {
		defer m.sem.Release(1)
		f, err := m.roundTrip(req, wire, onSent)
		done <- exchangeResult{f, err}
	}()

	select {
	case r := <-done:
		return r.frame, r.err
	case <-ctx.Done():
		m.abandoned.Add(1)
		m.log.Debug().Stringer("channel", req.Channel).Stringer("command", req.Command).
			Msg("caller stopped waiting, exchange left to finish")
		return nil, ctx.Err()
	}
}

func (m *Mux) roundTrip(req *Frame, wire []byte, onSent func()) (*Frame, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.exchanges.Add(1)

	// a late answer to an abandoned exchange must not be read as ours
	if err := m.t.ResetInputBuffer(); err != nil {
		m.log.Debug().Err(err).Msg("flush input")
	}
	n, err := m.t.Write(wire)
	m.sentBytes.Add(uint64(n))
	if err != nil {
		m.resync()
		return nil, fmt.Errorf("write %s: %w", m.t.Name(), err)
	}
	if e := m.log.Trace(); e.Enabled() {
		e.Str("frame", req.String()).Msg("tx")
	}
	if onSent != nil {
		onSent()
	}

	resp, err := ReadFrame(m.t, m.timeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrLinkTimeout):
			m.timeouts.Add(1)
			err = &TimeoutError{Timeout: m.timeout, Channel: req.Channel, Command: req.Command}
		case errors.Is(err, ErrCorruptFrame):
			m.corrupt.Add(1)
		}
		m.resync()
		return nil, err
	}
	m.recvBytes.Add(uint64(len(resp.Payload) + minFrameLen))
	if e := m.log.Trace(); e.Enabled() {
		e.Str("frame", resp.String()).Msg("rx")
	}
	if resp.Channel != req.Channel || resp.Command&^FlagNAK != req.Command {
		m.resync()
	}
	return resp, nil
}

// resync discards pending input and anything still trickling in so the next
// exchange starts on a frame boundary. Must be called with the link held.
func (m *Mux) resync() {
	m.resyncs.Add(1)
	if err := m.t.ResetInputBuffer(); err != nil {
		m.log.Warn().Err(err).Msg("reset input buffer")
	}
	buf := make([]byte, 64)
	for {
		n, err := m.t.Read(buf, resyncQuietPeriod)
		if err != nil {
			m.log.Warn().Err(err).Msg("drain input")
			return
		}
		if n == 0 {
			return
		}
	}
}

// Close waits for the exchange on the wire, if any, and closes the transport.
func (m *Mux) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.sem.Release(1)
	return m.t.Close()
}

type Stats struct {
	Exchanges uint64
	Timeouts  uint64
	Corrupt   uint64
	Resyncs   uint64
	Abandoned uint64
	SentBytes uint64
	RecvBytes uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("exchanges: %d timeouts: %d corrupt: %d resyncs: %d abandoned: %d sent: %d recv: %d",
		st.Exchanges, st.Timeouts, st.Corrupt, st.Resyncs, st.Abandoned, st.SentBytes, st.RecvBytes)
}

func (m *Mux) Stats() Stats {
	return Stats{
		Exchanges: m.exchanges.Load(),
		Timeouts:  m.timeouts.Load(),
		Corrupt:   m.corrupt.Load(),
		Resyncs:   m.resyncs.Load(),
		Abandoned: m.abandoned.Load(),
		SentBytes: m.sentBytes.Load(),
		RecvBytes: m.recvBytes.Load(),
	}
}
