package goprobe

import (
	"context"
	"errors"
	"sync"
	"time"
)

// scriptedTransport answers each written request with the next scripted
// reply. A nil reply stays silent. With echo set, unscripted requests are
// acknowledged with their own payload. writeDelay stalls every Write.
type scriptedTransport struct {
	mu         sync.Mutex
	rx         []byte
	chunk      int
	replies    [][]byte
	writes     [][]byte
	resets     int
	failW      error
	closed     bool
	echo       bool
	writeDelay time.Duration
}

func (s *scriptedTransport) feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = append(s.rx, b...)
}

func (s *scriptedTransport) script(replies ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

func (s *scriptedTransport) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx)
}

func (s *scriptedTransport) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *scriptedTransport) Name() string               { return "scripted" }
func (s *scriptedTransport) Open(context.Context) error { return nil }

func (s *scriptedTransport) Write(p []byte) (int, error) {
	time.Sleep(s.writeDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("closed")
	}
	if s.failW != nil {
		return 0, s.failW
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	switch {
	case len(s.replies) > 0:
		s.rx = append(s.rx, s.replies[0]...)
		s.replies = s.replies[1:]
	case s.echo:
		if f, err := Decode(p); err == nil {
			s.rx = append(s.rx, mustEncode(f.Command, f.Channel, f.Payload...)...)
		}
	}
	return len(p), nil
}

func (s *scriptedTransport) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if len(s.rx) == 0 {
		s.mu.Unlock()
		time.Sleep(timeout)
		return 0, nil
	}
	n := len(p)
	if s.chunk > 0 && n > s.chunk {
		n = s.chunk
	}
	n = copy(p[:n], s.rx)
	s.rx = s.rx[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *scriptedTransport) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.rx = nil
	return nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func mustEncode(cmd CommandID, ch Channel, payload ...byte) []byte {
	b, err := Encode(cmd, ch, payload)
	if err != nil {
		panic(err)
	}
	return b
}
