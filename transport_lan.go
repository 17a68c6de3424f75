package goprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/avast/retry-go"
)

const (
	TransportLAN = "lan"

	// DefaultLANPort is the TCP port the supply tunnels its serial link to.
	DefaultLANPort = "10001"
)

func init() {
	if err := RegisterTransport(&TransportInfo{
		Name:               TransportLAN,
		Description:        "serial link tunneled over TCP",
		RequiresSerialPort: false,
		New:                NewLAN,
	}); err != nil {
		panic(err)
	}
}

type LAN struct {
	cfg  *TransportConfig
	conn net.Conn
}

func NewLAN(cfg *TransportConfig) (Transport, error) {
	if cfg.Address == "" {
		return nil, errors.New("lan transport requires an address")
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		cfg.Address = net.JoinHostPort(cfg.Address, DefaultLANPort)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &LAN{cfg: cfg}, nil
}

func (l *LAN) Name() string {
	return TransportLAN + ":" + l.cfg.Address
}

func (l *LAN) Open(ctx context.Context) error {
	attempts := l.cfg.OpenAttempts
	if attempts == 0 {
		attempts = 1
	}
	d := net.Dialer{Timeout: l.cfg.DialTimeout}
	var conn net.Conn
	err := retry.Do(func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", l.cfg.Address)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", l.cfg.Address, err)
	}
	if t, ok := conn.(*net.TCPConn); ok {
		t.SetNoDelay(true)
	}
	l.conn = conn
	return nil
}

func (l *LAN) Write(data []byte) (int, error) {
	if l.conn == nil {
		return 0, ErrClosed
	}
	return l.conn.Write(data)
}

func (l *LAN) Read(p []byte, timeout time.Duration) (int, error) {
	if l.conn == nil {
		return 0, ErrClosed
	}
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := l.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// ResetInputBuffer drains whatever the socket already holds.
func (l *LAN) ResetInputBuffer() error {
	if l.conn == nil {
		return ErrClosed
	}
	buf := make([]byte, 256)
	for {
		n, err := l.Read(buf, 5*time.Millisecond)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (l *LAN) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
