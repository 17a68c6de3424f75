package goprobe

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	TransportUSB = "usb"

	DefaultBaudrate = 115200

	// USB to serial bridge used by the supplies.
	SupplyUSBVID = "0403"
	SupplyUSBPID = "6001"
)

func init() {
	if err := RegisterTransport(&TransportInfo{
		Name:               TransportUSB,
		Description:        "USB virtual com port",
		RequiresSerialPort: true,
		New:                NewUSB,
	}); err != nil {
		panic(err)
	}
}

type USB struct {
	cfg         *TransportConfig
	port        serial.Port
	readTimeout time.Duration
}

func NewUSB(cfg *TransportConfig) (Transport, error) {
	if cfg.PortBaudrate == 0 {
		cfg.PortBaudrate = DefaultBaudrate
	}
	return &USB{cfg: cfg}, nil
}

func (u *USB) Name() string {
	return TransportUSB + ":" + u.cfg.Port
}

func (u *USB) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: u.cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	portName := u.cfg.Port
	if runtime.GOOS == "windows" {
		portName = strings.ToUpper(portName)
	}
	attempts := u.cfg.OpenAttempts
	if attempts == 0 {
		attempts = 1
	}
	var p serial.Port
	err := retry.Do(func() error {
		var err error
		p, err = serial.Open(portName, mode)
		if err != nil {
			return fmt.Errorf("failed to open com port %q: %w", portName, err)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}
	u.port = p
	u.readTimeout = 0
	return p.ResetInputBuffer()
}

func (u *USB) Write(data []byte) (int, error) {
	if u.port == nil {
		return 0, ErrClosed
	}
	return u.port.Write(data)
}

func (u *USB) Read(p []byte, timeout time.Duration) (int, error) {
	if u.port == nil {
		return 0, ErrClosed
	}
	if timeout != u.readTimeout {
		if err := u.port.SetReadTimeout(timeout); err != nil {
			return 0, err
		}
		u.readTimeout = timeout
	}
	return u.port.Read(p)
}

func (u *USB) ResetInputBuffer() error {
	if u.port == nil {
		return ErrClosed
	}
	return u.port.ResetInputBuffer()
}

func (u *USB) Close() error {
	if u.port == nil {
		return nil
	}
	u.port.ResetInputBuffer()
	u.port.ResetOutputBuffer()
	err := u.port.Close()
	u.port = nil
	if err != nil {
		return fmt.Errorf("failed to close com port: %w", err)
	}
	return nil
}

var ErrNoPorts = errors.New("no serial ports found")

type PortInfo struct {
	Name         string
	IsUSB        bool
	VID, PID     string
	SerialNumber string
	Product      string
}

// IsSupply reports whether the port belongs to the USB bridge of a supply.
func (p PortInfo) IsSupply() bool {
	return p.IsUSB && strings.EqualFold(p.VID, SupplyUSBVID) && strings.EqualFold(p.PID, SupplyUSBPID)
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	return fmt.Sprintf("%s [%s:%s] %s %s", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	out := make([]PortInfo, 0, len(ports))
	for _, port := range ports {
		out = append(out, PortInfo{
			Name:         port.Name,
			IsUSB:        port.IsUSB,
			VID:          port.VID,
			PID:          port.PID,
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
		})
	}
	return out, nil
}
