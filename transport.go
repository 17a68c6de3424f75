package goprobe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Transport is the byte level link to the supply. Read returns a short or
// empty result with a nil error when timeout expires before data arrives.
type Transport interface {
	Name() string
	Open(context.Context) error
	Write([]byte) (int, error)
	Read(p []byte, timeout time.Duration) (int, error)
	ResetInputBuffer() error
	Close() error
}

type TransportInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	New                func(*TransportConfig) (Transport, error)
}

func (t *TransportInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v", t.Name, t.Description, t.RequiresSerialPort)
}

type TransportConfig struct {
	Port         string
	PortBaudrate int
	Address      string
	DialTimeout  time.Duration
	// OpenAttempts is how many times Open tries before giving up.
	OpenAttempts uint
}

var (
	transportMu  sync.RWMutex
	transportMap = make(map[string]*TransportInfo)
)

func RegisterTransport(info *TransportInfo) error {
	transportMu.Lock()
	defer transportMu.Unlock()
	key := strings.ToLower(info.Name)
	if _, found := transportMap[key]; found {
		return fmt.Errorf("transport %s already registered", info.Name)
	}
	transportMap[key] = info
	return nil
}

// NewTransport creates, but does not open, the named transport.
func NewTransport(name string, cfg *TransportConfig) (Transport, error) {
	transportMu.RLock()
	info, found := transportMap[strings.ToLower(name)]
	transportMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	if cfg == nil {
		cfg = &TransportConfig{}
	}
	if info.RequiresSerialPort && cfg.Port == "" {
		return nil, fmt.Errorf("transport %s requires a serial port", info.Name)
	}
	return info.New(cfg)
}

func ListTransportNames() []string {
	transportMu.RLock()
	defer transportMu.RUnlock()
	var out []string
	for _, info := range transportMap {
		out = append(out, info.Name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListTransports() []TransportInfo {
	transportMu.RLock()
	defer transportMu.RUnlock()
	var out []TransportInfo
	for _, info := range transportMap {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
