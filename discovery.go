package goprobe

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DiscoveryPort    = 30718
	DefaultDiscovery = time.Second
)

var (
	discoveryRequest = []byte{0x00, 0x00, 0x00, 0xF6}
	discoveryReply   = []byte{0x00, 0x00, 0x00, 0xF7}
)

// Found is a supply located by Discover. Port is set for USB supplies,
// Address for LAN supplies.
type Found struct {
	Transport    string
	Port         string
	Address      string
	Model        string
	SerialNumber string
}

func (f Found) String() string {
	where := f.Port
	if f.Transport == TransportLAN {
		where = f.Address
	}
	return fmt.Sprintf("%s %s %s s/n %s", f.Transport, where, f.Model, f.SerialNumber)
}

type DiscoveryOptions struct {
	// Window is how long LAN replies are collected.
	Window    time.Duration
	SkipUSB   bool
	SkipLAN   bool
	Broadcast string
	// HTTPClient fetches the metadata document of LAN supplies.
	HTTPClient *http.Client
	// Logger reports supplies that could not be identified. The zero value
	// discards.
	Logger zerolog.Logger
}

// Discover looks for supplies on USB and on the local network at the same
// time.
func Discover(ctx context.Context, opts DiscoveryOptions) ([]Found, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultDiscovery
	}
	var (
		mu  sync.Mutex
		out []Found
	)
	add := func(f ...Found) {
		mu.Lock()
		out = append(out, f...)
		mu.Unlock()
	}
	g, gctx := errgroup.WithContext(ctx)
	if !opts.SkipUSB {
		g.Go(func() error {
			found, err := DiscoverUSB(gctx, opts)
			if err != nil {
				return fmt.Errorf("usb discovery: %w", err)
			}
			add(found...)
			return nil
		})
	}
	if !opts.SkipLAN {
		g.Go(func() error {
			found, err := DiscoverLAN(gctx, opts)
			if err != nil {
				return fmt.Errorf("lan discovery: %w", err)
			}
			add(found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// DiscoverUSB opens every serial port that belongs to a supply's USB bridge
// and asks the supply for its model and serial number. A port that does not
// answer is still listed with what its USB descriptor reports.
func DiscoverUSB(ctx context.Context, opts DiscoveryOptions) ([]Found, error) {
	ports, err := ListPorts()
	if errors.Is(err, ErrNoPorts) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var candidates []PortInfo
	for _, p := range ports {
		if p.IsSupply() {
			candidates = append(candidates, p)
		}
	}
	found := make([]Found, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range candidates {
		i, p := i, p
		g.Go(func() error {
			found[i] = Found{Transport: TransportUSB, Port: p.Name, Model: p.Product, SerialNumber: p.SerialNumber}
			t, err := NewTransport(TransportUSB, &TransportConfig{Port: p.Name})
			if err != nil {
				return err
			}
			id, err := DescribeSupply(gctx, t)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err != nil {
				opts.Logger.Warn().Err(err).Str("port", p.Name).Msg("supply did not identify")
				return nil
			}
			found[i].Model = id.ModelName
			found[i].SerialNumber = id.SerialNumber
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// DescribeSupply opens t, reads the identity of the supply behind it and
// closes t again.
func DescribeSupply(ctx context.Context, t Transport) (*ProbeIdentity, error) {
	s, err := New(ctx, t, &Config{Attempts: 1, Logger: zerolog.Nop()})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.IdentifySupply(ctx)
}

// DiscoverLAN broadcasts a discovery request and collects the answering
// supplies until the window closes.
func DiscoverLAN(ctx context.Context, opts DiscoveryOptions) ([]Found, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultDiscovery
	}
	broadcast := opts.Broadcast
	if broadcast == "" {
		broadcast = net.IPv4bcast.String()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: DiscoveryPort})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.ParseIP(broadcast), Port: DiscoveryPort}
	if _, err := conn.WriteToUDP(discoveryRequest, dst); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ips []string
	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, err
		}
		if !bytes.HasPrefix(buf[:n], discoveryReply) {
			continue
		}
		ip := addr.IP.String()
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	found := make([]Found, len(ips))
	g, gctx := errgroup.WithContext(ctx)
	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			found[i] = Found{Transport: TransportLAN, Address: ip}
			md, err := FetchSupplyMetadata(gctx, client, ip)
			if err != nil {
				// still reachable on the serial tunnel, just undescribed
				return nil
			}
			found[i].Model = md.Model
			found[i].SerialNumber = md.SerialNumber
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// SupplyMetadata is the document a LAN supply serves at
// /PowerSupplyMetadata.xml. Only the root's Model and SerialNumber children
// are read.
type SupplyMetadata struct {
	Model        string `xml:"Model"`
	SerialNumber string `xml:"SerialNumber"`
}

// FetchSupplyMetadata reads the metadata document of the supply at host.
func FetchSupplyMetadata(ctx context.Context, client *http.Client, host string) (*SupplyMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/PowerSupplyMetadata.xml", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata from %s: %s", host, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	return ParseSupplyMetadata(body)
}

func ParseSupplyMetadata(data []byte) (*SupplyMetadata, error) {
	var md SupplyMetadata
	if err := xml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse supply metadata: %w", err)
	}
	if md.Model == "" {
		return nil, errors.New("supply metadata has no model")
	}
	return &md, nil
}
