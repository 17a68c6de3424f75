// Package probesim is an in-memory supply with probes plugged into its
// channels. It implements goprobe.Transport and answers every command the way
// the hardware does, with injectable link faults.
package probesim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/albenik/bcd"
	"github.com/pmkprobes/goprobe"
)

const TransportSim = "sim"

func init() {
	if err := goprobe.RegisterTransport(&goprobe.TransportInfo{
		Name:               TransportSim,
		Description:        "simulated supply, port selects PS02 or PS03",
		RequiresSerialPort: false,
		New: func(cfg *goprobe.TransportConfig) (goprobe.Transport, error) {
			m, err := goprobe.SupplyModelFromName(cfg.Port)
			if err != nil {
				return nil, err
			}
			return Demo(m), nil
		},
	}); err != nil {
		panic(err)
	}
}

// Fault is a link failure applied to the response of one request.
type Fault int

const (
	FaultNone Fault = iota
	// FaultTimeout drops the response.
	FaultTimeout
	// FaultCorrupt flips the checksum byte.
	FaultCorrupt
	// FaultTruncate sends the response without its last two bytes.
	FaultTruncate
	// FaultCrossTalk answers with a valid frame from another channel.
	FaultCrossTalk
	// FaultBusy answers with a busy NAK.
	FaultBusy
	// FaultNoise prepends bytes that are not a frame.
	FaultNoise
)

func (f Fault) String() string {
	switch f {
	case FaultTimeout:
		return "timeout"
	case FaultCorrupt:
		return "corrupt"
	case FaultTruncate:
		return "truncate"
	case FaultCrossTalk:
		return "crosstalk"
	case FaultBusy:
		return "busy"
	case FaultNoise:
		return "noise"
	default:
		return "none"
	}
}

var errNotOpen = errors.New("sim: not open")

// Sim is a simulated PS02/PS03.
type Sim struct {
	model goprobe.SupplyModel

	mu       sync.Mutex
	open     bool
	in       []byte
	out      bytes.Buffer
	notify   chan struct{}
	probes   map[goprobe.Channel]*Probe
	supply   goprobe.ProbeIdentity
	version  [3]uint16
	faults   map[goprobe.Channel][]Fault
	requests map[goprobe.Channel]int
	latency  time.Duration
}

func New(model goprobe.SupplyModel) *Sim {
	return &Sim{
		model:  model,
		notify: make(chan struct{}, 1),
		probes: make(map[goprobe.Channel]*Probe),
		supply: goprobe.ProbeIdentity{
			LayoutRevision:      "1",
			SerialNumber:        "1042",
			Manufacturer:        "PMK",
			ModelName:           model.String(),
			Description:         "probe power supply",
			HardwareRevision:    "1.0",
			SoftwareRevision:    "1.2.0",
			CalibrationInstance: "PMK",
			UUID:                "PS-" + model.String(),
		},
		version:  [3]uint16{1, 2, 0},
		faults:   make(map[goprobe.Channel][]Fault),
		requests: make(map[goprobe.Channel]int),
	}
}

// Demo returns a supply with a BumbleBee on channel 1, an HSDP on channel 2
// and, on a PS03, a FireFly on channel 3.
func Demo(model goprobe.SupplyModel) *Sim {
	s := New(model)
	s.Plug(goprobe.Channel1, NewProbe(goprobe.ModelBumbleBee400V, "1001"))
	s.Plug(goprobe.Channel2, NewProbe(goprobe.ModelHSDP2025, "2002"))
	if model.Channels() > 2 {
		s.Plug(goprobe.Channel3, NewProbe(goprobe.ModelFireFly, "3003"))
	}
	return s
}

func (s *Sim) Plug(ch goprobe.Channel, p *Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[ch] = p
}

func (s *Sim) Unplug(ch goprobe.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.probes, ch)
}

// Probe returns the probe plugged into ch.
func (s *Sim) Probe(ch goprobe.Channel) (*Probe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.probes[ch]
	return p, ok
}

// Value returns a register of the probe on ch in physical units.
func (s *Sim) Value(ch goprobe.Channel, reg goprobe.RegisterID) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.probes[ch]
	if !ok {
		return 0, false
	}
	return p.Value(reg)
}

// Inject queues faults for the next requests addressed to ch, one per
// request.
func (s *Sim) Inject(ch goprobe.Channel, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[ch] = append(s.faults[ch], faults...)
}

// SetLatency delays every response by d.
func (s *Sim) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *Sim) SetVersion(major, minor, patch uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = [3]uint16{major, minor, patch}
}

// Requests returns the number of request frames received for ch.
func (s *Sim) Requests(ch goprobe.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[ch]
}

func (s *Sim) TotalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.requests {
		n += c
	}
	return n
}

func (s *Sim) Name() string {
	return TransportSim + ":" + s.model.String()
}

func (s *Sim) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.in = nil
	s.out.Reset()
	return nil
}

func (s *Sim) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errNotOpen
	}
	s.out.Reset()
	return nil
}

func (s *Sim) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, errNotOpen
	}
	s.in = append(s.in, data...)
	for {
		i := bytes.IndexByte(s.in, goprobe.StartMarker)
		if i < 0 {
			s.in = s.in[:0]
			break
		}
		s.in = s.in[i:]
		if len(s.in) < 4 {
			break
		}
		size := 4 + int(s.in[3]) + 1
		if len(s.in) < size {
			break
		}
		req, err := goprobe.Decode(s.in[:size])
		ch, cmd := goprobe.Channel(s.in[1]), goprobe.CommandID(s.in[2])
		s.in = s.in[size:]
		if err != nil {
			s.requests[ch]++
			s.respond(ch, s.nak(ch, cmd, goprobe.StatusChecksumError))
			continue
		}
		s.requests[req.Channel]++
		s.respond(req.Channel, s.handle(req))
	}
	return len(data), nil
}

// Read blocks until response bytes are available or timeout expires.
func (s *Sim) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if !s.open {
			s.mu.Unlock()
			return 0, errNotOpen
		}
		if s.out.Len() > 0 {
			n, _ := s.out.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// respond applies the next queued fault of ch to resp and schedules it for
// delivery. Must be called with s.mu held.
func (s *Sim) respond(ch goprobe.Channel, resp *goprobe.Frame) {
	fault := FaultNone
	if q := s.faults[ch]; len(q) > 0 {
		fault = q[0]
		s.faults[ch] = q[1:]
	}
	switch fault {
	case FaultTimeout:
		return
	case FaultBusy:
		resp = s.nak(resp.Channel, resp.Command&^goprobe.FlagNAK, goprobe.StatusBusy)
	case FaultCrossTalk:
		other := *resp
		other.Channel = resp.Channel%goprobe.Channel(s.model.Channels()) + 1
		resp = &other
	}
	wire, err := resp.MarshalBinary()
	if err != nil {
		return
	}
	switch fault {
	case FaultCorrupt:
		wire[len(wire)-1] ^= 0xFF
	case FaultTruncate:
		wire = wire[:len(wire)-2]
	case FaultNoise:
		wire = append([]byte{0x55, 0xAA, 0x13}, wire...)
	}
	if s.latency > 0 {
		time.AfterFunc(s.latency, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.deliver(wire)
		})
		return
	}
	s.deliver(wire)
}

func (s *Sim) deliver(wire []byte) {
	if !s.open {
		return
	}
	s.out.Write(wire)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sim) nak(ch goprobe.Channel, cmd goprobe.CommandID, status goprobe.Status) *goprobe.Frame {
	return goprobe.NewFrame(ch, cmd|goprobe.FlagNAK, []byte{byte(status)})
}

func (s *Sim) ack(req *goprobe.Frame, payload []byte) *goprobe.Frame {
	return goprobe.NewFrame(req.Channel, req.Command, payload)
}

func (s *Sim) handle(req *goprobe.Frame) *goprobe.Frame {
	if req.Channel == goprobe.ChannelSupply {
		return s.handleSupply(req)
	}
	if int(req.Channel) > s.model.Channels() {
		return s.nak(req.Channel, req.Command, goprobe.StatusBadCommand)
	}
	p, ok := s.probes[req.Channel]
	if !ok {
		return s.nak(req.Channel, req.Command, goprobe.StatusNoProbe)
	}
	switch req.Command {
	case goprobe.CmdIdentify:
		b, err := p.Identity.MarshalBinary()
		if err != nil {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		return s.ack(req, b)
	case goprobe.CmdReadRegister:
		if len(req.Payload) != 1 {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		r, ok := p.register(goprobe.RegisterID(req.Payload[0]))
		if !ok || !r.Access.CanRead() {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadRegister)
		}
		return s.ack(req, append([]byte{byte(r.ID)}, r.Bytes(p.registers[r.ID])...))
	case goprobe.CmdWriteRegister:
		if len(req.Payload) < 1 {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		r, ok := p.register(goprobe.RegisterID(req.Payload[0]))
		if !ok || !r.Access.CanWrite() {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadRegister)
		}
		raw, err := r.Raw(req.Payload[1:])
		if err != nil {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		if _, err := r.Decode(raw); err != nil {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		p.registers[r.ID] = raw
		return s.ack(req, req.Payload)
	case goprobe.CmdReset:
		p.reset()
		return s.ack(req, nil)
	case goprobe.CmdExecute:
		if len(req.Payload) != 1 || !p.execute(goprobe.Action(req.Payload[0])) {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		return s.ack(req, req.Payload)
	case goprobe.CmdReadPage:
		return s.readPage(req, &p.Identity)
	default:
		return s.nak(req.Channel, req.Command, goprobe.StatusBadCommand)
	}
}

func (s *Sim) handleSupply(req *goprobe.Frame) *goprobe.Frame {
	switch req.Command {
	case goprobe.CmdIdentify:
		b, err := s.supply.MarshalBinary()
		if err != nil {
			return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
		}
		return s.ack(req, b)
	case goprobe.CmdVersion:
		var b []byte
		for _, v := range s.version {
			b = append(b, bcd.FromUint16(v)...)
		}
		return s.ack(req, b)
	case goprobe.CmdReadPage:
		return s.readPage(req, &s.supply)
	default:
		return s.nak(req.Channel, req.Command, goprobe.StatusBadCommand)
	}
}

func (s *Sim) readPage(req *goprobe.Frame, id *goprobe.ProbeIdentity) *goprobe.Frame {
	if len(req.Payload) != 1 || int(req.Payload[0]) >= goprobe.EEPROMPages {
		return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
	}
	pages, err := id.Pages()
	if err != nil {
		return s.nak(req.Channel, req.Command, goprobe.StatusBadValue)
	}
	return s.ack(req, append([]byte{req.Payload[0]}, pages[req.Payload[0]]...))
}

func (s *Sim) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out strings.Builder
	out.WriteString(s.model.String())
	for ch := goprobe.Channel1; int(ch) <= s.model.Channels(); ch++ {
		if p, ok := s.probes[ch]; ok {
			out.WriteString(fmt.Sprintf(" %s=%s", ch, p.Identity.ModelName))
		} else {
			out.WriteString(fmt.Sprintf(" %s=empty", ch))
		}
	}
	return out.String()
}
