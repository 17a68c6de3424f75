package goprobe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albenik/bcd"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = time.Second

// SupplyModel is the power supply unit the probes are plugged into.
type SupplyModel int

const (
	PS03 SupplyModel = iota
	PS02
)

func (m SupplyModel) String() string {
	switch m {
	case PS02:
		return "PS02"
	default:
		return "PS03"
	}
}

func (m SupplyModel) Channels() int {
	if m == PS02 {
		return 2
	}
	return 3
}

func SupplyModelFromName(name string) (SupplyModel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PS02":
		return PS02, nil
	case "PS03", "":
		return PS03, nil
	}
	return PS03, fmt.Errorf("unknown supply model %q", name)
}

type Config struct {
	Model SupplyModel
	// Timeout is the receive window of one attempt.
	Timeout time.Duration
	// Attempts is the total number of tries of one exchange.
	Attempts int
	// MissThreshold is how many consecutive "no probe" answers to a read or
	// write clear the channel.
	MissThreshold int
	// MinimumFirmwareVersion, when set, is checked against the supply on New.
	MinimumFirmwareVersion string
	Logger                 zerolog.Logger
	// Observer receives every state transition of the protocol engine.
	Observer func(Transition)
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts < 1 {
		c.Attempts = DefaultAttempts
	}
	if c.MissThreshold < 1 {
		c.MissThreshold = DefaultMissThreshold
	}
}

// Supply is a connected power supply and the probes on its channels. It is
// safe for concurrent use; exchanges are served in arrival order.
type Supply struct {
	cfg      Config
	mux      *Mux
	engine   *Engine
	registry *Registry
	log      zerolog.Logger
}

// New opens t and returns a Supply driving it. The transport is closed again
// if the firmware check fails.
func New(ctx context.Context, t Transport, cfg *Config) (*Supply, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	var c Config
	if cfg != nil {
		c = *cfg
	} else {
		c.Logger = zerolog.Nop()
	}
	c.defaults()

	log := c.Logger.With().Str("supply", c.Model.String()).Str("transport", t.Name()).Logger()
	if err := t.Open(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Name(), err)
	}

	mux := NewMux(t, c.Timeout, log)
	s := &Supply{
		cfg:      c,
		mux:      mux,
		engine:   NewEngine(mux, c.Attempts, log),
		registry: NewRegistry(c.Model.Channels(), c.MissThreshold, log),
		log:      log,
	}
	if c.Observer != nil {
		s.engine.SetObserver(c.Observer)
	}

	if c.MinimumFirmwareVersion != "" {
		if err := s.checkFirmware(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	log.Info().Dur("timeout", c.Timeout).Int("attempts", c.Attempts).Msg("supply ready")
	return s, nil
}

func (s *Supply) Model() SupplyModel {
	return s.cfg.Model
}

func (s *Supply) Channels() []Channel {
	out := make([]Channel, s.registry.Channels())
	for i := range out {
		out[i] = Channel(i + 1)
	}
	return out
}

func (s *Supply) checkFirmware(ctx context.Context) error {
	ver, err := s.Version(ctx)
	if err != nil {
		return fmt.Errorf("read firmware version: %w", err)
	}
	want := "v" + strings.TrimPrefix(s.cfg.MinimumFirmwareVersion, "v")
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid minimum firmware version %q", s.cfg.MinimumFirmwareVersion)
	}
	if semver.Compare("v"+ver, want) < 0 {
		return &FirmwareError{Version: ver, Minimum: s.cfg.MinimumFirmwareVersion}
	}
	return nil
}

// Version reads the supply firmware version as major.minor.patch.
func (s *Supply) Version(ctx context.Context) (string, error) {
	resp, err := s.engine.Do(ctx, NewFrame(ChannelSupply, CmdVersion, nil), func(resp *Frame) error {
		if len(resp.Payload) != 6 {
			return fmt.Errorf("version payload is %d bytes, want 6", len(resp.Payload))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	b := resp.Payload
	return fmt.Sprintf("%d.%d.%d", bcd.ToUint16(b[0:2]), bcd.ToUint16(b[2:4]), bcd.ToUint16(b[4:6])), nil
}

// IdentifySupply reads the metadata of the supply itself.
func (s *Supply) IdentifySupply(ctx context.Context) (*ProbeIdentity, error) {
	var id *ProbeIdentity
	_, err := s.engine.Do(ctx, NewFrame(ChannelSupply, CmdIdentify, nil), func(resp *Frame) error {
		var err error
		id, err = ParseIdentity(resp.Payload)
		if err != nil {
			return Unrecoverable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Identify asks the probe on ch for its metadata and binds the channel to the
// reported model. A "no probe" answer or an unknown model clears the channel.
func (s *Supply) Identify(ctx context.Context, ch Channel) (*ProbeIdentity, error) {
	if _, err := s.registry.State(ch); err != nil {
		return nil, err
	}
	var id *ProbeIdentity
	_, err := s.engine.Do(ctx, NewFrame(ch, CmdIdentify, nil), func(resp *Frame) error {
		var err error
		id, err = ParseIdentity(resp.Payload)
		if err != nil {
			return Unrecoverable(fmt.Errorf("%s metadata: %w", ch, err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrProbeNotDetected) {
			s.registry.Forget(ch)
		}
		return nil, err
	}
	d, ok := DescriptorFor(id.Model)
	if !ok {
		s.registry.Forget(ch)
		return nil, &UnsupportedProbeError{Channel: ch, UUID: id.UUID, Model: id.ModelName}
	}
	s.registry.bind(ch, id, d)
	s.log.Info().Stringer("channel", ch).Stringer("probe", id).Msg("identified")
	out := *id
	return &out, nil
}

// ReadRegister reads reg from the probe on ch, in physical units.
func (s *Supply) ReadRegister(ctx context.Context, ch Channel, reg RegisterID) (float64, error) {
	d, gen, err := s.registry.binding(ch)
	if err != nil {
		return 0, err
	}
	r, err := d.ValidateRead(ch, reg)
	if err != nil {
		return 0, err
	}
	var value float64
	_, err = s.engine.Do(ctx, NewFrame(ch, CmdReadRegister, []byte{byte(reg)}), func(resp *Frame) error {
		if len(resp.Payload) < 1 || RegisterID(resp.Payload[0]) != reg {
			return fmt.Errorf("%s: response is not for %s", ch, reg)
		}
		raw, err := r.Raw(resp.Payload[1:])
		if err != nil {
			return err
		}
		value, err = r.Decode(raw)
		return err
	})
	if err != nil {
		return 0, s.probeError(ch, err)
	}
	s.registry.store(ch, gen, reg, value)
	return value, nil
}

// WriteRegister sets reg on the probe on ch. The value is validated against
// the probe's capabilities before anything is sent.
func (s *Supply) WriteRegister(ctx context.Context, ch Channel, reg RegisterID, value float64) error {
	d, gen, err := s.registry.binding(ch)
	if err != nil {
		return err
	}
	r, raw, err := d.ValidateWrite(ch, reg, value)
	if err != nil {
		return err
	}
	stored, err := r.Decode(raw)
	if err != nil {
		return &InvalidParameterError{Channel: ch, Register: reg, Reason: err.Error()}
	}
	payload := append([]byte{byte(reg)}, r.Bytes(raw)...)
	_, err = s.engine.Do(ctx, NewFrame(ch, CmdWriteRegister, payload), echoes(payload))
	if err != nil {
		return s.probeError(ch, err)
	}
	s.registry.store(ch, gen, reg, stored)
	return nil
}

// WriteLabel sets an enumerated register by its label, e.g. "green".
func (s *Supply) WriteLabel(ctx context.Context, ch Channel, reg RegisterID, label string) error {
	d, err := s.registry.descriptor(ch)
	if err != nil {
		return err
	}
	r, ok := d.Register(reg)
	if !ok {
		return &InvalidParameterError{Channel: ch, Register: reg, Reason: fmt.Sprintf("not supported by %s", d.Model())}
	}
	if !r.IsEnum() {
		return &InvalidParameterError{Channel: ch, Register: reg, Reason: "register is not enumerated"}
	}
	value, ok := r.ValueOf(label)
	if !ok {
		return &InvalidParameterError{Channel: ch, Register: reg, Reason: fmt.Sprintf("%q is not one of %s", label, r.enumList())}
	}
	return s.WriteRegister(ctx, ch, reg, value)
}

// Reset restores the factory defaults of the probe on ch and drops every
// cached register value.
func (s *Supply) Reset(ctx context.Context, ch Channel) error {
	if _, err := s.registry.descriptor(ch); err != nil {
		return err
	}
	if _, err := s.engine.Do(ctx, NewFrame(ch, CmdReset, nil), nil); err != nil {
		return s.probeError(ch, err)
	}
	s.registry.invalidateAll(ch)
	s.registry.seen(ch)
	return nil
}

// Execute runs a one-shot action on the probe on ch.
func (s *Supply) Execute(ctx context.Context, ch Channel, action Action) error {
	d, err := s.registry.descriptor(ch)
	if err != nil {
		return err
	}
	if !d.Supports(action) {
		return &InvalidParameterError{Channel: ch, Reason: fmt.Sprintf("action %s not supported by %s", action, d.Model())}
	}
	payload := []byte{byte(action)}
	if _, err := s.engine.Do(ctx, NewFrame(ch, CmdExecute, payload), echoes(payload)); err != nil {
		return s.probeError(ch, err)
	}
	s.registry.invalidate(ch, d.Invalidates(action)...)
	s.registry.seen(ch)
	return nil
}

// ReadEEPROM dumps the metadata EEPROM of the identified probe on ch page by
// page. progress, when non-nil, is called after every page.
func (s *Supply) ReadEEPROM(ctx context.Context, ch Channel, progress func(page, total int)) ([]byte, error) {
	if _, err := s.registry.descriptor(ch); err != nil {
		return nil, err
	}
	out := make([]byte, 0, EEPROMPages*EEPROMPageSize)
	for page := 0; page < EEPROMPages; page++ {
		resp, err := s.engine.Do(ctx, NewFrame(ch, CmdReadPage, []byte{byte(page)}), func(resp *Frame) error {
			if len(resp.Payload) != 1+EEPROMPageSize || int(resp.Payload[0]) != page {
				return fmt.Errorf("%s: bad response to page %d read", ch, page)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", page, s.probeError(ch, err))
		}
		out = append(out, resp.Payload[1:]...)
		if progress != nil {
			progress(page+1, EEPROMPages)
		}
	}
	s.registry.seen(ch)
	return out, nil
}

type ScanResult struct {
	Channel  Channel
	Identity *ProbeIdentity
	Err      error
}

// Scan identifies every channel. Per channel failures are reported in the
// results; the returned error is only set when ctx ends or the supply is
// closed.
func (s *Supply) Scan(ctx context.Context) ([]ScanResult, error) {
	channels := s.Channels()
	results := make([]ScanResult, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			id, err := s.Identify(gctx, ch)
			if err != nil && (errors.Is(err, ErrClosed) || gctx.Err() != nil) {
				return err
			}
			results[i] = ScanResult{Channel: ch, Identity: id, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Supply) Current(ch Channel) (*ProbeIdentity, bool) {
	return s.registry.Current(ch)
}

func (s *Supply) State(ch Channel) (ChannelState, error) {
	return s.registry.State(ch)
}

func (s *Supply) Cached(ch Channel, reg RegisterID) (float64, bool) {
	return s.registry.Cached(ch, reg)
}

// Forget drops what is known about ch without talking to the probe.
func (s *Supply) Forget(ch Channel) {
	s.registry.Forget(ch)
}

func (s *Supply) Stats() Stats {
	return s.mux.Stats()
}

// Close waits for the exchange on the wire and closes the transport.
func (s *Supply) Close() error {
	s.log.Debug().Str("stats", s.mux.Stats().String()).Msg("closing")
	return s.mux.Close()
}

// probeError counts "no probe" answers against the channel.
func (s *Supply) probeError(ch Channel, err error) error {
	if errors.Is(err, ErrProbeNotDetected) && s.registry.missed(ch) {
		s.log.Warn().Stringer("channel", ch).Msg("probe gone, identify again")
	}
	return err
}

// echoes accepts a response whose payload repeats the request payload.
func echoes(payload []byte) Validator {
	return func(resp *Frame) error {
		if !bytes.Equal(resp.Payload, payload) {
			return fmt.Errorf("echo mismatch: sent % X, got % X", payload, resp.Payload)
		}
		return nil
	}
}
