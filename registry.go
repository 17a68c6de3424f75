package goprobe

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultMissThreshold = 2

// ChannelState is a snapshot of what is known about one channel.
type ChannelState struct {
	Channel    Channel
	Identity   *ProbeIdentity
	Descriptor *Descriptor
	Registers  map[RegisterID]float64
	LastSeen   time.Time
}

func (s ChannelState) Connected() bool {
	return s.Identity != nil
}

type channelState struct {
	identity   *ProbeIdentity
	descriptor *Descriptor
	registers  map[RegisterID]float64
	lastSeen   time.Time
	misses     int
	// gen changes whenever the binding does
	gen uint64
}

// Registry holds the per channel probe bindings and the last known-good
// register values. It is only written after validated exchanges.
type Registry struct {
	mu            sync.RWMutex
	channels      []*channelState
	missThreshold int
	log           zerolog.Logger
}

func NewRegistry(channels, missThreshold int, log zerolog.Logger) *Registry {
	if missThreshold < 1 {
		missThreshold = DefaultMissThreshold
	}
	r := &Registry{
		channels:      make([]*channelState, channels),
		missThreshold: missThreshold,
		log:           log.With().Str("component", "registry").Logger(),
	}
	for i := range r.channels {
		r.channels[i] = &channelState{registers: make(map[RegisterID]float64)}
	}
	return r
}

func (r *Registry) Channels() int {
	return len(r.channels)
}

func (r *Registry) slot(ch Channel) (*channelState, error) {
	if ch < Channel1 || int(ch) > len(r.channels) {
		return nil, &InvalidParameterError{Channel: ch, Reason: fmt.Sprintf("channel must be 1..%d", len(r.channels))}
	}
	return r.channels[ch-1], nil
}

// Current returns the identity bound to ch, if a probe has been identified.
func (r *Registry) Current(ch Channel) (*ProbeIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.slot(ch)
	if err != nil || s.identity == nil {
		return nil, false
	}
	id := *s.identity
	return &id, true
}

func (r *Registry) State(ch Channel) (ChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.slot(ch)
	if err != nil {
		return ChannelState{}, err
	}
	out := ChannelState{
		Channel:    ch,
		Descriptor: s.descriptor,
		Registers:  make(map[RegisterID]float64, len(s.registers)),
		LastSeen:   s.lastSeen,
	}
	if s.identity != nil {
		id := *s.identity
		out.Identity = &id
	}
	for k, v := range s.registers {
		out.Registers[k] = v
	}
	return out, nil
}

// Cached returns the last value read from or written to reg.
func (r *Registry) Cached(ch Channel, reg RegisterID) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.slot(ch)
	if err != nil || s.identity == nil {
		return 0, false
	}
	v, ok := s.registers[reg]
	return v, ok
}

// descriptor returns the capability set of the probe on ch or
// ErrProbeNotDetected.
func (r *Registry) descriptor(ch Channel) (*Descriptor, error) {
	d, _, err := r.binding(ch)
	return d, err
}

// binding is descriptor plus the generation of the binding, to be handed
// back to store.
func (r *Registry) binding(ch Channel) (*Descriptor, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.slot(ch)
	if err != nil {
		return nil, 0, err
	}
	if s.identity == nil || s.descriptor == nil {
		return nil, 0, fmt.Errorf("%s: %w", ch, ErrProbeNotDetected)
	}
	return s.descriptor, s.gen, nil
}

// bind replaces the identity of ch and drops every cached value.
func (r *Registry) bind(ch Channel, id *ProbeIdentity, d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(ch)
	if err != nil {
		return
	}
	if s.identity != nil && (s.identity.SerialNumber != id.SerialNumber || s.identity.Model != id.Model) {
		r.log.Info().Stringer("channel", ch).Stringer("old", s.identity).Stringer("new", id).Msg("probe replaced")
	}
	s.identity = id
	s.descriptor = d
	s.registers = make(map[RegisterID]float64)
	s.lastSeen = time.Now()
	s.misses = 0
	s.gen++
}

// store caches value unless ch was rebound or forgotten since gen was taken.
func (r *Registry) store(ch Channel, gen uint64, reg RegisterID, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(ch)
	if err != nil || s.identity == nil {
		return
	}
	if s.gen != gen {
		r.log.Debug().Stringer("channel", ch).Stringer("register", reg).Msg("binding changed, value not cached")
		return
	}
	s.registers[reg] = value
	s.lastSeen = time.Now()
	s.misses = 0
}

func (r *Registry) invalidate(ch Channel, regs ...RegisterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(ch)
	if err != nil {
		return
	}
	for _, reg := range regs {
		delete(s.registers, reg)
	}
}

func (r *Registry) invalidateAll(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(ch)
	if err != nil {
		return
	}
	s.registers = make(map[RegisterID]float64)
}

// seen records a validated exchange that did not change any register.
func (r *Registry) seen(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(ch)
	if err != nil {
		return
	}
	s.lastSeen = time.Now()
	s.misses = 0
}

// Forget clears the identity and cache of ch, as on a disconnect.
func (r *Registry) Forget(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(ch)
}

func (r *Registry) forgetLocked(ch Channel) {
	s, err := r.slot(ch)
	if err != nil {
		return
	}
	if s.identity != nil {
		r.log.Info().Stringer("channel", ch).Stringer("probe", s.identity).Msg("probe disconnected")
	}
	s.identity = nil
	s.descriptor = nil
	s.registers = make(map[RegisterID]float64)
	s.misses = 0
	s.gen++
}

// missed counts a "no probe" answer on ch and forgets the probe once the
// threshold of consecutive misses is reached. It reports whether it did.
func (r *Registry) missed(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(ch)
	if err != nil || s.identity == nil {
		return false
	}
	s.misses++
	if s.misses < r.missThreshold {
		return false
	}
	r.forgetLocked(ch)
	return true
}
