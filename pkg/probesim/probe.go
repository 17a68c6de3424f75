package probesim

import (
	"fmt"
	"math"
	"time"

	"github.com/pmkprobes/goprobe"
)

// Probe is a simulated probe head. Registers hold raw wire values.
type Probe struct {
	Identity   goprobe.ProbeIdentity
	descriptor *goprobe.Descriptor
	registers  map[goprobe.RegisterID]uint16
}

// NewProbe returns a probe of model m with factory defaults.
func NewProbe(m goprobe.Model, serial string) *Probe {
	p := &Probe{
		Identity: goprobe.ProbeIdentity{
			Model:               m,
			LayoutRevision:      "1",
			SerialNumber:        serial,
			Manufacturer:        "PMK",
			ModelName:           m.String(),
			Description:         m.Family().String() + " active probe",
			ProductionDate:      time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC),
			CalibrationDueDate:  time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
			CalibrationInstance: "PMK",
			HardwareRevision:    "2.0",
			SoftwareRevision:    "1.4",
			UUID:                m.UUID(),
		},
	}
	if m.Family() == goprobe.FamilyFireFly {
		p.Identity.LayoutRevision = "1.2"
		p.Identity.PropagationDelay = 12.5
	}
	p.descriptor, _ = goprobe.DescriptorFor(m)
	p.reset()
	return p
}

// NewUnknownProbe returns a probe reporting a UUID outside the catalog.
func NewUnknownProbe(uuid, serial string) *Probe {
	p := NewProbe(goprobe.ModelUnknown, serial)
	p.Identity.UUID = uuid
	p.Identity.ModelName = "Prototype"
	return p
}

func (p *Probe) reset() {
	p.registers = make(map[goprobe.RegisterID]uint16)
	if p.descriptor == nil {
		return
	}
	for _, r := range p.descriptor.Registers() {
		p.registers[r.ID] = defaultRaw(r)
	}
}

func defaultRaw(r goprobe.Register) uint16 {
	if r.IsEnum() {
		return r.Enum[0].Raw
	}
	v := math.Max(r.Min, math.Min(0, r.Max))
	switch r.ID {
	case goprobe.RegTemperature:
		v = 25
	case goprobe.RegBatteryVoltage:
		v = 3.7
	case goprobe.RegOffsetStepSmall:
		v = r.Max / 1000
	case goprobe.RegOffsetStepLarge:
		v = r.Max / 100
	case goprobe.RegOffsetStepExtraLarge:
		v = r.Max / 10
	}
	raw, err := r.Encode(v)
	if err != nil {
		return 0
	}
	return raw
}

func (p *Probe) register(id goprobe.RegisterID) (goprobe.Register, bool) {
	if p.descriptor == nil {
		return goprobe.Register{}, false
	}
	return p.descriptor.Register(id)
}

// Value returns the physical value of a register.
func (p *Probe) Value(id goprobe.RegisterID) (float64, bool) {
	r, ok := p.register(id)
	if !ok {
		return 0, false
	}
	v, err := r.Decode(p.registers[id])
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetValue changes a register as if from the probe's front panel.
func (p *Probe) SetValue(id goprobe.RegisterID, value float64) error {
	r, ok := p.register(id)
	if !ok {
		return fmt.Errorf("%s has no %s", p.Identity.Model, id)
	}
	raw, err := r.Encode(value)
	if err != nil {
		return err
	}
	p.registers[id] = raw
	return nil
}

func (p *Probe) execute(a goprobe.Action) bool {
	if p.descriptor == nil || !p.descriptor.Supports(a) {
		return false
	}
	switch a {
	case goprobe.ActClearOverloadCounters:
		p.registers[goprobe.RegOverloadPositiveCounter] = 0
		p.registers[goprobe.RegOverloadNegativeCounter] = 0
		p.registers[goprobe.RegOverloadMainCounter] = 0
	case goprobe.ActIncreaseAttenuation:
		if r, ok := p.register(goprobe.RegAttenuation); ok && int(p.registers[r.ID]) > 0 {
			p.registers[r.ID]--
		}
	case goprobe.ActDecreaseAttenuation:
		if r, ok := p.register(goprobe.RegAttenuation); ok && int(p.registers[r.ID]) < len(r.Enum)-1 {
			p.registers[r.ID]++
		}
	case goprobe.ActIncreaseOffsetSmall:
		p.stepOffset(goprobe.RegOffsetStepSmall, 1)
	case goprobe.ActDecreaseOffsetSmall:
		p.stepOffset(goprobe.RegOffsetStepSmall, -1)
	case goprobe.ActIncreaseOffsetLarge:
		p.stepOffset(goprobe.RegOffsetStepLarge, 1)
	case goprobe.ActDecreaseOffsetLarge:
		p.stepOffset(goprobe.RegOffsetStepLarge, -1)
	case goprobe.ActIncreaseOffsetExtraLarge:
		p.stepOffset(goprobe.RegOffsetStepExtraLarge, 1)
	case goprobe.ActDecreaseOffsetExtraLarge:
		p.stepOffset(goprobe.RegOffsetStepExtraLarge, -1)
	}
	return true
}

func (p *Probe) stepOffset(step goprobe.RegisterID, sign float64) {
	s, ok := p.Value(step)
	if !ok {
		return
	}
	cur, ok := p.Value(goprobe.RegOffset)
	if !ok {
		return
	}
	r, _ := p.register(goprobe.RegOffset)
	next := math.Max(r.Min, math.Min(r.Max, cur+sign*s))
	if raw, err := r.Encode(next); err == nil {
		p.registers[goprobe.RegOffset] = raw
	}
}
