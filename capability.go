package goprobe

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

type Family int

const (
	FamilyUnknown Family = iota
	FamilyBumbleBee
	FamilyHSDP
	FamilyFireFly
)

func (f Family) String() string {
	switch f {
	case FamilyBumbleBee:
		return "BumbleBee"
	case FamilyHSDP:
		return "HSDP"
	case FamilyFireFly:
		return "FireFly"
	default:
		return "Unknown"
	}
}

// Model is the closed set of supported probe variants.
type Model int

const (
	ModelUnknown Model = iota
	ModelBumbleBee200V
	ModelBumbleBee400V
	ModelBumbleBee2kV
	ModelHornet4kV
	ModelHSDP2010
	ModelHSDP2010L
	ModelHSDP2025
	ModelHSDP2025L
	ModelHSDP2050
	ModelHSDP4010
	ModelFireFly
)

type modelInfo struct {
	name   string
	uuid   string
	family Family
}

var models = map[Model]modelInfo{
	ModelBumbleBee200V: {"BumbleBee200V", "886-112-504", FamilyBumbleBee},
	ModelBumbleBee400V: {"BumbleBee400V", "886-122-504", FamilyBumbleBee},
	ModelBumbleBee2kV:  {"BumbleBee2kV", "886-102-504", FamilyBumbleBee},
	ModelHornet4kV:     {"Hornet4kV", "886-142-504", FamilyBumbleBee},
	ModelHSDP2010:      {"HSDP2010", "88T-200-003", FamilyHSDP},
	ModelHSDP2010L:     {"HSDP2010L", "88T-200-004", FamilyHSDP},
	ModelHSDP2025:      {"HSDP2025", "88T-200-005", FamilyHSDP},
	ModelHSDP2025L:     {"HSDP2025L", "88T-200-006", FamilyHSDP},
	ModelHSDP2050:      {"HSDP2050", "88T-200-007", FamilyHSDP},
	ModelHSDP4010:      {"HSDP4010", "88T-400-008", FamilyHSDP},
	ModelFireFly:       {"FireFly", "886-102-505", FamilyFireFly},
}

func (m Model) String() string {
	if info, ok := models[m]; ok {
		return info.name
	}
	return "Unknown"
}

func (m Model) UUID() string {
	return models[m].uuid
}

func (m Model) Family() Family {
	return models[m].family
}

// ModelFromUUID maps the UUID stored in probe metadata to its model.
func ModelFromUUID(uuid string) (Model, bool) {
	uuid = strings.TrimSpace(uuid)
	for m, info := range models {
		if info.uuid == uuid {
			return m, true
		}
	}
	return ModelUnknown, false
}

func ModelFromName(name string) (Model, bool) {
	for m, info := range models {
		if strings.EqualFold(info.name, name) {
			return m, true
		}
	}
	return ModelUnknown, false
}

func ListModels() []Model {
	out := make([]Model, 0, len(models))
	for m := range models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type RegisterID byte

const (
	RegGain RegisterID = 0x01 + iota
	RegOffset
	RegBandwidth
	RegAttenuation
	RegLEDColor
	RegOffsetStepSmall
	RegOffsetStepLarge
	RegOffsetStepExtraLarge
)

const (
	RegOverloadBuzzer RegisterID = 0x10 + iota
	RegHoldOverload
	RegKeylock
	RegLEDsOff
	RegOffsetSync
)

const (
	RegTemperature RegisterID = 0x20 + iota
	RegOverloadPositiveCounter
	RegOverloadNegativeCounter
	RegOverloadMainCounter
)

const (
	RegProbeHeadOn RegisterID = 0x30 + iota
	RegBatteryVoltage
	RegProbeStatus
)

var registerNames = map[RegisterID]string{
	RegGain:                    "gain",
	RegOffset:                  "offset",
	RegBandwidth:               "bandwidth",
	RegAttenuation:             "attenuation",
	RegLEDColor:                "led_color",
	RegOffsetStepSmall:         "offset_step_small",
	RegOffsetStepLarge:         "offset_step_large",
	RegOffsetStepExtraLarge:    "offset_step_extra_large",
	RegOverloadBuzzer:          "overload_buzzer",
	RegHoldOverload:            "hold_overload",
	RegKeylock:                 "keylock",
	RegLEDsOff:                 "leds_off",
	RegOffsetSync:              "offset_sync",
	RegTemperature:             "temperature",
	RegOverloadPositiveCounter: "overload_positive_counter",
	RegOverloadNegativeCounter: "overload_negative_counter",
	RegOverloadMainCounter:     "overload_main_counter",
	RegProbeHeadOn:             "probe_head_on",
	RegBatteryVoltage:          "battery_voltage",
	RegProbeStatus:             "probe_status",
}

func (r RegisterID) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("register(0x%02X)", byte(r))
}

func RegisterFromName(name string) (RegisterID, bool) {
	for id, n := range registerNames {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return 0, false
}

type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	default:
		return "rw"
	}
}

func (a Access) CanRead() bool  { return a != WriteOnly }
func (a Access) CanWrite() bool { return a != ReadOnly }

type EnumValue struct {
	Label string
	Value float64
	Raw   uint16
}

// Register declares one configurable or readable register of a probe.
// Numeric registers hold round(value*Scale) in Width big-endian bytes and
// accept values in [Min, Max]. Enumerated registers accept only the values
// listed in Enum.
type Register struct {
	ID     RegisterID
	Unit   string
	Access Access
	Width  int
	Signed bool
	Min    float64
	Max    float64
	Scale  float64
	Enum   []EnumValue
}

func (r Register) Name() string {
	return r.ID.String()
}

func (r Register) IsEnum() bool {
	return len(r.Enum) > 0
}

func (r Register) scale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// Encode converts a physical value into the raw register value.
func (r Register) Encode(value float64) (uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &InvalidParameterError{Register: r.ID, Reason: "value is not a number"}
	}
	if r.IsEnum() {
		for _, e := range r.Enum {
			if math.Abs(e.Value-value) < 1e-9 {
				return e.Raw, nil
			}
		}
		return 0, &InvalidParameterError{Register: r.ID, Reason: fmt.Sprintf("%g %s is not one of %s", value, r.Unit, r.enumList())}
	}
	if value < r.Min || value > r.Max {
		return 0, &InvalidParameterError{Register: r.ID, Reason: fmt.Sprintf("%g %s outside [%g, %g]", value, r.Unit, r.Min, r.Max)}
	}
	scaled := math.Round(value * r.scale())
	if r.Signed {
		if r.Width == 1 {
			return uint16(uint8(int8(scaled))), nil
		}
		return uint16(int16(scaled)), nil
	}
	return uint16(scaled), nil
}

// Decode converts a raw register value into physical units and rejects raw
// values the register cannot hold.
func (r Register) Decode(raw uint16) (float64, error) {
	if r.IsEnum() {
		for _, e := range r.Enum {
			if e.Raw == raw {
				return e.Value, nil
			}
		}
		return 0, fmt.Errorf("%s: raw value 0x%X is not enumerated", r.ID, raw)
	}
	var v float64
	switch {
	case r.Signed && r.Width == 1:
		v = float64(int8(uint8(raw)))
	case r.Signed:
		v = float64(int16(raw))
	default:
		v = float64(raw)
	}
	v /= r.scale()
	eps := 0.5 / r.scale()
	if v < r.Min-eps || v > r.Max+eps {
		return 0, fmt.Errorf("%s: %g %s outside [%g, %g]", r.ID, v, r.Unit, r.Min, r.Max)
	}
	return v, nil
}

// Bytes renders a raw value in the register's wire width.
func (r Register) Bytes(raw uint16) []byte {
	if r.Width == 1 {
		return []byte{byte(raw)}
	}
	return []byte{byte(raw >> 8), byte(raw)}
}

// Raw parses a raw value in the register's wire width.
func (r Register) Raw(b []byte) (uint16, error) {
	if len(b) != r.Width {
		return 0, fmt.Errorf("%s: want %d value bytes, got %d", r.ID, r.Width, len(b))
	}
	if r.Width == 1 {
		return uint16(b[0]), nil
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (r Register) Label(value float64) (string, bool) {
	for _, e := range r.Enum {
		if math.Abs(e.Value-value) < 1e-9 {
			return e.Label, true
		}
	}
	return "", false
}

func (r Register) ValueOf(label string) (float64, bool) {
	for _, e := range r.Enum {
		if strings.EqualFold(e.Label, label) {
			return e.Value, true
		}
	}
	return 0, false
}

// Format renders a value with its unit or enum label.
func (r Register) Format(value float64) string {
	if label, ok := r.Label(value); ok {
		return label
	}
	if r.Unit == "" {
		return fmt.Sprintf("%g", value)
	}
	return fmt.Sprintf("%g %s", value, r.Unit)
}

func (r Register) enumList() string {
	parts := make([]string, len(r.Enum))
	for i, e := range r.Enum {
		parts[i] = e.Label
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Action is a one-shot probe command sent with CmdExecute.
type Action byte

const (
	ActClearOverloadCounters Action = 0x01 + iota
	ActIncreaseAttenuation
	ActDecreaseAttenuation
	ActIncreaseOffsetSmall
	ActDecreaseOffsetSmall
	ActIncreaseOffsetLarge
	ActDecreaseOffsetLarge
	ActIncreaseOffsetExtraLarge
	ActDecreaseOffsetExtraLarge
)

const ActAutoZero Action = 0x10

var actionNames = map[Action]string{
	ActClearOverloadCounters:    "clear_overload_counters",
	ActIncreaseAttenuation:      "increase_attenuation",
	ActDecreaseAttenuation:      "decrease_attenuation",
	ActIncreaseOffsetSmall:      "increase_offset_small",
	ActDecreaseOffsetSmall:      "decrease_offset_small",
	ActIncreaseOffsetLarge:      "increase_offset_large",
	ActDecreaseOffsetLarge:      "decrease_offset_large",
	ActIncreaseOffsetExtraLarge: "increase_offset_extra_large",
	ActDecreaseOffsetExtraLarge: "decrease_offset_extra_large",
	ActAutoZero:                 "auto_zero",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(0x%02X)", byte(a))
}

func ActionFromName(name string) (Action, bool) {
	for a, n := range actionNames {
		if strings.EqualFold(n, name) {
			return a, true
		}
	}
	return 0, false
}

// Descriptor is the immutable capability set of one probe model.
type Descriptor struct {
	model      Model
	inputRange [2]float64
	registers  map[RegisterID]Register
	actions    map[Action][]RegisterID
}

func (d *Descriptor) Model() Model {
	return d.model
}

// InputVoltageRange returns the lower and upper input voltage of the probe.
func (d *Descriptor) InputVoltageRange() (float64, float64) {
	return d.inputRange[0], d.inputRange[1]
}

func (d *Descriptor) Register(id RegisterID) (Register, bool) {
	r, ok := d.registers[id]
	if !ok {
		return Register{}, false
	}
	r.Enum = append([]EnumValue(nil), r.Enum...)
	return r, true
}

func (d *Descriptor) Registers() []Register {
	out := make([]Register, 0, len(d.registers))
	for id := range d.registers {
		r, _ := d.Register(id)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Descriptor) Actions() []Action {
	out := make([]Action, 0, len(d.actions))
	for a := range d.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Descriptor) Supports(a Action) bool {
	_, ok := d.actions[a]
	return ok
}

// Invalidates lists the registers whose cached value is stale after a.
func (d *Descriptor) Invalidates(a Action) []RegisterID {
	return append([]RegisterID(nil), d.actions[a]...)
}

// ValidateWrite checks value against the register declaration and returns
// the raw value to send.
func (d *Descriptor) ValidateWrite(ch Channel, id RegisterID, value float64) (Register, uint16, error) {
	r, ok := d.registers[id]
	if !ok {
		return Register{}, 0, &InvalidParameterError{Channel: ch, Register: id, Reason: fmt.Sprintf("not supported by %s", d.model)}
	}
	if !r.Access.CanWrite() {
		return Register{}, 0, &InvalidParameterError{Channel: ch, Register: id, Reason: "register is read-only"}
	}
	raw, err := r.Encode(value)
	if err != nil {
		var ip *InvalidParameterError
		if asInvalid(err, &ip) {
			ip.Channel = ch
		}
		return Register{}, 0, err
	}
	return r, raw, nil
}

func (d *Descriptor) ValidateRead(ch Channel, id RegisterID) (Register, error) {
	r, ok := d.registers[id]
	if !ok {
		return Register{}, &InvalidParameterError{Channel: ch, Register: id, Reason: fmt.Sprintf("not supported by %s", d.model)}
	}
	if !r.Access.CanRead() {
		return Register{}, &InvalidParameterError{Channel: ch, Register: id, Reason: "register is write-only"}
	}
	return r, nil
}

func asInvalid(err error, target **InvalidParameterError) bool {
	ip, ok := err.(*InvalidParameterError)
	if ok {
		*target = ip
	}
	return ok
}
