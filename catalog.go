package goprobe

import "strconv"

// Capability catalog of the supported probe models. Ranges and scale
// factors follow the vendor data sheets; raw offsets are signed 16-bit values
// scaled so the full input range fits.

var (
	onOff = []EnumValue{
		{Label: "off", Value: 0, Raw: 0},
		{Label: "on", Value: 1, Raw: 1},
	}
	ledColors = []EnumValue{
		{Label: "red", Value: 0, Raw: 0},
		{Label: "green", Value: 1, Raw: 1},
		{Label: "blue", Value: 2, Raw: 2},
		{Label: "yellow", Value: 3, Raw: 3},
		{Label: "magenta", Value: 4, Raw: 4},
		{Label: "cyan", Value: 5, Raw: 5},
		{Label: "white", Value: 6, Raw: 6},
		{Label: "black", Value: 7, Raw: 7},
	}
	fireFlyLEDs = []EnumValue{
		{Label: "green", Value: 0, Raw: 0},
		{Label: "yellow", Value: 1, Raw: 1},
		{Label: "blinking_red", Value: 2, Raw: 2},
		{Label: "off", Value: 3, Raw: 3},
	}
	probeStates = []EnumValue{
		{Label: "probe_head_off", Value: 0, Raw: 0},
		{Label: "warming_up", Value: 1, Raw: 1},
		{Label: "ready", Value: 2, Raw: 2},
		{Label: "error", Value: 3, Raw: 3},
	}
)

var catalog = map[Model]*Descriptor{
	ModelBumbleBee200V: bumbleBee(ModelBumbleBee200V, 200, 160, 50, 25, 10, 5),
	ModelBumbleBee400V: bumbleBee(ModelBumbleBee400V, 400, 80, 100, 50, 20, 10),
	ModelBumbleBee2kV:  bumbleBee(ModelBumbleBee2kV, 2000, 16, 500, 250, 100, 50),
	ModelHornet4kV:     bumbleBee(ModelHornet4kV, 4000, 8, 1000, 500, 200, 100),
	ModelHSDP2010:      hsdp(ModelHSDP2010, 10, 100),
	ModelHSDP2010L:     hsdp(ModelHSDP2010L, 10, 100),
	ModelHSDP2025:      hsdp(ModelHSDP2025, 10, 250),
	ModelHSDP2025L:     hsdp(ModelHSDP2025L, 10, 250),
	ModelHSDP2050:      hsdp(ModelHSDP2050, 10, 500),
	ModelHSDP4010:      hsdp(ModelHSDP4010, 40, 100),
	ModelFireFly:       fireFly(),
}

// DescriptorFor returns the capability descriptor of a model.
func DescriptorFor(m Model) (*Descriptor, bool) {
	d, ok := catalog[m]
	return d, ok
}

func newDescriptor(m Model, lo, hi float64, regs ...Register) *Descriptor {
	d := &Descriptor{
		model:      m,
		inputRange: [2]float64{lo, hi},
		registers:  make(map[RegisterID]Register, len(regs)),
		actions:    make(map[Action][]RegisterID),
	}
	for _, r := range regs {
		d.registers[r.ID] = r
	}
	return d
}

func onOffRegister(id RegisterID) Register {
	return Register{ID: id, Access: ReadWrite, Width: 1, Enum: onOff}
}

func counter(id RegisterID) Register {
	return Register{ID: id, Access: ReadOnly, Width: 2, Min: 0, Max: 65535, Scale: 1}
}

// bumbleBee builds the differential high voltage probe family. ratios are the
// selectable attenuation ratios in descending order.
func bumbleBee(m Model, rangeV, scale float64, ratios ...float64) *Descriptor {
	attenuation := make([]EnumValue, len(ratios))
	for i, r := range ratios {
		attenuation[i] = EnumValue{Label: formatRatio(r), Value: r, Raw: uint16(i)}
	}
	offsetStep := func(id RegisterID) Register {
		return Register{ID: id, Unit: "V", Access: ReadWrite, Width: 2, Min: 0, Max: rangeV, Scale: scale}
	}
	d := newDescriptor(m, -rangeV, rangeV,
		Register{ID: RegGain, Unit: "dB", Access: ReadWrite, Width: 1, Min: 0, Max: 20, Scale: 10},
		Register{ID: RegOffset, Unit: "V", Access: ReadWrite, Width: 2, Signed: true, Min: -rangeV, Max: rangeV, Scale: scale},
		Register{ID: RegAttenuation, Unit: ":1", Access: ReadWrite, Width: 1, Enum: attenuation},
		Register{ID: RegLEDColor, Access: ReadWrite, Width: 1, Enum: ledColors},
		offsetStep(RegOffsetStepSmall),
		offsetStep(RegOffsetStepLarge),
		offsetStep(RegOffsetStepExtraLarge),
		onOffRegister(RegOverloadBuzzer),
		onOffRegister(RegHoldOverload),
		onOffRegister(RegKeylock),
		onOffRegister(RegLEDsOff),
		onOffRegister(RegOffsetSync),
		Register{ID: RegTemperature, Unit: "°C", Access: ReadOnly, Width: 2, Signed: true, Min: -40, Max: 125, Scale: 10},
		counter(RegOverloadPositiveCounter),
		counter(RegOverloadNegativeCounter),
		counter(RegOverloadMainCounter),
	)
	d.actions[ActClearOverloadCounters] = []RegisterID{RegOverloadPositiveCounter, RegOverloadNegativeCounter, RegOverloadMainCounter}
	d.actions[ActIncreaseAttenuation] = []RegisterID{RegAttenuation, RegOffset}
	d.actions[ActDecreaseAttenuation] = []RegisterID{RegAttenuation, RegOffset}
	for _, a := range []Action{
		ActIncreaseOffsetSmall, ActDecreaseOffsetSmall,
		ActIncreaseOffsetLarge, ActDecreaseOffsetLarge,
		ActIncreaseOffsetExtraLarge, ActDecreaseOffsetExtraLarge,
	} {
		d.actions[a] = []RegisterID{RegOffset}
	}
	return d
}

// hsdp builds the high sensitivity differential probe family. The offset can
// be set but not read back.
func hsdp(m Model, rangeV, bandwidthMHz float64) *Descriptor {
	return newDescriptor(m, -rangeV, rangeV,
		Register{ID: RegOffset, Unit: "V", Access: WriteOnly, Width: 2, Signed: true, Min: -rangeV, Max: rangeV, Scale: 32000 / rangeV},
		Register{ID: RegBandwidth, Unit: "MHz", Access: ReadWrite, Width: 1, Enum: []EnumValue{
			{Label: "full", Value: bandwidthMHz, Raw: 0},
			{Label: "20MHz", Value: 20, Raw: 1},
		}},
		Register{ID: RegTemperature, Unit: "°C", Access: ReadOnly, Width: 2, Signed: true, Min: -40, Max: 125, Scale: 10},
	)
}

func fireFly() *Descriptor {
	d := newDescriptor(ModelFireFly, -1, 1,
		onOffRegister(RegProbeHeadOn),
		Register{ID: RegBatteryVoltage, Unit: "V", Access: ReadOnly, Width: 2, Min: 0, Max: 5, Scale: 1000},
		Register{ID: RegProbeStatus, Access: ReadOnly, Width: 1, Enum: probeStates},
		Register{ID: RegLEDColor, Access: ReadWrite, Width: 1, Enum: fireFlyLEDs},
	)
	d.actions[ActAutoZero] = nil
	return d
}

func formatRatio(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64) + ":1"
}
