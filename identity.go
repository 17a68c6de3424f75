package goprobe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// Metadata EEPROM geometry, read page by page with CmdReadPage.
	EEPROMPageSize = 16
	EEPROMPages    = 16

	metadataDateFormat = "20060102"
	metadataFields     = 11
)

// ProbeIdentity is the metadata a probe (or the supply on channel 0) reports
// when identified. The block is newline separated text in a fixed field
// order, padded with '?' or 0xFF.
type ProbeIdentity struct {
	Model               Model
	LayoutRevision      string
	SerialNumber        string
	Manufacturer        string
	ModelName           string
	Description         string
	ProductionDate      time.Time
	CalibrationDueDate  time.Time
	CalibrationInstance string
	HardwareRevision    string
	SoftwareRevision    string
	UUID                string

	// PropagationDelay is only stored in the fixed FireFly layouts.
	PropagationDelay float32
}

func (p *ProbeIdentity) String() string {
	return fmt.Sprintf("%s s/n %s (hw %s, sw %s)", p.Model, p.SerialNumber, p.HardwareRevision, p.SoftwareRevision)
}

// ParseIdentity decodes a metadata block. Model is ModelUnknown when the
// UUID is not in the catalog. Blocks carrying a fixed layout revision at
// 0x04 are decoded by offset, everything else as text.
func ParseIdentity(data []byte) (*ProbeIdentity, error) {
	if p, ok := parseFixedIdentity(data); ok {
		return p, nil
	}
	data = bytes.ReplaceAll(data, []byte{0xFF}, nil)
	data = bytes.ReplaceAll(data, []byte{'?'}, nil)
	fields := strings.Split(string(data), "\n")
	if len(fields) < metadataFields {
		return nil, fmt.Errorf("metadata has %d fields, want %d", len(fields), metadataFields)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	p := &ProbeIdentity{
		LayoutRevision:      fields[0],
		SerialNumber:        fields[1],
		Manufacturer:        fields[2],
		ModelName:           fields[3],
		Description:         fields[4],
		ProductionDate:      parseMetadataDate(fields[5]),
		CalibrationDueDate:  parseMetadataDate(fields[6]),
		CalibrationInstance: fields[7],
		HardwareRevision:    fields[8],
		SoftwareRevision:    fields[9],
		UUID:                fields[10],
	}
	if p.SerialNumber == "" && p.UUID == "" {
		return nil, errors.New("metadata is blank")
	}
	p.Model, _ = ModelFromUUID(p.UUID)
	return p, nil
}

func parseMetadataDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(metadataDateFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatMetadataDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(metadataDateFormat)
}

// MarshalBinary renders the metadata block without padding.
func (p *ProbeIdentity) MarshalBinary() ([]byte, error) {
	uuid := p.UUID
	if uuid == "" {
		uuid = p.Model.UUID()
	}
	if l, ok := fixedLayouts[p.LayoutRevision]; ok {
		return p.marshalFixed(l, uuid)
	}
	fields := []string{
		p.LayoutRevision,
		p.SerialNumber,
		p.Manufacturer,
		p.ModelName,
		p.Description,
		formatMetadataDate(p.ProductionDate),
		formatMetadataDate(p.CalibrationDueDate),
		p.CalibrationInstance,
		p.HardwareRevision,
		p.SoftwareRevision,
		uuid,
	}
	for i, f := range fields {
		if strings.ContainsAny(f, "\n?") {
			return nil, fmt.Errorf("metadata field %d contains a reserved character", i)
		}
	}
	return []byte(strings.Join(fields, "\n") + "\n"), nil
}

// Pages renders the metadata block padded to the full EEPROM and split into
// pages.
func (p *ProbeIdentity) Pages() ([][]byte, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	size := EEPROMPageSize * EEPROMPages
	if len(b) > size {
		return nil, fmt.Errorf("metadata is %d bytes, eeprom holds %d", len(b), size)
	}
	b = append(b, bytes.Repeat([]byte{'?'}, size-len(b))...)
	pages := make([][]byte, EEPROMPages)
	for i := range pages {
		pages[i] = b[i*EEPROMPageSize : (i+1)*EEPROMPageSize]
	}
	return pages, nil
}

type span struct{ off, n int }

func (s span) end() int { return s.off + s.n }

// fixedLayout maps metadata fields to EEPROM offsets.
type fixedLayout struct {
	serial, manufacturer, model, description  span
	produced, calibrationDue, calibrationInst span
	hardware, software, uuid, propagation     span
}

var layoutRevisionSpan = span{0x04, 3}

var fixedLayouts = map[string]fixedLayout{
	"1.1": {
		serial:          span{0x07, 4},
		manufacturer:    span{0x0B, 17},
		model:           span{0x2B, 7},
		description:     span{0x3B, 37},
		produced:        span{0x61, 8},
		calibrationDue:  span{0x69, 8},
		calibrationInst: span{0x71, 3},
		hardware:        span{0x75, 22},
		software:        span{0x8E, 13},
		uuid:            span{0xA7, 11},
		propagation:     span{0xBB, 4},
	},
	"1.2": {
		serial:          span{0x07, 7},
		manufacturer:    span{0x11, 17},
		model:           span{0x31, 7},
		description:     span{0x41, 37},
		produced:        span{0x67, 8},
		calibrationDue:  span{0x6F, 8},
		calibrationInst: span{0x77, 3},
		hardware:        span{0x7B, 22},
		software:        span{0x94, 13},
		uuid:            span{0xAD, 11},
		propagation:     span{0xC1, 4},
	},
}

func parseFixedIdentity(data []byte) (*ProbeIdentity, bool) {
	if len(data) < layoutRevisionSpan.end() {
		return nil, false
	}
	rev := string(data[layoutRevisionSpan.off:layoutRevisionSpan.end()])
	l, ok := fixedLayouts[rev]
	if !ok || len(data) < l.propagation.end() {
		return nil, false
	}
	field := func(s span) string {
		return trimPadding(data[s.off:s.end()])
	}
	m, ok := ModelFromUUID(field(l.uuid))
	if !ok || m.Family() != FamilyFireFly {
		return nil, false
	}
	delay := data[l.propagation.off:l.propagation.end()]
	return &ProbeIdentity{
		Model:               m,
		LayoutRevision:      rev,
		SerialNumber:        field(l.serial),
		Manufacturer:        field(l.manufacturer),
		ModelName:           field(l.model),
		Description:         field(l.description),
		ProductionDate:      parseMetadataDate(field(l.produced)),
		CalibrationDueDate:  parseMetadataDate(field(l.calibrationDue)),
		CalibrationInstance: field(l.calibrationInst),
		HardwareRevision:    field(l.hardware),
		SoftwareRevision:    field(l.software),
		UUID:                field(l.uuid),
		PropagationDelay:    math.Float32frombits(binary.LittleEndian.Uint32(delay)),
	}, true
}

func trimPadding(b []byte) string {
	pad := func(c byte) bool { return c == 0x00 || c == 0xFF || c == '?' || c == ' ' }
	for len(b) > 0 && pad(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	for len(b) > 0 && pad(b[0]) {
		b = b[1:]
	}
	return string(b)
}

func (p *ProbeIdentity) marshalFixed(l fixedLayout, uuid string) ([]byte, error) {
	b := bytes.Repeat([]byte{0xFF}, l.propagation.end())
	put := func(name string, s span, v string) error {
		if len(v) > s.n {
			return fmt.Errorf("metadata %s %q exceeds %d bytes", name, v, s.n)
		}
		copy(b[s.off:s.end()], v)
		return nil
	}
	fields := []struct {
		name string
		s    span
		v    string
	}{
		{"layout revision", layoutRevisionSpan, p.LayoutRevision},
		{"serial number", l.serial, p.SerialNumber},
		{"manufacturer", l.manufacturer, p.Manufacturer},
		{"model", l.model, p.ModelName},
		{"description", l.description, p.Description},
		{"production date", l.produced, formatMetadataDate(p.ProductionDate)},
		{"calibration due date", l.calibrationDue, formatMetadataDate(p.CalibrationDueDate)},
		{"calibration instance", l.calibrationInst, p.CalibrationInstance},
		{"hardware revision", l.hardware, p.HardwareRevision},
		{"software revision", l.software, p.SoftwareRevision},
		{"uuid", l.uuid, uuid},
	}
	for _, f := range fields {
		if err := put(f.name, f.s, f.v); err != nil {
			return nil, err
		}
	}
	binary.LittleEndian.PutUint32(b[l.propagation.off:], math.Float32bits(p.PropagationDelay))
	return b, nil
}
