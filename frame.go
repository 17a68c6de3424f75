package goprobe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Wire format of a frame, both directions:
//
//	STX | channel | command | length | payload ... | checksum
//
// The checksum is the two's complement of the 8-bit sum of every byte from
// STX through the last payload byte, so a valid frame sums to zero.
const (
	StartMarker byte = 0x02

	headerLen  = 4
	trailerLen = 1
	MaxPayload = 255

	minFrameLen = headerLen + trailerLen
	maxFrameLen = headerLen + MaxPayload + trailerLen
)

// Channel addresses one probe attachment point of the supply. Channel 0 is
// the supply itself.
type Channel uint8

const (
	ChannelSupply Channel = iota
	Channel1
	Channel2
	Channel3
)

func (c Channel) String() string {
	if c == ChannelSupply {
		return "PS"
	}
	return "CH" + strconv.Itoa(int(c))
}

type CommandID byte

const (
	CmdIdentify      CommandID = 0x01
	CmdReadRegister  CommandID = 0x02
	CmdWriteRegister CommandID = 0x03
	CmdReset         CommandID = 0x04
	CmdExecute       CommandID = 0x05
	CmdReadPage      CommandID = 0x06
	CmdVersion       CommandID = 0x07

	// FlagNAK is set in the command byte of a negative acknowledge. The first
	// payload byte of a NAK carries the Status.
	FlagNAK CommandID = 0x80
)

func (c CommandID) String() string {
	var name string
	switch c &^ FlagNAK {
	case CmdIdentify:
		name = "Identify"
	case CmdReadRegister:
		name = "ReadRegister"
	case CmdWriteRegister:
		name = "WriteRegister"
	case CmdReset:
		name = "Reset"
	case CmdExecute:
		name = "Execute"
	case CmdReadPage:
		name = "ReadPage"
	case CmdVersion:
		name = "Version"
	default:
		name = fmt.Sprintf("Command(0x%02X)", byte(c&^FlagNAK))
	}
	if c.IsNAK() {
		return name + "/NAK"
	}
	return name
}

func (c CommandID) IsNAK() bool {
	return c&FlagNAK != 0
}

// Status is the reason code carried by a NAK.
type Status byte

const (
	StatusNoProbe       Status = 0x01
	StatusBadRegister   Status = 0x02
	StatusBadValue      Status = 0x03
	StatusBusy          Status = 0x04
	StatusBadCommand    Status = 0x05
	StatusChecksumError Status = 0x06
)

func (s Status) String() string {
	switch s {
	case StatusNoProbe:
		return "no probe"
	case StatusBadRegister:
		return "unknown register"
	case StatusBadValue:
		return "value rejected"
	case StatusBusy:
		return "busy"
	case StatusBadCommand:
		return "unrecognized command"
	case StatusChecksumError:
		return "checksum error"
	default:
		return fmt.Sprintf("unknown status 0x%02X", byte(s))
	}
}

// Frame is one complete unit of wire data.
type Frame struct {
	Channel Channel
	Command CommandID
	Payload []byte
}

func NewFrame(ch Channel, cmd CommandID, payload []byte) *Frame {
	return &Frame{
		Channel: ch,
		Command: cmd,
		Payload: payload,
	}
}

// Checksum returns the two's complement of the 8-bit sum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum + 1
}

// Encode builds the wire bytes for one frame.
func Encode(cmd CommandID, ch Channel, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload size %d exceeds %d bytes", len(payload), MaxPayload)
	}
	data := make([]byte, headerLen+len(payload)+trailerLen)
	data[0] = StartMarker
	data[1] = byte(ch)
	data[2] = byte(cmd)
	data[3] = byte(len(payload))
	copy(data[headerLen:], payload)
	data[len(data)-1] = Checksum(data[:len(data)-1])
	return data, nil
}

// Decode parses exactly one frame. It has no state; identical input gives an
// identical result.
func Decode(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	return Encode(f.Command, f.Channel, f.Payload)
}

func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) == 0 || data[0] != StartMarker {
		return &CorruptFrameError{Reason: "missing start marker", Data: data}
	}
	if len(data) < minFrameLen {
		return &CorruptFrameError{Reason: "short frame", Data: data}
	}
	size := int(data[3])
	switch want := headerLen + size + trailerLen; {
	case len(data) < want:
		return &CorruptFrameError{Reason: fmt.Sprintf("declared %d payload bytes, got %d", size, len(data)-minFrameLen), Data: data}
	case len(data) > want:
		return &CorruptFrameError{Reason: fmt.Sprintf("%d trailing bytes", len(data)-want), Data: data}
	}
	if sum := Checksum(data[:len(data)-1]); sum != data[len(data)-1] {
		return &CorruptFrameError{Reason: fmt.Sprintf("checksum expected %02X, got %02X", sum, data[len(data)-1]), Data: data}
	}
	f.Channel = Channel(data[1])
	f.Command = CommandID(data[2])
	f.Payload = make([]byte, size)
	copy(f.Payload, data[headerLen:headerLen+size])
	return nil
}

// ReadFrame reads one frame from t within timeout. It never reads past the
// end of the frame it is assembling. No bytes at all yields ErrLinkTimeout, a
// partial frame yields ErrCorruptFrame.
func ReadFrame(t Transport, timeout time.Duration) (*Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, maxFrameLen)
	want := headerLen
	for len(buf) < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		n, err := t.Read(buf[len(buf):want], remaining)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", t.Name(), err)
		}
		buf = buf[:len(buf)+n]
		if len(buf) > 0 && buf[0] != StartMarker {
			return nil, &CorruptFrameError{Reason: "misaligned start marker", Data: buf}
		}
		if want == headerLen && len(buf) == headerLen {
			want = headerLen + int(buf[3]) + trailerLen
		}
	}
	if len(buf) == 0 {
		return nil, ErrLinkTimeout
	}
	if len(buf) < want {
		return nil, &CorruptFrameError{Reason: fmt.Sprintf("truncated frame, %d of %d bytes", len(buf), want), Data: buf}
	}
	return Decode(buf)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(f.Channel.String() + " || ")
	out.WriteString(fmt.Sprintf("%-22s", f.Command.String()) + " || ")
	out.WriteString(strconv.Itoa(len(f.Payload)) + " || ")
	out.WriteString(hexView(f.Payload))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Payload))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green(f.Channel.String()) + " || ")
	if f.Command.IsNAK() {
		out.WriteString(red("%-22s", f.Command.String()) + " || ")
	} else {
		out.WriteString(fmt.Sprintf("%-22s", f.Command.String()) + " || ")
	}
	out.WriteString(strconv.Itoa(len(f.Payload)) + " || ")
	out.WriteString(hexView(f.Payload))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Payload)))
	return out.String()
}

func hexView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
