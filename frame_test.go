package goprobe

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		cmd     CommandID
		ch      Channel
		payload []byte
	}{
		{"identify no payload", CmdIdentify, Channel1, nil},
		{"read register", CmdReadRegister, Channel2, []byte{byte(RegGain)}},
		{"write register", CmdWriteRegister, Channel3, []byte{byte(RegOffset), 0xFF, 0x38}},
		{"supply version", CmdVersion, ChannelSupply, nil},
		{"nak", CmdWriteRegister | FlagNAK, Channel1, []byte{byte(StatusBadValue)}},
		{"max payload", CmdIdentify, Channel1, bytes.Repeat([]byte{0xA5}, MaxPayload)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.cmd, tt.ch, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, StartMarker, wire[0])
			assert.Len(t, wire, minFrameLen+len(tt.payload))

			f, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.ch, f.Channel)
			assert.Equal(t, tt.cmd, f.Command)
			assert.Equal(t, len(tt.payload), len(f.Payload))
			if len(tt.payload) > 0 {
				assert.Equal(t, tt.payload, f.Payload)
			}
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(CmdIdentify, Channel1, make([]byte, MaxPayload+1))
	assert.Error(t, err)
}

func TestChecksumSumsToZero(t *testing.T) {
	wire, err := Encode(CmdWriteRegister, Channel2, []byte{0x01, 0x64})
	require.NoError(t, err)
	var sum byte
	for _, b := range wire {
		sum += b
	}
	assert.Zero(t, sum)
}

func TestDecodeDetectsEverySingleByteFlip(t *testing.T) {
	wire, err := Encode(CmdWriteRegister, Channel1, []byte{byte(RegOffset), 0x12, 0x34})
	require.NoError(t, err)
	for i := headerLen; i < len(wire); i++ {
		for _, mask := range []byte{0x01, 0x80, 0xFF} {
			bad := append([]byte(nil), wire...)
			bad[i] ^= mask
			_, err := Decode(bad)
			assert.ErrorIs(t, err, ErrCorruptFrame, "byte %d mask %02X", i, mask)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	good, err := Encode(CmdReadRegister, Channel1, []byte{byte(RegGain), 0x64})
	require.NoError(t, err)
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no marker", append([]byte{0x03}, good[1:]...)},
		{"short", good[:3]},
		{"truncated payload", good[:len(good)-2]},
		{"trailing bytes", append(append([]byte(nil), good...), 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			var cf *CorruptFrameError
			require.ErrorAs(t, err, &cf)
			assert.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "WriteRegister", CmdWriteRegister.String())
	assert.Equal(t, "WriteRegister/NAK", (CmdWriteRegister | FlagNAK).String())
	assert.True(t, (CmdIdentify | FlagNAK).IsNAK())
	assert.False(t, CmdIdentify.IsNAK())
	assert.Equal(t, "PS", ChannelSupply.String())
	assert.Equal(t, "CH2", Channel2.String())
}

func TestFrameString(t *testing.T) {
	f := NewFrame(Channel1, CmdReadRegister, []byte{byte(RegGain), 'A'})
	s := f.String()
	assert.Contains(t, s, "CH1")
	assert.Contains(t, s, "ReadRegister")
	assert.Contains(t, s, "41")
	assert.Contains(t, s, "·A")
	assert.Contains(t, f.ColorString(), "ReadRegister")
}

func TestReadFrame(t *testing.T) {
	wire, err := Encode(CmdReadRegister, Channel1, []byte{byte(RegGain), 0x64})
	require.NoError(t, err)
	next, err := Encode(CmdIdentify, Channel2, nil)
	require.NoError(t, err)

	t.Run("stops at frame end", func(t *testing.T) {
		tr := &scriptedTransport{}
		tr.feed(append(append([]byte(nil), wire...), next...))
		f, err := ReadFrame(tr, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, Channel1, f.Channel)
		assert.Equal(t, len(next), tr.pending(), "bytes of the next frame stay buffered")
	})

	t.Run("split delivery", func(t *testing.T) {
		tr := &scriptedTransport{chunk: 2}
		tr.feed(wire)
		f, err := ReadFrame(tr, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(RegGain), 0x64}, f.Payload)
	})

	t.Run("silence is a timeout", func(t *testing.T) {
		_, err := ReadFrame(&scriptedTransport{}, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrLinkTimeout)
	})

	t.Run("partial is corrupt", func(t *testing.T) {
		tr := &scriptedTransport{}
		tr.feed(wire[:len(wire)-1])
		_, err := ReadFrame(tr, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrCorruptFrame)
		assert.False(t, errors.Is(err, ErrLinkTimeout))
	})

	t.Run("garbage before marker", func(t *testing.T) {
		tr := &scriptedTransport{}
		tr.feed(append([]byte{0x55}, wire...))
		_, err := ReadFrame(tr, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrCorruptFrame)
	})
}
