package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestG711Tables(t *testing.T) {
	tests := []struct {
		name   string
		decode func(uint8) int16
		input  uint8
		want   int16
	}{
		{"μ-law минимум", decodeULaw, 0x00, -32124},
		{"μ-law максимум", decodeULaw, 0x80, 32124},
		{"μ-law ноль", decodeULaw, 0xFF, 0},
		{"A-law +8", decodeALaw, 0xD5, 8},
		{"A-law -8", decodeALaw, 0x55, -8},
		{"A-law минимум", decodeALaw, 0x2A, -32256},
		{"A-law максимум", decodeALaw, 0xAA, 32256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.decode(tt.input))
		})
	}

	assert.Equal(t, decodeULaw(0x42), ulawTable[0x42])
	assert.Equal(t, decodeALaw(0x42), alawTable[0x42])
}

func TestRTPDepacketizer(t *testing.T) {
	unit := NewRTPUnit(newTestPacket(7, PayloadTypePCMU, []byte{1, 2, 3}), 8000, time.Now())
	unit.Marker = true

	out, err := rtpDepacketizer{}.Decode(unit)
	require.NoError(t, err)
	assert.Equal(t, UnitKindEncoded, out.Kind)
	assert.Equal(t, []byte{1, 2, 3}, out.Payload)
	assert.Equal(t, uint16(7), out.SequenceNumber)
	assert.Equal(t, uint32(7*160), out.Timestamp)
	assert.True(t, out.Marker)

	_, err = rtpDepacketizer{}.Decode(NewRTPUnit(newTestPacket(8, PayloadTypePCMU, nil), 8000, time.Now()))
	assert.Error(t, err)

	_, err = rtpDepacketizer{}.Decode(&Unit{Kind: UnitKindRTP})
	assert.Error(t, err)
}

func TestG711Decoder(t *testing.T) {
	in := &Unit{Kind: UnitKindEncoded, Payload: []byte{0xFF, 0x00, 0x80}, ClockRate: 8000}

	out, err := newULawDecoder().Decode(in)
	require.NoError(t, err)
	assert.Equal(t, UnitKindPCM, out.Kind)
	assert.Equal(t, []int16{0, -32124, 32124}, out.Samples)

	out, err = newALawDecoder().Decode(&Unit{Kind: UnitKindEncoded, Payload: []byte{0xD5, 0x55}})
	require.NoError(t, err)
	assert.Equal(t, []int16{8, -8}, out.Samples)

	_, err = newULawDecoder().Decode(&Unit{Kind: UnitKindEncoded})
	assert.Error(t, err)
}

func TestL16Decoder(t *testing.T) {
	out, err := l16Decoder{}.Decode(&Unit{Kind: UnitKindEncoded, Payload: []byte{0x00, 0x01, 0xFF, 0xFE, 0x7F, 0xFF}})
	require.NoError(t, err)
	assert.Equal(t, []int16{1, -2, 32767}, out.Samples)

	_, err = l16Decoder{}.Decode(&Unit{Kind: UnitKindEncoded, Payload: []byte{0x00, 0x01, 0x02}})
	assert.Error(t, err, "нечетная длина должна отклоняться")
}

func TestUnitDuration(t *testing.T) {
	unit := &Unit{Kind: UnitKindPCM, Samples: make([]int16, 160), ClockRate: 8000}
	assert.Equal(t, 20*time.Millisecond, unit.Duration())

	assert.Zero(t, (&Unit{Kind: UnitKindEncoded, Payload: make([]byte, 160)}).Duration())
}

func dtmfUnit(timestamp uint32, digit DTMFDigit, end bool, duration uint16) *Unit {
	flags := byte(10) // -10 dBm
	if end {
		flags |= 0x80
	}
	return &Unit{
		Kind:      UnitKindEncoded,
		Payload:   []byte{byte(digit), flags, byte(duration >> 8), byte(duration)},
		Timestamp: timestamp,
		ClockRate: 8000,
	}
}

func TestDTMFDecoderSuppressesRetransmissions(t *testing.T) {
	decoder := newDTMFDecoder()

	var events []*DTMFEvent
	feed := func(unit *Unit) {
		out, err := decoder.Decode(unit)
		require.NoError(t, err)
		if out != nil {
			require.Equal(t, UnitKindDTMF, out.Kind)
			events = append(events, out.Event)
		}
	}

	// Цифра 5: три промежуточных пакета и три End пакета
	for i := 0; i < 3; i++ {
		feed(dtmfUnit(1000, DTMF5, false, uint16(160*(i+1))))
	}
	for i := 0; i < 3; i++ {
		feed(dtmfUnit(1000, DTMF5, true, 800))
	}
	// Цифра #: новое событие с другим timestamp
	feed(dtmfUnit(3000, DTMFPound, true, 400))
	feed(dtmfUnit(3000, DTMFPound, true, 400))

	require.Len(t, events, 2)
	assert.Equal(t, DTMF5, events[0].Digit)
	assert.Equal(t, 100*time.Millisecond, events[0].Duration)
	assert.Equal(t, int8(-10), events[0].Volume)
	assert.Equal(t, uint32(1000), events[0].Timestamp)
	assert.Equal(t, DTMFPound, events[1].Digit)
	assert.Equal(t, 50*time.Millisecond, events[1].Duration)
}

func TestDTMFDecoderInvalidPayload(t *testing.T) {
	decoder := newDTMFDecoder()

	_, err := decoder.Decode(&Unit{Kind: UnitKindEncoded, Payload: []byte{1, 2}})
	assert.Error(t, err)

	_, err = decoder.Decode(&Unit{Kind: UnitKindEncoded, Payload: []byte{16, 0x80, 0, 1}})
	assert.Error(t, err, "события выше D не поддерживаются")
}

func TestDTMFDigitString(t *testing.T) {
	assert.Equal(t, "0", DTMF0.String())
	assert.Equal(t, "*", DTMFStar.String())
	assert.Equal(t, "#", DTMFPound.String())
	assert.Equal(t, "D", DTMFD.String())
	assert.Equal(t, "?", DTMFDigit(42).String())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "PCMU", Format{Codec: " pcmu "}.CodecID())
	assert.Equal(t, 160, FormatPCMU.SamplesPerPacket())
	assert.Equal(t, "PCMU/8000/1 (pt=0)", FormatPCMU.String())

	assert.NoError(t, FormatPCMA.Validate())
	assert.Error(t, Format{ClockRate: 8000}.Validate())
	assert.Error(t, Format{Codec: "PCMU"}.Validate())
	assert.Error(t, Format{Codec: "PCMU", ClockRate: 8000, PayloadType: 200}.Validate())

	format, ok := FormatForPayloadType(PayloadTypeL16Stereo)
	require.True(t, ok)
	assert.Equal(t, 2, format.Channels)
	assert.Equal(t, CodecL16, format.Codec)

	_, ok = FormatForPayloadType(96)
	assert.False(t, ok)
}
