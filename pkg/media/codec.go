package media

import (
	"encoding/binary"
	"fmt"
)

// DecodeTransform одна стадия цепочки декодирования.
// Стадия может хранить состояние (например, подавление повторов DTMF),
// но не разделяет его между сессиями: реестр создает новые экземпляры на каждый Resolve.
// Decode может вернуть (nil, nil), если единица поглощена стадией.
type DecodeTransform interface {
	Name() string
	InputKind() UnitKind
	OutputKind() UnitKind
	Decode(unit *Unit) (*Unit, error)
}

// rtpDepacketizer извлекает полезную нагрузку из RTP пакета
type rtpDepacketizer struct{}

func (rtpDepacketizer) Name() string         { return "rtp-depacketizer" }
func (rtpDepacketizer) InputKind() UnitKind  { return UnitKindRTP }
func (rtpDepacketizer) OutputKind() UnitKind { return UnitKindEncoded }

func (rtpDepacketizer) Decode(unit *Unit) (*Unit, error) {
	if unit.Packet == nil {
		return nil, fmt.Errorf("единица без RTP пакета")
	}
	if len(unit.Packet.Payload) == 0 {
		return nil, fmt.Errorf("пустая полезная нагрузка (seq=%d)", unit.SequenceNumber)
	}

	out := unit.derive(UnitKindEncoded)
	out.Payload = unit.Packet.Payload
	return out, nil
}

// Таблицы декодирования G.711 (ITU-T G.711), по одному значению на байт
var (
	ulawTable [256]int16
	alawTable [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawTable[i] = decodeULaw(uint8(i))
		alawTable[i] = decodeALaw(uint8(i))
	}
}

func decodeULaw(u uint8) int16 {
	u = ^u
	t := (int(u&0x0F) << 3) + 0x84
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(0x84 - t)
	}
	return int16(t - 0x84)
}

func decodeALaw(a uint8) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// g711Decoder стадия Encoded -> PCM для μ-law и A-law
type g711Decoder struct {
	name  string
	table *[256]int16
}

func newULawDecoder() *g711Decoder { return &g711Decoder{name: "g711-ulaw", table: &ulawTable} }
func newALawDecoder() *g711Decoder { return &g711Decoder{name: "g711-alaw", table: &alawTable} }

func (d *g711Decoder) Name() string         { return d.name }
func (d *g711Decoder) InputKind() UnitKind  { return UnitKindEncoded }
func (d *g711Decoder) OutputKind() UnitKind { return UnitKindPCM }

func (d *g711Decoder) Decode(unit *Unit) (*Unit, error) {
	if len(unit.Payload) == 0 {
		return nil, fmt.Errorf("пустой G.711 фрейм")
	}

	samples := make([]int16, len(unit.Payload))
	for i, b := range unit.Payload {
		samples[i] = d.table[b]
	}

	out := unit.derive(UnitKindPCM)
	out.Samples = samples
	return out, nil
}

// l16Decoder стадия Encoded -> PCM для L16 (RFC 3551, сетевой порядок байт)
type l16Decoder struct{}

func (l16Decoder) Name() string         { return "l16" }
func (l16Decoder) InputKind() UnitKind  { return UnitKindEncoded }
func (l16Decoder) OutputKind() UnitKind { return UnitKindPCM }

func (l16Decoder) Decode(unit *Unit) (*Unit, error) {
	if len(unit.Payload) == 0 || len(unit.Payload)%2 != 0 {
		return nil, fmt.Errorf("некорректный размер L16 фрейма: %d", len(unit.Payload))
	}

	samples := make([]int16, len(unit.Payload)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(unit.Payload[2*i:]))
	}

	out := unit.derive(UnitKindPCM)
	out.Samples = samples
	return out, nil
}
