package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// UnitKind тип медиа единицы, проходящей через конвейер.
// Стадии цепочки декодирования объявляют, какой тип принимают и какой выдают.
type UnitKind int

const (
	UnitKindRTP     UnitKind = iota // RTP пакет целиком
	UnitKindEncoded                 // Закодированная полезная нагрузка
	UnitKindPCM                     // Блок линейных 16-битных отсчетов
	UnitKindDTMF                    // DTMF событие RFC 4733
)

func (k UnitKind) String() string {
	switch k {
	case UnitKindRTP:
		return "rtp"
	case UnitKindEncoded:
		return "encoded"
	case UnitKindPCM:
		return "pcm"
	case UnitKindDTMF:
		return "dtmf"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Unit одна порция медиа данных: пакет, полезная нагрузка, блок отсчетов
// или DTMF событие. Метаданные RTP сохраняются на всех стадиях.
type Unit struct {
	Kind UnitKind

	Packet  *rtp.Packet // Для UnitKindRTP
	Payload []byte      // Для UnitKindEncoded
	Samples []int16     // Для UnitKindPCM
	Event   *DTMFEvent  // Для UnitKindDTMF

	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	Marker         bool
	SSRC           uint32
	ClockRate      uint32
	ReceivedAt     time.Time
}

// NewRTPUnit создает единицу из принятого RTP пакета
func NewRTPUnit(packet *rtp.Packet, clockRate uint32, receivedAt time.Time) *Unit {
	return &Unit{
		Kind:           UnitKindRTP,
		Packet:         packet,
		PayloadType:    packet.PayloadType,
		SequenceNumber: packet.SequenceNumber,
		Timestamp:      packet.Timestamp,
		Marker:         packet.Marker,
		SSRC:           packet.SSRC,
		ClockRate:      clockRate,
		ReceivedAt:     receivedAt,
	}
}

// derive создает единицу нового типа с теми же метаданными
func (u *Unit) derive(kind UnitKind) *Unit {
	return &Unit{
		Kind:           kind,
		PayloadType:    u.PayloadType,
		SequenceNumber: u.SequenceNumber,
		Timestamp:      u.Timestamp,
		Marker:         u.Marker,
		SSRC:           u.SSRC,
		ClockRate:      u.ClockRate,
		ReceivedAt:     u.ReceivedAt,
	}
}

// Duration возвращает длительность блока отсчетов
func (u *Unit) Duration() time.Duration {
	if u.Kind != UnitKindPCM || u.ClockRate == 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.ClockRate)
}
