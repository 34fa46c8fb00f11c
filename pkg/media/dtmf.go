package media

import (
	"fmt"
	"time"
)

// DTMFDigit представляет DTMF цифру согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0 DTMFDigit = iota
	DTMF1
	DTMF2
	DTMF3
	DTMF4
	DTMF5
	DTMF6
	DTMF7
	DTMF8
	DTMF9
	DTMFStar  // *
	DTMFPound // #
	DTMFA
	DTMFB
	DTMFC
	DTMFD
)

const dtmfSymbols = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if int(d) < len(dtmfSymbols) {
		return dtmfSymbols[d : d+1]
	}
	return "?"
}

// DTMFEvent представляет принятое DTMF событие
type DTMFEvent struct {
	Digit     DTMFDigit     // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp начала события
}

// dtmfPayload структура DTMF payload согласно RFC 4733
type dtmfPayload struct {
	Event    uint8  // DTMF digit (0-15)
	EndFlag  bool   // End of event flag
	Volume   uint8  // Volume level (0-63, представляет -dBm)
	Duration uint16 // Duration in timestamp units
}

// parseDTMFPayload десериализует DTMF payload согласно RFC 4733
func parseDTMFPayload(data []byte) (dtmfPayload, error) {
	if len(data) < 4 {
		return dtmfPayload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	payload := dtmfPayload{
		Event:    data[0],
		EndFlag:  (data[1] & 0x80) != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}
	if payload.Event > uint8(DTMFD) {
		return dtmfPayload{}, fmt.Errorf("неподдерживаемое событие %d", payload.Event)
	}
	return payload, nil
}

// dtmfDecoder стадия Encoded -> DTMF.
// Событие выдается один раз по первому пакету с флагом End; промежуточные
// пакеты и повторные End пакеты того же события поглощаются (nil единица).
// Состояние хранится в экземпляре, поэтому реестр создает новый на каждую сессию.
type dtmfDecoder struct {
	lastTimestamp uint32
	delivered     bool
}

func newDTMFDecoder() *dtmfDecoder {
	return &dtmfDecoder{}
}

func (d *dtmfDecoder) Name() string         { return "telephone-event" }
func (d *dtmfDecoder) InputKind() UnitKind  { return UnitKindEncoded }
func (d *dtmfDecoder) OutputKind() UnitKind { return UnitKindDTMF }

func (d *dtmfDecoder) Decode(unit *Unit) (*Unit, error) {
	payload, err := parseDTMFPayload(unit.Payload)
	if err != nil {
		return nil, err
	}

	if !payload.EndFlag {
		return nil, nil
	}
	// RFC 4733: End пакет передается трижды с тем же timestamp
	if d.delivered && d.lastTimestamp == unit.Timestamp {
		return nil, nil
	}
	d.lastTimestamp = unit.Timestamp
	d.delivered = true

	clockRate := unit.ClockRate
	if clockRate == 0 {
		clockRate = 8000
	}

	out := unit.derive(UnitKindDTMF)
	out.Event = &DTMFEvent{
		Digit:     DTMFDigit(payload.Event),
		Duration:  time.Duration(payload.Duration) * time.Second / time.Duration(clockRate),
		Volume:    -int8(payload.Volume),
		Timestamp: unit.Timestamp,
	}
	return out, nil
}
