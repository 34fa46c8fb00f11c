package media

import (
	"fmt"
	"time"
)

// PayloadType представляет тип RTP payload согласно RFC 3551
type PayloadType = uint8

// Стандартные payload типы для аудио кодеков
const (
	PayloadTypePCMU        = PayloadType(0)   // μ-law
	PayloadTypePCMA        = PayloadType(8)   // A-law
	PayloadTypeL16Stereo   = PayloadType(10)  // L16 44.1 кГц стерео
	PayloadTypeL16Mono     = PayloadType(11)  // L16 44.1 кГц моно
	PayloadTypeDTMFDefault = PayloadType(101) // RFC 4733 (динамический, обычно 101)
)

// Идентификаторы кодеков, по которым реестр выбирает цепочку декодирования
const (
	CodecPCMU           = "PCMU"
	CodecPCMA           = "PCMA"
	CodecL16            = "L16"
	CodecTelephoneEvent = "TELEPHONE-EVENT"
)

// Format согласованный формат медиа потока
type Format struct {
	PayloadType PayloadType
	Codec       string        // Имя кодека из SDP rtpmap (PCMU, PCMA, L16, telephone-event)
	ClockRate   uint32        // Частота RTP меток времени
	Channels    int           // Количество каналов
	Ptime       time.Duration // Время пакетизации
}

// Предопределенные форматы
var (
	FormatPCMU = Format{PayloadType: PayloadTypePCMU, Codec: CodecPCMU, ClockRate: 8000, Channels: 1, Ptime: 20 * time.Millisecond}
	FormatPCMA = Format{PayloadType: PayloadTypePCMA, Codec: CodecPCMA, ClockRate: 8000, Channels: 1, Ptime: 20 * time.Millisecond}
	FormatL16  = Format{PayloadType: PayloadTypeL16Mono, Codec: CodecL16, ClockRate: 44100, Channels: 1, Ptime: 20 * time.Millisecond}

	FormatTelephoneEvent = Format{PayloadType: PayloadTypeDTMFDefault, Codec: CodecTelephoneEvent, ClockRate: 8000, Channels: 1}
)

// CodecID возвращает ключ для реестра кодеков
func (f Format) CodecID() string {
	return normalizeCodecID(f.Codec)
}

// Validate проверяет корректность формата
func (f Format) Validate() error {
	if f.CodecID() == "" {
		return fmt.Errorf("не указан кодек")
	}
	if f.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", f.PayloadType)
	}
	if f.ClockRate == 0 {
		return fmt.Errorf("частота дискретизации должна быть больше 0")
	}
	if f.Channels < 0 {
		return fmt.Errorf("количество каналов не может быть отрицательным: %d", f.Channels)
	}
	return nil
}

// SamplesPerPacket возвращает ожидаемое число отсчетов в пакете
func (f Format) SamplesPerPacket() int {
	if f.Ptime <= 0 {
		return 0
	}
	return int(float64(f.ClockRate) * f.Ptime.Seconds())
}

func (f Format) String() string {
	channels := f.Channels
	if channels == 0 {
		channels = 1
	}
	return fmt.Sprintf("%s/%d/%d (pt=%d)", f.Codec, f.ClockRate, channels, f.PayloadType)
}

// FormatForPayloadType возвращает формат для статического payload типа
func FormatForPayloadType(pt PayloadType) (Format, bool) {
	switch pt {
	case PayloadTypePCMU:
		return FormatPCMU, true
	case PayloadTypePCMA:
		return FormatPCMA, true
	case PayloadTypeL16Mono:
		return FormatL16, true
	case PayloadTypeL16Stereo:
		format := FormatL16
		format.PayloadType = PayloadTypeL16Stereo
		format.Channels = 2
		return format, true
	default:
		return Format{}, false
	}
}
