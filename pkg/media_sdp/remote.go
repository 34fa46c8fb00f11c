// Package media_sdp извлекает из SDP описания пира параметры для media.Receiver:
// адрес и порт отправителя и согласованный формат аудио.
package media_sdp

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_receiver/pkg/media"
)

// Direction направление медиа потока из атрибутов SDP
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

const defaultPtime = 20 * time.Millisecond

// RemoteMedia параметры аудио потока пира
type RemoteMedia struct {
	Address   string
	Port      int
	Format    media.Format
	Telephone *media.Format // telephone-event, если пир его предлагает
	Direction Direction     // Направление с точки зрения пира
}

// Endpoint возвращает адрес пира в виде host:port
func (m *RemoteMedia) Endpoint() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
}

// Sends сообщает, будет ли пир отправлять медиа
func (m *RemoteMedia) Sends() bool {
	return m.Direction == DirectionSendRecv || m.Direction == DirectionSendOnly
}

// ParseRemoteMedia разбирает SDP и выбирает первый формат первого аудио
// описания, для которого в реестре по умолчанию есть цепочка декодирования.
func ParseRemoteMedia(raw []byte) (*RemoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, err, "не удалось разобрать SDP")
	}
	return RemoteMediaFromDescription(&desc, media.DefaultCodecRegistry())
}

// RemoteMediaFromDescription извлекает параметры аудио потока из разобранного SDP.
// Форматы проверяются по registry в порядке предпочтения пира.
func RemoteMediaFromDescription(desc *sdp.SessionDescription, registry *media.CodecRegistry) (*RemoteMedia, error) {
	if desc == nil {
		return nil, NewSDPError(ErrorCodeSDPParsing, "SDP описание не может быть nil")
	}
	if registry == nil {
		registry = media.DefaultCodecRegistry()
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, NewSDPError(ErrorCodeNoAudioMedia, "аудио медиа описание не найдено")
	}

	port := audio.MediaName.Port.Value
	if port == 0 {
		return nil, NewSDPError(ErrorCodeMediaRejected, "аудио поток отклонен пиром (порт 0)")
	}

	address, err := connectionAddress(desc, audio)
	if err != nil {
		return nil, err
	}

	remote := &RemoteMedia{
		Address:   address,
		Port:      port,
		Direction: parseDirection(desc, audio),
	}

	ptime := parsePtime(audio)
	rtpmaps := parseRtpmaps(audio)

	selected := false
	for _, token := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(token)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}

		format, ok := rtpmaps[uint8(pt)]
		if !ok {
			if format, ok = media.FormatForPayloadType(uint8(pt)); !ok {
				continue
			}
		}

		if format.CodecID() == media.CodecTelephoneEvent {
			if remote.Telephone == nil {
				telephone := format
				remote.Telephone = &telephone
			}
			continue
		}

		if selected || !registry.Supports(format.Codec) {
			continue
		}
		if ptime > 0 {
			format.Ptime = ptime
		}
		remote.Format = format
		selected = true
	}

	if !selected {
		return nil, NewSDPError(ErrorCodeIncompatibleCodec,
			"не найден поддерживаемый кодек среди предложенных: %v", audio.MediaName.Formats)
	}
	return remote, nil
}

// connectionAddress берет адрес из c= медиа уровня, иначе из c= уровня сессии
func connectionAddress(desc *sdp.SessionDescription, md *sdp.MediaDescription) (string, error) {
	info := md.ConnectionInformation
	if info == nil {
		info = desc.ConnectionInformation
	}
	if info == nil || info.Address == nil || info.Address.Address == "" {
		return "", NewSDPError(ErrorCodeNoConnection, "информация о соединении не найдена в SDP")
	}
	if info.NetworkType != "IN" {
		return "", NewSDPError(ErrorCodeNoConnection, "неподдерживаемый тип сети: %s", info.NetworkType)
	}
	return info.Address.Address, nil
}

// parseRtpmaps разбирает атрибуты вида "a=rtpmap:96 opus/48000/2"
func parseRtpmaps(md *sdp.MediaDescription) map[uint8]media.Format {
	formats := make(map[uint8]media.Format)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		parts := strings.SplitN(attr.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		pt, err := strconv.Atoi(parts[0])
		if err != nil || pt < 0 || pt > 127 {
			continue
		}

		encoding := strings.Split(parts[1], "/")
		if len(encoding) < 2 {
			continue
		}
		clockRate, err := strconv.ParseUint(encoding[1], 10, 32)
		if err != nil || clockRate == 0 {
			continue
		}
		channels := 1
		if len(encoding) > 2 {
			if n, err := strconv.Atoi(encoding[2]); err == nil && n > 0 {
				channels = n
			}
		}

		formats[uint8(pt)] = media.Format{
			PayloadType: uint8(pt),
			Codec:       encoding[0],
			ClockRate:   uint32(clockRate),
			Channels:    channels,
			Ptime:       defaultPtime,
		}
	}
	return formats
}

func parsePtime(md *sdp.MediaDescription) time.Duration {
	value, ok := md.Attribute("ptime")
	if !ok {
		return 0
	}
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// parseDirection ищет атрибут направления на уровне медиа, затем сессии
func parseDirection(desc *sdp.SessionDescription, md *sdp.MediaDescription) Direction {
	for _, attrs := range [][]sdp.Attribute{md.Attributes, desc.Attributes} {
		for _, attr := range attrs {
			switch Direction(attr.Key) {
			case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
				return Direction(attr.Key)
			}
		}
	}
	return DirectionSendRecv
}
