package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	rtpPkg "github.com/arzzra/media_receiver/pkg/rtp"
)

// InputSource сетевой входной поток, привязанный к локальному порту и пиру.
// Владеет сокетом; Read вызывается только одной горутиной конвейера.
type InputSource interface {
	Open() error
	// Read блокируется до следующей единицы, отмены ctx или закрытия потока.
	// После закрытия возвращает ErrInputClosed.
	Read(ctx context.Context) (*Unit, error)
	AddFaultListener(listener FaultListener)
	Close() error
}

// InputFactory создает входной поток для Prepare
type InputFactory func(config InputConfig) (InputSource, error)

// InputConfig параметры входного потока
type InputConfig struct {
	SessionID  string
	LocalHost  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
	Format     Format

	Transport rtpPkg.TransportKind
	DTLS      *rtpPkg.DTLSTransportConfig // Только для TransportDTLS

	// ReceiveTimeout ограничивает одно ожидание сокета
	ReceiveTimeout time.Duration
	// InactivityTimeout после стольких секунд тишины сообщается FaultTimeout; 0 отключает
	InactivityTimeout time.Duration

	Logger *slog.Logger
}

// Validate проверяет конфигурацию входного потока
func (c InputConfig) Validate() error {
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("недопустимый локальный порт: %d", c.LocalPort)
	}
	if c.RemoteAddr == "" {
		return fmt.Errorf("адрес пира не задан")
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("недопустимый порт пира: %d", c.RemotePort)
	}
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("неверный формат: %w", err)
	}
	switch c.Transport {
	case "", rtpPkg.TransportUDP:
	case rtpPkg.TransportDTLS:
		if c.DTLS == nil {
			return fmt.Errorf("для DTLS транспорта нужна конфигурация DTLS")
		}
	default:
		return fmt.Errorf("неизвестный транспорт: %s", c.Transport)
	}
	if c.ReceiveTimeout < 0 || c.InactivityTimeout < 0 {
		return fmt.Errorf("таймауты не могут быть отрицательными")
	}
	return nil
}

// InputStatistics статистика входного потока
type InputStatistics struct {
	PacketsAccepted   uint64
	PacketsLost       uint64 // Оценка по пропускам номеров последовательности
	PacketsLate       uint64 // Опоздавшие и дубликаты
	PacketsJumped     uint64 // Отброшены при скачке номера до подтверждения
	PacketsForeign    uint64 // От постороннего отправителя
	PacketsUnexpected uint64 // С чужим payload type
	PacketsMalformed  uint64
	Transport         rtpPkg.TransportStatistics
}

// DefaultInputFactory создает RTPInputStream
func DefaultInputFactory(config InputConfig) (InputSource, error) {
	return NewRTPInputStream(config)
}

var _ InputSource = (*RTPInputStream)(nil)

// RTPInputStream входной поток поверх rtp.Transport.
// Пакеты от постороннего отправителя, с чужим payload type, опоздавшие и
// дубликаты отбрасываются; о каждом таком случае сообщается слушателям.
type RTPInputStream struct {
	config    InputConfig
	logger    *slog.Logger
	remoteIP  net.IP
	notifier  faultNotifier
	transport rtpPkg.Transport

	mutex  sync.RWMutex
	opened bool
	closed bool

	// Состояние ниже используется только горутиной, вызывающей Read
	sequence        sequenceTracker
	lastPacket      time.Time
	silenceReported bool

	accepted   atomic.Uint64
	lost       atomic.Uint64
	late       atomic.Uint64
	jumped     atomic.Uint64
	foreign    atomic.Uint64
	unexpected atomic.Uint64
	malformed  atomic.Uint64
}

// NewRTPInputStream создает входной поток. Сокет занимается в Open.
func NewRTPInputStream(config InputConfig) (*RTPInputStream, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Transport == "" {
		config.Transport = rtpPkg.TransportUDP
	}
	if config.ReceiveTimeout == 0 {
		config.ReceiveTimeout = rtpPkg.DefaultReceiveTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RTPInputStream{
		config:   config,
		remoteIP: net.ParseIP(config.RemoteAddr),
		logger: logger.With(
			"component", "input_stream",
			"session_id", config.SessionID,
			"local_port", config.LocalPort,
		),
	}, nil
}

// AddFaultListener регистрирует слушателя ошибок потока
func (s *RTPInputStream) AddFaultListener(listener FaultListener) {
	s.notifier.add(listener)
}

// Open занимает локальный порт
func (s *RTPInputStream) Open() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrInputClosed
	}
	if s.opened {
		return nil
	}

	transport, err := s.createTransport()
	if err != nil {
		return WrapMediaError(ErrorCodeInputOpenFailed, s.config.SessionID,
			fmt.Sprintf("не удалось открыть порт %d", s.config.LocalPort), err)
	}

	s.transport = transport
	s.opened = true
	s.lastPacket = time.Now()

	s.logger.Debug("Входной поток открыт",
		"local_addr", transport.LocalAddr().String(),
		"remote", s.remoteEndpoint(),
		"transport", s.config.Transport)
	return nil
}

func (s *RTPInputStream) remoteEndpoint() string {
	return net.JoinHostPort(s.config.RemoteAddr, strconv.Itoa(s.config.RemotePort))
}

func (s *RTPInputStream) createTransport() (rtpPkg.Transport, error) {
	base := rtpPkg.DefaultTransportConfig()
	base.LocalAddr = net.JoinHostPort(s.config.LocalHost, strconv.Itoa(s.config.LocalPort))
	base.RemoteAddr = s.remoteEndpoint()
	base.ReceiveTimeout = s.config.ReceiveTimeout

	switch s.config.Transport {
	case rtpPkg.TransportDTLS:
		dtlsConfig := *s.config.DTLS
		dtlsConfig.TransportConfig = base
		return rtpPkg.NewDTLSTransport(dtlsConfig)
	default:
		return rtpPkg.NewUDPTransport(base)
	}
}

// Read возвращает следующий принятый RTP пакет в виде единицы UnitKindRTP
func (s *RTPInputStream) Read(ctx context.Context) (*Unit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mutex.RLock()
		transport := s.transport
		closed := s.closed
		s.mutex.RUnlock()

		if closed || transport == nil {
			return nil, ErrInputClosed
		}

		packet, addr, err := transport.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, rtpPkg.ErrTransportClosed):
				return nil, ErrInputClosed
			case errors.Is(err, rtpPkg.ErrMalformedPacket):
				s.malformed.Add(1)
				s.notify(FaultMalformedPacket, addr, 0, err)
				continue
			case rtpPkg.IsTimeout(err):
				s.checkInactivity()
				continue
			case rtpPkg.IsRetryable(err):
				s.logger.Debug("Временная ошибка чтения", "error", err)
				continue
			default:
				return nil, WrapMediaError(ErrorCodeInputReadFailed, s.config.SessionID, "ошибка чтения сокета", err)
			}
		}

		now := time.Now()
		if !s.fromPeer(addr) {
			s.foreign.Add(1)
			s.notify(FaultPeerMismatch, addr, packet.SequenceNumber,
				fmt.Errorf("ожидался отправитель %s", s.remoteEndpoint()))
			s.checkInactivity()
			continue
		}

		s.lastPacket = now
		s.silenceReported = false

		if packet.PayloadType != s.config.Format.PayloadType {
			s.unexpected.Add(1)
			s.notify(FaultUnexpectedPayload, addr, packet.SequenceNumber,
				fmt.Errorf("payload type %d, ожидался %d", packet.PayloadType, s.config.Format.PayloadType))
			continue
		}

		verdict, gap := s.sequence.update(packet.SSRC, packet.SequenceNumber)
		switch verdict {
		case sequenceLate:
			s.late.Add(1)
			s.notify(FaultLatePacket, addr, packet.SequenceNumber,
				fmt.Errorf("старший принятый номер %d", s.sequence.highest))
			continue
		case sequenceJump:
			s.jumped.Add(1)
			s.notify(FaultSequenceGap, addr, packet.SequenceNumber,
				fmt.Errorf("скачок номера последовательности с %d, ожидается %d", s.sequence.highest, s.sequence.badSeq))
			continue
		}
		if gap > 0 {
			s.lost.Add(uint64(gap))
			s.notify(FaultSequenceGap, addr, packet.SequenceNumber,
				fmt.Errorf("пропущено пакетов: %d", gap))
		}

		s.accepted.Add(1)
		return NewRTPUnit(packet, s.config.Format.ClockRate, now), nil
	}
}

// fromPeer сравнивает IP отправителя с согласованным. Порт не сравнивается:
// NAT часто меняет исходящий порт. Неуказанный адрес пира принимает всех.
func (s *RTPInputStream) fromPeer(addr net.Addr) bool {
	if s.remoteIP == nil || s.remoteIP.IsUnspecified() {
		return true
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return true
	}
	return udpAddr.IP.Equal(s.remoteIP)
}

// checkInactivity сообщает о тишине один раз за период
func (s *RTPInputStream) checkInactivity() {
	timeout := s.config.InactivityTimeout
	if timeout <= 0 || s.silenceReported {
		return
	}
	silence := time.Since(s.lastPacket)
	if silence < timeout {
		return
	}
	s.silenceReported = true
	s.notify(FaultTimeout, nil, 0, fmt.Errorf("нет пакетов %v", silence.Truncate(time.Millisecond)))
}

func (s *RTPInputStream) notify(kind FaultKind, addr net.Addr, seq uint16, err error) {
	fault := StreamFault{
		Kind:           kind,
		SessionID:      s.config.SessionID,
		LocalPort:      s.config.LocalPort,
		SequenceNumber: seq,
		Err:            err,
		Time:           time.Now(),
	}
	if addr != nil {
		fault.Remote = addr.String()
	}
	s.logger.Debug("Ошибка потока", "kind", kind.String(), "remote", fault.Remote, "error", err)
	s.notifier.notify(fault)
}

// Statistics возвращает статистику потока
func (s *RTPInputStream) Statistics() InputStatistics {
	stats := InputStatistics{
		PacketsAccepted:   s.accepted.Load(),
		PacketsLost:       s.lost.Load(),
		PacketsLate:       s.late.Load(),
		PacketsJumped:     s.jumped.Load(),
		PacketsForeign:    s.foreign.Load(),
		PacketsUnexpected: s.unexpected.Load(),
		PacketsMalformed:  s.malformed.Load(),
	}

	s.mutex.RLock()
	transport := s.transport
	s.mutex.RUnlock()
	if transport != nil {
		stats.Transport = transport.Statistics()
	}
	return stats
}

// LocalAddr возвращает фактический локальный адрес после Open
func (s *RTPInputStream) LocalAddr() net.Addr {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.LocalAddr()
}

// Close освобождает сокет. Повторный вызов безопасен.
func (s *RTPInputStream) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.transport == nil {
		return nil
	}
	s.logger.Debug("Входной поток закрыт")
	return s.transport.Close()
}

const (
	maxDropout  = 3000 // Допустимый скачок вперед без подтверждения
	maxMisorder = 100  // Допустимое отставание опоздавшего пакета
)

type sequenceVerdict int

const (
	sequenceAccepted sequenceVerdict = iota
	sequenceLate                     // Дубликат или опоздавший пакет
	sequenceJump                     // Большой скачок, ждем следующий по порядку пакет
)

// sequenceTracker отслеживает старший номер последовательности RTP по
// RFC 3550 A.1. Большой скачок принимается, только если следующий пакет
// продолжает новую последовательность.
type sequenceTracker struct {
	initialized bool
	ssrc        uint32
	highest     uint16
	badSeq      uint16
	resyncing   bool
}

// update классифицирует пакет и для принятых возвращает число пропущенных
// пакетов перед seq. Смена SSRC сбрасывает отслеживание.
func (t *sequenceTracker) update(ssrc uint32, seq uint16) (sequenceVerdict, int) {
	if !t.initialized || t.ssrc != ssrc {
		t.reset(ssrc, seq)
		return sequenceAccepted, 0
	}

	delta := seq - t.highest
	switch {
	case delta == 0:
		return sequenceLate, 0
	case delta < maxDropout:
		t.highest = seq
		t.resyncing = false
		return sequenceAccepted, int(delta) - 1
	case delta <= 65535-maxMisorder:
		if t.resyncing && seq == t.badSeq {
			t.reset(ssrc, seq)
			return sequenceAccepted, 0
		}
		t.resyncing = true
		t.badSeq = seq + 1
		return sequenceJump, 0
	default:
		return sequenceLate, 0
	}
}

func (t *sequenceTracker) reset(ssrc uint32, seq uint16) {
	t.initialized = true
	t.ssrc = ssrc
	t.highest = seq
	t.resyncing = false
}
