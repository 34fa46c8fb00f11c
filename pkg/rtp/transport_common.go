// Общие утилиты для всех типов транспортов в RTP пакете
//
// Этот файл содержит функции, используемые UDP и DTLS транспортами:
//   - Оптимизация сокетов для голосового трафика (буферы, приоритет)
//   - QoS настройки через DSCP маркировку
//   - Создание UDP сокетов с расширенными параметрами
//   - Валидация входящих пакетов
//   - Общая статистика транспортов
package rtp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
)

// Общие константы для настройки всех типов транспортов
const (
	// DefaultBufferSize размер буфера по умолчанию для UDP сокетов (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout таймаут получения пакетов по умолчанию.
	// Ограничивает время, за которое остановка конвейера прерывает чтение.
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DefaultHandshakeTimeout таймаут для DTLS handshake
	DefaultHandshakeTimeout = 30 * time.Second

	// VoiceOptimizedRecvBuffer размер буфера получения для голоса.
	// 64KB достаточно для ~3.2 секунд аудио G.711 (20ms пакеты)
	VoiceOptimizedRecvBuffer = 65535

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для потокового видео
	DSCPBestEffort          = 0

	// Ограничения размера RTP пакета
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize = 1500 // Максимальный размер (MTU)

	// readBufferSize на байт больше MaxRTPPacketSize, чтобы обрезанная
	// датаграмма была видна как слишком большая
	readBufferSize = MaxRTPPacketSize + 1

	// ExpectedRTPVersion RFC 3550: версия RTP должна быть 2
	ExpectedRTPVersion = 2
)

// voiceSocketControl применяет оптимизации для голоса до bind, иначе
// SO_REUSEPORT и SO_BINDTODEVICE не действуют
func voiceSocketControl(config TransportConfig) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockOptErr error
		if err := c.Control(func(fd uintptr) {
			sockOptErr = applySockOptForVoice(fd, config)
		}); err != nil {
			return fmt.Errorf("ошибка управления сокетом: %w", err)
		}
		if sockOptErr != nil {
			return fmt.Errorf("ошибка настройки сокета: %w", sockOptErr)
		}
		return nil
	}
}

// listenUDPForVoice занимает локальный порт с оптимизациями для голоса
func listenUDPForVoice(localAddr *net.UDPAddr, config TransportConfig) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: voiceSocketControl(config)}
	conn, err := lc.ListenPacket(context.Background(), "udp", localAddr.String())
	if err != nil {
		return nil, err
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", conn)
	}
	return udpConn, nil
}

// dialUDPForVoice создает соединенный UDP сокет с оптимизациями для голоса
func dialUDPForVoice(localAddr, remoteAddr *net.UDPAddr, config TransportConfig) (*net.UDPConn, error) {
	dialer := net.Dialer{LocalAddr: localAddr, Control: voiceSocketControl(config)}
	conn, err := dialer.DialContext(context.Background(), "udp", remoteAddr.String())
	if err != nil {
		return nil, err
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", conn)
	}
	return udpConn, nil
}

// applySockOptForVoice применяет системные настройки сокета для голоса
func applySockOptForVoice(fd uintptr, config TransportConfig) error {
	intFd := int(fd)

	if err := setSockOptRecvBuffer(intFd, config.BufferSize); err != nil {
		return fmt.Errorf("ошибка установки буферов: %w", err)
	}

	if config.DSCP > 0 {
		if err := setSockOptDSCP(intFd, config.DSCP); err != nil {
			return fmt.Errorf("ошибка установки DSCP: %w", err)
		}
	}

	if config.ReusePort {
		if err := setSockOptReusePort(intFd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if config.BindToDevice != "" {
		if err := setSockOptBindToDevice(intFd, config.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", config.BindToDevice, err)
		}
	}

	return setSockOptVoiceOptimizations(intFd)
}

// setSockOptRecvBuffer устанавливает размер приемного буфера сокета
func setSockOptRecvBuffer(fd, bufferSize int) error {
	recvBufSize := VoiceOptimizedRecvBuffer
	if bufferSize > DefaultBufferSize {
		recvBufSize = bufferSize * 4
	}

	if err := setSockOptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, recvBufSize); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recvBufSize, err)
	}
	return nil
}

// Платформенные реализации setSockOptDSCP, setSockOptReusePort,
// setSockOptBindToDevice, setSockOptVoiceOptimizations и setSockOptInt
// находятся в transport_socket_*.go

// createUDPAddr создает *net.UDPAddr из строкового адреса с проверкой
func createUDPAddr(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}
	return udpAddr, nil
}

// validatePacketSize проверяет размер пакета для защиты от DoS атак
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}

// parsePacket разбирает датаграмму в RTP пакет. Ошибки оборачивают ErrMalformedPacket.
func parsePacket(data []byte) (*rtp.Packet, error) {
	if err := validatePacketSize(len(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: ошибка демаршалинга: %v", ErrMalformedPacket, err)
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return packet, nil
}

// TransportStatistics общая статистика для всех типов транспортов
type TransportStatistics struct {
	PacketsReceived uint64    // Получено валидных пакетов
	BytesReceived   uint64    // Получено байт
	PacketsInvalid  uint64    // Отброшено невалидных датаграмм
	ErrorsReceive   uint64    // Ошибки получения (без таймаутов)
	LastActivity    time.Time // Последняя активность
	ConnectionTime  time.Time // Время открытия транспорта
	LocalAddr       string    // Локальный адрес
	RemoteAddr      string    // Удаленный адрес
	TransportType   string    // Тип транспорта (udp, dtls)
}

// GetUptime возвращает время работы транспорта
func (ts *TransportStatistics) GetUptime() time.Duration {
	if ts.ConnectionTime.IsZero() {
		return 0
	}
	return time.Since(ts.ConnectionTime)
}

// GetReceiveRate возвращает скорость получения в пакетах/сек
func (ts *TransportStatistics) GetReceiveRate() float64 {
	uptime := ts.GetUptime()
	if uptime == 0 {
		return 0
	}
	return float64(ts.PacketsReceived) / uptime.Seconds()
}

// transportCounters атомарные счетчики, общие для транспортов
type transportCounters struct {
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsInvalid  atomic.Uint64
	errorsReceive   atomic.Uint64
	lastActivity    atomic.Int64 // UnixNano
	openedAt        time.Time
}

func (c *transportCounters) received(n int) {
	c.packetsReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *transportCounters) snapshot(transportType string, local, remote net.Addr) TransportStatistics {
	stats := TransportStatistics{
		PacketsReceived: c.packetsReceived.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		PacketsInvalid:  c.packetsInvalid.Load(),
		ErrorsReceive:   c.errorsReceive.Load(),
		ConnectionTime:  c.openedAt,
		TransportType:   transportType,
	}
	if last := c.lastActivity.Load(); last != 0 {
		stats.LastActivity = time.Unix(0, last)
	}
	if local != nil {
		stats.LocalAddr = local.String()
	}
	if remote != nil {
		stats.RemoteAddr = remote.String()
	}
	return stats
}
