package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

var _ Transport = (*UDPTransport)(nil)

// UDPTransport реализует Transport интерфейс для приема RTP по UDP.
// Сокет слушает локальный порт без connect, чтобы уровень выше мог
// видеть фактический адрес отправителя и сообщать о чужих пакетах.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     TransportConfig
	buffer     []byte
	counters   transportCounters

	active bool
	mutex  sync.RWMutex
	readMu sync.Mutex
}

// NewUDPTransport создает UDP транспорт и занимает локальный порт
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация: %w", err)
	}

	localAddr, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка локального адреса: %w", err)
	}

	var remoteAddr *net.UDPAddr
	if config.RemoteAddr != "" {
		remoteAddr, err = createUDPAddr(config.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("ошибка удаленного адреса: %w", err)
		}
	}

	conn, err := listenUDPForVoice(localAddr, config)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	transport := &UDPTransport{
		conn:       conn,
		remoteAddr: remoteAddr,
		config:     config,
		buffer:     make([]byte, readBufferSize),
		active:     true,
	}
	transport.counters.openedAt = time.Now()

	return transport, nil
}

// Receive получает RTP пакет по UDP.
// Ожидание ограничено ReceiveTimeout; по истечении возвращается
// ClassifiedError с типом ErrorTypeTimeout.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	timeout := t.config.ReceiveTimeout
	t.mutex.RUnlock()

	if !active {
		return nil, nil, ErrTransportClosed
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	// Буфер переиспользуется, поэтому чтения сериализуются
	t.readMu.Lock()
	defer t.readMu.Unlock()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, classifyNetworkError("UDP set deadline", err)
	}

	n, addr, err := conn.ReadFromUDP(t.buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		classified := classifyNetworkError("UDP read", err)
		if !IsTimeout(classified) {
			t.counters.errorsReceive.Add(1)
		}
		return nil, nil, classified
	}

	// Unmarshal ссылается на исходный срез, поэтому копируем датаграмму
	data := make([]byte, n)
	copy(data, t.buffer[:n])

	packet, err := parsePacket(data)
	if err != nil {
		t.counters.packetsInvalid.Add(1)
		return nil, addr, err
	}

	t.counters.received(n)
	return packet, addr, nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает ожидаемый адрес отправителя
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr устанавливает ожидаемый адрес отправителя
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := createUDPAddr(addr)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr
	return nil
}

// Statistics возвращает статистику транспорта
func (t *UDPTransport) Statistics() TransportStatistics {
	return t.counters.snapshot(string(TransportUDP), t.LocalAddr(), t.RemoteAddr())
}

// Close закрывает транспорт. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}
