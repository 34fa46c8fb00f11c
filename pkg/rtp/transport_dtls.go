package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
)

var _ Transport = (*DTLSTransport)(nil)

// DTLSTransport реализует Transport интерфейс для DTLS.
// Работает в роли сервера: рукопожатие принимается от заранее известного
// отправителя при первом чтении и ограничено HandshakeTimeout.
type DTLSTransport struct {
	conn       *net.UDPConn
	dtlsConn   *dtls.Conn
	localAddr  net.Addr
	remoteAddr *net.UDPAddr
	config     DTLSTransportConfig
	buffer     []byte
	counters   transportCounters

	active bool
	mutex  sync.RWMutex
	readMu sync.Mutex
}

// DTLSTransportConfig конфигурация для DTLS транспорта
type DTLSTransportConfig struct {
	TransportConfig

	// Сертификаты и проверка пира
	Certificates       []tls.Certificate
	ClientCAs          *x509.CertPool
	InsecureSkipVerify bool

	// PSK (Pre-Shared Key) для устройств без PKI
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	// Cipher suites для контроля безопасности
	CipherSuites []dtls.CipherSuiteID

	// Таймаут DTLS рукопожатия
	HandshakeTimeout time.Duration

	// Размер MTU для фрагментации DTLS сообщений
	MTU int

	// Окно защиты от replay атак
	ReplayProtectionWindow int
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		TransportConfig:        DefaultTransportConfig(),
		HandshakeTimeout:       DefaultHandshakeTimeout,
		MTU:                    1200,
		ReplayProtectionWindow: 64,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

// NewDTLSTransport создает DTLS транспорт, привязанный к локальному порту
// и к адресу отправителя. Рукопожатие выполняется при первом Receive.
func NewDTLSTransport(config DTLSTransportConfig) (*DTLSTransport, error) {
	config.ApplyDefaults()
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.MTU == 0 {
		config.MTU = 1200
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация: %w", err)
	}
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для DTLS")
	}
	if len(config.Certificates) == 0 && config.PSK == nil {
		return nil, fmt.Errorf("для DTLS нужен сертификат или PSK")
	}

	localAddr, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка локального адреса: %w", err)
	}
	remoteAddr, err := createUDPAddr(config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаленного адреса: %w", err)
	}

	// Соединенный сокет: DTLS сессия существует только с одним пиром
	conn, err := dialUDPForVoice(localAddr, remoteAddr, config.TransportConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	transport := &DTLSTransport{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		remoteAddr: remoteAddr,
		config:     config,
		buffer:     make([]byte, readBufferSize),
		active:     true,
	}
	transport.counters.openedAt = time.Now()

	return transport, nil
}

// buildDTLSConfig создает конфигурацию pion/dtls
func (t *DTLSTransport) buildDTLSConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:           t.config.Certificates,
		ClientCAs:              t.config.ClientCAs,
		CipherSuites:           t.config.CipherSuites,
		InsecureSkipVerify:     t.config.InsecureSkipVerify,
		PSK:                    t.config.PSK,
		PSKIdentityHint:        t.config.PSKIdentityHint,
		MTU:                    t.config.MTU,
		ReplayProtectionWindow: t.config.ReplayProtectionWindow,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
	}
}

// acceptHandshake принимает DTLS рукопожатие от пира
func (t *DTLSTransport) acceptHandshake(ctx context.Context) (*dtls.Conn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ServerWithContext(hsCtx, t.conn, t.buildDTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("ошибка DTLS сервера: %w", err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		dtlsConn.Close()
		return nil, ErrTransportClosed
	}
	t.dtlsConn = dtlsConn
	return dtlsConn, nil
}

// Receive получает RTP пакет через DTLS
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
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

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if dtlsConn == nil {
		var err error
		dtlsConn, err = t.acceptHandshake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			t.counters.errorsReceive.Add(1)
			return nil, nil, classifyNetworkError("DTLS handshake", err)
		}
	}

	if err := dtlsConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, classifyNetworkError("DTLS set deadline", err)
	}

	n, err := dtlsConn.Read(t.buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		classified := classifyNetworkError("DTLS read", err)
		if !IsTimeout(classified) {
			t.counters.errorsReceive.Add(1)
		}
		return nil, nil, classified
	}

	data := make([]byte, n)
	copy(data, t.buffer[:n])

	packet, err := parsePacket(data)
	if err != nil {
		t.counters.packetsInvalid.Add(1)
		return nil, t.remoteAddr, err
	}

	t.counters.received(n)
	return packet, t.remoteAddr, nil
}

// LocalAddr возвращает локальный адрес
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.localAddr
}

// RemoteAddr возвращает адрес пира
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.remoteAddr
}

// Statistics возвращает статистику транспорта
func (t *DTLSTransport) Statistics() TransportStatistics {
	return t.counters.snapshot(string(TransportDTLS), t.LocalAddr(), t.RemoteAddr())
}

// IsHandshakeComplete проверяет завершено ли DTLS рукопожатие
func (t *DTLSTransport) IsHandshakeComplete() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.dtlsConn != nil
}

// ConnectionState возвращает состояние DTLS соединения
func (t *DTLSTransport) ConnectionState() dtls.State {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.dtlsConn != nil {
		return t.dtlsConn.ConnectionState()
	}
	return dtls.State{}
}

// Close закрывает DTLS транспорт
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	// dtls.Conn закрывает нижележащий UDP сокет сам
	if t.dtlsConn != nil {
		if err := t.dtlsConn.Close(); err != nil {
			return fmt.Errorf("ошибка закрытия DTLS соединения: %w", err)
		}
		return nil
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			return fmt.Errorf("ошибка закрытия UDP соединения: %w", err)
		}
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *DTLSTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}
