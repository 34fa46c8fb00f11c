// Package rtp содержит сетевые транспорты приемной стороны RTP потока.
//
// Транспорт владеет сокетом, читает датаграммы с ограниченным по времени
// ожиданием, валидирует заголовок согласно RFC 3550 и возвращает разобранный
// пакет pion/rtp вместе с адресом источника. Сборка потока, фильтрация пира
// и декодирование выполняются уровнем выше (пакет media).
package rtp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"
)

// Transport определяет интерфейс для приема RTP пакетов
type Transport interface {
	// Receive получает RTP пакет с указанием источника.
	// Блокируется не дольше ReceiveTimeout, после чего возвращает ошибку таймаута.
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// RemoteAddr возвращает ожидаемый удаленный адрес (если известен)
	RemoteAddr() net.Addr

	// Statistics возвращает снимок статистики транспорта
	Statistics() TransportStatistics

	// Close закрывает транспорт и освобождает сокет
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

// TransportKind определяет вариант транспорта
type TransportKind string

const (
	TransportUDP  TransportKind = "udp"
	TransportDTLS TransportKind = "dtls"
)

// TransportConfig конфигурация для транспорта
type TransportConfig struct {
	LocalAddr      string        // Локальный адрес для привязки
	RemoteAddr     string        // Удаленный адрес отправителя (опционально для UDP)
	BufferSize     int           // Базовый размер для приемного буфера сокета
	ReceiveTimeout time.Duration // Ограничение одного ожидания пакета
	ReusePort      bool          // Разрешить повторное использование порта
	DSCP           int           // DSCP маркировка для QoS (0 = по умолчанию)
	BindToDevice   string        // Привязка к конкретному сетевому интерфейсу
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize:     DefaultBufferSize,
		ReceiveTimeout: DefaultReceiveTimeout,
		DSCP:           DSCPExpeditedForwarding,
	}
}

// ApplyDefaults применяет значения по умолчанию к незаполненным полям
func (c *TransportConfig) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate проверяет корректность конфигурации транспорта
func (c *TransportConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.BufferSize < MinRTPPacketSize {
		return fmt.Errorf("размер буфера %d меньше минимального RTP пакета", c.BufferSize)
	}
	if c.ReceiveTimeout < 0 {
		return fmt.Errorf("таймаут получения не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}
