package rtp

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTransportClosed возвращается при чтении из закрытого транспорта
	ErrTransportClosed = errors.New("транспорт закрыт")

	// ErrMalformedPacket оборачивает ошибки разбора и валидации датаграммы
	ErrMalformedPacket = errors.New("невалидный RTP пакет")
)

// NetworkErrorType определяет типы сетевых ошибок для улучшенной обработки
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка (retry возможен)
	ErrorTypePermanent                          // Постоянная ошибка (retry бессмыслен)
	ErrorTypeTimeout                            // Таймаут (нормальное поведение)
	ErrorTypeConnection                         // Проблемы соединения
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// ClassifiedError обертка для сетевых ошибок с дополнительной информацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// IsTimeout сообщает, что ошибка является истечением ожидания чтения
func IsTimeout(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable сообщает, имеет ли смысл повторить операцию
func IsRetryable(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Retryable
	}
	return false
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", operation, ErrTransportClosed)
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
		return classified
	}

	switch {
	case isConnectionError(err):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case isPermanentError(err):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

// isConnectionError проверяет является ли ошибка связанной с соединением
func isConnectionError(err error) bool {
	return containsAny(err.Error(),
		"connection refused",
		"connection reset",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	)
}

// isPermanentError проверяет является ли ошибка постоянной
func isPermanentError(err error) bool {
	return containsAny(err.Error(),
		"invalid argument",
		"address family not supported",
		"permission denied",
		"operation not supported",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
