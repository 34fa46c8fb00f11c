//go:build windows

package rtp

import (
	"golang.org/x/sys/windows"
)

func setSockOptInt(fd, level, opt, value int) error {
	return windows.SetsockoptInt(windows.Handle(fd), level, opt, value)
}

// setSockOptReusePort для Windows: SO_REUSEPORT отсутствует, используем SO_REUSEADDR
func setSockOptReusePort(fd int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// setSockOptBindToDevice заглушка для Windows.
// Windows требует привязки через IP адрес интерфейса, а не имя устройства
func setSockOptBindToDevice(fd int, device string) error {
	return nil
}

// setSockOptVoiceOptimizations применяет Windows-специфичные оптимизации для голоса
func setSockOptVoiceOptimizations(fd int) error {
	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Windows реализация)
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2

	// Windows часто требует административных прав для QoS, ошибку игнорируем
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, tos); err != nil {
		return nil
	}

	_ = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_TCLASS, tos)
	return nil
}
