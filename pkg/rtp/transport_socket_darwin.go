//go:build darwin

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockOptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// setSockOptReusePort включает переиспользование адреса для macOS
func setSockOptReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// SO_REUSEPORT доступен в macOS 10.10+, на старых версиях ошибку игнорируем
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// setSockOptBindToDevice на macOS не поддерживается.
// Привязка к интерфейсу выполняется через IP адрес при создании сокета
func setSockOptBindToDevice(fd int, device string) error {
	return nil
}

// setSockOptVoiceOptimizations применяет macOS-специфичные оптимизации для голоса
func setSockOptVoiceOptimizations(fd int) error {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (macOS реализация)
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2

	if err := unix.SetsockoptInt(fd, syscall.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return nil
	}

	_ = unix.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
