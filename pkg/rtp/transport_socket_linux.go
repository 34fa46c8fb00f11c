//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockOptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// setSockOptReusePort включает SO_REUSEPORT (Linux)
// Ядро распределяет датаграммы между сокетами, слушающими один порт
func setSockOptReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockOptBindToDevice привязывает сокет к сетевому интерфейсу (только Linux)
func setSockOptBindToDevice(fd int, device string) error {
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

// setSockOptVoiceOptimizations применяет Linux-специфичные оптимизации для голоса
func setSockOptVoiceOptimizations(fd int) error {
	// Приоритет 6 соответствует интерактивному аудио.
	// В контейнерах может быть запрещено, ошибку игнорируем
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)

	// SO_TIMESTAMP для временных меток пакетов (jitter анализ)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)

	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Linux реализация)
func setSockOptDSCP(fd, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := unix.SetsockoptInt(fd, syscall.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		// В некоторых Linux контейнерах могут быть ограничения
		return nil
	}

	// Для IPv6 сокетов; на IPv4 сокете вернет ошибку, которая не критична
	_ = unix.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
