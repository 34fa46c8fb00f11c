package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/arzzra/media_receiver/pkg/media"
	"github.com/arzzra/media_receiver/pkg/media_sdp"
	"github.com/arzzra/media_receiver/pkg/rtp"
)

type options struct {
	localHost   string
	localPort   int
	remoteAddr  string
	remotePort  int
	format      string
	sdpPath     string
	outPath     string
	duration    time.Duration
	metricsAddr string
	transport   string
	logLevel    string
	queueSize   int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		var mediaErr *media.MediaError
		if media.AsMediaError(err, &mediaErr) {
			fmt.Fprintf(os.Stderr, "   %s\n", media.GetErrorSuggestion(err))
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	opts := options{}
	fs := flag.NewFlagSet("media_receiver", flag.ContinueOnError)

	fs.StringVar(&opts.localHost, "local-host", "", "Локальный адрес (пусто - все интерфейсы)")
	fs.IntVarP(&opts.localPort, "local-port", "p", 5004, "Локальный RTP порт")
	fs.StringVarP(&opts.remoteAddr, "remote-addr", "r", "", "Адрес отправителя")
	fs.IntVar(&opts.remotePort, "remote-port", 5004, "Порт отправителя")
	fs.StringVarP(&opts.format, "format", "f", "PCMU", "Формат: PCMU, PCMA, L16, telephone-event")
	fs.StringVar(&opts.sdpPath, "sdp", "", "SDP описание пира; заменяет --remote-addr, --remote-port и --format")
	fs.StringVarP(&opts.outPath, "out", "o", "", "Файл для PCM16 LE (пусто - без записи)")
	fs.DurationVarP(&opts.duration, "duration", "d", 0, "Длительность приема (0 - до сигнала)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Адрес HTTP сервера /metrics")
	fs.StringVar(&opts.transport, "transport", string(rtp.TransportUDP), "Транспорт: udp, dtls")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Уровень логирования: debug, info, warn, error")
	fs.IntVar(&opts.queueSize, "queue-size", media.DefaultSinkQueueSize, "Размер очереди вывода (0 - синхронно)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	remoteAddr, remotePort, format, err := resolvePeer(opts, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := media.NewReceiverMetrics(media.MetricsConfig{
		Namespace:  "media",
		Subsystem:  "receiver",
		Registerer: registry,
	})
	if opts.metricsAddr != "" {
		server := serveMetrics(opts.metricsAddr, registry, logger)
		defer server.Close()
	}

	config := media.DefaultReceiverConfig()
	config.LocalHost = opts.localHost
	config.SinkQueueSize = opts.queueSize
	config.Metrics = metrics
	config.Logger = logger
	config.Transport = rtp.TransportKind(opts.transport)
	if config.Transport == rtp.TransportDTLS {
		dtlsConfig, err := selfSignedDTLS()
		if err != nil {
			return err
		}
		config.DTLS = dtlsConfig
	}

	receiver, err := media.NewReceiver(opts.localPort, config)
	if err != nil {
		return err
	}
	defer receiver.Close()

	renderer, err := newRenderer(opts.outPath, format)
	if err != nil {
		return err
	}

	faults := media.NewFaultQueue(0)
	if err := receiver.Prepare(remoteAddr, remotePort, renderer, format, faults); err != nil {
		return err
	}
	receiver.Start()

	fmt.Printf("✓ Прием %s от %s на порту %d\n", format, receiver.RemoteAddr(), opts.localPort)

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		timeout = timer.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case <-receiver.Done():
			break loop
		case fault := <-faults.Events():
			fmt.Printf("⚠ %s\n", fault)
		}
	}

	if err := receiver.Stop(); err != nil {
		return err
	}
	printStatistics(receiver.Statistics(), faults.Dropped())
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("неверный уровень логирования %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}

// resolvePeer берет параметры пира из SDP, если он задан, иначе из флагов
func resolvePeer(opts options, logger *slog.Logger) (string, int, media.Format, error) {
	if opts.sdpPath != "" {
		raw, err := os.ReadFile(opts.sdpPath)
		if err != nil {
			return "", 0, media.Format{}, fmt.Errorf("чтение SDP: %w", err)
		}
		remote, err := media_sdp.ParseRemoteMedia(raw)
		if err != nil {
			return "", 0, media.Format{}, err
		}
		if !remote.Sends() {
			logger.Warn("Пир не будет отправлять медиа", "direction", remote.Direction)
		}
		return remote.Address, remote.Port, remote.Format, nil
	}

	if opts.remoteAddr == "" {
		return "", 0, media.Format{}, fmt.Errorf("нужен --remote-addr или --sdp")
	}
	format, err := formatByName(opts.format)
	if err != nil {
		return "", 0, media.Format{}, err
	}
	return opts.remoteAddr, opts.remotePort, format, nil
}

func formatByName(name string) (media.Format, error) {
	switch strings.ToUpper(name) {
	case media.CodecPCMU:
		return media.FormatPCMU, nil
	case media.CodecPCMA:
		return media.FormatPCMA, nil
	case media.CodecL16:
		return media.FormatL16, nil
	case media.CodecTelephoneEvent:
		return media.FormatTelephoneEvent, nil
	default:
		return media.Format{}, media.NewUnsupportedFormatError(name)
	}
}

func newRenderer(path string, format media.Format) (media.Renderer, error) {
	if format.CodecID() == media.CodecTelephoneEvent {
		return media.FuncRenderer(func(unit *media.Unit) error {
			if unit.Event != nil {
				fmt.Printf("☎ DTMF %s (%v)\n", unit.Event.Digit, unit.Event.Duration)
			}
			return nil
		}), nil
	}

	if path == "" {
		return media.NewWriterRenderer(io.Discard), nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("создание файла вывода: %w", err)
	}
	return media.NewWriterRenderer(file), nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Сервер метрик остановлен", "error", err)
		}
	}()
	return server
}

// selfSignedDTLS создает серверную конфигурацию DTLS с самоподписанным сертификатом
func selfSignedDTLS() (*rtp.DTLSTransportConfig, error) {
	certificate, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("генерация сертификата DTLS: %w", err)
	}
	config := rtp.DefaultDTLSTransportConfig()
	config.Certificates = []tls.Certificate{certificate}
	return &config, nil
}

func printStatistics(stats media.ReceiverStatistics, droppedFaults uint64) {
	fmt.Println("\n=== Статистика приема ===")
	fmt.Printf("Прочитано единиц: %d\n", stats.Processor.UnitsRead)
	fmt.Printf("Декодировано: %d\n", stats.Processor.UnitsDecoded)
	fmt.Printf("Записано: %d\n", stats.Processor.UnitsWritten)
	fmt.Printf("Отброшено при переполнении: %d\n", stats.Processor.UnitsDropped)
	fmt.Printf("Ошибок декодирования: %d\n", stats.Processor.DecodeFaults)
	fmt.Printf("Воспроизведено: %d\n", stats.Output.UnitsRendered)
	if droppedFaults > 0 {
		fmt.Printf("Пропущено событий об ошибках: %d\n", droppedFaults)
	}
	if !stats.Processor.StartedAt.IsZero() && !stats.Processor.StoppedAt.IsZero() {
		fmt.Printf("Длительность: %v\n", stats.Processor.StoppedAt.Sub(stats.Processor.StartedAt).Truncate(time.Millisecond))
	}
}
