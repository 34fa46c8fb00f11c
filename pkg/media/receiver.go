package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	rtpPkg "github.com/arzzra/media_receiver/pkg/rtp"
)

// ReceiverState состояние жизненного цикла приемника
type ReceiverState string

const (
	StateUnprepared ReceiverState = "unprepared"
	StatePrepared   ReceiverState = "prepared"
	StateRunning    ReceiverState = "running"
	StateStopped    ReceiverState = "stopped"
	StateClosed     ReceiverState = "closed"
)

const (
	eventPrepare = "prepare"
	eventStart   = "start"
	eventStop    = "stop"
	eventClose   = "close"
)

// DefaultInactivityTimeout время тишины пира до FaultTimeout
const DefaultInactivityTimeout = 5 * time.Second

// ReceiverConfig конфигурация приемника
type ReceiverConfig struct {
	SessionID string
	LocalHost string // Пусто означает все интерфейсы

	Transport rtpPkg.TransportKind
	DTLS      *rtpPkg.DTLSTransportConfig

	ReceiveTimeout    time.Duration
	InactivityTimeout time.Duration
	StopTimeout       time.Duration

	// SinkQueueSize размер очереди вывода; 0 означает синхронную запись
	SinkQueueSize int

	// Registry реестр цепочек декодирования
	Registry *CodecRegistry

	// InputFactory создает входной поток в Prepare
	InputFactory InputFactory

	Metrics *ReceiverMetrics
	Logger  *slog.Logger
}

// DefaultReceiverConfig возвращает конфигурацию по умолчанию
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Transport:         rtpPkg.TransportUDP,
		ReceiveTimeout:    rtpPkg.DefaultReceiveTimeout,
		InactivityTimeout: DefaultInactivityTimeout,
		StopTimeout:       DefaultStopTimeout,
		SinkQueueSize:     DefaultSinkQueueSize,
		Registry:          DefaultCodecRegistry(),
		InputFactory:      DefaultInputFactory,
	}
}

// ApplyDefaults заполняет незаданные обязательные поля
func (c *ReceiverConfig) ApplyDefaults() {
	if c.Transport == "" {
		c.Transport = rtpPkg.TransportUDP
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = rtpPkg.DefaultReceiveTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Registry == nil {
		c.Registry = DefaultCodecRegistry()
	}
	if c.InputFactory == nil {
		c.InputFactory = DefaultInputFactory
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate проверяет конфигурацию приемника
func (c *ReceiverConfig) Validate() error {
	switch c.Transport {
	case rtpPkg.TransportUDP:
	case rtpPkg.TransportDTLS:
		if c.DTLS == nil {
			return fmt.Errorf("для DTLS транспорта нужна конфигурация DTLS")
		}
	default:
		return fmt.Errorf("неизвестный транспорт: %s", c.Transport)
	}
	if c.ReceiveTimeout < 0 || c.InactivityTimeout < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("таймауты не могут быть отрицательными")
	}
	if c.SinkQueueSize < 0 {
		return fmt.Errorf("размер очереди вывода не может быть отрицательным: %d", c.SinkQueueSize)
	}
	return nil
}

// ReceiverStatistics статистика приемника
type ReceiverStatistics struct {
	State     ReceiverState
	Processor ProcessorStatistics
	Output    RendererStreamStatistics
	Input     *InputStatistics // Только для RTPInputStream
}

// Receiver управляет приемом одного медиа потока: собирает входной поток,
// вывод, цепочку декодирования и конвейер и ведет их жизненный цикл.
// Содержимое пакетов приемник не анализирует.
//
// Повторный Prepare в состояниях prepared и running отклоняется с
// ErrAlreadyPrepared; для нового конвейера сначала нужен Stop.
type Receiver struct {
	localPort int
	config    ReceiverConfig
	logger    *slog.Logger

	mutex sync.Mutex
	state *fsm.FSM

	remoteAddr string
	remotePort int
	format     Format

	input     InputSource
	output    *RendererStream
	processor *Processor
	release   func() error
}

// NewReceiver создает приемник, привязанный к локальному порту.
// Порт 0 означает выбор свободного порта системой при Prepare.
func NewReceiver(localPort int, config ReceiverConfig) (*Receiver, error) {
	if localPort < 0 || localPort > 65535 {
		return nil, WrapMediaError(ErrorCodeSessionInvalidConfig, config.SessionID,
			"недопустимый локальный порт", fmt.Errorf("порт %d вне диапазона 0-65535", localPort))
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, WrapMediaError(ErrorCodeSessionInvalidConfig, config.SessionID, "неверная конфигурация приемника", err)
	}
	if config.SessionID == "" {
		config.SessionID = fmt.Sprintf("rx-%d", localPort)
	}

	r := &Receiver{
		localPort: localPort,
		config:    config,
		logger:    config.Logger.With("component", "receiver", "session_id", config.SessionID, "local_port", localPort),
	}
	r.initStateMachine()
	return r, nil
}

// initStateMachine инициализирует конечный автомат состояний
func (r *Receiver) initStateMachine() {
	r.state = fsm.NewFSM(
		string(StateUnprepared),
		fsm.Events{
			{Name: eventPrepare, Src: []string{string(StateUnprepared), string(StateStopped)}, Dst: string(StatePrepared)},
			{Name: eventStart, Src: []string{string(StatePrepared)}, Dst: string(StateRunning)},
			{Name: eventStop, Src: []string{string(StatePrepared), string(StateRunning)}, Dst: string(StateStopped)},
			{Name: eventClose, Src: []string{
				string(StateUnprepared), string(StatePrepared), string(StateRunning), string(StateStopped),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.logger.Debug("Смена состояния приемника", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

func (r *Receiver) fire(event string) {
	if err := r.state.Event(context.Background(), event); err != nil {
		r.logger.Error("Недопустимый переход состояния", "event", event, "state", r.state.Current(), "error", err)
	}
}

func (r *Receiver) currentState() ReceiverState {
	return ReceiverState(r.state.Current())
}

// Prepare открывает входной поток для пира, открывает вывод вокруг renderer,
// выбирает цепочку декодирования для format и собирает конвейер.
// listener получает ошибки потока из рабочих горутин; может быть nil.
//
// При ошибке возвращается *PreparationError, а все открытые в вызове
// ресурсы уже закрыты; приемник остается в прежнем состоянии.
func (r *Receiver) Prepare(remoteAddr string, remotePort int, renderer Renderer, format Format, listener FaultListener) (err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	defer func() { r.config.Metrics.preparation(err) }()

	switch r.currentState() {
	case StateClosed:
		return WrapMediaError(ErrorCodeSessionClosed, r.config.SessionID, "приемник закрыт", nil)
	case StatePrepared, StateRunning:
		return &MediaError{
			Code:      ErrorCodeSessionAlreadyPrepared,
			Message:   "конвейер уже подготовлен, сначала вызовите Stop",
			SessionID: r.config.SessionID,
			Context:   map[string]interface{}{"current_state": r.state.Current()},
		}
	}

	if err := validatePrepareArgs(remoteAddr, remotePort, renderer, format); err != nil {
		return NewPreparationError(r.config.SessionID, StepValidate, err)
	}

	logger := r.logger.With("remote", net.JoinHostPort(remoteAddr, strconv.Itoa(remotePort)), "format", format.String())
	logger.Debug("Подготовка приемника")

	// 1. Входной поток
	input, err := r.config.InputFactory(InputConfig{
		SessionID:         r.config.SessionID,
		LocalHost:         r.config.LocalHost,
		LocalPort:         r.localPort,
		RemoteAddr:        remoteAddr,
		RemotePort:        remotePort,
		Format:            format,
		Transport:         r.config.Transport,
		DTLS:              r.config.DTLS,
		ReceiveTimeout:    r.config.ReceiveTimeout,
		InactivityTimeout: r.config.InactivityTimeout,
		Logger:            r.config.Logger,
	})
	if err != nil {
		return NewPreparationError(r.config.SessionID, StepInput, err)
	}

	listeners := make([]FaultListener, 0, 2)
	if listener != nil {
		listeners = append(listeners, listener)
	}
	if r.config.Metrics != nil {
		listeners = append(listeners, r.config.Metrics)
	}
	for _, l := range listeners {
		input.AddFaultListener(l)
	}

	if err := input.Open(); err != nil {
		closeQuietly(logger, "input", input.Close)
		return NewPreparationError(r.config.SessionID, StepInput, err)
	}

	// 2. Вывод
	output, err := NewRendererStream(renderer, RendererStreamConfig{
		QueueSize: r.config.SinkQueueSize,
		SessionID: r.config.SessionID,
		Logger:    r.config.Logger,
	})
	if err == nil {
		err = output.Open()
	}
	if err != nil {
		closeQuietly(logger, "input", input.Close)
		return NewPreparationError(r.config.SessionID, StepOutput, err)
	}

	// 3. Цепочка декодирования
	chain, err := r.config.Registry.Resolve(format.Codec)
	if err != nil {
		closeQuietly(logger, "output", output.Close)
		closeQuietly(logger, "input", input.Close)

		var compositionErr *ChainCompositionError
		if errors.As(err, &compositionErr) {
			logger.Error("Реестр вернул несовместимую цепочку декодирования", "error", err)
		}
		return NewPreparationError(r.config.SessionID, StepCodec, err)
	}

	// 4. Конвейер
	processor, err := NewProcessor(input, chain, output, ProcessorConfig{
		SessionID:      r.config.SessionID,
		LocalPort:      r.localPort,
		StopTimeout:    r.config.StopTimeout,
		FaultListeners: listeners,
		Metrics:        r.config.Metrics,
		Logger:         r.config.Logger,
	})
	if err != nil {
		closeQuietly(logger, "output", output.Close)
		closeQuietly(logger, "input", input.Close)
		return NewPreparationError(r.config.SessionID, StepProcessor, err)
	}

	r.input = input
	r.output = output
	r.processor = processor
	r.remoteAddr = remoteAddr
	r.remotePort = remotePort
	r.format = format
	r.release = sync.OnceValue(func() error {
		return errors.Join(output.Close(), input.Close())
	})

	r.fire(eventPrepare)
	logger.Info("Приемник подготовлен", "chain", chain.String())
	return nil
}

func validatePrepareArgs(remoteAddr string, remotePort int, renderer Renderer, format Format) error {
	if remoteAddr == "" {
		return fmt.Errorf("адрес пира не задан")
	}
	if remotePort <= 0 || remotePort > 65535 {
		return fmt.Errorf("недопустимый порт пира: %d", remotePort)
	}
	if renderer == nil {
		return fmt.Errorf("renderer не задан")
	}
	if err := format.Validate(); err != nil {
		return fmt.Errorf("неверный формат: %w", err)
	}
	return nil
}

func closeQuietly(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("Ошибка освобождения ресурса", "resource", what, "error", err)
	}
}

// Start запускает конвейер. Вне состояния prepared ничего не делает.
func (r *Receiver) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.currentState() != StatePrepared {
		return
	}
	r.processor.StartProcessing()
	r.fire(eventStart)
	r.logger.Info("Прием запущен")
}

// Stop останавливает конвейер и закрывает вывод и входной поток.
// Вне состояний prepared и running ничего не делает.
func (r *Receiver) Stop() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state := r.currentState()
	if state != StatePrepared && state != StateRunning {
		return nil
	}

	err := r.teardownLocked()
	r.fire(eventStop)
	r.logger.Info("Прием остановлен", "from", string(state))
	return err
}

// teardownLocked останавливает конвейер и освобождает ресурсы сессии
func (r *Receiver) teardownLocked() error {
	stopErr := r.processor.StopProcessing()
	releaseErr := r.release()

	r.input = nil
	r.release = nil
	return errors.Join(stopErr, releaseErr)
}

// Close останавливает прием, если он подготовлен, и переводит приемник
// в конечное состояние. Повторный вызов безопасен.
func (r *Receiver) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var err error
	switch r.currentState() {
	case StateClosed:
		return nil
	case StatePrepared, StateRunning:
		err = r.teardownLocked()
	}
	r.fire(eventClose)
	return err
}

// InputStream возвращает текущий входной поток или nil, если конвейер не подготовлен
func (r *Receiver) InputStream() InputSource {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.input
}

// State возвращает текущее состояние
func (r *Receiver) State() ReceiverState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.currentState()
}

// LocalPort возвращает локальный порт, заданный при создании
func (r *Receiver) LocalPort() int {
	return r.localPort
}

// SessionID возвращает идентификатор сессии
func (r *Receiver) SessionID() string {
	return r.config.SessionID
}

// Format возвращает формат последнего успешного Prepare
func (r *Receiver) Format() Format {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.format
}

// RemoteAddr возвращает адрес пира последнего успешного Prepare
func (r *Receiver) RemoteAddr() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.remoteAddr == "" {
		return ""
	}
	return net.JoinHostPort(r.remoteAddr, strconv.Itoa(r.remotePort))
}

// Done закрывается, когда рабочая горутина текущего конвейера завершилась.
// До Prepare возвращает nil.
func (r *Receiver) Done() <-chan struct{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.processor == nil {
		return nil
	}
	return r.processor.Done()
}

// Statistics возвращает статистику последнего конвейера
func (r *Receiver) Statistics() ReceiverStatistics {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stats := ReceiverStatistics{State: r.currentState()}
	if r.processor != nil {
		stats.Processor = r.processor.Statistics()
	}
	if r.output != nil {
		stats.Output = r.output.Statistics()
	}
	if stream, ok := r.input.(*RTPInputStream); ok {
		inputStats := stream.Statistics()
		stats.Input = &inputStats
	}
	return stats
}
