package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultStopTimeout ограничение ожидания завершения рабочей горутины
const DefaultStopTimeout = 2 * time.Second

// ProcessorConfig конфигурация конвейера
type ProcessorConfig struct {
	SessionID string
	LocalPort int

	// StopTimeout сколько StopProcessing ждет выхода рабочей горутины
	StopTimeout time.Duration

	// FaultListeners получают FaultDecode, FaultSinkOverflow, FaultReadFailure и FaultEndOfStream
	FaultListeners []FaultListener

	Metrics *ReceiverMetrics
	Logger  *slog.Logger
}

// ProcessorStatistics статистика конвейера
type ProcessorStatistics struct {
	UnitsRead     uint64
	UnitsDecoded  uint64
	UnitsAbsorbed uint64 // Поглощены стадией (например, повторы DTMF)
	UnitsWritten  uint64
	UnitsDropped  uint64
	DecodeFaults  uint64
	StartedAt     time.Time
	StoppedAt     time.Time
}

// Processor перекачивает единицы из InputSource через DecodeChain в OutputSink
// в отдельной горутине. Ошибка декодирования одной единицы не останавливает
// конвейер; конец потока или фатальная ошибка чтения останавливают его сами.
type Processor struct {
	input  InputSource
	chain  *DecodeChain
	output OutputSink
	config ProcessorConfig
	logger *slog.Logger

	notifier faultNotifier

	mutex     sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}
	err       error
	startedAt time.Time
	stoppedAt time.Time

	running    atomic.Bool
	read       atomic.Uint64
	decoded    atomic.Uint64
	absorbed   atomic.Uint64
	written    atomic.Uint64
	dropped    atomic.Uint64
	faults     atomic.Uint64
	overflowed bool // Используется только рабочей горутиной
}

// NewProcessor связывает вход, цепочку и вывод
func NewProcessor(input InputSource, chain *DecodeChain, output OutputSink, config ProcessorConfig) (*Processor, error) {
	if input == nil {
		return nil, fmt.Errorf("входной поток не задан")
	}
	if chain == nil {
		return nil, fmt.Errorf("цепочка декодирования не задана")
	}
	if output == nil {
		return nil, fmt.Errorf("вывод не задан")
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor{
		input:  input,
		chain:  chain,
		output: output,
		config: config,
		logger: logger.With("component", "processor", "session_id", config.SessionID, "codec", chain.Codec()),
		done:   make(chan struct{}),
	}
	for _, listener := range config.FaultListeners {
		p.notifier.add(listener)
	}
	return p, nil
}

// StartProcessing запускает рабочую горутину. Повторный вызов ничего не делает.
func (p *Processor) StartProcessing() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started || p.stopped {
		return
	}
	p.started = true
	p.startedAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.group, ctx = errgroup.WithContext(ctx)
	p.running.Store(true)
	p.config.Metrics.pipelineStarted()

	p.group.Go(func() error {
		return p.pumpLoop(ctx)
	})
	go p.await()
}

// await сохраняет итог рабочей горутины и закрывает done
func (p *Processor) await() {
	err := p.group.Wait()

	p.mutex.Lock()
	p.err = err
	p.mutex.Unlock()

	close(p.done)
}

// StopProcessing останавливает рабочую горутину и ждет ее завершения
// не дольше StopTimeout. Безопасен до StartProcessing и при повторном вызове.
func (p *Processor) StopProcessing() error {
	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mutex.Unlock()

	if !started {
		close(p.done)
		return nil
	}

	cancel()

	select {
	case <-p.done:
		return nil
	case <-time.After(p.config.StopTimeout):
		p.logger.Error("Рабочая горутина не завершилась вовремя", "timeout", p.config.StopTimeout)
		return fmt.Errorf("конвейер %s не остановился за %v", p.config.SessionID, p.config.StopTimeout)
	}
}

// pumpLoop основной цикл конвейера
func (p *Processor) pumpLoop(ctx context.Context) error {
	defer func() {
		p.running.Store(false)

		p.mutex.Lock()
		p.stoppedAt = time.Now()
		lifetime := p.stoppedAt.Sub(p.startedAt)
		p.mutex.Unlock()

		p.config.Metrics.pipelineStopped(lifetime)
	}()

	p.logger.Debug("media.pumpLoop Started")
	for {
		unit, readErr := p.input.Read(ctx)
		if readErr != nil {
			if ctx.Err() != nil {
				p.logger.Debug("media.pumpLoop Stopped")
				return nil
			}
			if errors.Is(readErr, ErrInputClosed) || errors.Is(readErr, io.EOF) {
				p.logger.Info("Входной поток завершен, конвейер остановлен")
				p.notify(FaultEndOfStream, unit, readErr)
				return nil
			}
			p.logger.Error("Фатальная ошибка чтения, конвейер остановлен", "error", readErr)
			p.notify(FaultReadFailure, unit, readErr)
			return readErr
		}
		if unit == nil {
			continue
		}
		p.read.Add(1)
		p.config.Metrics.unitReceived()

		if !p.process(unit) {
			p.logger.Debug("media.pumpLoop Stopped", "reason", "sink closed")
			return nil
		}
	}
}

// process декодирует и выводит одну единицу. Возвращает false, если вывод закрыт.
func (p *Processor) process(unit *Unit) bool {
	began := time.Now()
	decoded, err := p.chain.Decode(unit)
	if err != nil {
		p.faults.Add(1)
		stage := ""
		var fault *UnitDecodeFault
		if errors.As(err, &fault) {
			stage = fault.Stage
		}
		p.config.Metrics.decodeFault(stage)
		p.logger.Warn("Единица пропущена после ошибки декодирования",
			"stage", stage,
			"sequence_num", unit.SequenceNumber,
			"error", err)
		p.notify(FaultDecode, unit, err)
		return true
	}
	if decoded == nil {
		p.absorbed.Add(1)
		return true
	}
	p.decoded.Add(1)
	p.config.Metrics.unitDecoded(time.Since(began))

	switch err := p.output.Write(decoded); {
	case err == nil:
		p.written.Add(1)
		p.config.Metrics.unitWritten()
		p.overflowed = false
	case errors.Is(err, ErrSinkOverflow):
		p.dropped.Add(1)
		p.config.Metrics.unitDropped()
		// Сообщаем только о начале серии отбрасываний
		if !p.overflowed {
			p.overflowed = true
			p.notify(FaultSinkOverflow, decoded, err)
		}
	case errors.Is(err, ErrSinkClosed):
		return false
	default:
		p.logger.Warn("Ошибка записи в вывод", "sequence_num", decoded.SequenceNumber, "error", err)
	}
	return true
}

func (p *Processor) notify(kind FaultKind, unit *Unit, err error) {
	fault := StreamFault{
		Kind:      kind,
		SessionID: p.config.SessionID,
		LocalPort: p.config.LocalPort,
		Err:       err,
		Time:      time.Now(),
	}
	if unit != nil {
		fault.SequenceNumber = unit.SequenceNumber
	}
	p.notifier.notify(fault)
}

// Done закрывается после завершения рабочей горутины (или StopProcessing до старта)
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Err возвращает ошибку, с которой завершилась рабочая горутина
func (p *Processor) Err() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.err
}

// IsRunning сообщает, работает ли рабочая горутина
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// Statistics возвращает статистику конвейера
func (p *Processor) Statistics() ProcessorStatistics {
	p.mutex.Lock()
	startedAt, stoppedAt := p.startedAt, p.stoppedAt
	p.mutex.Unlock()

	return ProcessorStatistics{
		UnitsRead:     p.read.Load(),
		UnitsDecoded:  p.decoded.Load(),
		UnitsAbsorbed: p.absorbed.Load(),
		UnitsWritten:  p.written.Load(),
		UnitsDropped:  p.dropped.Load(),
		DecodeFaults:  p.faults.Load(),
		StartedAt:     startedAt,
		StoppedAt:     stoppedAt,
	}
}
