package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Renderer устройство воспроизведения, предоставленное вызывающей стороной
type Renderer interface {
	Open() error
	Render(unit *Unit) error
	Close() error
}

// OutputSink принимает декодированные единицы в порядке поступления
type OutputSink interface {
	Open() error
	Write(unit *Unit) error
	Close() error
}

// DefaultSinkQueueSize размер очереди вывода по умолчанию (~1 секунда при ptime 20ms)
const DefaultSinkQueueSize = 50

// RendererStreamConfig конфигурация обертки вывода
type RendererStreamConfig struct {
	// QueueSize размер очереди; 0 означает синхронную запись в Renderer
	QueueSize int
	SessionID string
	Logger    *slog.Logger
}

// RendererStreamStatistics статистика вывода
type RendererStreamStatistics struct {
	UnitsWritten  uint64
	UnitsRendered uint64
	UnitsDropped  uint64
	RenderErrors  uint64
}

var _ OutputSink = (*RendererStream)(nil)

// RendererStream оборачивает Renderer ограниченной очередью и отдельной
// горутиной доставки. Write не блокируется: при заполненной очереди
// возвращается ErrSinkOverflow и единица отбрасывается.
type RendererStream struct {
	renderer Renderer
	config   RendererStreamConfig
	logger   *slog.Logger

	queue  chan *Unit
	group  *errgroup.Group
	opened bool
	closed bool
	mutex  sync.Mutex
	once   sync.Once

	written  atomic.Uint64
	rendered atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// NewRendererStream создает обертку вокруг renderer
func NewRendererStream(renderer Renderer, config RendererStreamConfig) (*RendererStream, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer не может быть nil")
	}
	if config.QueueSize < 0 {
		return nil, fmt.Errorf("размер очереди не может быть отрицательным: %d", config.QueueSize)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RendererStream{
		renderer: renderer,
		config:   config,
		logger:   logger.With("component", "renderer_stream", "session_id", config.SessionID),
	}, nil
}

// Open открывает renderer и запускает доставку
func (s *RendererStream) Open() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.opened {
		return nil
	}

	if err := s.renderer.Open(); err != nil {
		return WrapMediaError(ErrorCodeSinkOpenFailed, s.config.SessionID, "не удалось открыть устройство вывода", err)
	}

	if s.config.QueueSize > 0 {
		s.queue = make(chan *Unit, s.config.QueueSize)
		s.group = new(errgroup.Group)
		s.group.Go(s.deliveryLoop)
	}
	s.opened = true
	return nil
}

// Write ставит единицу в очередь вывода
func (s *RendererStream) Write(unit *Unit) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || !s.opened {
		return ErrSinkClosed
	}
	s.written.Add(1)

	if s.queue == nil {
		return s.render(unit)
	}

	select {
	case s.queue <- unit:
		return nil
	default:
		s.dropped.Add(1)
		return ErrSinkOverflow
	}
}

func (s *RendererStream) render(unit *Unit) error {
	if err := s.renderer.Render(unit); err != nil {
		s.failed.Add(1)
		return err
	}
	s.rendered.Add(1)
	return nil
}

// deliveryLoop передает единицы в renderer в порядке очереди
func (s *RendererStream) deliveryLoop() error {
	s.logger.Debug("media.rendererDeliveryLoop Started")
	for unit := range s.queue {
		if err := s.render(unit); err != nil {
			s.logger.Warn("Ошибка воспроизведения единицы",
				"sequence_num", unit.SequenceNumber,
				"error", err)
		}
	}
	s.logger.Debug("media.rendererDeliveryLoop Stopped")
	return nil
}

// Close дожидается доставки очереди и закрывает renderer. Повторный вызов безопасен.
func (s *RendererStream) Close() error {
	var closeErr error
	s.once.Do(func() {
		s.mutex.Lock()
		s.closed = true
		opened := s.opened
		if s.queue != nil {
			close(s.queue)
		}
		s.mutex.Unlock()

		if s.group != nil {
			_ = s.group.Wait()
		}
		if opened {
			closeErr = s.renderer.Close()
		}
	})
	return closeErr
}

// Statistics возвращает статистику вывода
func (s *RendererStream) Statistics() RendererStreamStatistics {
	return RendererStreamStatistics{
		UnitsWritten:  s.written.Load(),
		UnitsRendered: s.rendered.Load(),
		UnitsDropped:  s.dropped.Load(),
		RenderErrors:  s.failed.Load(),
	}
}

// WriterRenderer записывает PCM отсчеты в io.Writer (16 бит, little-endian).
// Единицы других типов пропускаются.
type WriterRenderer struct {
	w      io.Writer
	closer io.Closer
	buf    []byte
}

// NewWriterRenderer создает renderer поверх w. Если w реализует io.Closer,
// он закрывается в Close.
func NewWriterRenderer(w io.Writer) *WriterRenderer {
	r := &WriterRenderer{w: w}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

func (r *WriterRenderer) Open() error {
	if r.w == nil {
		return fmt.Errorf("writer не задан")
	}
	return nil
}

func (r *WriterRenderer) Render(unit *Unit) error {
	if unit.Kind != UnitKindPCM {
		return nil
	}
	need := len(unit.Samples) * 2
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	buf := r.buf[:need]
	for i, sample := range unit.Samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(sample))
	}
	_, err := r.w.Write(buf)
	return err
}

func (r *WriterRenderer) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// FuncRenderer адаптер функции к Renderer
type FuncRenderer func(unit *Unit) error

func (f FuncRenderer) Open() error             { return nil }
func (f FuncRenderer) Render(unit *Unit) error { return f(unit) }
func (f FuncRenderer) Close() error            { return nil }
