package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FaultKind категория ошибки потока во время активной сессии
type FaultKind int

const (
	FaultTimeout           FaultKind = iota // Пир замолчал дольше InactivityTimeout
	FaultMalformedPacket                    // Датаграмма не является валидным RTP
	FaultPeerMismatch                       // Пакет пришел не от согласованного пира
	FaultUnexpectedPayload                  // Payload type не совпадает с форматом
	FaultSequenceGap                        // Пропуск в номерах последовательности
	FaultReadFailure                        // Фатальная ошибка чтения, конвейер остановлен
	FaultEndOfStream                        // Входной поток завершился, конвейер остановлен
	FaultDecode                             // Единица не декодировалась и пропущена
	FaultSinkOverflow                       // Вывод не успевает, единицы отбрасываются
	FaultLatePacket                         // Дубликат или опоздавший пакет отброшен
)

func (k FaultKind) String() string {
	switch k {
	case FaultTimeout:
		return "timeout"
	case FaultMalformedPacket:
		return "malformed_packet"
	case FaultPeerMismatch:
		return "peer_mismatch"
	case FaultUnexpectedPayload:
		return "unexpected_payload"
	case FaultSequenceGap:
		return "sequence_gap"
	case FaultReadFailure:
		return "read_failure"
	case FaultEndOfStream:
		return "end_of_stream"
	case FaultDecode:
		return "decode"
	case FaultSinkOverflow:
		return "sink_overflow"
	case FaultLatePacket:
		return "late_packet"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Terminal сообщает, что после такой ошибки конвейер остановился
func (k FaultKind) Terminal() bool {
	return k == FaultReadFailure || k == FaultEndOfStream
}

// StreamFault событие об ошибке потока
type StreamFault struct {
	Kind           FaultKind
	SessionID      string
	LocalPort      int
	Remote         string // Фактический адрес отправителя, если известен
	SequenceNumber uint16
	Err            error
	Time           time.Time
}

func (f StreamFault) String() string {
	msg := fmt.Sprintf("%s: сессия %s порт %d", f.Kind, f.SessionID, f.LocalPort)
	if f.Remote != "" {
		msg += " от " + f.Remote
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// FaultListener получает ошибки потока. Вызывается из рабочих горутин приемника.
type FaultListener interface {
	OnStreamFault(fault StreamFault)
}

// FaultListenerFunc адаптер функции к FaultListener
type FaultListenerFunc func(fault StreamFault)

func (f FaultListenerFunc) OnStreamFault(fault StreamFault) {
	f(fault)
}

// DefaultFaultQueueSize емкость очереди событий по умолчанию
const DefaultFaultQueueSize = 64

// FaultQueue ограниченная очередь событий об ошибках.
// Рабочие горутины никогда не блокируются на ней: при заполнении событие
// отбрасывается и учитывается в Dropped. Приемник очередь не закрывает.
type FaultQueue struct {
	events  chan StreamFault
	dropped atomic.Uint64
}

// NewFaultQueue создает очередь указанной емкости
func NewFaultQueue(capacity int) *FaultQueue {
	if capacity <= 0 {
		capacity = DefaultFaultQueueSize
	}
	return &FaultQueue{
		events: make(chan StreamFault, capacity),
	}
}

// OnStreamFault ставит событие в очередь без блокировки
func (q *FaultQueue) OnStreamFault(fault StreamFault) {
	select {
	case q.events <- fault:
	default:
		q.dropped.Add(1)
	}
}

// Events возвращает канал событий для потребителя
func (q *FaultQueue) Events() <-chan StreamFault {
	return q.events
}

// Dropped возвращает количество отброшенных событий
func (q *FaultQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// faultNotifier рассылает события всем зарегистрированным слушателям
type faultNotifier struct {
	mutex     sync.RWMutex
	listeners []FaultListener
}

func (n *faultNotifier) add(listener FaultListener) {
	if listener == nil {
		return
	}
	n.mutex.Lock()
	n.listeners = append(n.listeners, listener)
	n.mutex.Unlock()
}

func (n *faultNotifier) notify(fault StreamFault) {
	if fault.Time.IsZero() {
		fault.Time = time.Now()
	}

	n.mutex.RLock()
	listeners := n.listeners
	n.mutex.RUnlock()

	for _, listener := range listeners {
		listener.OnStreamFault(fault)
	}
}
