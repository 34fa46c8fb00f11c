package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// fakeInput управляемый входной поток для тестов конвейера и приемника
type fakeInput struct {
	config  InputConfig
	units   chan *Unit
	readErr chan error
	openErr error

	openCalls   atomic.Int32
	closeCalls  atomic.Int32
	activeReads atomic.Int32
	maxReads    atomic.Int32

	mutex     sync.Mutex
	listeners []FaultListener
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeInput(config InputConfig) *fakeInput {
	return &fakeInput{
		config:  config,
		units:   make(chan *Unit, 256),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeInput) Open() error {
	f.openCalls.Add(1)
	return f.openErr
}

func (f *fakeInput) Read(ctx context.Context) (*Unit, error) {
	active := f.activeReads.Add(1)
	defer f.activeReads.Add(-1)
	for {
		peak := f.maxReads.Load()
		if active <= peak || f.maxReads.CompareAndSwap(peak, active) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, ErrInputClosed
	case err := <-f.readErr:
		return nil, err
	case unit, ok := <-f.units:
		if !ok {
			return nil, io.EOF
		}
		return unit, nil
	}
}

func (f *fakeInput) AddFaultListener(listener FaultListener) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.listeners = append(f.listeners, listener)
}

func (f *fakeInput) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeInput) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeInputFactory запоминает все созданные входные потоки
type fakeInputFactory struct {
	mutex   sync.Mutex
	inputs  []*fakeInput
	openErr error
}

func (f *fakeInputFactory) create(config InputConfig) (InputSource, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	input := newFakeInput(config)
	input.openErr = f.openErr
	f.inputs = append(f.inputs, input)
	return input, nil
}

func (f *fakeInputFactory) created() []*fakeInput {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*fakeInput(nil), f.inputs...)
}

func (f *fakeInputFactory) last(t *testing.T) *fakeInput {
	t.Helper()
	inputs := f.created()
	require.NotEmpty(t, inputs, "входной поток не создан")
	return inputs[len(inputs)-1]
}

// recordingRenderer запоминает все воспроизведенные единицы
type recordingRenderer struct {
	mutex      sync.Mutex
	units      []*Unit
	openErr    error
	openCalls  atomic.Int32
	closeCalls atomic.Int32
}

func (r *recordingRenderer) Open() error {
	r.openCalls.Add(1)
	return r.openErr
}

func (r *recordingRenderer) Render(unit *Unit) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.units = append(r.units, unit)
	return nil
}

func (r *recordingRenderer) Close() error {
	r.closeCalls.Add(1)
	return nil
}

func (r *recordingRenderer) rendered() []*Unit {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]*Unit(nil), r.units...)
}

func (r *recordingRenderer) waitFor(t *testing.T, n int) []*Unit {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.rendered()) >= n
	}, 2*time.Second, 5*time.Millisecond, "ожидалось %d единиц", n)
	return r.rendered()
}

// faultRecorder потокобезопасный слушатель ошибок
type faultRecorder struct {
	mutex  sync.Mutex
	faults []StreamFault
}

func (r *faultRecorder) OnStreamFault(fault StreamFault) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.faults = append(r.faults, fault)
}

func (r *faultRecorder) count(kind FaultKind) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, fault := range r.faults {
		if fault.Kind == kind {
			n++
		}
	}
	return n
}

func newTestPacket(seq uint16, pt uint8, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x12345678,
		},
		Payload: payload,
	}
}

// pcmuUnit единица PCMU с 160 байтами тишины
func pcmuUnit(seq uint16) *Unit {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}
	return NewRTPUnit(newTestPacket(seq, PayloadTypePCMU, payload), 8000, time.Now())
}

func testReceiverConfig(factory *fakeInputFactory) ReceiverConfig {
	config := DefaultReceiverConfig()
	config.SessionID = "test-session"
	config.InputFactory = factory.create
	config.SinkQueueSize = 128
	config.StopTimeout = time.Second
	return config
}
