package media

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, input InputSource, output OutputSink, listeners ...FaultListener) *Processor {
	t.Helper()

	chain, err := DefaultCodecRegistry().Resolve(CodecPCMU)
	require.NoError(t, err)

	processor, err := NewProcessor(input, chain, output, ProcessorConfig{
		SessionID:      "proc-test",
		StopTimeout:    time.Second,
		FaultListeners: listeners,
	})
	require.NoError(t, err)
	return processor
}

func openedStream(t *testing.T, renderer Renderer, queueSize int) *RendererStream {
	t.Helper()

	stream, err := NewRendererStream(renderer, RendererStreamConfig{QueueSize: queueSize})
	require.NoError(t, err)
	require.NoError(t, stream.Open())
	t.Cleanup(func() { stream.Close() })
	return stream
}

func waitDone(t *testing.T, p *Processor) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("рабочая горутина не завершилась")
	}
}

func TestProcessorStopBeforeStart(t *testing.T) {
	processor := newTestProcessor(t, newFakeInput(InputConfig{}), openedStream(t, &recordingRenderer{}, 0))

	require.NoError(t, processor.StopProcessing())
	require.NoError(t, processor.StopProcessing())
	waitDone(t, processor)

	processor.StartProcessing()
	assert.False(t, processor.IsRunning(), "остановленный конвейер не запускается повторно")
}

func TestProcessorStopInterruptsBlockedRead(t *testing.T) {
	input := newFakeInput(InputConfig{})
	processor := newTestProcessor(t, input, openedStream(t, &recordingRenderer{}, 0))

	processor.StartProcessing()
	require.Eventually(t, func() bool { return input.activeReads.Load() == 1 }, time.Second, time.Millisecond)

	began := time.Now()
	require.NoError(t, processor.StopProcessing())
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	waitDone(t, processor)
	assert.False(t, processor.IsRunning())
	assert.NoError(t, processor.Err())
	assert.Zero(t, input.activeReads.Load())
}

func TestProcessorSkipsUndecodableUnit(t *testing.T) {
	input := newFakeInput(InputConfig{})
	renderer := &recordingRenderer{}
	faults := &faultRecorder{}
	processor := newTestProcessor(t, input, openedStream(t, renderer, 8), faults)

	input.units <- pcmuUnit(1)
	input.units <- NewRTPUnit(newTestPacket(2, PayloadTypePCMU, nil), 8000, time.Now())
	input.units <- pcmuUnit(3)

	processor.StartProcessing()
	units := renderer.waitFor(t, 2)

	require.Len(t, units, 2)
	assert.Equal(t, uint16(1), units[0].SequenceNumber)
	assert.Equal(t, uint16(3), units[1].SequenceNumber)
	assert.True(t, processor.IsRunning())
	assert.Equal(t, 1, faults.count(FaultDecode))

	require.NoError(t, processor.StopProcessing())
	stats := processor.Statistics()
	assert.Equal(t, uint64(3), stats.UnitsRead)
	assert.Equal(t, uint64(1), stats.DecodeFaults)
	assert.Equal(t, uint64(2), stats.UnitsWritten)
}

func TestProcessorStopsOnEndOfStream(t *testing.T) {
	input := newFakeInput(InputConfig{})
	renderer := &recordingRenderer{}
	queue := NewFaultQueue(8)
	processor := newTestProcessor(t, input, openedStream(t, renderer, 0), queue)

	input.units <- pcmuUnit(1)
	close(input.units)

	processor.StartProcessing()
	waitDone(t, processor)

	assert.NoError(t, processor.Err())
	assert.Len(t, renderer.rendered(), 1)

	fault := <-queue.Events()
	assert.Equal(t, FaultEndOfStream, fault.Kind)
	assert.Equal(t, "proc-test", fault.SessionID)

	require.NoError(t, processor.StopProcessing(), "остановка после самостоятельного завершения")
}

func TestProcessorStopsOnReadFailure(t *testing.T) {
	input := newFakeInput(InputConfig{})
	queue := NewFaultQueue(8)
	processor := newTestProcessor(t, input, openedStream(t, &recordingRenderer{}, 0), queue)

	readErr := WrapMediaError(ErrorCodeInputReadFailed, "proc-test", "ошибка чтения сокета", errors.New("permission denied"))
	input.readErr <- readErr

	processor.StartProcessing()
	waitDone(t, processor)

	assert.ErrorIs(t, processor.Err(), readErr)
	fault := <-queue.Events()
	assert.Equal(t, FaultReadFailure, fault.Kind)
	assert.True(t, fault.Kind.Terminal())
}

// overflowSink всегда переполнен
type overflowSink struct{ writes int }

func (s *overflowSink) Open() error  { return nil }
func (s *overflowSink) Close() error { return nil }
func (s *overflowSink) Write(*Unit) error {
	s.writes++
	return ErrSinkOverflow
}

func TestProcessorDropsOnSinkOverflow(t *testing.T) {
	input := newFakeInput(InputConfig{})
	faults := &faultRecorder{}
	processor := newTestProcessor(t, input, &overflowSink{}, faults)

	for seq := uint16(1); seq <= 5; seq++ {
		input.units <- pcmuUnit(seq)
	}
	processor.StartProcessing()

	require.Eventually(t, func() bool {
		return processor.Statistics().UnitsDropped == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, processor.IsRunning())
	assert.Equal(t, 1, faults.count(FaultSinkOverflow), "о серии отбрасываний сообщается один раз")

	require.NoError(t, processor.StopProcessing())
}

func TestProcessorExitsWhenSinkClosed(t *testing.T) {
	input := newFakeInput(InputConfig{})
	stream := openedStream(t, &recordingRenderer{}, 0)
	processor := newTestProcessor(t, input, stream)

	require.NoError(t, stream.Close())
	input.units <- pcmuUnit(1)

	processor.StartProcessing()
	waitDone(t, processor)
	assert.NoError(t, processor.Err())
}

func TestProcessorAbsorbedUnits(t *testing.T) {
	chain, err := DefaultCodecRegistry().Resolve(CodecTelephoneEvent)
	require.NoError(t, err)

	input := newFakeInput(InputConfig{})
	renderer := &recordingRenderer{}
	processor, err := NewProcessor(input, chain, openedStream(t, renderer, 0), ProcessorConfig{})
	require.NoError(t, err)

	event := func(seq uint16, end bool) *Unit {
		flags := byte(0)
		if end {
			flags = 0x80
		}
		packet := newTestPacket(seq, PayloadTypeDTMFDefault, []byte{byte(DTMF9), flags, 0x03, 0x20})
		packet.Timestamp = 8000
		return NewRTPUnit(packet, 8000, time.Now())
	}
	input.units <- event(1, false)
	input.units <- event(2, true)
	input.units <- event(3, true)
	input.units <- event(4, true)

	processor.StartProcessing()
	units := renderer.waitFor(t, 1)
	require.Eventually(t, func() bool { return processor.Statistics().UnitsRead == 4 }, time.Second, time.Millisecond)
	require.NoError(t, processor.StopProcessing())

	require.Len(t, renderer.rendered(), 1)
	assert.Equal(t, DTMF9, units[0].Event.Digit)
	assert.Equal(t, 100*time.Millisecond, units[0].Event.Duration)
	assert.Equal(t, uint64(3), processor.Statistics().UnitsAbsorbed)
}

func TestProcessorMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewReceiverMetrics(MetricsConfig{Namespace: "test", Subsystem: "rx", Registerer: registry})

	chain, err := DefaultCodecRegistry().Resolve(CodecPCMU)
	require.NoError(t, err)

	input := newFakeInput(InputConfig{})
	renderer := &recordingRenderer{}
	processor, err := NewProcessor(input, chain, openedStream(t, renderer, 0), ProcessorConfig{Metrics: metrics})
	require.NoError(t, err)

	input.units <- pcmuUnit(1)
	input.units <- NewRTPUnit(newTestPacket(2, PayloadTypePCMU, nil), 8000, time.Now())

	processor.StartProcessing()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.pipelinesRunning))
	require.Eventually(t, func() bool { return processor.Statistics().UnitsRead == 2 }, time.Second, time.Millisecond)
	require.NoError(t, processor.StopProcessing())

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.unitsReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.unitsWritten))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.decodeFaults.WithLabelValues("rtp-depacketizer")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.pipelinesRunning))
}

func TestNewProcessorValidation(t *testing.T) {
	chain, err := DefaultCodecRegistry().Resolve(CodecPCMU)
	require.NoError(t, err)
	sink := openedStream(t, &recordingRenderer{}, 0)

	_, err = NewProcessor(nil, chain, sink, ProcessorConfig{})
	assert.Error(t, err)
	_, err = NewProcessor(newFakeInput(InputConfig{}), nil, sink, ProcessorConfig{})
	assert.Error(t, err)
	_, err = NewProcessor(newFakeInput(InputConfig{}), chain, nil, ProcessorConfig{})
	assert.Error(t, err)
}
