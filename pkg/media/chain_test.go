package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStage стадия с заданными типами для проверки композиции
type stubStage struct {
	name    string
	in, out UnitKind
	decode  func(*Unit) (*Unit, error)
}

func (s stubStage) Name() string         { return s.name }
func (s stubStage) InputKind() UnitKind  { return s.in }
func (s stubStage) OutputKind() UnitKind { return s.out }

func (s stubStage) Decode(unit *Unit) (*Unit, error) {
	if s.decode != nil {
		return s.decode(unit)
	}
	return unit.derive(s.out), nil
}

func TestNewDecodeChainValidatesAdjacentStages(t *testing.T) {
	_, err := NewDecodeChain("BROKEN",
		stubStage{name: "depack", in: UnitKindRTP, out: UnitKindEncoded},
		stubStage{name: "dtmf", in: UnitKindPCM, out: UnitKindDTMF},
	)
	require.Error(t, err)

	var compositionErr *ChainCompositionError
	require.ErrorAs(t, err, &compositionErr)
	assert.Equal(t, 0, compositionErr.Index)
	assert.Equal(t, "depack", compositionErr.Upstream)
	assert.Equal(t, "dtmf", compositionErr.Downstream)
	assert.Equal(t, UnitKindEncoded, compositionErr.Produces)
	assert.Equal(t, UnitKindPCM, compositionErr.Expects)
	assert.ErrorIs(t, err, ErrChainComposition)
	assert.False(t, IsRecoverableError(err))
}

func TestNewDecodeChainRequiresRTPInput(t *testing.T) {
	_, err := NewDecodeChain("PCM", stubStage{name: "g711", in: UnitKindEncoded, out: UnitKindPCM})
	assert.ErrorIs(t, err, ErrChainComposition)

	_, err = NewDecodeChain("EMPTY")
	assert.Error(t, err)
}

func TestDecodeChainWrapsStageFailure(t *testing.T) {
	chain, err := NewDecodeChain("TEST",
		stubStage{name: "depack", in: UnitKindRTP, out: UnitKindEncoded},
		stubStage{name: "failing", in: UnitKindEncoded, out: UnitKindPCM, decode: func(*Unit) (*Unit, error) {
			return nil, fmt.Errorf("битый фрейм")
		}},
	)
	require.NoError(t, err)

	_, err = chain.Decode(pcmuUnit(42))
	require.Error(t, err)

	var fault *UnitDecodeFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "failing", fault.Stage)
	assert.Equal(t, uint16(42), fault.SequenceNumber)
	assert.ErrorIs(t, err, ErrUnitDecode)
	assert.True(t, IsRecoverableError(err))
}

func TestDecodeChainAbsorbedUnit(t *testing.T) {
	called := false
	chain, err := NewDecodeChain("TEST",
		stubStage{name: "absorb", in: UnitKindRTP, out: UnitKindEncoded, decode: func(*Unit) (*Unit, error) {
			return nil, nil
		}},
		stubStage{name: "never", in: UnitKindEncoded, out: UnitKindPCM, decode: func(u *Unit) (*Unit, error) {
			called = true
			return u, nil
		}},
	)
	require.NoError(t, err)

	out, err := chain.Decode(pcmuUnit(1))
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, called)
}

func TestCodecRegistryResolve(t *testing.T) {
	registry := DefaultCodecRegistry()
	assert.Equal(t, []string{"L16", "PCMA", "PCMU", "TELEPHONE-EVENT"}, registry.Codecs())

	chain, err := registry.Resolve("pcmu")
	require.NoError(t, err)
	assert.Equal(t, "PCMU", chain.Codec())
	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, UnitKindPCM, chain.OutputKind())
	assert.Equal(t, "PCMU[rtp-depacketizer -> g711-ulaw]", chain.String())

	out, err := chain.Decode(pcmuUnit(1))
	require.NoError(t, err)
	assert.Len(t, out.Samples, 160)

	chain, err = registry.Resolve("telephone-event")
	require.NoError(t, err)
	assert.Equal(t, UnitKindDTMF, chain.OutputKind())
}

func TestCodecRegistryUnknownCodec(t *testing.T) {
	_, err := DefaultCodecRegistry().Resolve("UNKNOWN_CODEC")
	require.Error(t, err)

	var formatErr *UnsupportedFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "UNKNOWN_CODEC", formatErr.Codec)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.False(t, IsRecoverableError(err))
}

func TestCodecRegistryFreshStagesPerResolve(t *testing.T) {
	registry := DefaultCodecRegistry()

	first, err := registry.Resolve(CodecTelephoneEvent)
	require.NoError(t, err)
	second, err := registry.Resolve(CodecTelephoneEvent)
	require.NoError(t, err)

	assert.NotSame(t, first.stages[1], second.stages[1], "состояние DTMF не должно разделяться между сессиями")
}

func TestCodecRegistryRegister(t *testing.T) {
	registry := NewCodecRegistry()
	assert.False(t, registry.Supports("OPUS"))

	require.NoError(t, registry.Register("opus", func() []DecodeTransform {
		return []DecodeTransform{rtpDepacketizer{}}
	}))
	assert.True(t, registry.Supports("OPUS"))

	assert.Error(t, registry.Register("", func() []DecodeTransform { return nil }))
	assert.Error(t, registry.Register("G722", nil))

	// Фабрика с несовместимыми стадиями обнаруживается при Resolve
	require.NoError(t, registry.Register("BROKEN", func() []DecodeTransform {
		return []DecodeTransform{rtpDepacketizer{}, newDTMFDecoder(), l16Decoder{}}
	}))
	_, err := registry.Resolve("broken")
	var compositionErr *ChainCompositionError
	require.True(t, errors.As(err, &compositionErr))
	assert.Equal(t, 1, compositionErr.Index)
}
