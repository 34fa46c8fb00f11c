package media

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChainFactory создает новые экземпляры стадий для одной сессии
type ChainFactory func() []DecodeTransform

// CodecRegistry сопоставляет идентификатор кодека с цепочкой декодирования.
// Передается приемнику явно через ReceiverConfig.Registry.
type CodecRegistry struct {
	mutex     sync.RWMutex
	factories map[string]ChainFactory
}

// NewCodecRegistry создает пустой реестр
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{
		factories: make(map[string]ChainFactory),
	}
}

// DefaultCodecRegistry создает реестр с PCMU, PCMA, L16 и telephone-event
func DefaultCodecRegistry() *CodecRegistry {
	registry := NewCodecRegistry()
	registry.mustRegister(CodecPCMU, func() []DecodeTransform {
		return []DecodeTransform{rtpDepacketizer{}, newULawDecoder()}
	})
	registry.mustRegister(CodecPCMA, func() []DecodeTransform {
		return []DecodeTransform{rtpDepacketizer{}, newALawDecoder()}
	})
	registry.mustRegister(CodecL16, func() []DecodeTransform {
		return []DecodeTransform{rtpDepacketizer{}, l16Decoder{}}
	})
	registry.mustRegister(CodecTelephoneEvent, func() []DecodeTransform {
		return []DecodeTransform{rtpDepacketizer{}, newDTMFDecoder()}
	})
	return registry
}

func normalizeCodecID(codecID string) string {
	return strings.ToUpper(strings.TrimSpace(codecID))
}

// Register регистрирует фабрику цепочки. Идентификатор не чувствителен к регистру.
func (r *CodecRegistry) Register(codecID string, factory ChainFactory) error {
	id := normalizeCodecID(codecID)
	if id == "" {
		return fmt.Errorf("пустой идентификатор кодека")
	}
	if factory == nil {
		return fmt.Errorf("фабрика цепочки для %s не задана", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.factories[id] = factory
	return nil
}

func (r *CodecRegistry) mustRegister(codecID string, factory ChainFactory) {
	if err := r.Register(codecID, factory); err != nil {
		panic(err)
	}
}

// Resolve строит цепочку декодирования для кодека.
// Возвращает *UnsupportedFormatError для незарегистрированного кодека и
// *ChainCompositionError, если стадии фабрики несовместимы.
func (r *CodecRegistry) Resolve(codecID string) (*DecodeChain, error) {
	id := normalizeCodecID(codecID)

	r.mutex.RLock()
	factory, ok := r.factories[id]
	r.mutex.RUnlock()

	if !ok {
		return nil, NewUnsupportedFormatError(codecID)
	}
	return NewDecodeChain(id, factory()...)
}

// Supports проверяет, зарегистрирован ли кодек
func (r *CodecRegistry) Supports(codecID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.factories[normalizeCodecID(codecID)]
	return ok
}

// Codecs возвращает отсортированный список зарегистрированных кодеков
func (r *CodecRegistry) Codecs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	codecs := make([]string, 0, len(r.factories))
	for id := range r.factories {
		codecs = append(codecs, id)
	}
	sort.Strings(codecs)
	return codecs
}
