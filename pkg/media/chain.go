package media

import (
	"fmt"
	"strings"
)

// DecodeChain упорядоченная последовательность стадий декодирования.
// Проверяется при создании и далее не изменяется.
type DecodeChain struct {
	codec  string
	stages []DecodeTransform
}

// NewDecodeChain проверяет совместимость соседних стадий и создает цепочку.
// Первая стадия обязана принимать RTP единицы.
func NewDecodeChain(codec string, stages ...DecodeTransform) (*DecodeChain, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("цепочка декодирования %q пуста", codec)
	}
	for i, stage := range stages {
		if stage == nil {
			return nil, fmt.Errorf("стадия %d цепочки %q равна nil", i, codec)
		}
	}
	if first := stages[0]; first.InputKind() != UnitKindRTP {
		return nil, NewChainCompositionError(-1, "input", first.Name(), UnitKindRTP, first.InputKind())
	}
	for i := 0; i < len(stages)-1; i++ {
		upstream, downstream := stages[i], stages[i+1]
		if upstream.OutputKind() != downstream.InputKind() {
			return nil, NewChainCompositionError(i, upstream.Name(), downstream.Name(),
				upstream.OutputKind(), downstream.InputKind())
		}
	}

	chain := &DecodeChain{
		codec:  codec,
		stages: make([]DecodeTransform, len(stages)),
	}
	copy(chain.stages, stages)
	return chain, nil
}

// Decode применяет стадии по порядку. Ошибка стадии возвращается как
// *UnitDecodeFault; поглощенная стадией единица дает (nil, nil).
func (c *DecodeChain) Decode(unit *Unit) (*Unit, error) {
	current := unit
	for _, stage := range c.stages {
		next, err := stage.Decode(current)
		if err != nil {
			return nil, NewUnitDecodeFault(stage.Name(), current, err)
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// Codec возвращает идентификатор кодека, для которого построена цепочка
func (c *DecodeChain) Codec() string {
	return c.codec
}

// OutputKind возвращает тип единиц на выходе цепочки
func (c *DecodeChain) OutputKind() UnitKind {
	return c.stages[len(c.stages)-1].OutputKind()
}

// Len возвращает количество стадий
func (c *DecodeChain) Len() int {
	return len(c.stages)
}

func (c *DecodeChain) String() string {
	names := make([]string, len(c.stages))
	for i, stage := range c.stages {
		names[i] = stage.Name()
	}
	return fmt.Sprintf("%s[%s]", c.codec, strings.Join(names, " -> "))
}
