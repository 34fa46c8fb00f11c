package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode определяет типизированные коды ошибок для медиа слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их соответствующим образом.
type MediaErrorCode int

const (
	// Ошибки сессии
	ErrorCodeSessionAlreadyPrepared MediaErrorCode = iota + 1000
	ErrorCodeSessionClosed
	ErrorCodeSessionInvalidConfig
	ErrorCodePreparationFailed

	// Ошибки декодирования
	ErrorCodeAudioCodecUnsupported
	ErrorCodeChainComposition
	ErrorCodeUnitDecodeFailed

	// Ошибки входного потока
	ErrorCodeInputOpenFailed
	ErrorCodeInputReadFailed
	ErrorCodeInputClosed

	// Ошибки вывода
	ErrorCodeSinkOpenFailed
	ErrorCodeSinkOverflow
	ErrorCodeSinkClosed
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeSessionAlreadyPrepared:
		return "SessionAlreadyPrepared"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionInvalidConfig:
		return "SessionInvalidConfig"
	case ErrorCodePreparationFailed:
		return "PreparationFailed"
	case ErrorCodeAudioCodecUnsupported:
		return "AudioCodecUnsupported"
	case ErrorCodeChainComposition:
		return "ChainComposition"
	case ErrorCodeUnitDecodeFailed:
		return "UnitDecodeFailed"
	case ErrorCodeInputOpenFailed:
		return "InputOpenFailed"
	case ErrorCodeInputReadFailed:
		return "InputReadFailed"
	case ErrorCodeInputClosed:
		return "InputClosed"
	case ErrorCodeSinkOpenFailed:
		return "SinkOpenFailed"
	case ErrorCodeSinkOverflow:
		return "SinkOverflow"
	case ErrorCodeSinkClosed:
		return "SinkClosed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа слоя.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (параметры, состояние сессии)
//   - Возможность обертывания других ошибок
//   - Идентификатор сессии для сопоставления с логами
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *MediaError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%d] сессия %s: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[медиа:%d] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *MediaError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// Сигнальные ошибки для сравнения через errors.Is
var (
	ErrAlreadyPrepared   = &MediaError{Code: ErrorCodeSessionAlreadyPrepared, Message: "сессия уже подготовлена"}
	ErrReceiverClosed    = &MediaError{Code: ErrorCodeSessionClosed, Message: "приемник закрыт"}
	ErrPreparationFailed = &MediaError{Code: ErrorCodePreparationFailed, Message: "ошибка подготовки сессии"}
	ErrUnsupportedFormat = &MediaError{Code: ErrorCodeAudioCodecUnsupported, Message: "формат не поддерживается"}
	ErrChainComposition  = &MediaError{Code: ErrorCodeChainComposition, Message: "несовместимые стадии декодирования"}
	ErrUnitDecode        = &MediaError{Code: ErrorCodeUnitDecodeFailed, Message: "ошибка декодирования единицы"}
	ErrInputClosed       = &MediaError{Code: ErrorCodeInputClosed, Message: "входной поток закрыт"}
	ErrSinkOverflow      = &MediaError{Code: ErrorCodeSinkOverflow, Message: "очередь вывода переполнена"}
	ErrSinkClosed        = &MediaError{Code: ErrorCodeSinkClosed, Message: "вывод закрыт"}
)

// PreparationStep шаг подготовки сессии, на котором произошла ошибка
type PreparationStep string

const (
	StepValidate  PreparationStep = "validate"
	StepInput     PreparationStep = "input"
	StepOutput    PreparationStep = "output"
	StepCodec     PreparationStep = "codec"
	StepProcessor PreparationStep = "processor"
)

// PreparationError ошибка открытия входа/вывода или выбора цепочки декодирования.
// Все ресурсы, открытые в рамках вызова, к моменту возврата уже освобождены,
// поэтому Prepare можно повторить после устранения причины.
type PreparationError struct {
	*MediaError
	Step PreparationStep
}

func NewPreparationError(sessionID string, step PreparationStep, err error) *PreparationError {
	return &PreparationError{
		MediaError: &MediaError{
			Code:      ErrorCodePreparationFailed,
			Message:   fmt.Sprintf("не удалось подготовить ресурсы (шаг %s)", step),
			SessionID: sessionID,
			Context:   map[string]interface{}{"step": string(step)},
			Wrapped:   err,
		},
		Step: step,
	}
}

// UnsupportedFormatError для кодека не зарегистрирована цепочка декодирования
type UnsupportedFormatError struct {
	*MediaError
	Codec string
}

func NewUnsupportedFormatError(codec string) *UnsupportedFormatError {
	return &UnsupportedFormatError{
		MediaError: &MediaError{
			Code:    ErrorCodeAudioCodecUnsupported,
			Message: fmt.Sprintf("нет цепочки декодирования для формата %q", codec),
			Context: map[string]interface{}{"codec": codec},
		},
		Codec: codec,
	}
}

// ChainCompositionError соседние стадии цепочки несовместимы по типу единиц.
// Означает ошибку в реестре кодеков, а не в данных.
type ChainCompositionError struct {
	*MediaError
	Index      int
	Upstream   string
	Downstream string
	Produces   UnitKind
	Expects    UnitKind
}

func NewChainCompositionError(index int, upstream, downstream string, produces, expects UnitKind) *ChainCompositionError {
	return &ChainCompositionError{
		MediaError: &MediaError{
			Code: ErrorCodeChainComposition,
			Message: fmt.Sprintf("стадия %d (%s) выдает %s, а стадия %s ожидает %s",
				index, upstream, produces, downstream, expects),
			Context: map[string]interface{}{
				"index":      index,
				"upstream":   upstream,
				"downstream": downstream,
			},
		},
		Index:      index,
		Upstream:   upstream,
		Downstream: downstream,
		Produces:   produces,
		Expects:    expects,
	}
}

// UnitDecodeFault одна единица не декодировалась. Обрабатывается локально
// пропуском единицы и никогда не поднимается до уровня сессии.
type UnitDecodeFault struct {
	*MediaError
	Stage          string
	SequenceNumber uint16
	Timestamp      uint32
}

func NewUnitDecodeFault(stage string, unit *Unit, err error) *UnitDecodeFault {
	fault := &UnitDecodeFault{
		MediaError: &MediaError{
			Code:    ErrorCodeUnitDecodeFailed,
			Message: fmt.Sprintf("стадия %s не смогла декодировать единицу", stage),
			Wrapped: err,
		},
		Stage: stage,
	}
	if unit != nil {
		fault.SequenceNumber = unit.SequenceNumber
		fault.Timestamp = unit.Timestamp
		fault.Context = map[string]interface{}{
			"sequence_num": unit.SequenceNumber,
			"timestamp":    unit.Timestamp,
		}
	}
	return fault
}

// WrapMediaError оборачивает существующую ошибку в MediaError
func WrapMediaError(code MediaErrorCode, sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code MediaErrorCode) bool {
	return errors.Is(err, &MediaError{Code: code})
}

// AsMediaError пытается привести ошибку к MediaError
func AsMediaError(err error, target **MediaError) bool {
	if err == nil {
		return false
	}

	var prepErr *PreparationError
	if errors.As(err, &prepErr) {
		*target = prepErr.MediaError
		return true
	}
	var formatErr *UnsupportedFormatError
	if errors.As(err, &formatErr) {
		*target = formatErr.MediaError
		return true
	}
	var chainErr *ChainCompositionError
	if errors.As(err, &chainErr) {
		*target = chainErr.MediaError
		return true
	}
	var decodeErr *UnitDecodeFault
	if errors.As(err, &decodeErr) {
		*target = decodeErr.MediaError
		return true
	}
	return errors.As(err, target)
}

// GetErrorSuggestion возвращает рекомендации по устранению ошибки
func GetErrorSuggestion(err error) string {
	switch {
	case HasErrorCode(err, ErrorCodeAudioCodecUnsupported):
		return "Согласуйте формат заново: для кодека нет цепочки декодирования"
	case HasErrorCode(err, ErrorCodeChainComposition):
		return "Проверьте регистрацию кодека: стадии цепочки несовместимы"
	case HasErrorCode(err, ErrorCodeSessionAlreadyPrepared):
		return "Вызовите Stop() перед повторной подготовкой сессии"
	case HasErrorCode(err, ErrorCodeSessionClosed):
		return "Создайте новый приемник: текущий уже закрыт"
	case HasErrorCode(err, ErrorCodeInputOpenFailed):
		return "Убедитесь, что локальный порт свободен и адрес пира корректен"
	case HasErrorCode(err, ErrorCodeSinkOpenFailed):
		return "Проверьте устройство вывода"
	case HasErrorCode(err, ErrorCodePreparationFailed):
		return "Устраните причину и повторите Prepare()"
	default:
		return "Проверьте параметры вызова и логи"
	}
}

// IsRecoverableError определяет, можно ли повторить операцию без пересогласования
func IsRecoverableError(err error) bool {
	if HasErrorCode(err, ErrorCodeAudioCodecUnsupported) || HasErrorCode(err, ErrorCodeChainComposition) {
		return false
	}

	recoverableCodes := []MediaErrorCode{
		ErrorCodePreparationFailed,
		ErrorCodeUnitDecodeFailed,
		ErrorCodeSinkOverflow,
	}
	for _, code := range recoverableCodes {
		if HasErrorCode(err, code) {
			return true
		}
	}
	return false
}
