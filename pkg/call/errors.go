package call

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категория ошибки звонка
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryState      ErrorCategory = "STATE"
	CategorySignaling  ErrorCategory = "SIGNALING"
	CategoryNative     ErrorCategory = "NATIVE"
	CategoryMedia      ErrorCategory = "MEDIA"
)

// ErrorSeverity критичность ошибки
type ErrorSeverity string

const (
	SeverityError   ErrorSeverity = "ERROR"
	SeverityWarning ErrorSeverity = "WARNING"
	SeverityInfo    ErrorSeverity = "INFO"
)

// Коды ошибок
const (
	CodeInvalidNumber      = "INVALID_NUMBER"
	CodeNotRegistered      = "NOT_REGISTERED"
	CodeBusyLocal          = "BUSY_LOCAL"
	CodeBusyRemote         = "BUSY_REMOTE"
	CodeNoActiveCall       = "NO_ACTIVE_CALL"
	CodeNoIncomingCall     = "NO_INCOMING_CALL"
	CodeNotEstablished     = "NOT_ESTABLISHED"
	CodeNativeUnavailable  = "NATIVE_UNAVAILABLE"
	CodeAlreadyRecording   = "ALREADY_RECORDING"
	CodeMediaUnavailable   = "MEDIA_UNAVAILABLE"
	CodeNativeReportFailed = "NATIVE_REPORT_FAILED"
)

// CallError структурированная ошибка контроллера звонков
type CallError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	CallID    string                 `json:"call_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`

	Retryable   bool `json:"retryable"`
	UserVisible bool `json:"user_visible"`
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.CallID != "" {
		msg += " (Call-ID: " + e.CallID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is сравнивает по коду, поэтому errors.Is(err, ErrBusyLocal) работает для любых экземпляров
func (e *CallError) Is(target error) bool {
	var t *CallError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет поле контекста. Возвращает копию, исходная ошибка не меняется.
func (e *CallError) WithField(key string, value interface{}) *CallError {
	c := e.clone()
	c.Fields[key] = value
	return c
}

// WithCause копия ошибки с исходной причиной
func (e *CallError) WithCause(cause error) *CallError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithCall копия ошибки с Call-ID
func (e *CallError) WithCall(callID string) *CallError {
	c := e.clone()
	c.CallID = callID
	return c
}

func (e *CallError) clone() *CallError {
	c := *e
	c.Timestamp = time.Now()
	c.Fields = make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

// ErrorCode, ErrorCategory и ErrorFields нужны логгеру для разбора ошибки по полям
func (e *CallError) ErrorCode() string                   { return e.Code }
func (e *CallError) ErrorCategory() string               { return string(e.Category) }
func (e *CallError) ErrorFields() map[string]interface{} { return e.Fields }

// NewCallError создает ошибку
func NewCallError(code, message string, category ErrorCategory, severity ErrorSeverity) *CallError {
	return &CallError{
		Code:        code,
		Message:     message,
		Category:    category,
		Severity:    severity,
		Timestamp:   time.Now(),
		Fields:      make(map[string]interface{}),
		UserVisible: severity == SeverityError,
	}
}

var (
	ErrInvalidNumber  = NewCallError(CodeInvalidNumber, "некорректный номер телефона", CategoryValidation, SeverityError)
	ErrNotRegistered  = retryable(NewCallError(CodeNotRegistered, "аккаунт не зарегистрирован на SIP сервере", CategorySignaling, SeverityError))
	ErrBusyLocal      = NewCallError(CodeBusyLocal, "уже идет другой звонок", CategoryState, SeverityError)
	ErrBusyRemote     = retryable(NewCallError(CodeBusyRemote, "абонент занят", CategorySignaling, SeverityInfo))
	ErrNoActiveCall   = NewCallError(CodeNoActiveCall, "нет активного звонка", CategoryState, SeverityWarning)
	ErrNoIncomingCall = NewCallError(CodeNoIncomingCall, "нет входящего звонка", CategoryState, SeverityWarning)
	ErrNotEstablished = NewCallError(CodeNotEstablished, "звонок еще не соединен", CategoryState, SeverityWarning)

	ErrNativeUnavailable  = NewCallError(CodeNativeUnavailable, "нативный интерфейс звонков недоступен", CategoryNative, SeverityWarning)
	ErrAlreadyRecording   = NewCallError(CodeAlreadyRecording, "запись уже идет", CategoryMedia, SeverityWarning)
	ErrMediaUnavailable   = NewCallError(CodeMediaUnavailable, "медиа недоступно", CategoryMedia, SeverityError)
	ErrNativeReportFailed = NewCallError(CodeNativeReportFailed, "нативный слой не принял событие звонка", CategoryNative, SeverityWarning)
)

func retryable(e *CallError) *CallError {
	e.Retryable = true
	return e
}
