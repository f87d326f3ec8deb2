// Package logger содержит структурированный логгер ядра софтфона.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level уровни логирования
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает имя уровня без учета регистра. Неизвестное имя дает LevelInfo.
func ParseLevel(s string) Level {
	for lvl, name := range levelNames {
		if strings.EqualFold(name, s) {
			return lvl
		}
	}
	return LevelInfo
}

// Entry структура записи лога
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`

	// Контекст вызова
	CallID string `json:"call_id,omitempty"`
	Phase  string `json:"phase,omitempty"`

	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`

	Fields map[string]interface{} `json:"fields,omitempty"`

	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	ErrorCat   string   `json:"error_category,omitempty"`
	StackTrace []string `json:"stack_trace,omitempty"`
}

// CodedError ошибка с кодом и категорией. Логгер раскладывает такие ошибки по полям.
type CodedError interface {
	error
	ErrorCode() string
	ErrorCategory() string
	ErrorFields() map[string]interface{}
}

// CallContext описывает звонок для WithCall.
type CallContext interface {
	LogCallID() string
	LogPhase() string
}

// Logger интерфейс для структурированного логирования
type Logger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)

	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) Logger
	WithCall(call CallContext) Logger
	WithFields(fields ...Field) Logger

	SetLevel(level Level)
	IsEnabled(level Level) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value.String()} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }

// Err кладет текст ошибки в поле "error". nil ошибка дает пустую строку.
func Err(err error) Field {
	if err == nil {
		return Field{"error", ""}
	}
	return Field{"error", err.Error()}
}

type ctxKey string

const (
	ctxCallID ctxKey = "call_id"
	ctxPhase  ctxKey = "phase"
)

// ContextWithCall кладет Call-ID в контекст, DefaultLogger достает его в каждую запись.
func ContextWithCall(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxCallID, callID)
}

// DefaultLogger пишет JSON строки (или простой текст) в io.Writer
type DefaultLogger struct {
	shared *sink

	level     Level
	component string
	fields    map[string]interface{}

	includeCaller bool
}

type sink struct {
	mu         sync.Mutex
	output     io.Writer
	jsonOutput bool
}

// Option настройка DefaultLogger
type Option func(*DefaultLogger)

// WithOutput задает writer
func WithOutput(w io.Writer) Option {
	return func(l *DefaultLogger) { l.shared.output = w }
}

// WithText переключает вывод в читаемый текст
func WithText() Option {
	return func(l *DefaultLogger) { l.shared.jsonOutput = false }
}

// WithLevel задает минимальный уровень
func WithLevel(level Level) Option {
	return func(l *DefaultLogger) { l.level = level }
}

// WithoutCaller отключает file:line в записях
func WithoutCaller() Option {
	return func(l *DefaultLogger) { l.includeCaller = false }
}

// New создает logger. По умолчанию JSON в stdout, уровень INFO.
func New(opts ...Option) *DefaultLogger {
	l := &DefaultLogger{
		shared:        &sink{output: os.Stdout, jsonOutput: true},
		level:         LevelInfo,
		fields:        make(map[string]interface{}),
		includeCaller: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *DefaultLogger) SetLevel(level Level) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	l.level = level
}

func (l *DefaultLogger) IsEnabled(level Level) bool {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	return level >= l.level
}

func (l *DefaultLogger) clone(fields map[string]interface{}) *DefaultLogger {
	l.shared.mu.Lock()
	level := l.level
	l.shared.mu.Unlock()
	return &DefaultLogger{
		shared:        l.shared,
		level:         level,
		component:     l.component,
		fields:        fields,
		includeCaller: l.includeCaller,
	}
}

// WithComponent создает logger с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) Logger {
	c := l.clone(copyFields(l.fields))
	c.component = component
	return c
}

// WithCall добавляет call_id и фазу звонка
func (l *DefaultLogger) WithCall(call CallContext) Logger {
	if call == nil {
		return l
	}
	fields := copyFields(l.fields)
	fields["call_id"] = call.LogCallID()
	fields["phase"] = call.LogPhase()
	return l.clone(fields)
}

// WithFields создает logger с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) Logger {
	newFields := copyFields(l.fields)
	for _, f := range fields {
		newFields[f.Key] = f.Value
	}
	return l.clone(newFields)
}

func (l *DefaultLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelTrace, msg, nil, fields...)
}

func (l *DefaultLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelDebug, msg, nil, fields...)
}

func (l *DefaultLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelInfo, msg, nil, fields...)
}

func (l *DefaultLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelWarn, msg, nil, fields...)
}

func (l *DefaultLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, nil, fields...)
}

func (l *DefaultLogger) Fatal(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelFatal, msg, nil, fields...)
	os.Exit(1)
}

// LogError логирует ошибку. Для CodedError добавляются код, категория и поля.
func (l *DefaultLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, err, fields...)
}

func (l *DefaultLogger) log(ctx context.Context, level Level, msg string, err error, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		Fields:    make(map[string]interface{}, len(l.fields)+len(fields)),
	}

	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for _, f := range fields {
		entry.Fields[f.Key] = f.Value
	}
	if id, ok := entry.Fields["call_id"].(string); ok {
		entry.CallID = id
		delete(entry.Fields, "call_id")
	}
	if ph, ok := entry.Fields["phase"].(string); ok {
		entry.Phase = ph
		delete(entry.Fields, "phase")
	}

	if ctx != nil {
		if id, ok := ctx.Value(ctxCallID).(string); ok && entry.CallID == "" {
			entry.CallID = id
		}
		if ph, ok := ctx.Value(ctxPhase).(string); ok && entry.Phase == "" {
			entry.Phase = ph
		}
	}

	if l.includeCaller {
		addCallerInfo(&entry)
	}

	if err != nil {
		entry.Error = err.Error()
		if ce, ok := err.(CodedError); ok {
			entry.ErrorCode = ce.ErrorCode()
			entry.ErrorCat = ce.ErrorCategory()
			for k, v := range ce.ErrorFields() {
				entry.Fields[k] = v
			}
		}
		if level >= LevelFatal {
			entry.StackTrace = captureStackTrace()
		}
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	l.write(&entry)
}

func (l *DefaultLogger) write(entry *Entry) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()

	var line string
	if l.shared.jsonOutput {
		if data, err := json.Marshal(entry); err == nil {
			line = string(data) + "\n"
		} else {
			line = formatSimple(entry)
		}
	} else {
		line = formatSimple(entry)
	}
	_, _ = io.WriteString(l.shared.output, line)
}

func addCallerInfo(entry *Entry) {
	// Пропускаем фреймы логгера
	pc, file, line, ok := runtime.Caller(4)
	if !ok {
		return
	}
	entry.File = shortenFilePath(file)
	entry.Line = line
	if fn := runtime.FuncForPC(pc); fn != nil {
		entry.Function = shortenFunctionName(fn.Name())
	}
}

func captureStackTrace() []string {
	const maxFrames = 10
	pc := make([]uintptr, maxFrames)
	n := runtime.Callers(5, pc)

	frames := runtime.CallersFrames(pc[:n])
	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s",
			shortenFilePath(frame.File), frame.Line, shortenFunctionName(frame.Function)))
		if !more {
			break
		}
	}
	return stack
}

func formatSimple(entry *Entry) string {
	parts := []string{
		entry.Timestamp.Format("2006-01-02 15:04:05.000"),
		fmt.Sprintf("[%-5s]", entry.Level),
	}
	if entry.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	}
	if entry.CallID != "" {
		id := entry.CallID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "call:"+id)
	}
	parts = append(parts, entry.Message)
	for k, v := range entry.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	if entry.Error != "" {
		parts = append(parts, "error="+entry.Error)
	}
	if entry.File != "" {
		parts = append(parts, fmt.Sprintf("(%s:%d)", entry.File, entry.Line))
	}
	return strings.Join(parts, " ") + "\n"
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func shortenFilePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return path
}

func shortenFunctionName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return name
}

// NoOp логгер-заглушка для тестов
type NoOp struct{}

func (NoOp) Trace(context.Context, string, ...Field)           {}
func (NoOp) Debug(context.Context, string, ...Field)           {}
func (NoOp) Info(context.Context, string, ...Field)            {}
func (NoOp) Warn(context.Context, string, ...Field)            {}
func (NoOp) Error(context.Context, string, ...Field)           {}
func (NoOp) Fatal(context.Context, string, ...Field)           {}
func (NoOp) LogError(context.Context, error, string, ...Field) {}
func (NoOp) WithComponent(string) Logger                       { return NoOp{} }
func (NoOp) WithCall(CallContext) Logger                       { return NoOp{} }
func (NoOp) WithFields(...Field) Logger                        { return NoOp{} }
func (NoOp) SetLevel(Level)                                    {}
func (NoOp) IsEnabled(Level) bool                              { return false }

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = New()
)

// SetDefault устанавливает глобальный logger
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default возвращает глобальный logger
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// OrNoOp возвращает l или NoOp, если l == nil
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOp{}
	}
	return l
}
