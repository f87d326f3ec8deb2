// Package native связывает ядро звонков с нативным UI телефонии платформы:
// CallKit на iOS и foreground service с уведомлениями на Android.
//
// Ядро видит только интерфейс Bridge. Платформенная оболочка реализует
// CallKitProvider или NotificationService и вызывает методы Perform*/Did*/HandleAction,
// когда пользователь действует в системном интерфейсе.
package native

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNativeUnavailable нативный слой не инициализирован или отсутствует
	ErrNativeUnavailable = errors.New("нативный интерфейс звонков недоступен")
	// ErrUnknownCall токен не соответствует текущему нативному звонку
	ErrUnknownCall = errors.New("звонок не найден на нативной стороне")
)

// Token идентификатор звонка на нативной стороне
type Token string

// NewToken создает новый токен
func NewToken() Token {
	return Token(uuid.NewString())
}

// EventType тип события нативного слоя
type EventType int

const (
	EventAnswer EventType = iota + 1
	EventDecline
	EventHangup
	EventMute
	EventHold
	EventDTMF
	EventAudioActivated
	EventAudioDeactivated
	EventProviderReset
)

var eventTypeNames = map[EventType]string{
	EventAnswer:           "answer",
	EventDecline:          "decline",
	EventHangup:           "hangup",
	EventMute:             "mute",
	EventHold:             "hold",
	EventDTMF:             "dtmf",
	EventAudioActivated:   "audio_activated",
	EventAudioDeactivated: "audio_deactivated",
	EventProviderReset:    "provider_reset",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event событие от нативного слоя.
// Value несет состояние для Mute и Hold, Digits для DTMF.
type Event struct {
	Type   EventType
	Token  Token
	Value  bool
	Digits string
	At     time.Time
}

// Terminal завершает ли событие звонок
func (e Event) Terminal() bool {
	switch e.Type {
	case EventHangup, EventDecline, EventProviderReset:
		return true
	}
	return false
}

func (e Event) String() string {
	switch e.Type {
	case EventMute, EventHold:
		return fmt.Sprintf("%s(%t) %s", e.Type, e.Value, e.Token)
	case EventDTMF:
		return fmt.Sprintf("%s(%s) %s", e.Type, e.Digits, e.Token)
	}
	return fmt.Sprintf("%s %s", e.Type, e.Token)
}

// Bridge нативный интерфейс звонков.
//
// Ошибки всех Report*/Set*/Dismiss не фатальны для звонка: вызывающая сторона
// только логирует их.
type Bridge interface {
	// ReportIncoming показывает входящий звонок и возвращает его токен
	ReportIncoming(ctx context.Context, number, displayName string) (Token, error)
	// ReportOutgoing регистрирует исходящий звонок и возвращает его токен
	ReportOutgoing(ctx context.Context, number string) (Token, error)
	ReportConnecting(ctx context.Context, token Token) error
	ReportConnected(ctx context.Context, token Token, isOutgoing bool) error
	ReportEnded(ctx context.Context, token Token) error
	SetMuted(ctx context.Context, token Token, muted bool) error
	SetHeld(ctx context.Context, token Token, held bool) error
	// Dismiss убирает входящий звонок, который не был принят
	Dismiss(ctx context.Context, token Token) error
	// Events поток событий от пользователя и платформы
	Events() <-chan Event
	// ManagesAudioRoute активирует ли платформа аудио сессию сама.
	// Если false, аудио считается активным сразу.
	ManagesAudioRoute() bool
}

// eventBufferSize емкость канала событий адаптеров
const eventBufferSize = 64
