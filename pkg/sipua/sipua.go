// Package sipua SIP агент софтфона поверх sipgo: регистрация с digest,
// исходящие и входящие INVITE, удержание через re-INVITE и DTMF.
//
// Один агент обслуживает один аккаунт. Сессии отдаются наверх через интерфейс Session,
// контроллер звонка не видит SIP сообщений.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/callcore/pkg/audio"
)

var (
	// ErrNotRegistered нет регистрации на сервере
	ErrNotRegistered = errors.New("агент не зарегистрирован")
	// ErrInvalidState операция недопустима в текущем состоянии диалога
	ErrInvalidState = errors.New("недопустимое состояние диалога")
	// ErrMediaUnavailable нет общего кодека или медиа не поднялось
	ErrMediaUnavailable = errors.New("медиа недоступно")
	// ErrClosed агент закрыт
	ErrClosed = errors.New("агент закрыт")
)

// EventType событие сигнализации
type EventType int

const (
	// EventProgress предварительный ответ 180 или 183
	EventProgress EventType = iota
	// EventAccepted 2xx на исходящий INVITE
	EventAccepted
	// EventTerminated сессия завершена без ответа (CANCEL, 487)
	EventTerminated
	// EventFailed ошибка установления
	EventFailed
	// EventRejected вызываемая сторона отклонила вызов
	EventRejected
	// EventBye удаленная сторона завершила разговор
	EventBye
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventAccepted:
		return "accepted"
	case EventTerminated:
		return "terminated"
	case EventFailed:
		return "failed"
	case EventRejected:
		return "rejected"
	case EventBye:
		return "bye"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// CauseMediaFormat причина завершения при несовместимых кодеках
const CauseMediaFormat = "media format incompatibility"

// CauseCancelled вызов отменен до ответа
const CauseCancelled = "cancelled"

// Event событие сессии
type Event struct {
	Type   EventType
	Status int
	Reason string
	Cause  string
	At     time.Time
}

// Terminal завершает ли событие сессию
func (e Event) Terminal() bool {
	switch e.Type {
	case EventTerminated, EventFailed, EventRejected, EventBye:
		return true
	}
	return false
}

func (e Event) String() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s %d %s (%s)", e.Type, e.Status, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s %d %s", e.Type, e.Status, e.Reason)
}

// InviteOptions параметры исходящего вызова
type InviteOptions struct {
	// CallerID 10-значный номер для P-Asserted-Identity, пустой означает логин аккаунта
	CallerID     string
	DisplayName  string
	HideCallerID bool
}

// Session одна SIP сессия звонка
type Session interface {
	// ID Call-ID диалога
	ID() string
	RemoteNumber() string
	RemoteDisplayName() string

	Accept(ctx context.Context) error
	Reject(ctx context.Context, code int, reason string) error
	Bye(ctx context.Context) error
	Cancel(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	// DTMF отправляет одну цифру. RFC 4733, если удаленный SDP предлагает telephone-event, иначе SIP INFO.
	DTMF(ctx context.Context, digit byte, tone, gap time.Duration) error

	// Events закрывается после терминального события
	Events() <-chan Event
	Media() audio.MediaEndpoint
}

// Signaling SIP агент
type Signaling interface {
	Invite(ctx context.Context, target string, opts InviteOptions) (Session, error)
	Registered() bool
	Incoming() <-chan Session
}
