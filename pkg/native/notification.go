package native

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/arzzra/callcore/pkg/logger"
)

// ServiceState состояние звонка в уведомлении foreground service
type ServiceState string

const (
	StateDialing   ServiceState = "dialing"
	StateRinging   ServiceState = "ringing"
	StateConnected ServiceState = "connected"
)

// ServiceStatus содержимое уведомления активного звонка
type ServiceStatus struct {
	Number string
	State  ServiceState
	Muted  bool
	OnHold bool
}

// NotificationService действия оболочки Android
type NotificationService interface {
	ShowIncoming(ctx context.Context, id Token, number, displayName string) error
	CancelIncoming(ctx context.Context, id Token) error
	// StartForeground запускает или обновляет foreground service с уведомлением звонка
	StartForeground(ctx context.Context, id Token, status ServiceStatus) error
	StopForeground(ctx context.Context, id Token) error
}

// Действия кнопок уведомлений
const (
	ActionAnswer  = "ANSWER"
	ActionDecline = "DECLINE"
	ActionHangup  = "HANGUP"
	ActionMute    = "MUTE"
	ActionUnmute  = "UNMUTE"
	ActionHold    = "HOLD"
	ActionUnhold  = "UNHOLD"
)

// NotificationBridge адаптер уведомлений Android. Маршрутом аудио платформа
// не управляет, ReportConnecting ничего не делает.
type NotificationBridge struct {
	svc    NotificationService
	events *emitter
	log    logger.Logger

	mu      sync.Mutex
	current Token
	status  ServiceStatus
}

// NewNotificationBridge создает адаптер. svc == nil означает отсутствие нативного слоя.
func NewNotificationBridge(svc NotificationService, log logger.Logger, m *Metrics) *NotificationBridge {
	l := logger.OrNoOp(log).WithComponent("notification")
	return &NotificationBridge{
		svc:    svc,
		events: newEmitter(l, m),
		log:    l,
	}
}

func (b *NotificationBridge) ReportIncoming(ctx context.Context, number, displayName string) (Token, error) {
	if b.svc == nil {
		return "", ErrNativeUnavailable
	}
	token := NewToken()
	if err := b.svc.ShowIncoming(ctx, token, number, displayName); err != nil {
		return "", fmt.Errorf("уведомление о входящем звонке: %w", err)
	}
	b.mu.Lock()
	b.current = token
	b.status = ServiceStatus{Number: number, State: StateRinging}
	b.mu.Unlock()
	return token, nil
}

func (b *NotificationBridge) ReportOutgoing(ctx context.Context, number string) (Token, error) {
	if b.svc == nil {
		return "", ErrNativeUnavailable
	}
	token := NewToken()
	st := ServiceStatus{Number: number, State: StateDialing}
	if err := b.svc.StartForeground(ctx, token, st); err != nil {
		return "", fmt.Errorf("запуск foreground service: %w", err)
	}
	b.mu.Lock()
	b.current = token
	b.status = st
	b.mu.Unlock()
	return token, nil
}

func (b *NotificationBridge) ReportConnecting(ctx context.Context, token Token) error {
	return nil
}

func (b *NotificationBridge) ReportConnected(ctx context.Context, token Token, isOutgoing bool) error {
	st, err := b.update(token, func(s *ServiceStatus) { s.State = StateConnected })
	if err != nil {
		return err
	}
	if !isOutgoing {
		if err := b.svc.CancelIncoming(ctx, token); err != nil {
			b.log.Warn(ctx, "не удалось убрать уведомление о входящем", logger.Err(err))
		}
	}
	return b.svc.StartForeground(ctx, token, st)
}

func (b *NotificationBridge) ReportEnded(ctx context.Context, token Token) error {
	if err := b.check(token); err != nil {
		return err
	}
	b.mu.Lock()
	b.current = ""
	b.status = ServiceStatus{}
	b.mu.Unlock()

	cancelErr := b.svc.CancelIncoming(ctx, token)
	if err := b.svc.StopForeground(ctx, token); err != nil {
		return fmt.Errorf("остановка foreground service: %w", err)
	}
	return cancelErr
}

func (b *NotificationBridge) Dismiss(ctx context.Context, token Token) error {
	return b.ReportEnded(ctx, token)
}

func (b *NotificationBridge) SetMuted(ctx context.Context, token Token, muted bool) error {
	st, err := b.update(token, func(s *ServiceStatus) { s.Muted = muted })
	if err != nil {
		return err
	}
	return b.svc.StartForeground(ctx, token, st)
}

func (b *NotificationBridge) SetHeld(ctx context.Context, token Token, held bool) error {
	st, err := b.update(token, func(s *ServiceStatus) { s.OnHold = held })
	if err != nil {
		return err
	}
	return b.svc.StartForeground(ctx, token, st)
}

func (b *NotificationBridge) Events() <-chan Event { return b.events.ch }

func (b *NotificationBridge) ManagesAudioRoute() bool { return false }

// Close закрывает канал событий
func (b *NotificationBridge) Close() error {
	b.events.close()
	return nil
}

// HandleAction нажатие кнопки в уведомлении. Действие относится к текущему звонку.
func (b *NotificationBridge) HandleAction(action string) error {
	b.mu.Lock()
	token := b.current
	b.mu.Unlock()
	if token == "" {
		return ErrUnknownCall
	}

	ev := Event{Token: token}
	switch strings.ToUpper(action) {
	case ActionAnswer:
		ev.Type = EventAnswer
	case ActionDecline:
		ev.Type = EventDecline
	case ActionHangup:
		ev.Type = EventHangup
	case ActionMute, ActionUnmute:
		ev.Type, ev.Value = EventMute, strings.EqualFold(action, ActionMute)
	case ActionHold, ActionUnhold:
		ev.Type, ev.Value = EventHold, strings.EqualFold(action, ActionHold)
	default:
		return fmt.Errorf("неизвестное действие уведомления %q", action)
	}
	b.events.emit(ev)
	return nil
}

func (b *NotificationBridge) check(token Token) error {
	if b.svc == nil {
		return ErrNativeUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if token == "" || token != b.current {
		return ErrUnknownCall
	}
	return nil
}

func (b *NotificationBridge) update(token Token, fn func(*ServiceStatus)) (ServiceStatus, error) {
	if err := b.check(token); err != nil {
		return ServiceStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.status)
	return b.status, nil
}
