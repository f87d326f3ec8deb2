package native

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/callcore/pkg/logger"
)

// CallKitProvider действия, которые оболочка iOS выполняет через CXProvider и CXCallController.
// Request* отправляют транзакцию, провайдер затем вызывает соответствующий Perform* колбэк.
type CallKitProvider interface {
	ReportNewIncomingCall(ctx context.Context, id Token, handle, displayName string) error
	RequestStartCall(ctx context.Context, id Token, handle string) error
	ReportOutgoingConnecting(ctx context.Context, id Token) error
	ReportOutgoingConnected(ctx context.Context, id Token) error
	RequestAnswer(ctx context.Context, id Token) error
	RequestEnd(ctx context.Context, id Token) error
	RequestSetMuted(ctx context.Context, id Token, muted bool) error
	RequestSetHeld(ctx context.Context, id Token, held bool) error
}

// CallKitBridge адаптер CallKit
type CallKitBridge struct {
	provider CallKitProvider
	events   *emitter
	log      logger.Logger

	mu          sync.Mutex
	current     Token
	answered    bool
	audioActive bool
}

// NewCallKitBridge создает адаптер. provider == nil означает, что CallKit не инициализирован.
func NewCallKitBridge(provider CallKitProvider, log logger.Logger, m *Metrics) *CallKitBridge {
	l := logger.OrNoOp(log).WithComponent("callkit")
	return &CallKitBridge{
		provider: provider,
		events:   newEmitter(l, m),
		log:      l,
	}
}

func (b *CallKitBridge) ReportIncoming(ctx context.Context, number, displayName string) (Token, error) {
	if b.provider == nil {
		return "", ErrNativeUnavailable
	}
	handle := number
	if handle == "" {
		handle = "Unknown"
	}
	if displayName == "" {
		displayName = number
	}
	token := NewToken()
	if err := b.provider.ReportNewIncomingCall(ctx, token, handle, displayName); err != nil {
		return "", fmt.Errorf("показ входящего звонка: %w", err)
	}
	b.mu.Lock()
	b.current = token
	b.answered = false
	b.mu.Unlock()
	return token, nil
}

func (b *CallKitBridge) ReportOutgoing(ctx context.Context, number string) (Token, error) {
	if b.provider == nil {
		return "", ErrNativeUnavailable
	}
	token := NewToken()
	if err := b.provider.RequestStartCall(ctx, token, number); err != nil {
		return "", fmt.Errorf("старт исходящего звонка: %w", err)
	}
	b.mu.Lock()
	b.current = token
	b.answered = false
	b.mu.Unlock()
	return token, nil
}

func (b *CallKitBridge) ReportConnecting(ctx context.Context, token Token) error {
	if err := b.check(token); err != nil {
		return err
	}
	return b.provider.ReportOutgoingConnecting(ctx, token)
}

// ReportConnected для исходящего сообщает о соединении, для входящего
// запрашивает answer action, чтобы CallKit остановил рингтон.
func (b *CallKitBridge) ReportConnected(ctx context.Context, token Token, isOutgoing bool) error {
	if err := b.check(token); err != nil {
		return err
	}
	if isOutgoing {
		return b.provider.ReportOutgoingConnected(ctx, token)
	}
	b.mu.Lock()
	already := b.answered
	b.answered = true
	b.mu.Unlock()
	if already {
		return nil
	}
	return b.provider.RequestAnswer(ctx, token)
}

// ReportEnded завершает звонок в CallKit. Текущий токен снимается до запроса,
// поэтому ответный end action не порождает событие.
func (b *CallKitBridge) ReportEnded(ctx context.Context, token Token) error {
	if err := b.check(token); err != nil {
		return err
	}
	b.mu.Lock()
	b.current = ""
	b.answered = false
	b.mu.Unlock()
	return b.provider.RequestEnd(ctx, token)
}

func (b *CallKitBridge) Dismiss(ctx context.Context, token Token) error {
	return b.ReportEnded(ctx, token)
}

func (b *CallKitBridge) SetMuted(ctx context.Context, token Token, muted bool) error {
	if err := b.check(token); err != nil {
		return err
	}
	return b.provider.RequestSetMuted(ctx, token, muted)
}

func (b *CallKitBridge) SetHeld(ctx context.Context, token Token, held bool) error {
	if err := b.check(token); err != nil {
		return err
	}
	return b.provider.RequestSetHeld(ctx, token, held)
}

func (b *CallKitBridge) Events() <-chan Event { return b.events.ch }

func (b *CallKitBridge) ManagesAudioRoute() bool { return true }

// Close закрывает канал событий
func (b *CallKitBridge) Close() error {
	b.events.close()
	return nil
}

func (b *CallKitBridge) check(token Token) error {
	if b.provider == nil {
		return ErrNativeUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if token == "" || token != b.current {
		return ErrUnknownCall
	}
	return nil
}

// PerformAnswer пользователь принял звонок в системном интерфейсе
func (b *CallKitBridge) PerformAnswer(id Token) {
	b.mu.Lock()
	b.answered = true
	b.mu.Unlock()
	b.events.emit(Event{Type: EventAnswer, Token: id})
}

// PerformEnd end action. Для текущего звонка это Hangup, если аудио уже активно
// или звонок был принят, иначе Decline. End action чужого звонка игнорируется.
func (b *CallKitBridge) PerformEnd(id Token) {
	b.mu.Lock()
	if id != b.current || id == "" {
		b.mu.Unlock()
		b.log.Debug(context.Background(), "end action для неактивного звонка", logger.String("token", string(id)))
		return
	}
	typ := EventDecline
	if b.audioActive || b.answered {
		typ = EventHangup
	}
	b.current = ""
	b.answered = false
	b.mu.Unlock()

	b.events.emit(Event{Type: typ, Token: id})
}

func (b *CallKitBridge) PerformSetMuted(id Token, muted bool) {
	b.events.emit(Event{Type: EventMute, Token: id, Value: muted})
}

func (b *CallKitBridge) PerformSetHeld(id Token, held bool) {
	b.events.emit(Event{Type: EventHold, Token: id, Value: held})
}

func (b *CallKitBridge) PerformPlayDTMF(id Token, digits string) {
	b.events.emit(Event{Type: EventDTMF, Token: id, Digits: digits})
}

// DidActivateAudio аудио сессия активирована. Повторная активация игнорируется.
func (b *CallKitBridge) DidActivateAudio() {
	b.mu.Lock()
	if b.audioActive {
		b.mu.Unlock()
		return
	}
	b.audioActive = true
	token := b.current
	b.mu.Unlock()

	b.events.emit(Event{Type: EventAudioActivated, Token: token})
}

// DidDeactivateAudio аудио сессия деактивирована, звонок на стороне CallKit закончен
func (b *CallKitBridge) DidDeactivateAudio() {
	b.mu.Lock()
	token := b.current
	b.current = ""
	b.answered = false
	b.audioActive = false
	b.mu.Unlock()

	b.events.emit(Event{Type: EventAudioDeactivated, Token: token})
}

// DidReset провайдер сброшен системой, все состояние CallKit потеряно
func (b *CallKitBridge) DidReset() {
	b.mu.Lock()
	token := b.current
	b.current = ""
	b.answered = false
	b.audioActive = false
	b.mu.Unlock()

	b.log.Warn(context.Background(), "CallKit провайдер сброшен", logger.String("token", string(token)))
	b.events.emit(Event{Type: EventProviderReset, Token: token})
}
