package call

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/recording"
	"github.com/arzzra/callcore/pkg/sipua"
	"github.com/arzzra/callcore/pkg/storage"
)

// session состояние одного звонка. Все поля меняет только цикл контроллера.
type session struct {
	gen       uint64
	id        string
	direction Direction
	phase     *fsm.FSM
	sig       sipua.Session
	log       logger.Logger

	// ctx отменяется при переходе в Terminating
	ctx    context.Context
	cancel context.CancelFunc

	peerNumber  string
	peerDisplay string
	token       native.Token
	muted       bool
	onHold      bool
	startedAt   time.Time
	connectedAt time.Time
	recording   *recording.Handle

	declinedByUser bool
	answered       bool
	failed         bool
	cancelled      bool
	busy           bool
	endedByNative  bool
	cause          string

	// hangup сигнальное действие, которое финализатор выполняет первым шагом
	hangup func(ctx context.Context) error

	timeout *time.Timer
	settle  *time.Timer

	// finalized закрывается после записи истории
	finalized chan struct{}
}

func (s *session) current() Phase {
	return Phase(s.phase.Current())
}

func (s *session) LogCallID() string { return s.id }
func (s *session) LogPhase() string  { return s.phase.Current() }

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		CallID:          s.id,
		Direction:       s.direction,
		Phase:           s.current(),
		PeerNumber:      s.peerNumber,
		PeerDisplayName: s.peerDisplay,
		NativeToken:     s.token,
		Muted:           s.muted,
		OnHold:          s.onHold,
		StartedAt:       s.startedAt,
		ConnectedAt:     s.connectedAt,
		DeclinedByUser:  s.declinedByUser,
		Answered:        s.answered,
		Failed:          s.failed,
		Cause:           s.cause,
	}
	if s.recording != nil {
		snap.Recording = s.recording.Filename
	}
	return snap
}

// classify запись истории для звонка, завершенного в момент end
func (s *session) classify(end time.Time) storage.HistoryEntry {
	e := storage.HistoryEntry{
		Number:    s.peerNumber,
		Timestamp: s.startedAt,
		Cause:     s.cause,
	}
	switch {
	case s.answered:
		e.Type = storage.CallOutgoing
		if s.direction == Incoming {
			e.Type = storage.CallIncoming
		}
		e.Outcome = storage.OutcomeConnected
		if !s.connectedAt.IsZero() && end.After(s.connectedAt) {
			e.Duration = int(end.Sub(s.connectedAt) / time.Second)
		}
	case s.direction == Incoming && s.declinedByUser:
		e.Type, e.Outcome = storage.CallDeclined, storage.OutcomeDeclined
	case s.direction == Incoming && s.failed:
		// ошибка SIP или медиа при ответе, звонок не пропущен
		e.Type, e.Outcome = storage.CallIncoming, storage.OutcomeFailed
	case s.direction == Incoming:
		e.Type, e.Outcome = storage.CallMissed, storage.OutcomeMissed
	default:
		e.Type = storage.CallOutgoing
		switch {
		case s.busy:
			e.Outcome = storage.OutcomeBusy
		case s.cancelled:
			e.Outcome = storage.OutcomeCancelled
		default:
			e.Outcome = storage.OutcomeFailed
		}
	}
	return e
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Сигнальные действия завершения. Сессия может быть nil, если исходящий INVITE еще не ушел.

func byeAction(ss sipua.Session) func(context.Context) error {
	if ss == nil {
		return nil
	}
	return func(ctx context.Context) error {
		err := ss.Bye(ctx)
		if errors.Is(err, sipua.ErrInvalidState) {
			return nil
		}
		return err
	}
}

// cancelAction CANCEL, а если 2xx уже пришел, BYE
func cancelAction(ss sipua.Session) func(context.Context) error {
	if ss == nil {
		return nil
	}
	return func(ctx context.Context) error {
		err := ss.Cancel(ctx)
		if errors.Is(err, sipua.ErrInvalidState) {
			return byeAction(ss)(ctx)
		}
		return err
	}
}

// rejectAction отказ входящему, а если он успел соединиться, BYE
func rejectAction(ss sipua.Session, code int, reason string) func(context.Context) error {
	if ss == nil {
		return nil
	}
	return func(ctx context.Context) error {
		err := ss.Reject(ctx, code, reason)
		if errors.Is(err, sipua.ErrInvalidState) {
			return byeAction(ss)(ctx)
		}
		return err
	}
}
