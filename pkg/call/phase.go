package call

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/storage"
)

// Direction направление звонка
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Phase фаза звонка
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseInviting    Phase = "Inviting"
	PhaseRinging     Phase = "Ringing"
	PhaseEarlyMedia  Phase = "EarlyMedia"
	PhaseConnected   Phase = "Connected"
	PhaseHeld        Phase = "Held"
	PhaseTerminating Phase = "Terminating"
	PhaseEnded       Phase = "Ended"
)

// Active идет ли звонок в этой фазе
func (p Phase) Active() bool {
	return p != PhaseIdle && p != PhaseEnded
}

// Established соединен ли звонок
func (p Phase) Established() bool {
	return p == PhaseConnected || p == PhaseHeld
}

// События фазовой машины
const (
	evInvite    = "invite"
	evRing      = "ring"
	evProgress  = "progress"
	evConnect   = "connect"
	evHold      = "hold"
	evUnhold    = "unhold"
	evTerminate = "terminate"
	evEnd       = "end"
)

func newPhaseFSM(log logger.Logger) *fsm.FSM {
	return fsm.NewFSM(
		string(PhaseIdle),
		fsm.Events{
			{Name: evInvite, Src: []string{string(PhaseIdle)}, Dst: string(PhaseInviting)},
			{Name: evRing, Src: []string{string(PhaseIdle)}, Dst: string(PhaseRinging)},
			{Name: evProgress, Src: []string{string(PhaseInviting)}, Dst: string(PhaseEarlyMedia)},
			{Name: evConnect, Src: []string{string(PhaseInviting), string(PhaseRinging), string(PhaseEarlyMedia)}, Dst: string(PhaseConnected)},
			{Name: evHold, Src: []string{string(PhaseConnected)}, Dst: string(PhaseHeld)},
			{Name: evUnhold, Src: []string{string(PhaseHeld)}, Dst: string(PhaseConnected)},
			{Name: evTerminate, Src: []string{
				string(PhaseInviting), string(PhaseRinging), string(PhaseEarlyMedia),
				string(PhaseConnected), string(PhaseHeld),
			}, Dst: string(PhaseTerminating)},
			{Name: evEnd, Src: []string{string(PhaseTerminating)}, Dst: string(PhaseEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				log.Debug(ctx, "смена фазы звонка", logger.String("from", e.Src), logger.String("to", e.Dst))
			},
		},
	)
}

// Snapshot копия состояния звонка для чтения снаружи контроллера
type Snapshot struct {
	CallID          string
	Direction       Direction
	Phase           Phase
	PeerNumber      string
	PeerDisplayName string
	NativeToken     native.Token
	Muted           bool
	OnHold          bool
	StartedAt       time.Time
	ConnectedAt     time.Time
	Recording       string
	DeclinedByUser  bool
	Answered        bool
	Failed          bool
	Cause           string
}

// Ended итог завершенного звонка
type Ended struct {
	Snapshot Snapshot
	Entry    storage.HistoryEntry
}
