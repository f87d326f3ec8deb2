// Package call контроллер жизненного цикла звонка софтфона.
//
// Controller владеет единственной сессией звонка и согласует три потока событий:
// SIP сигнализацию (sipua), действия пользователя в нативном UI (native) и
// публичные операции приложения. Все переходы выполняет одна горутина Run,
// поэтому они упорядочены. Блокирующая работа (нативные вызовы, ожидание аудио,
// запись, история) выполняется во вспомогательных горутинах, которые возвращают
// продолжение в очередь цикла.
package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/sipua"
)

// ErrClosed контроллер остановлен
var ErrClosed = errors.New("контроллер звонков остановлен")

// Controller контроллер звонка
type Controller struct {
	cfg      Config
	log      logger.Logger
	sig      sipua.Signaling
	native   native.Bridge
	audio    AudioCoordinator
	rec      Recorder
	history  HistoryWriter
	ringback Ringback
	metrics  *Metrics

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	running   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	// finalizers шаги завершения вне цикла
	finalizers sync.WaitGroup

	// поля ниже принадлежат циклу
	sess       *session
	gen        uint64
	finalizing bool
	answering  bool
	holding    bool
	echo       echoGuard

	snapMu sync.RWMutex
	snap   Snapshot
}

// New создает контроллер. Обработка событий начинается в Run.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		log:      logger.OrNoOp(cfg.Logger).WithComponent("call"),
		sig:      cfg.Signaling,
		native:   cfg.Native,
		audio:    cfg.Audio,
		rec:      cfg.Recorder,
		history:  cfg.History,
		ringback: cfg.Ringback,
		metrics:  NewMetrics(cfg.Metrics),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		echo:     newEchoGuard(cfg.Now),
		snap:     Snapshot{Phase: PhaseIdle},
	}
	return c, nil
}

// Run обрабатывает события до отмены ctx или Close
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("контроллер уже запущен")
	}
	defer close(c.stopped)

	incoming := c.sig.Incoming()
	events := c.native.Events()
	c.log.Info(ctx, "контроллер звонков запущен")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.done:
			c.shutdown()
			return nil
		case <-c.wake:
			c.drain()
		case ss, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			c.onIncoming(ss)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onNative(ev)
		}
	}
}

// Close останавливает цикл. Активный звонок завершается.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Wait ждет остановки цикла и завершения звонка, начатого до остановки:
// BYE, запись истории и нативный отчет
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		c.finalizers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot текущее состояние звонка
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// IncomingInvite передает контроллеру входящую сессию
func (c *Controller) IncomingInvite(ss sipua.Session) {
	c.post(func() { c.onIncoming(ss) })
}

// HandleSignalingEvent применяет событие сигнализации к текущему звонку
func (c *Controller) HandleSignalingEvent(ev sipua.Event) {
	c.post(func() { c.onSignal(0, ev) })
}

func (c *Controller) shutdown() {
	c.drain()
	if s := c.sess; s != nil && !c.finalizing {
		c.log.Info(context.Background(), "остановка контроллера при активном звонке")
		c.end(s, "shutdown", false)
	}
}

// post ставит работу в очередь цикла, не блокируя вызывающего
func (c *Controller) post(fn func()) {
	c.qmu.Lock()
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) drain() {
	for {
		c.qmu.Lock()
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			c.run(fn)
		}
	}
}

func (c *Controller) run(fn func()) {
	defer logger.Recover(c.log, "call-loop")
	fn()
}

// do выполняет fn в цикле и ждет результат
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	c.post(func() { reply <- fn() })
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

func (c *Controller) newSession(dir Direction, number, display string) *session {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:         c.gen,
		id:          uuid.NewString(),
		direction:   dir,
		peerNumber:  number,
		peerDisplay: display,
		startedAt:   c.cfg.Now(),
		ctx:         ctx,
		cancel:      cancel,
		finalized:   make(chan struct{}),
	}
	s.log = c.log.WithFields(logger.String("direction", string(dir)), logger.String("peer", number))
	s.phase = newPhaseFSM(s.log)
	return s
}

// fire переход фазовой машины, false если переход недопустим
func (c *Controller) fire(s *session, event string) bool {
	if err := s.phase.Event(context.Background(), event); err != nil {
		s.log.Debug(context.Background(), "переход отклонен",
			logger.String("event", event), logger.String("phase", s.phase.Current()), logger.Err(err))
		return false
	}
	return true
}

// current сессия, если gen совпадает и звонок не завершается
func (c *Controller) current(gen uint64) *session {
	s := c.sess
	if s == nil || s.gen != gen || c.finalizing {
		return nil
	}
	return s
}

func (c *Controller) publish() {
	snap := Snapshot{Phase: PhaseIdle}
	if s := c.sess; s != nil {
		snap = s.snapshot()
	}
	c.setSnapshot(snap)
}

func (c *Controller) setSnapshot(snap Snapshot) {
	c.snapMu.Lock()
	prev := c.snap.Phase
	c.snap = snap
	c.snapMu.Unlock()
	if prev != snap.Phase && c.cfg.Callbacks.OnPhase != nil {
		c.cfg.Callbacks.OnPhase(snap)
	}
}
