// Package audio согласует активацию аудио маршрута платформы с подключением медиа звонка.
//
// Медиа подключается, только когда выполнены оба условия: звонок соединен и
// маршрут аудио активен (или платформа маршрутом не управляет). События могут
// приходить в любом порядке, недостающее условие ждет во флаге pending.
package audio

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/callcore/pkg/logger"
)

// MediaEndpoint медиа звонка
type MediaEndpoint interface {
	// RemoteTracksReady получены ли удаленные треки
	RemoteTracksReady() bool
	// AttachRemoteOutput направляет удаленный звук в вывод
	AttachRemoteOutput() error
	// RefreshLocalCapture пересоздает локальный захват после смены входа
	RefreshLocalCapture() error
	StopLocalCapture() error
	SetOutputMuted(muted bool)
	SetInputMuted(muted bool) error
	Release() error
}

// DefaultRetryDelays задержки повторных попыток подключения от первой попытки
var DefaultRetryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond}

// Config параметры координатора
type Config struct {
	// ManagesRoute платформа сама активирует аудио сессию (CallKit)
	ManagesRoute bool
	RetryDelays  []time.Duration
	Logger       logger.Logger
	// Registerer для счетчика повторов, nil отключает метрики
	Registerer prometheus.Registerer
	Namespace  string
}

// Coordinator координатор аудио сессии одного звонка
type Coordinator struct {
	managesRoute bool
	delays       []time.Duration
	log          logger.Logger
	retries      prometheus.Counter

	mu          sync.Mutex
	media       MediaEndpoint
	connected   bool
	routeActive bool
	routeLost   bool
	pending     bool
	attached    bool
	earlyMuted  bool
	retrying    bool
	activated   chan struct{}
	attachedCh  chan struct{}
	activeOnce  *sync.Once
	attachOnce  *sync.Once
	gen         uint64
	timers      []*time.Timer
}

// New создает координатор
func New(cfg Config) *Coordinator {
	delays := cfg.RetryDelays
	if delays == nil {
		delays = DefaultRetryDelays
	}
	c := &Coordinator{
		managesRoute: cfg.ManagesRoute,
		delays:       delays,
		log:          logger.OrNoOp(cfg.Logger).WithComponent("audio"),
	}
	if cfg.Registerer != nil {
		c.retries = promauto.With(cfg.Registerer).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "audio",
			Name:      "attach_retries_total",
			Help:      "Retries of remote audio attachment while receiver tracks were missing",
		})
	}
	c.resetLocked()
	return c
}

func (c *Coordinator) resetLocked() {
	c.gen++
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.media = nil
	c.connected = false
	c.routeActive = false
	c.routeLost = false
	c.pending = false
	c.attached = false
	c.earlyMuted = false
	c.retrying = false
	c.activated = make(chan struct{})
	c.attachedCh = make(chan struct{})
	c.activeOnce = &sync.Once{}
	c.attachOnce = &sync.Once{}
}

// Bind сообщает, что медиа звонка создано
func (c *Coordinator) Bind(media MediaEndpoint) {
	c.mu.Lock()
	c.media = media
	muted := c.earlyMuted
	c.mu.Unlock()

	if muted {
		media.SetOutputMuted(true)
	}
	c.attempt(context.Background(), 0)
}

// Media медиа текущего звонка, nil до Bind и после Reset
func (c *Coordinator) Media() MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// OnNativeAudioActivated платформа активировала аудио сессию.
// Без соединенного звонка только запоминает активацию, после подключения ничего не делает.
func (c *Coordinator) OnNativeAudioActivated() {
	c.mu.Lock()
	c.routeActive = true
	once, ch := c.activeOnce, c.activated
	if !c.connected {
		c.pending = true
	}
	c.mu.Unlock()

	once.Do(func() { close(ch) })
	c.log.Debug(context.Background(), "аудио сессия активирована")
	c.attempt(context.Background(), 0)
}

// OnNativeAudioDeactivated останавливает локальный захват и снимает активность маршрута
func (c *Coordinator) OnNativeAudioDeactivated() {
	c.mu.Lock()
	wasActive := c.routeActive
	c.routeActive = false
	if c.attached {
		c.routeLost = true
		c.attached = false
	}
	media := c.media
	c.mu.Unlock()

	if !wasActive || media == nil {
		return
	}
	if err := media.StopLocalCapture(); err != nil {
		c.log.Warn(context.Background(), "остановка захвата микрофона", logger.Err(err))
	}
}

// TryAttachAudio вызывается при соединении звонка. Если маршрут еще не активен,
// ставит pending и возвращает nil.
func (c *Coordinator) TryAttachAudio(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.pending = true
	c.mu.Unlock()
	c.attempt(ctx, 0)
	return nil
}

// SetEarlyMedia приглушает удаленный звук до соединения (183)
func (c *Coordinator) SetEarlyMedia(muted bool) {
	c.mu.Lock()
	c.earlyMuted = muted
	media := c.media
	c.mu.Unlock()
	if media != nil {
		media.SetOutputMuted(muted)
	}
}

// SetMicMuted управляет микрофоном
func (c *Coordinator) SetMicMuted(muted bool) error {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return nil
	}
	return media.SetInputMuted(muted)
}

// WaitActivated ждет активации аудио сессии не дольше timeout.
// Если платформа маршрутом не управляет, возвращает true сразу.
func (c *Coordinator) WaitActivated(ctx context.Context, timeout time.Duration) bool {
	if !c.managesRoute {
		return true
	}
	c.mu.Lock()
	ch := c.activated
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Attached закрывается, когда медиа подключено
func (c *Coordinator) Attached() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachedCh
}

// Pending ждет ли подключение недостающего условия
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Reset освобождает медиа и готовит координатор к следующему звонку
func (c *Coordinator) Reset() {
	c.mu.Lock()
	media := c.media
	c.resetLocked()
	c.mu.Unlock()

	if media == nil {
		return
	}
	if err := media.Release(); err != nil {
		c.log.Warn(context.Background(), "освобождение медиа", logger.Err(err))
	}
}

// attempt подключает медиа, если все условия выполнены.
// try номер попытки, 0 первая.
func (c *Coordinator) attempt(ctx context.Context, try int) {
	c.mu.Lock()
	ready := c.connected && c.media != nil && !c.attached &&
		(c.routeActive || !c.managesRoute)
	if !ready {
		c.mu.Unlock()
		return
	}
	media := c.media
	if !media.RemoteTracksReady() {
		if try == 0 && c.retrying {
			c.mu.Unlock()
			return
		}
		if try < len(c.delays) {
			c.scheduleLocked(try)
		} else {
			c.log.Warn(ctx, "удаленные треки не появились, подключение аудио отменено",
				logger.Int("attempts", try+1))
		}
		c.mu.Unlock()
		return
	}
	refresh := c.routeLost
	c.earlyMuted = false
	c.attached = true
	c.pending = false
	c.routeLost = false
	once, ch := c.attachOnce, c.attachedCh
	c.mu.Unlock()

	if err := media.AttachRemoteOutput(); err != nil {
		c.log.Error(ctx, "подключение удаленного звука", logger.Err(err))
		c.mu.Lock()
		c.attached = false
		c.pending = true
		c.mu.Unlock()
		return
	}
	if refresh {
		if err := media.RefreshLocalCapture(); err != nil {
			c.log.Warn(ctx, "обновление захвата микрофона", logger.Err(err))
		}
	}
	media.SetOutputMuted(false)
	once.Do(func() { close(ch) })
	c.log.Info(ctx, "аудио подключено", logger.Int("attempt", try+1))
}

func (c *Coordinator) scheduleLocked(try int) {
	delay := c.delays[try]
	if try > 0 {
		delay -= c.delays[try-1]
	}
	gen := c.gen
	c.retrying = true
	if c.retries != nil {
		c.retries.Inc()
	}
	c.log.Debug(context.Background(), "удаленные треки не готовы, повтор",
		logger.Int("retry", try+1), logger.Duration("delay", delay))
	c.timers = append(c.timers, time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := gen != c.gen
		if !stale {
			c.retrying = false
		}
		c.mu.Unlock()
		if stale {
			return
		}
		c.attempt(context.Background(), try+1)
	}))
}
