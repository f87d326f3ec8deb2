package native

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/callcore/pkg/logger"
)

// emitter общий канал событий адаптеров.
// Колбэки платформы не должны блокироваться, поэтому при переполнении событие теряется с записью в лог.
type emitter struct {
	ch      chan Event
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newEmitter(log logger.Logger, m *Metrics) *emitter {
	return &emitter{
		ch:      make(chan Event, eventBufferSize),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func (e *emitter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
		e.log.Debug(context.Background(), "нативное событие", logger.String("event", ev.String()))
	default:
		e.metrics.drop("overflow")
		e.log.Warn(context.Background(), "очередь нативных событий переполнена, событие потеряно",
			logger.String("event", ev.String()))
	}
}

func (e *emitter) close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}
