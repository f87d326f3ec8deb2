package native

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/callcore/pkg/logger"
)

// DefaultDedupWindow окно подавления одинаковых событий
const DefaultDedupWindow = 500 * time.Millisecond

// endedRetention сколько помнить завершенные токены
const endedRetention = 10 * time.Minute

type dedupKey struct {
	token Token
	typ   EventType
}

// Dedup фильтрует поток событий любого адаптера:
//   - то же событие для того же токена в пределах окна отбрасывается;
//   - после терминального события токена все его события отбрасываются.
//
// Остальные методы Bridge проксируются без изменений.
type Dedup struct {
	Bridge

	window  time.Duration
	out     chan Event
	done    chan struct{}
	once    sync.Once
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time

	mu    sync.Mutex
	last  map[dedupKey]Event
	ended map[Token]time.Time
}

// NewDedup оборачивает inner и запускает фильтрацию событий
func NewDedup(inner Bridge, window time.Duration, log logger.Logger, m *Metrics) *Dedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	d := &Dedup{
		Bridge:  inner,
		window:  window,
		out:     make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		log:     logger.OrNoOp(log).WithComponent("native-dedup"),
		metrics: m,
		now:     time.Now,
		last:    make(map[dedupKey]Event),
		ended:   make(map[Token]time.Time),
	}
	go d.pump(inner.Events())
	return d
}

func (d *Dedup) Events() <-chan Event { return d.out }

// Close останавливает фильтрацию, канал Events закрывается
func (d *Dedup) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *Dedup) pump(in <-chan Event) {
	defer close(d.out)
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			if !d.Accept(ev) {
				continue
			}
			select {
			case d.out <- ev:
			case <-d.done:
				return
			}
		case <-d.done:
			return
		}
	}
}

// Accept решает, пропустить ли событие, и запоминает его
func (d *Dedup) Accept(ev Event) bool {
	now := ev.At
	if now.IsZero() {
		now = d.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(now)

	if ev.Token != "" {
		if _, ok := d.ended[ev.Token]; ok {
			d.reject(ev, "after_terminal")
			return false
		}
	}

	key := dedupKey{token: ev.Token, typ: ev.Type}
	if prev, ok := d.last[key]; ok && prev.Value == ev.Value && prev.Digits == ev.Digits &&
		now.Sub(prev.At) < d.window {
		d.reject(ev, "duplicate")
		return false
	}
	ev.At = now
	d.last[key] = ev

	if ev.Terminal() && ev.Token != "" {
		d.ended[ev.Token] = now
	}
	d.metrics.delivered(ev.Type)
	return true
}

func (d *Dedup) reject(ev Event, reason string) {
	d.metrics.drop(reason)
	d.log.Debug(context.Background(), "нативное событие отброшено",
		logger.String("event", ev.String()), logger.String("reason", reason))
}

func (d *Dedup) prune(now time.Time) {
	for k, ev := range d.last {
		if now.Sub(ev.At) > d.window {
			delete(d.last, k)
		}
	}
	for t, at := range d.ended {
		if now.Sub(at) > endedRetention {
			delete(d.ended, t)
		}
	}
}
