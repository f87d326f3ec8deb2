package call

import "time"

type echoKind int

const (
	echoMute echoKind = iota
	echoHold
	echoAnswer
	echoDecline
)

// echoTTL сколько ожидается ответное событие нативного слоя
const echoTTL = 3 * time.Second

type echoMark struct {
	value bool
	at    time.Time
}

// echoGuard запоминает изменения, отправленные в нативный слой, чтобы
// их отражение обратно в контроллер не применялось второй раз.
// Принадлежит циклу контроллера.
type echoGuard struct {
	now     func() time.Time
	pending map[echoKind]echoMark
}

func newEchoGuard(now func() time.Time) echoGuard {
	return echoGuard{now: now, pending: make(map[echoKind]echoMark)}
}

func (g *echoGuard) expect(kind echoKind, value bool) {
	g.pending[kind] = echoMark{value: value, at: g.now()}
}

// consume true, если событие является отражением нашего изменения
func (g *echoGuard) consume(kind echoKind, value bool) bool {
	m, ok := g.pending[kind]
	if !ok {
		return false
	}
	delete(g.pending, kind)
	return m.value == value && g.now().Sub(m.at) <= echoTTL
}

func (g *echoGuard) reset() {
	for k := range g.pending {
		delete(g.pending, k)
	}
}
