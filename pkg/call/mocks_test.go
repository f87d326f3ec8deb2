package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/callcore/pkg/audio"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/sipua"
	"github.com/arzzra/callcore/pkg/storage"
)

// fakeMedia медиа звонка, треки готовы сразу
type fakeMedia struct {
	attaches atomic.Int32
	releases atomic.Int32
	micMuted atomic.Bool
}

func (m *fakeMedia) RemoteTracksReady() bool        { return true }
func (m *fakeMedia) AttachRemoteOutput() error      { m.attaches.Add(1); return nil }
func (m *fakeMedia) RefreshLocalCapture() error     { return nil }
func (m *fakeMedia) StopLocalCapture() error        { return nil }
func (m *fakeMedia) SetOutputMuted(bool)            {}
func (m *fakeMedia) SetInputMuted(muted bool) error { m.micMuted.Store(muted); return nil }
func (m *fakeMedia) Release() error                 { m.releases.Add(1); return nil }

type sentDigit struct {
	digit byte
	tone  time.Duration
	gap   time.Duration
	at    time.Time
}

type rejection struct {
	code   int
	reason string
}

// fakeSession SIP сессия, события отправляет тест
type fakeSession struct {
	id      string
	number  string
	display string
	media   *fakeMedia
	events  chan sipua.Event
	once    sync.Once

	acceptErr error
	byeDelay  time.Duration

	accepts  atomic.Int32
	byes     atomic.Int32
	cancels  atomic.Int32
	holds    atomic.Int32
	unholds  atomic.Int32
	rejectCh chan rejection

	mu     sync.Mutex
	digits []sentDigit
}

func newFakeSession(id, number string) *fakeSession {
	return &fakeSession{
		id:       id,
		number:   number,
		media:    &fakeMedia{},
		events:   make(chan sipua.Event, 16),
		rejectCh: make(chan rejection, 4),
	}
}

func (s *fakeSession) ID() string                { return s.id }
func (s *fakeSession) RemoteNumber() string      { return s.number }
func (s *fakeSession) RemoteDisplayName() string { return s.display }

func (s *fakeSession) Accept(ctx context.Context) error {
	s.accepts.Add(1)
	return s.acceptErr
}

func (s *fakeSession) Reject(ctx context.Context, code int, reason string) error {
	s.rejectCh <- rejection{code: code, reason: reason}
	s.finish()
	return nil
}

func (s *fakeSession) Bye(ctx context.Context) error {
	if s.byeDelay > 0 {
		time.Sleep(s.byeDelay)
	}
	s.byes.Add(1)
	s.finish()
	return nil
}

func (s *fakeSession) Cancel(ctx context.Context) error {
	s.cancels.Add(1)
	s.finish()
	return nil
}

func (s *fakeSession) Hold(ctx context.Context) error   { s.holds.Add(1); return nil }
func (s *fakeSession) Unhold(ctx context.Context) error { s.unholds.Add(1); return nil }

func (s *fakeSession) DTMF(ctx context.Context, digit byte, tone, gap time.Duration) error {
	s.mu.Lock()
	s.digits = append(s.digits, sentDigit{digit: digit, tone: tone, gap: gap, at: time.Now()})
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Events() <-chan sipua.Event { return s.events }

func (s *fakeSession) Media() audio.MediaEndpoint { return s.media }

// emit событие удаленной стороны
func (s *fakeSession) emit(t sipua.EventType, status int, cause string) {
	defer func() { _ = recover() }()
	s.events <- sipua.Event{Type: t, Status: status, Cause: cause, At: time.Now()}
}

func (s *fakeSession) finish() {
	s.once.Do(func() { close(s.events) })
}

func (s *fakeSession) sentDigits() []sentDigit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentDigit(nil), s.digits...)
}

// fakeSignaling SIP агент
type fakeSignaling struct {
	registered atomic.Bool
	incoming   chan sipua.Session

	mu        sync.Mutex
	next      []*fakeSession
	inviteErr error
	targets   []string
	opts      []sipua.InviteOptions
}

func newFakeSignaling() *fakeSignaling {
	s := &fakeSignaling{incoming: make(chan sipua.Session, 4)}
	s.registered.Store(true)
	return s
}

func (s *fakeSignaling) Invite(ctx context.Context, target string, opts sipua.InviteOptions) (sipua.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.opts = append(s.opts, opts)
	if s.inviteErr != nil {
		return nil, s.inviteErr
	}
	if len(s.next) == 0 {
		return nil, errors.New("нет подготовленной сессии")
	}
	ss := s.next[0]
	s.next = s.next[1:]
	return ss, nil
}

func (s *fakeSignaling) Registered() bool                { return s.registered.Load() }
func (s *fakeSignaling) Incoming() <-chan sipua.Session { return s.incoming }

func (s *fakeSignaling) prepare(ss *fakeSession) {
	s.mu.Lock()
	s.next = append(s.next, ss)
	s.mu.Unlock()
}

func (s *fakeSignaling) lastOptions() sipua.InviteOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts) == 0 {
		return sipua.InviteOptions{}
	}
	return s.opts[len(s.opts)-1]
}

type connectedReport struct {
	token    native.Token
	outgoing bool
}

// fakeNative нативный слой со счетчиками. Как CallKit, отражает изменения обратно событиями.
type fakeNative struct {
	events       chan native.Event
	managesRoute bool
	echo         bool

	incoming   atomic.Int32
	outgoing   atomic.Int32
	connecting atomic.Int32
	ended      atomic.Int32
	dismissed  atomic.Int32
	setMuted   atomic.Int32
	setHeld    atomic.Int32

	// incomingGate задерживает токен ReportIncoming до закрытия канала
	incomingGate chan struct{}

	mu        sync.Mutex
	token     native.Token
	connected []connectedReport
}

func newFakeNative() *fakeNative {
	return &fakeNative{events: make(chan native.Event, 32), echo: true}
}

func (n *fakeNative) newToken() native.Token {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.token = native.NewToken()
	return n.token
}

func (n *fakeNative) currentToken() native.Token {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.token
}

func (n *fakeNative) ReportIncoming(ctx context.Context, number, displayName string) (native.Token, error) {
	n.incoming.Add(1)
	if n.incomingGate != nil {
		select {
		case <-n.incomingGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return n.newToken(), nil
}

func (n *fakeNative) ReportOutgoing(ctx context.Context, number string) (native.Token, error) {
	n.outgoing.Add(1)
	return n.newToken(), nil
}

func (n *fakeNative) ReportConnecting(ctx context.Context, token native.Token) error {
	n.connecting.Add(1)
	return nil
}

func (n *fakeNative) ReportConnected(ctx context.Context, token native.Token, isOutgoing bool) error {
	n.mu.Lock()
	n.connected = append(n.connected, connectedReport{token: token, outgoing: isOutgoing})
	n.mu.Unlock()
	if !isOutgoing && n.echo {
		n.emit(native.Event{Type: native.EventAnswer, Token: token})
	}
	if !isOutgoing && n.managesRoute {
		n.emit(native.Event{Type: native.EventAudioActivated})
	}
	return nil
}

func (n *fakeNative) ReportEnded(ctx context.Context, token native.Token) error {
	n.ended.Add(1)
	return nil
}

func (n *fakeNative) Dismiss(ctx context.Context, token native.Token) error {
	n.dismissed.Add(1)
	return nil
}

func (n *fakeNative) SetMuted(ctx context.Context, token native.Token, muted bool) error {
	n.setMuted.Add(1)
	if n.echo {
		n.emit(native.Event{Type: native.EventMute, Token: token, Value: muted})
	}
	return nil
}

func (n *fakeNative) SetHeld(ctx context.Context, token native.Token, held bool) error {
	n.setHeld.Add(1)
	if n.echo {
		n.emit(native.Event{Type: native.EventHold, Token: token, Value: held})
	}
	return nil
}

func (n *fakeNative) Events() <-chan native.Event { return n.events }
func (n *fakeNative) ManagesAudioRoute() bool     { return n.managesRoute }

func (n *fakeNative) emit(ev native.Event) {
	ev.At = time.Now()
	n.events <- ev
}

func (n *fakeNative) connectedReports() []connectedReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]connectedReport(nil), n.connected...)
}

func nativeMute(token native.Token, muted bool) native.Event {
	return native.Event{Type: native.EventMute, Token: token, Value: muted}
}

func nativeHold(token native.Token, held bool) native.Event {
	return native.Event{Type: native.EventHold, Token: token, Value: held}
}

func nativeAnswer(token native.Token) native.Event {
	return native.Event{Type: native.EventAnswer, Token: token}
}

func nativeDecline(token native.Token) native.Event {
	return native.Event{Type: native.EventDecline, Token: token}
}

func nativeHangup(token native.Token) native.Event {
	return native.Event{Type: native.EventHangup, Token: token}
}

func nativeReset() native.Event {
	return native.Event{Type: native.EventProviderReset}
}

// fakeRingback
type fakeRingback struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (r *fakeRingback) Start() { r.starts.Add(1) }
func (r *fakeRingback) Stop()  { r.stops.Add(1) }

// fakeBackend захват звука для recording.Controller
type fakeBackend struct {
	starts  atomic.Int32
	stops   atomic.Int32
	stopErr error

	mu    sync.Mutex
	bases []string
}

func (b *fakeBackend) Start(ctx context.Context, base string) (string, string, error) {
	b.starts.Add(1)
	b.mu.Lock()
	b.bases = append(b.bases, base)
	b.mu.Unlock()
	return base + ".wav", "audio/wav", nil
}

func (b *fakeBackend) Stop(ctx context.Context) (int64, error) {
	b.stops.Add(1)
	return 4096, b.stopErr
}

// brokenHistory история, которая падает при записи
type brokenHistory struct {
	calls atomic.Int32
	panic bool
}

func (h *brokenHistory) Add(ctx context.Context, e storage.HistoryEntry) error {
	h.calls.Add(1)
	if h.panic {
		panic("история недоступна")
	}
	return errors.New("история недоступна")
}

func (h *brokenHistory) LinkRecording(ctx context.Context, filename string) (bool, error) {
	return false, errors.New("история недоступна")
}
