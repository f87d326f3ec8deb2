package sipua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/arzzra/callcore/pkg/audio"
	"github.com/arzzra/callcore/pkg/dtmf"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/rtpmedia"
	"github.com/arzzra/callcore/pkg/sdpmedia"
)

// Состояния диалога
const (
	dialogNone       = "none"
	dialogEarly      = "early"
	dialogConfirmed  = "confirmed"
	dialogTerminated = "terminated"
)

// События диалога
const (
	evEarly     = "early"
	evConfirm   = "confirm"
	evCancel    = "cancel"
	evTerminate = "terminate"
)

// cancelTimeout сколько ждать 487 после CANCEL (64*T1)
const cancelTimeout = 32 * time.Second

func newDialogFSM(log logger.Logger) *fsm.FSM {
	return fsm.NewFSM(
		dialogNone,
		fsm.Events{
			{Name: evEarly, Src: []string{dialogNone}, Dst: dialogEarly},
			{Name: evConfirm, Src: []string{dialogNone, dialogEarly}, Dst: dialogConfirmed},
			// отмена возможна только до 2xx
			{Name: evCancel, Src: []string{dialogEarly}, Dst: dialogTerminated},
			{Name: evTerminate, Src: []string{dialogNone, dialogEarly, dialogConfirmed}, Dst: dialogTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				log.Debug(ctx, "состояние диалога", logger.String("from", e.Src), logger.String("to", e.Dst))
			},
		},
	)
}

// session SIP сессия одного звонка, UAC или UAS
type session struct {
	ua       *UA
	log      logger.Logger
	outgoing bool
	media    *rtpmedia.Stream
	dialog   *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	id            string
	remoteNumber  string
	remoteDisplay string
	invite        *sip.Request
	inviteTx      serverTx
	offer         *sdpmedia.Info
	localTag      string
	localDisplay  string
	localURI      sip.Uri
	remoteTag     string
	remoteURI     sip.Uri
	remoteTarget  sip.Uri
	routes        []sip.Uri
	cseq          uint32
	sdpID         uint64
	sdpVersion    uint64
	cancelled     bool
	held          bool
	mediaStarted  bool
	released      bool

	dtmfMu  sync.Mutex
	dtmfLim *rate.Limiter

	evMu     sync.Mutex
	events   chan Event
	evClosed bool
}

var _ Session = (*session)(nil)

func (u *UA) newSession(outgoing bool, media *rtpmedia.Stream) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ua:       u,
		log:      u.log,
		outgoing: outgoing,
		media:    media,
		ctx:      ctx,
		cancel:   cancel,
		sdpID:    uint64(time.Now().UnixNano()),
		events:   make(chan Event, eventQueueSize),
	}
	s.dialog = newDialogFSM(s.log)
	return s
}

func (s *session) initOutgoing(req *sip.Request, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invite = req
	if h := req.CallID(); h != nil {
		s.id = h.Value()
	}
	if from := req.From(); from != nil {
		s.localTag, _ = from.Params.Get("tag")
		s.localURI = from.Address
		s.localDisplay = from.DisplayName
	}
	if to := req.To(); to != nil {
		s.remoteURI = to.Address
	}
	s.remoteTarget = req.Recipient
	s.remoteNumber = targetUser(target)
	if cseq := req.CSeq(); cseq != nil {
		s.cseq = cseq.SeqNo
	}
	s.log = s.log.WithFields(logger.String("call_id", s.id), logger.String("direction", "outgoing"))
}

func (s *session) initIncoming(req *sip.Request, tx serverTx, offer *sdpmedia.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invite = req
	s.inviteTx = tx
	s.offer = offer
	s.id = req.CallID().Value()
	s.localTag = newTag()
	from := req.From()
	s.remoteTag, _ = from.Params.Get("tag")
	s.remoteURI = from.Address
	s.remoteNumber = from.Address.User
	s.remoteDisplay = from.DisplayName
	s.remoteTarget = from.Address
	if c := req.Contact(); c != nil {
		s.remoteTarget = c.Address
	}
	if to := req.To(); to != nil {
		s.localURI = to.Address
	}
	s.routes = routeSet(req.GetHeaders("Record-Route"), false)
	s.log = s.log.WithFields(logger.String("call_id", s.id), logger.String("direction", "incoming"))
}

func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) RemoteNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteNumber
}

func (s *session) RemoteDisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDisplay
}

func (s *session) Events() <-chan Event { return s.events }

func (s *session) Media() audio.MediaEndpoint {
	if s.media == nil {
		return nil
	}
	return s.media
}

func (s *session) dialogState() string {
	return s.dialog.Current()
}

// transition true, если переход выполнен
func (s *session) transition(event string) bool {
	return s.dialog.Event(context.Background(), event) == nil
}

func (s *session) nextVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdpVersion++
	return s.sdpVersion
}

func (s *session) sdpConfig(dir sdpmedia.Direction) sdpmedia.Config {
	cfg := sdpmedia.Config{
		Host:           s.ua.cfg.MediaHost,
		SessionID:      s.sdpID,
		SessionName:    s.ua.cfg.UserAgent,
		Codecs:         s.ua.cfg.Codecs,
		TelephoneEvent: dtmf.DefaultPayloadType,
		Direction:      dir,
	}
	if s.media != nil {
		cfg.Port = s.media.LocalPort()
	}
	return cfg
}

// emit отдает событие наверх. После терминального события канал закрывается.
func (s *session) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	if ev.Terminal() {
		select {
		case s.events <- ev:
		case <-time.After(time.Second):
			s.log.Warn(s.ctx, "терминальное событие не доставлено", logger.String("event", ev.String()))
		}
		s.evClosed = true
		close(s.events)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn(s.ctx, "очередь событий сессии заполнена", logger.String("event", ev.String()))
	}
}

// finish завершает сессию: диалог, медиа, учет в агенте и канал событий.
// Повторные вызовы ничего не делают.
func (s *session) finish(ev *Event) {
	s.transition(evTerminate)
	s.releaseMedia()
	s.ua.forget(s.ID())
	if ev != nil {
		s.emit(*ev)
	} else {
		s.evMu.Lock()
		if !s.evClosed {
			s.evClosed = true
			close(s.events)
		}
		s.evMu.Unlock()
	}
	s.cancel()
}

func (s *session) releaseMedia() {
	s.mu.Lock()
	if s.released || s.media == nil {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	if err := s.media.Release(); err != nil {
		s.log.Debug(s.ctx, "освобождение медиа", logger.Err(err))
	}
}

// startMedia применяет удаленный SDP и запускает поток один раз
func (s *session) startMedia(info *sdpmedia.Info) error {
	if s.media == nil {
		return ErrMediaUnavailable
	}
	if !hasCommonCodec(s.ua.cfg.Codecs, info) {
		return sdpmedia.ErrNoCommonCodec
	}
	if err := s.media.Configure(info); err != nil {
		return err
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrMediaUnavailable
	}
	started := s.mediaStarted
	s.mediaStarted = true
	s.mu.Unlock()
	if !started {
		s.media.Start(s.ctx)
	}
	return nil
}

// response ответ на входящий INVITE с нашим тегом и Contact
func (s *session) response(code int, reason string, body []byte) *sip.Response {
	s.mu.Lock()
	invite, tag := s.invite, s.localTag
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(invite, code, reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		// sipgo ставит случайный тег в каждый ответ, диалог держится на нашем
		to.Params["tag"] = tag
	}
	res.AppendHeader(s.ua.contactHeader())
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		res.AppendHeader(&ct)
	}
	return res
}

// newAck ACK на 2xx ответ INVITE: Request-URI из Contact ответа, To с тегом из ответа,
// From, Call-ID и номер CSeq из INVITE, Route из набора маршрутов диалога
func (s *session) newAck(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := invite.Recipient
	if c := res.Contact(); c != nil {
		recipient = c.Address
	}
	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	s.mu.Lock()
	routes := s.routes
	s.mu.Unlock()
	if len(routes) > 0 {
		for _, r := range routes {
			ack.AppendHeader(&sip.RouteHeader{Address: r})
		}
	} else if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}

	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	ack.AppendHeader(sip.NewHeader("User-Agent", s.ua.cfg.UserAgent))
	s.ua.route(ack)
	return ack
}

// newRequest запрос внутри диалога
func (s *session) newRequest(method sip.RequestMethod) *sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := sip.NewRequest(method, s.remoteTarget)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: s.localDisplay,
		Address:     s.localURI,
		Params:      sip.HeaderParams{"tag": s.localTag},
	})
	to := &sip.ToHeader{Address: s.remoteURI, Params: sip.HeaderParams{}}
	if s.remoteTag != "" {
		to.Params["tag"] = s.remoteTag
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(s.id)
	req.AppendHeader(&callID)
	s.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(s.ua.contactHeader())
	for _, r := range s.routes {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	req.AppendHeader(sip.NewHeader("User-Agent", s.ua.cfg.UserAgent))
	s.ua.route(req)
	return req
}

// syncCSeq учитывает CSeq запроса, повторенного с авторизацией
func (s *session) syncCSeq(sent *sip.Request) {
	if sent == nil {
		return
	}
	if cseq := sent.CSeq(); cseq != nil {
		s.mu.Lock()
		if cseq.SeqNo > s.cseq {
			s.cseq = cseq.SeqNo
		}
		s.mu.Unlock()
	}
}

func (s *session) runInvite(tx clientTx) {
	authorized := false
	for {
		res, err := waitFinal(s.ctx, tx, s.onProvisional)
		tx.Terminate()
		if err != nil {
			s.log.Warn(s.ctx, "INVITE без ответа", logger.Err(err))
			s.finish(&Event{Type: EventFailed, Reason: err.Error()})
			return
		}

		if isChallenge(res) && !authorized && s.ua.cfg.Password != "" {
			authorized = true
			s.mu.Lock()
			invite, cancelled := s.invite, s.cancelled
			s.mu.Unlock()
			if cancelled {
				s.finish(&Event{Type: EventTerminated, Status: int(res.StatusCode), Reason: res.Reason, Cause: CauseCancelled})
				return
			}
			auth, err := s.ua.authorize(invite, res)
			if err != nil {
				s.log.Warn(s.ctx, "авторизация INVITE", logger.Err(err))
				s.finish(&Event{Type: EventFailed, Status: int(res.StatusCode), Reason: res.Reason})
				return
			}
			s.mu.Lock()
			s.invite = auth
			s.mu.Unlock()
			s.syncCSeq(auth)
			tx, err = s.ua.tr.request(s.ctx, auth, sipgo.ClientRequestAddVia)
			if err != nil {
				s.finish(&Event{Type: EventFailed, Reason: err.Error()})
				return
			}
			continue
		}

		if isSuccess(res) {
			s.onAccepted(res)
			return
		}
		s.onFinalFailure(res)
		return
	}
}

func (s *session) onProvisional(res *sip.Response) {
	code := int(res.StatusCode)
	if code == 100 {
		return
	}
	s.transition(evEarly)
	if code == 183 && len(res.Body()) > 0 {
		info, err := sdpmedia.Parse(res.Body())
		if err == nil {
			err = s.startMedia(info)
		}
		if err != nil {
			s.log.Debug(s.ctx, "ранние медиа", logger.Err(err))
		}
	}
	s.emit(Event{Type: EventProgress, Status: code, Reason: res.Reason})
}

func (s *session) onAccepted(res *sip.Response) {
	code := int(res.StatusCode)
	s.mu.Lock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
	}
	if c := res.Contact(); c != nil {
		s.remoteTarget = c.Address
	}
	s.routes = routeSet(res.GetHeaders("Record-Route"), true)
	invite, cancelled := s.invite, s.cancelled
	s.mu.Unlock()

	ack := s.newAck(invite, res)
	if err := s.ua.tr.write(ack); err != nil {
		s.log.Warn(s.ctx, "отправка ACK", logger.Err(err))
	}
	s.transition(evConfirm)

	if cancelled {
		// 2xx пересекся с CANCEL
		if err := s.sendBye(context.Background()); err != nil {
			s.log.Warn(s.ctx, "BYE после отмены", logger.Err(err))
		}
		s.finish(&Event{Type: EventTerminated, Status: code, Reason: res.Reason, Cause: CauseCancelled})
		return
	}

	info, err := sdpmedia.Parse(res.Body())
	if err == nil {
		err = s.startMedia(info)
	}
	if err != nil {
		s.log.Warn(s.ctx, "несовместимый SDP в 2xx", logger.Err(err))
		if err := s.sendBye(context.Background()); err != nil {
			s.log.Warn(s.ctx, "BYE после ошибки медиа", logger.Err(err))
		}
		s.finish(&Event{Type: EventFailed, Status: 488, Reason: "Not Acceptable Here", Cause: CauseMediaFormat})
		return
	}
	s.emit(Event{Type: EventAccepted, Status: code, Reason: res.Reason})
}

func (s *session) onFinalFailure(res *sip.Response) {
	code := int(res.StatusCode)
	ev := Event{Status: code, Reason: res.Reason}
	switch code {
	case 487:
		ev.Type, ev.Cause = EventTerminated, CauseCancelled
	case 486, 600, 603:
		ev.Type = EventRejected
	case 488, 606:
		ev.Type, ev.Cause = EventFailed, CauseMediaFormat
	default:
		ev.Type = EventFailed
	}
	s.log.Info(s.ctx, "INVITE завершен ответом", logger.Int("code", code), logger.String("reason", res.Reason))
	s.finish(&ev)
}

func (s *session) Accept(ctx context.Context) error {
	if s.outgoing {
		return ErrInvalidState
	}
	s.mu.Lock()
	offer := s.offer
	s.mu.Unlock()

	body, err := sdpmedia.Answer(s.sdpConfig(sdpmedia.SendRecv), offer, s.nextVersion())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if !s.transition(evConfirm) {
		return ErrInvalidState
	}
	if err := s.inviteTx.Respond(s.response(200, "OK", body)); err != nil {
		s.finish(&Event{Type: EventTerminated, Reason: err.Error(), Cause: CauseCancelled})
		return fmt.Errorf("ответ 200: %w", err)
	}
	if err := s.startMedia(offer); err != nil {
		s.log.Warn(ctx, "запуск медиа", logger.Err(err))
		if err := s.sendBye(ctx); err != nil {
			s.log.Warn(ctx, "BYE после ошибки медиа", logger.Err(err))
		}
		s.finish(&Event{Type: EventFailed, Status: 488, Reason: "Not Acceptable Here", Cause: CauseMediaFormat})
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.log.Info(ctx, "входящий вызов принят")
	return nil
}

func (s *session) Reject(ctx context.Context, code int, reason string) error {
	if s.outgoing {
		return ErrInvalidState
	}
	if code < 300 || code > 699 {
		return fmt.Errorf("некорректный код отказа %d", code)
	}
	if !s.transition(evCancel) {
		return ErrInvalidState
	}
	err := s.inviteTx.Respond(s.response(code, reason, nil))
	s.finish(nil)
	if err != nil {
		return fmt.Errorf("ответ %d: %w", code, err)
	}
	s.log.Info(ctx, "входящий вызов отклонен", logger.Int("code", code))
	return nil
}

func (s *session) Bye(ctx context.Context) error {
	if s.dialogState() != dialogConfirmed {
		return ErrInvalidState
	}
	err := s.sendBye(ctx)
	s.finish(nil)
	return err
}

func (s *session) sendBye(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.ua.cfg.RequestTimeout)
	defer cancel()
	sent, res, err := s.ua.do(ctx, s.newRequest(sip.BYE))
	s.syncCSeq(sent)
	if err != nil {
		return fmt.Errorf("BYE: %w", err)
	}
	if !isSuccess(res) && res.StatusCode != 481 {
		return fmt.Errorf("BYE: %d %s", int(res.StatusCode), res.Reason)
	}
	return nil
}

func (s *session) Cancel(ctx context.Context) error {
	if !s.outgoing {
		return ErrInvalidState
	}
	switch s.dialogState() {
	case dialogConfirmed, dialogTerminated:
		return ErrInvalidState
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	invite := s.invite
	s.mu.Unlock()

	tx, err := s.ua.tr.request(ctx, newCancel(invite))
	if err != nil {
		return fmt.Errorf("CANCEL: %w", err)
	}
	logger.SafeGo(s.log, "cancel", func() {
		wctx, cancel := context.WithTimeout(context.Background(), s.ua.cfg.RequestTimeout)
		defer cancel()
		if _, err := waitFinal(wctx, tx, nil); err != nil {
			s.log.Debug(wctx, "ответ на CANCEL", logger.Err(err))
		}
		tx.Terminate()
	})
	time.AfterFunc(cancelTimeout, func() {
		if s.dialogState() != dialogTerminated {
			s.finish(&Event{Type: EventTerminated, Reason: "no response to CANCEL", Cause: CauseCancelled})
		}
	})
	s.log.Info(ctx, "исходящий вызов отменен")
	return nil
}

// remoteCancel удаленная сторона отменила INVITE до ответа
func (s *session) remoteCancel() {
	if !s.transition(evCancel) {
		return
	}
	s.log.Info(s.ctx, "вызов отменен вызывающей стороной")
	s.finish(&Event{Type: EventTerminated, Status: 487, Reason: "Request Terminated", Cause: CauseCancelled})
}

func (s *session) remoteBye() {
	if !s.transition(evTerminate) {
		return
	}
	s.log.Info(s.ctx, "удаленная сторона завершила вызов")
	s.finish(&Event{Type: EventBye, Reason: "BYE"})
}

func (s *session) Hold(ctx context.Context) error   { return s.reinvite(ctx, true) }
func (s *session) Unhold(ctx context.Context) error { return s.reinvite(ctx, false) }

// reinvite меняет направление медиа: sendonly на удержании, sendrecv после
func (s *session) reinvite(ctx context.Context, held bool) error {
	if s.dialogState() != dialogConfirmed {
		return ErrInvalidState
	}
	dir := sdpmedia.SendRecv
	if held {
		dir = sdpmedia.SendOnly
	}
	body, err := sdpmedia.Offer(s.sdpConfig(dir), s.nextVersion())
	if err != nil {
		return fmt.Errorf("SDP offer: %w", err)
	}
	req := s.newRequest(sip.INVITE)
	ct := sip.ContentTypeHeader(contentTypeSDP)
	req.AppendHeader(&ct)
	req.SetBody(body)

	ctx, cancel := context.WithTimeout(ctx, s.ua.cfg.RequestTimeout)
	defer cancel()
	sent, res, err := s.ua.do(ctx, req)
	s.syncCSeq(sent)
	if err != nil {
		return fmt.Errorf("re-INVITE: %w", err)
	}
	if !isSuccess(res) {
		return fmt.Errorf("re-INVITE отклонен: %d %s", int(res.StatusCode), res.Reason)
	}
	ack := s.newAck(sent, res)
	if err := s.ua.tr.write(ack); err != nil {
		s.log.Warn(ctx, "ACK на re-INVITE", logger.Err(err))
	}

	if info, err := sdpmedia.Parse(res.Body()); err == nil && s.media != nil {
		if err := s.media.Configure(info); err != nil {
			s.log.Debug(ctx, "обновление медиа", logger.Err(err))
		}
	}
	s.mu.Lock()
	s.held = held
	s.mu.Unlock()
	if s.media != nil {
		s.media.SetHeld(held)
	}
	s.log.Info(ctx, "удержание", logger.Bool("held", held))
	return nil
}

// handleReinvite re-INVITE от удаленной стороны
func (s *session) handleReinvite(req *sip.Request, tx serverTx) {
	ctx := s.ctx
	info, err := sdpmedia.Parse(req.Body())
	if err != nil || s.dialogState() != dialogConfirmed {
		s.ua.reply(req, tx, 488, "Not Acceptable Here")
		return
	}
	s.mu.Lock()
	held := s.held
	s.mu.Unlock()
	dir := sdpmedia.SendRecv
	if held {
		dir = sdpmedia.SendOnly
	}
	body, err := sdpmedia.Answer(s.sdpConfig(dir), info, s.nextVersion())
	if err != nil {
		s.ua.reply(req, tx, 488, "Not Acceptable Here")
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(s.ua.contactHeader())
	ct := sip.ContentTypeHeader(contentTypeSDP)
	res.AppendHeader(&ct)
	if err := tx.Respond(res); err != nil {
		s.log.Warn(ctx, "ответ на re-INVITE", logger.Err(err))
		return
	}
	if s.media != nil {
		if err := s.media.Configure(info); err != nil {
			s.log.Debug(ctx, "обновление медиа", logger.Err(err))
		}
		s.media.SetHeld(held || info.IsHold())
	}
	s.log.Info(ctx, "re-INVITE от удаленной стороны", logger.String("direction", string(info.Direction)))
}

func (s *session) DTMF(ctx context.Context, digit byte, tone, gap time.Duration) error {
	d, err := dtmf.Parse(digit)
	if err != nil {
		return err
	}
	if s.dialogState() != dialogConfirmed {
		return ErrInvalidState
	}
	if tone <= 0 {
		tone = dtmf.ToneDuration
	}
	if gap < 0 {
		gap = 0
	}

	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()
	if s.dtmfLim == nil {
		s.dtmfLim = rate.NewLimiter(rate.Every(tone+gap), 1)
	}
	if err := s.dtmfLim.Wait(ctx); err != nil {
		return err
	}
	if s.media != nil && s.media.SupportsDTMF() {
		return s.media.SendDTMF(ctx, d, tone)
	}
	return s.sendInfo(ctx, d, tone)
}

func (s *session) sendInfo(ctx context.Context, d dtmf.Digit, tone time.Duration) error {
	req := s.newRequest(sip.INFO)
	ct := sip.ContentTypeHeader(dtmf.InfoContentType)
	req.AppendHeader(&ct)
	req.SetBody(dtmf.InfoBody(d, tone))

	ctx, cancel := context.WithTimeout(ctx, s.ua.cfg.RequestTimeout)
	defer cancel()
	sent, res, err := s.ua.do(ctx, req)
	s.syncCSeq(sent)
	if err != nil {
		return fmt.Errorf("INFO: %w", err)
	}
	if !isSuccess(res) {
		return fmt.Errorf("INFO: %d %s", int(res.StatusCode), res.Reason)
	}
	return nil
}
