package sipua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/time/rate"

	"github.com/arzzra/callcore/pkg/dtmf"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/sdpmedia"
)

// clientTx клиентская транзакция. Подмножество sip.ClientTransaction.
type clientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// serverTx серверная транзакция. Подмножество sip.ServerTransaction.
type serverTx interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
}

// transport отправка запросов
type transport interface {
	request(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (clientTx, error)
	write(req *sip.Request) error
}

type sipgoTransport struct {
	client *sipgo.Client
}

func (t sipgoTransport) request(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (clientTx, error) {
	return t.client.TransactionRequest(ctx, req, opts...)
}

func (t sipgoTransport) write(req *sip.Request) error {
	return t.client.WriteRequest(req)
}

// UA SIP агент одного аккаунта
type UA struct {
	cfg Config
	log logger.Logger
	tr  transport

	ua     *sipgo.UserAgent
	server *sipgo.Server

	limiter  *rate.Limiter
	mu       sync.Mutex
	sessions map[string]*session
	incoming chan Session

	regMu     sync.Mutex
	regCallID string
	regTag    string
	regCSeq   uint32

	registered atomic.Bool
	closed     atomic.Bool
}

var _ Signaling = (*UA)(nil)

// New создает агент поверх sipgo. Прием запросов начинается после Listen.
func New(cfg Config) (*UA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.ListenHost),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.ListenHost))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	u := newAgent(cfg, sipgoTransport{client: client})
	u.ua, u.server = ua, server
	u.registerHandlers()
	return u, nil
}

// newAgent собирает агент над готовым транспортом, cfg уже проверен
func newAgent(cfg Config, tr transport) *UA {
	u := &UA{
		cfg:      cfg,
		log:      logger.OrNoOp(cfg.Logger).WithComponent("sipua"),
		tr:       tr,
		sessions: make(map[string]*session),
		incoming: make(chan Session, incomingQueueSize),
	}
	if cfg.IncomingRate > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(cfg.IncomingRate), cfg.IncomingBurst)
	}
	return u
}

func (u *UA) registerHandlers() {
	u.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) { u.handleInvite(req, tx) })
	u.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) { u.handleAck(req) })
	u.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) { u.handleBye(req, tx) })
	u.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) { u.handleCancel(req, tx) })
	u.server.OnInfo(func(req *sip.Request, tx sip.ServerTransaction) { u.handleInfo(req, tx) })
	u.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		u.reply(req, tx, 200, "OK")
	})
}

// Listen принимает входящие запросы до отмены ctx
func (u *UA) Listen(ctx context.Context) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if u.server == nil {
		return errors.New("агент создан без сервера")
	}
	u.log.Info(ctx, "запуск SIP сервера",
		logger.String("transport", u.cfg.Transport),
		logger.String("address", u.cfg.listenAddr()))
	return u.server.ListenAndServe(ctx, u.cfg.Transport, u.cfg.listenAddr())
}

// Registered действует ли регистрация
func (u *UA) Registered() bool {
	return u.registered.Load()
}

// Incoming канал новых входящих сессий. Закрывается в Close.
func (u *UA) Incoming() <-chan Session {
	return u.incoming
}

// Invite начинает исходящий вызов на номер target
func (u *UA) Invite(ctx context.Context, target string, opts InviteOptions) (Session, error) {
	if u.closed.Load() {
		return nil, ErrClosed
	}
	if !u.Registered() {
		return nil, ErrNotRegistered
	}
	if targetUser(target) == "" {
		return nil, fmt.Errorf("пустой номер вызова")
	}
	media, err := u.cfg.NewMedia()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	s := u.newSession(true, media)
	body, err := sdpmedia.Offer(s.sdpConfig(sdpmedia.SendRecv), s.nextVersion())
	if err != nil {
		s.finish(nil)
		return nil, fmt.Errorf("SDP offer: %w", err)
	}
	req := u.newInvite(target, opts, body)
	s.initOutgoing(req, target)

	u.mu.Lock()
	u.sessions[s.id] = s
	u.mu.Unlock()

	tx, err := u.tr.request(s.ctx, req)
	if err != nil {
		s.finish(nil)
		return nil, fmt.Errorf("отправка INVITE: %w", err)
	}
	s.log.Info(ctx, "исходящий INVITE", logger.String("to", req.Recipient.String()))
	logger.SafeGo(s.log, "invite", func() { s.runInvite(tx) })
	return s, nil
}

// Close снимает регистрацию, завершает сессии и останавливает sipgo
func (u *UA) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	if u.registered.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), u.cfg.RequestTimeout)
		if err := u.Unregister(ctx); err != nil {
			u.log.Warn(ctx, "снятие регистрации", logger.Err(err))
		}
		cancel()
	}

	u.mu.Lock()
	sessions := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	close(u.incoming)
	u.mu.Unlock()

	for _, s := range sessions {
		s.finish(&Event{Type: EventTerminated, Reason: "agent closed"})
	}
	if u.ua != nil {
		return u.ua.Close()
	}
	return nil
}

func (u *UA) lookup(req *sip.Request) *session {
	callID := req.CallID()
	if callID == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions[callID.Value()]
}

func (u *UA) forget(id string) {
	u.mu.Lock()
	delete(u.sessions, id)
	u.mu.Unlock()
}

func (u *UA) reply(req *sip.Request, tx serverTx, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		u.log.Debug(context.Background(), "ответ на запрос",
			logger.String("method", req.Method.String()), logger.Int("code", code), logger.Err(err))
	}
}

// do выполняет запрос с одним повтором при digest challenge.
// Возвращает фактически отправленный запрос.
func (u *UA) do(ctx context.Context, req *sip.Request) (*sip.Request, *sip.Response, error) {
	tx, err := u.tr.request(ctx, req)
	if err != nil {
		return req, nil, err
	}
	res, err := waitFinal(ctx, tx, nil)
	tx.Terminate()
	if err != nil || !isChallenge(res) || u.cfg.Password == "" {
		return req, res, err
	}

	auth, err := u.authorize(req, res)
	if err != nil {
		return req, res, err
	}
	tx, err = u.tr.request(ctx, auth, sipgo.ClientRequestAddVia)
	if err != nil {
		return auth, nil, err
	}
	res, err = waitFinal(ctx, tx, nil)
	tx.Terminate()
	return auth, res, err
}

// waitFinal ждет окончательный ответ, предварительные отдает в onProvisional
func waitFinal(ctx context.Context, tx clientTx, onProvisional func(*sip.Response)) (*sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				return nil, errors.New("транзакция закрыта без ответа")
			}
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		case <-tx.Done():
			select {
			case res := <-tx.Responses():
				if res != nil && res.StatusCode >= 200 {
					return res, nil
				}
			default:
			}
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("транзакция завершена без ответа")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (u *UA) handleInvite(req *sip.Request, tx serverTx) {
	ctx := context.Background()
	from, callID := req.From(), req.CallID()
	if from == nil || callID == nil {
		u.reply(req, tx, 400, "Bad Request")
		return
	}
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			if s := u.lookup(req); s != nil {
				s.handleReinvite(req, tx)
				return
			}
			u.reply(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
	}
	if u.closed.Load() {
		u.reply(req, tx, 503, "Service Unavailable")
		return
	}
	if u.limiter != nil && !u.limiter.Allow() {
		u.log.Warn(ctx, "входящие INVITE сверх лимита", logger.String("call_id", callID.Value()))
		u.reply(req, tx, 503, "Service Unavailable")
		return
	}

	offer, err := sdpmedia.Parse(req.Body())
	if err != nil || !hasCommonCodec(u.cfg.Codecs, offer) {
		u.log.Warn(ctx, "входящий INVITE без пригодного SDP", logger.String("call_id", callID.Value()), logger.Err(err))
		u.reply(req, tx, 488, "Not Acceptable Here")
		return
	}
	media, err := u.cfg.NewMedia()
	if err != nil {
		u.log.Error(ctx, "создание медиа", logger.Err(err))
		u.reply(req, tx, 500, "Server Internal Error")
		return
	}

	s := u.newSession(false, media)
	s.initIncoming(req, tx, offer)
	s.transition(evEarly)
	if err := tx.Respond(s.response(180, "Ringing", nil)); err != nil {
		s.log.Warn(ctx, "отправка 180", logger.Err(err))
		s.finish(nil)
		return
	}

	u.mu.Lock()
	delivered := false
	if !u.closed.Load() {
		select {
		case u.incoming <- s:
			u.sessions[s.id] = s
			delivered = true
		default:
		}
	}
	u.mu.Unlock()
	if !delivered {
		s.log.Warn(ctx, "очередь входящих заполнена, отвечаем 486")
		if err := tx.Respond(s.response(486, "Busy Here", nil)); err != nil {
			s.log.Debug(ctx, "отправка 486", logger.Err(err))
		}
		s.finish(nil)
		return
	}

	s.log.Info(ctx, "входящий вызов", logger.String("from", s.remoteNumber))
	logger.SafeGo(s.log, "invite-watch", func() {
		select {
		case <-tx.Done():
			s.remoteCancel()
		case <-s.ctx.Done():
		}
	})
}

func (u *UA) handleAck(req *sip.Request) {
	if s := u.lookup(req); s != nil {
		s.log.Debug(context.Background(), "получен ACK")
	}
}

func (u *UA) handleBye(req *sip.Request, tx serverTx) {
	s := u.lookup(req)
	if s == nil {
		u.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	u.reply(req, tx, 200, "OK")
	s.remoteBye()
}

func (u *UA) handleCancel(req *sip.Request, tx serverTx) {
	s := u.lookup(req)
	if s == nil {
		u.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	u.reply(req, tx, 200, "OK")
	if s.inviteTx != nil && s.dialogState() == dialogEarly {
		if err := s.inviteTx.Respond(s.response(487, "Request Terminated", nil)); err != nil {
			s.log.Debug(context.Background(), "ответ 487", logger.Err(err))
		}
	}
	s.remoteCancel()
}

func (u *UA) handleInfo(req *sip.Request, tx serverTx) {
	s := u.lookup(req)
	if s == nil {
		u.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if ct := req.ContentType(); ct != nil && ct.Value() == dtmf.InfoContentType {
		if d, dur, err := dtmf.ParseInfoBody(req.Body()); err == nil {
			s.log.Debug(context.Background(), "получен DTMF INFO",
				logger.String("digit", d.String()), logger.Duration("duration", dur))
		}
	}
	u.reply(req, tx, 200, "OK")
}

func hasCommonCodec(local []sdpmedia.Codec, info *sdpmedia.Info) bool {
	if info == nil {
		return false
	}
	for _, rc := range info.Codecs {
		for _, lc := range local {
			if strings.EqualFold(rc.Name, lc.Name) {
				return true
			}
		}
	}
	return false
}
