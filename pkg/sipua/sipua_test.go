package sipua

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/sdpmedia"
)

const g729Offer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 18\r\n" +
	"a=rtpmap:18 G729/8000\r\n"

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Username:       "5550001111",
		Password:       "secret",
		DisplayName:    "Alice",
		Domain:         "sip.example.com",
		ListenHost:     "127.0.0.1",
		ListenPort:     5060,
		RequestTimeout: time.Second,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestAgent(t *testing.T, cfg Config) (*UA, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	u := newAgent(cfg, tr)
	t.Cleanup(func() {
		u.registered.Store(false)
		u.Close()
	})
	return u, tr
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "канал событий закрыт")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("событие не пришло")
	}
	return Event{}
}

func waitClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("канал событий не закрыт")
		}
	}
}

// answerFor SDP answer удаленной стороны на offer из запроса
func answerFor(t *testing.T, req *sip.Request) []byte {
	t.Helper()
	offer, err := sdpmedia.Parse(req.Body())
	require.NoError(t, err)
	body, err := sdpmedia.Answer(sdpmedia.Config{Host: "127.0.0.1", Port: 40000}, offer, 1)
	require.NoError(t, err)
	return body
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Username: "5550001111", Domain: "sip.example.com"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sip.example.com:5060", cfg.Server)
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, DefaultExpiry, cfg.Expiry)
	assert.Equal(t, "5550001111", cfg.AuthUser)
	assert.NotNil(t, cfg.NewMedia)

	cfg = Config{Username: "u", Domain: "d", Server: "proxy.example.com"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "proxy.example.com:5060", cfg.Server)

	assert.Error(t, (&Config{Domain: "d"}).Validate())
	assert.Error(t, (&Config{Username: "u", Domain: "d", Transport: "sctp"}).Validate())
}

func TestIdentityHeaders(t *testing.T) {
	cfg := testConfig(t)

	hdrs := identityHeaders(&cfg, InviteOptions{CallerID: "(555) 234-5678"})
	require.Len(t, hdrs, 3)
	assert.Equal(t, headerPAI, hdrs[0].Name())
	assert.Equal(t, `"Alice" <sip:+15552345678@sip.example.com>`, hdrs[0].Value())
	assert.Equal(t, hdrs[0].Value(), hdrs[1].Value(), "PPI совпадает с PAI")
	assert.Equal(t, "none", hdrs[2].Value())

	t.Logf("невалидный caller ID заменяется логином аккаунта")
	hdrs = identityHeaders(&cfg, InviteOptions{CallerID: "1234", DisplayName: "Desk", HideCallerID: true})
	assert.Equal(t, `"Desk" <sip:5550001111@sip.example.com>`, hdrs[0].Value())
	assert.Equal(t, "id", hdrs[2].Value())
}

func TestNewCancel(t *testing.T) {
	u, _ := newTestAgent(t, testConfig(t))
	invite := u.newInvite("5552345678", InviteOptions{}, []byte("v=0\r\n"))
	invite.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "127.0.0.1", Port: 5060, Params: sip.NewParams().Add("branch", "z9hG4bK-1"),
	})

	cancel := newCancel(invite)
	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, invite.Recipient.String(), cancel.Recipient.String())
	assert.Equal(t, invite.CallID().Value(), cancel.CallID().Value())
	assert.Equal(t, uint32(1), cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	branch, _ := cancel.Via().Params.Get("branch")
	assert.Equal(t, "z9hG4bK-1", branch, "ветка Via совпадает с INVITE")
	assert.Equal(t, "sip.example.com:5060", cancel.Destination())
}

func TestRouteSet(t *testing.T) {
	hdrs := []sip.Header{
		sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>, <sip:p2.example.com;lr>"),
		sip.NewHeader("Record-Route", "<sip:p3.example.com;lr>"),
	}
	routes := routeSet(hdrs, false)
	require.Len(t, routes, 3)
	assert.Equal(t, "p1.example.com", routes[0].Host)

	routes = routeSet(hdrs, true)
	require.Len(t, routes, 3)
	assert.Equal(t, "p3.example.com", routes[0].Host)
	assert.Equal(t, "p1.example.com", routes[2].Host)
}

func TestRegisterWithDigest(t *testing.T) {
	ctx := context.Background()
	u, tr := newTestAgent(t, testConfig(t))
	tr.handler = func(req *sip.Request, tx *fakeTx) {
		if req.Method != sip.REGISTER {
			return
		}
		if req.GetHeader("Authorization") == nil {
			res := respondTo(req, 401, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`))
			tx.responses <- res
			return
		}
		res := respondTo(req, 200, "OK", nil)
		exp := sip.ExpiresHeader(120)
		res.AppendHeader(&exp)
		tx.responses <- res
	}

	assert.False(t, u.Registered())
	granted, err := u.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, granted)
	assert.True(t, u.Registered())

	regs := tr.byMethod(sip.REGISTER)
	require.Len(t, regs, 2)
	t.Logf("первый REGISTER без авторизации, второй с digest и CSeq+1")
	assert.Nil(t, regs[0].GetHeader("Authorization"))
	assert.True(t, strings.HasPrefix(headerValue(regs[1], "Authorization"), "Digest "))
	assert.Contains(t, headerValue(regs[1], "Authorization"), `username="5550001111"`)
	assert.Equal(t, regs[0].CallID().Value(), regs[1].CallID().Value())
	assert.Equal(t, regs[0].CSeq().SeqNo+1, regs[1].CSeq().SeqNo)
	assert.Equal(t, "180", headerValue(regs[0], "Expires"))

	require.NoError(t, u.Unregister(ctx))
	assert.False(t, u.Registered())
	regs = tr.byMethod(sip.REGISTER)
	last := regs[len(regs)-1]
	assert.Equal(t, "0", headerValue(last, "Expires"))
	assert.Greater(t, last.CSeq().SeqNo, regs[1].CSeq().SeqNo, "CSeq растет в пределах Call-ID")
}

func TestRegisterRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Password = ""
	u, tr := newTestAgent(t, cfg)
	tr.handler = func(req *sip.Request, tx *fakeTx) { tx.reply(403, "Forbidden", nil) }

	_, err := u.Register(context.Background())
	assert.Error(t, err)
	assert.False(t, u.Registered())
}

func TestInviteRequiresRegistration(t *testing.T) {
	u, _ := newTestAgent(t, testConfig(t))
	_, err := u.Invite(context.Background(), "5552345678", InviteOptions{})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

// outgoingCall поднимает исходящую сессию и возвращает ее вместе с транзакцией INVITE
func outgoingCall(t *testing.T, u *UA, tr *fakeTransport) (Session, *fakeTx) {
	t.Helper()
	invites := make(chan *fakeTx, 1)
	tr.handler = func(req *sip.Request, tx *fakeTx) {
		switch req.Method {
		case sip.INVITE:
			if tag, ok := req.To().Params.Get("tag"); ok && tag != "" {
				tx.reply(200, "OK", answerFor(t, req))
				return
			}
			invites <- tx
		case sip.BYE, sip.INFO, sip.CANCEL:
			tx.reply(200, "OK", nil)
		}
	}
	u.registered.Store(true)

	sess, err := u.Invite(context.Background(), "(555) 234-5678", InviteOptions{CallerID: "5552345678"})
	require.NoError(t, err)
	select {
	case tx := <-invites:
		return sess, tx
	case <-time.After(time.Second):
		t.Fatal("INVITE не отправлен")
	}
	return nil, nil
}

func TestOutgoingCallFlow(t *testing.T) {
	ctx := context.Background()
	u, tr := newTestAgent(t, testConfig(t))
	sess, inviteTx := outgoingCall(t, u, tr)

	invite := inviteTx.req
	assert.Equal(t, "5552345678", invite.Recipient.User)
	assert.Equal(t, `"Alice" <sip:+15552345678@sip.example.com>`, headerValue(invite, headerPAI))
	assert.Equal(t, "none", headerValue(invite, headerPrivacy))
	assert.Equal(t, sess.ID(), invite.CallID().Value())
	assert.Equal(t, "5552345678", sess.RemoteNumber())

	inviteTx.reply(180, "Ringing", nil)
	ev := nextEvent(t, sess.Events())
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, 180, ev.Status)

	inviteTx.reply(200, "OK", answerFor(t, invite))
	ev = nextEvent(t, sess.Events())
	assert.Equal(t, EventAccepted, ev.Type)
	acks := tr.byMethod(sip.ACK)
	require.Len(t, acks, 1, "2xx подтвержден ACK")
	ack := acks[0]
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo, "номер CSeq из INVITE")
	assert.Equal(t, "10.0.0.2", ack.Recipient.Host, "Request-URI из Contact ответа")
	assert.Equal(t, invite.CallID().Value(), ack.CallID().Value())
	ackTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "remote-tag", ackTag)
	fromTag, _ := ack.From().Params.Get("tag")
	inviteTag, _ := invite.From().Params.Get("tag")
	assert.Equal(t, inviteTag, fromTag)
	assert.NotNil(t, sess.Media())

	t.Logf("удержание через re-INVITE с a=sendonly")
	require.NoError(t, sess.Hold(ctx))
	reinvites := tr.byMethod(sip.INVITE)
	require.Len(t, reinvites, 2)
	assert.Contains(t, string(reinvites[1].Body()), "a=sendonly")
	assert.Equal(t, uint32(2), reinvites[1].CSeq().SeqNo)
	assert.Equal(t, "10.0.0.2", reinvites[1].Recipient.Host, "Request-URI из Contact ответа")
	tag, _ := reinvites[1].To().Params.Get("tag")
	assert.Equal(t, "remote-tag", tag)

	require.NoError(t, sess.Unhold(ctx))
	reinvites = tr.byMethod(sip.INVITE)
	assert.Contains(t, string(reinvites[2].Body()), "a=sendrecv")

	t.Logf("без telephone-event DTMF уходит через SIP INFO с паузой между тонами")
	start := time.Now()
	require.NoError(t, sess.DTMF(ctx, '5', 50*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, sess.DTMF(ctx, '#', 50*time.Millisecond, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	infos := tr.byMethod(sip.INFO)
	require.Len(t, infos, 2)
	assert.Equal(t, "Signal=5\r\nDuration=50\r\n", string(infos[0].Body()))
	assert.Equal(t, "application/dtmf-relay", headerValue(infos[0], "Content-Type"))
	assert.Error(t, sess.DTMF(ctx, 'x', 0, 0))

	require.NoError(t, sess.Bye(ctx))
	require.Len(t, tr.byMethod(sip.BYE), 1)
	waitClosed(t, sess.Events())
	assert.ErrorIs(t, sess.Hold(ctx), ErrInvalidState)
}

func TestOutgoingCallRejected(t *testing.T) {
	u, tr := newTestAgent(t, testConfig(t))
	sess, inviteTx := outgoingCall(t, u, tr)

	inviteTx.reply(486, "Busy Here", nil)
	ev := nextEvent(t, sess.Events())
	assert.Equal(t, EventRejected, ev.Type)
	assert.Equal(t, 486, ev.Status)
	assert.True(t, ev.Terminal())
	waitClosed(t, sess.Events())
}

func TestOutgoingCallMediaIncompatible(t *testing.T) {
	u, tr := newTestAgent(t, testConfig(t))
	sess, inviteTx := outgoingCall(t, u, tr)

	inviteTx.reply(200, "OK", []byte(g729Offer))
	ev := nextEvent(t, sess.Events())
	assert.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, 488, ev.Status)
	assert.Equal(t, CauseMediaFormat, ev.Cause)
	assert.Len(t, tr.byMethod(sip.ACK), 1)
	assert.Len(t, tr.byMethod(sip.BYE), 1, "диалог закрыт BYE")
}

func TestOutgoingCallCancel(t *testing.T) {
	ctx := context.Background()
	u, tr := newTestAgent(t, testConfig(t))
	sess, inviteTx := outgoingCall(t, u, tr)

	inviteTx.reply(180, "Ringing", nil)
	assert.Equal(t, EventProgress, nextEvent(t, sess.Events()).Type)

	require.NoError(t, sess.Cancel(ctx))
	require.NoError(t, sess.Cancel(ctx), "повторная отмена ничего не делает")
	cancels := tr.byMethod(sip.CANCEL)
	require.Len(t, cancels, 1)
	assert.Equal(t, sip.CANCEL, cancels[0].CSeq().MethodName)

	inviteTx.reply(487, "Request Terminated", nil)
	ev := nextEvent(t, sess.Events())
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, CauseCancelled, ev.Cause)
	waitClosed(t, sess.Events())
}

func TestOutgoingCallDigestRetry(t *testing.T) {
	u, tr := newTestAgent(t, testConfig(t))
	sess, inviteTx := outgoingCall(t, u, tr)

	invites := make(chan *fakeTx, 1)
	tr.mu.Lock()
	tr.handler = func(req *sip.Request, tx *fakeTx) {
		if req.Method == sip.INVITE {
			invites <- tx
		}
	}
	tr.mu.Unlock()

	res := respondTo(inviteTx.req, 407, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="sip.example.com", nonce="n1", algorithm=MD5`))
	inviteTx.responses <- res

	var authTx *fakeTx
	select {
	case authTx = <-invites:
	case <-time.After(time.Second):
		t.Fatal("INVITE с авторизацией не отправлен")
	}
	assert.NotEmpty(t, headerValue(authTx.req, "Proxy-Authorization"))
	assert.Equal(t, uint32(2), authTx.req.CSeq().SeqNo)
	t.Logf("повторный INVITE несет тот же SDP offer")
	require.NotEmpty(t, inviteTx.req.Body())
	assert.Equal(t, string(inviteTx.req.Body()), string(authTx.req.Body()))
	require.NotNil(t, authTx.req.ContentLength())
	assert.Equal(t, len(authTx.req.Body()), int(*authTx.req.ContentLength()))

	authTx.reply(200, "OK", answerFor(t, authTx.req))
	assert.Equal(t, EventAccepted, nextEvent(t, sess.Events()).Type)
}

func incomingInvite(t *testing.T, callID string, body []byte) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "5550001111", Host: "127.0.0.1", Port: 5060})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "10.0.0.2", Port: 5060, Params: sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Bob",
		Address:     sip.Uri{Scheme: "sip", User: "5552345678", Host: "sip.example.com"},
		Params:      sip.NewParams().Add("tag", "caller-tag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "5550001111", Host: "sip.example.com"}, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "5552345678", Host: "10.0.0.2", Port: 5060}})
	req.SetBody(body)
	return req
}

func inDialogRequest(t *testing.T, method sip.RequestMethod, callID string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "5550001111", Host: "127.0.0.1", Port: 5060})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "5552345678", Host: "sip.example.com"},
		Params:  sip.NewParams().Add("tag", "caller-tag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "5550001111", Host: "sip.example.com"}, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: method})
	return req
}

func offerBody(t *testing.T) []byte {
	t.Helper()
	body, err := sdpmedia.Offer(sdpmedia.Config{Host: "127.0.0.1", Port: 40002, TelephoneEvent: 101}, 1)
	require.NoError(t, err)
	return body
}

func receive(t *testing.T, u *UA) Session {
	t.Helper()
	select {
	case s := <-u.Incoming():
		return s
	case <-time.After(time.Second):
		t.Fatal("входящая сессия не доставлена")
	}
	return nil
}

func TestIncomingCallFlow(t *testing.T) {
	ctx := context.Background()
	u, tr := newTestAgent(t, testConfig(t))
	tr.handler = func(req *sip.Request, tx *fakeTx) { tx.reply(200, "OK", nil) }

	stx := newFakeServerTx()
	u.handleInvite(incomingInvite(t, "in-1", offerBody(t)), stx)
	require.Equal(t, []int{180}, stx.codes())
	ringing := stx.last()
	tag, ok := ringing.To().Params.Get("tag")
	assert.True(t, ok)
	assert.NotEmpty(t, tag)
	dialog := u.lookup(incomingInvite(t, "in-1", nil))
	require.NotNil(t, dialog)
	assert.Equal(t, dialog.localTag, tag, "тег To из диалога, а не случайный тег sipgo")

	sess := receive(t, u)
	assert.Equal(t, "in-1", sess.ID())
	assert.Equal(t, "5552345678", sess.RemoteNumber())
	assert.Equal(t, "Bob", sess.RemoteDisplayName())
	assert.ErrorIs(t, sess.Cancel(ctx), ErrInvalidState, "CANCEL только для исходящих")

	require.NoError(t, sess.Accept(ctx))
	require.Equal(t, []int{180, 200}, stx.codes())
	ok200 := stx.last()
	assert.Contains(t, string(ok200.Body()), "m=audio")
	assert.Contains(t, string(ok200.Body()), "telephone-event")
	okTag, _ := ok200.To().Params.Get("tag")
	assert.Equal(t, tag, okTag, "тег To одинаков в 180 и 200")
	assert.ErrorIs(t, sess.Accept(ctx), ErrInvalidState)

	t.Logf("удаленная сторона кладет трубку")
	btx := newFakeServerTx()
	u.handleBye(inDialogRequest(t, sip.BYE, "in-1"), btx)
	assert.Equal(t, []int{200}, btx.codes())
	ev := nextEvent(t, sess.Events())
	assert.Equal(t, EventBye, ev.Type)
	waitClosed(t, sess.Events())

	btx = newFakeServerTx()
	u.handleBye(inDialogRequest(t, sip.BYE, "in-1"), btx)
	assert.Equal(t, []int{481}, btx.codes(), "диалог уже закрыт")
}

func TestIncomingCallLocalBye(t *testing.T) {
	ctx := context.Background()
	u, tr := newTestAgent(t, testConfig(t))
	tr.handler = func(req *sip.Request, tx *fakeTx) { tx.reply(200, "OK", nil) }

	u.handleInvite(incomingInvite(t, "in-bye", offerBody(t)), newFakeServerTx())
	sess := receive(t, u)
	require.NoError(t, sess.Accept(ctx))
	require.NoError(t, sess.Bye(ctx))

	byes := tr.byMethod(sip.BYE)
	require.Len(t, byes, 1)
	assert.Equal(t, "10.0.0.2", byes[0].Recipient.Host, "BYE на Contact вызывающего")
	fromTag, _ := byes[0].From().Params.Get("tag")
	toTag, _ := byes[0].To().Params.Get("tag")
	assert.NotEmpty(t, fromTag)
	assert.Equal(t, "caller-tag", toTag)
	waitClosed(t, sess.Events())
}

func TestIncomingCallCancelledByCaller(t *testing.T) {
	u, _ := newTestAgent(t, testConfig(t))
	stx := newFakeServerTx()
	u.handleInvite(incomingInvite(t, "in-2", offerBody(t)), stx)
	sess := receive(t, u)

	cancelTx := newFakeServerTx()
	u.handleCancel(inDialogRequest(t, sip.CANCEL, "in-2"), cancelTx)
	assert.Equal(t, []int{200}, cancelTx.codes())
	assert.Equal(t, []int{180, 487}, stx.codes())

	ev := nextEvent(t, sess.Events())
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, 487, ev.Status)
	assert.Equal(t, CauseCancelled, ev.Cause)
	waitClosed(t, sess.Events())
	assert.ErrorIs(t, sess.Accept(context.Background()), ErrInvalidState)
}

func TestIncomingCallReject(t *testing.T) {
	u, _ := newTestAgent(t, testConfig(t))
	stx := newFakeServerTx()
	u.handleInvite(incomingInvite(t, "in-3", offerBody(t)), stx)
	sess := receive(t, u)

	require.NoError(t, sess.Reject(context.Background(), 486, "Busy Here"))
	assert.Equal(t, []int{180, 486}, stx.codes())
	waitClosed(t, sess.Events())
	assert.ErrorIs(t, sess.Reject(context.Background(), 486, "Busy Here"), ErrInvalidState)
}

func TestIncomingWithoutCommonCodec(t *testing.T) {
	u, _ := newTestAgent(t, testConfig(t))
	stx := newFakeServerTx()
	u.handleInvite(incomingInvite(t, "in-4", []byte(g729Offer)), stx)
	assert.Equal(t, []int{488}, stx.codes())
	select {
	case <-u.Incoming():
		t.Fatal("сессия без общего кодека не должна доставляться")
	default:
	}
}

func TestIncomingRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.IncomingRate = 0.001
	cfg.IncomingBurst = 1
	u, _ := newTestAgent(t, cfg)

	first := newFakeServerTx()
	u.handleInvite(incomingInvite(t, "flood-1", offerBody(t)), first)
	second := newFakeServerTx()
	u.handleInvite(incomingInvite(t, "flood-2", offerBody(t)), second)

	assert.Equal(t, []int{180}, first.codes())
	assert.Equal(t, []int{503}, second.codes())
}

func TestUnknownDialogRequests(t *testing.T) {
	u, _ := newTestAgent(t, testConfig(t))

	btx := newFakeServerTx()
	u.handleBye(inDialogRequest(t, sip.BYE, "missing"), btx)
	assert.Equal(t, []int{481}, btx.codes())

	itx := newFakeServerTx()
	u.handleInfo(inDialogRequest(t, sip.INFO, "missing"), itx)
	assert.Equal(t, []int{481}, itx.codes())
}
