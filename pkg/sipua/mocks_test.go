package sipua

import (
	"context"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// fakeTx клиентская транзакция, ответы кладет тест
type fakeTx struct {
	req       *sip.Request
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newFakeTx(req *sip.Request) *fakeTx {
	return &fakeTx{req: req, responses: make(chan *sip.Response, 8), done: make(chan struct{})}
}

func (t *fakeTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeTx) Done() <-chan struct{}           { return t.done }
func (t *fakeTx) Err() error                      { return nil }
func (t *fakeTx) Terminate()                      { t.once.Do(func() { close(t.done) }) }

func (t *fakeTx) reply(code int, reason string, body []byte) *sip.Response {
	res := respondTo(t.req, code, reason, body)
	t.responses <- res
	return res
}

// respondTo ответ с тегом удаленной стороны и Contact
func respondTo(req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params["tag"] = "remote-tag"
	}
	if code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "peer", Host: "10.0.0.2", Port: 5060}})
	}
	return res
}

// fakeTransport записывает запросы и отдает их обработчику теста
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*sip.Request
	written []*sip.Request
	handler func(req *sip.Request, tx *fakeTx)
}

func (f *fakeTransport) request(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (clientTx, error) {
	if req.Via() == nil {
		req.AppendHeader(&sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            "127.0.0.1",
			Port:            5060,
			Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
		})
	}
	tx := newFakeTx(req)
	f.mu.Lock()
	f.sent = append(f.sent, req)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(req, tx)
	}
	return tx, nil
}

func (f *fakeTransport) write(req *sip.Request) error {
	f.mu.Lock()
	f.written = append(f.written, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) byMethod(m sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, r := range f.sent {
		if r.Method == m {
			out = append(out, r)
		}
	}
	for _, r := range f.written {
		if r.Method == m {
			out = append(out, r)
		}
	}
	return out
}

// fakeServerTx серверная транзакция входящего запроса
type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	once      sync.Once
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (t *fakeServerTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	t.responses = append(t.responses, res)
	t.mu.Unlock()
	if res.StatusCode >= 200 {
		t.once.Do(func() { close(t.done) })
	}
	return nil
}

func (t *fakeServerTx) Done() <-chan struct{} { return t.done }

func (t *fakeServerTx) codes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.responses))
	for _, r := range t.responses {
		out = append(out, int(r.StatusCode))
	}
	return out
}

func (t *fakeServerTx) last() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}
