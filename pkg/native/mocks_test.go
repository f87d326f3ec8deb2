package native

import (
	"context"
	"fmt"
	"sync"
)

// fakeCallKit записывает вызовы провайдера
type fakeCallKit struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newFakeCallKit() *fakeCallKit {
	return &fakeCallKit{fail: map[string]error{}}
}

func (f *fakeCallKit) record(name string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+fmt.Sprint(args...))
	return f.fail[name]
}

func (f *fakeCallKit) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCallKit) ReportNewIncomingCall(_ context.Context, _ Token, handle, name string) error {
	return f.record("incoming", handle, "/", name)
}
func (f *fakeCallKit) RequestStartCall(_ context.Context, _ Token, handle string) error {
	return f.record("start", handle)
}
func (f *fakeCallKit) ReportOutgoingConnecting(context.Context, Token) error {
	return f.record("connecting")
}
func (f *fakeCallKit) ReportOutgoingConnected(context.Context, Token) error {
	return f.record("connected")
}
func (f *fakeCallKit) RequestAnswer(context.Context, Token) error { return f.record("answer") }
func (f *fakeCallKit) RequestEnd(context.Context, Token) error    { return f.record("end") }
func (f *fakeCallKit) RequestSetMuted(_ context.Context, _ Token, m bool) error {
	return f.record("muted", m)
}
func (f *fakeCallKit) RequestSetHeld(_ context.Context, _ Token, h bool) error {
	return f.record("held", h)
}

// fakeNotifications записывает вызовы сервиса уведомлений
type fakeNotifications struct {
	mu       sync.Mutex
	calls    []string
	statuses []ServiceStatus
}

func (f *fakeNotifications) add(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeNotifications) ShowIncoming(context.Context, Token, string, string) error {
	f.add("show")
	return nil
}
func (f *fakeNotifications) CancelIncoming(context.Context, Token) error {
	f.add("cancel")
	return nil
}
func (f *fakeNotifications) StartForeground(_ context.Context, _ Token, st ServiceStatus) error {
	f.mu.Lock()
	f.calls = append(f.calls, "foreground:"+string(st.State))
	f.statuses = append(f.statuses, st)
	f.mu.Unlock()
	return nil
}
func (f *fakeNotifications) StopForeground(context.Context, Token) error {
	f.add("stop")
	return nil
}

// eventSource управляемый источник событий для Dedup
type eventSource struct {
	Unavailable
	in chan Event
}

func newEventSource() *eventSource {
	return &eventSource{in: make(chan Event, 16)}
}

func (s *eventSource) Events() <-chan Event { return s.in }
