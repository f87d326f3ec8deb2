package native

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("событие не пришло")
		return Event{}
	}
}

func noEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("неожиданное событие %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// counterValue значение счетчика name с меткой, равной label
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCallKitIncomingFlow(t *testing.T) {
	ctx := context.Background()
	p := newFakeCallKit()
	b := NewCallKitBridge(p, nil, nil)
	defer b.Close()

	token, err := b.ReportIncoming(ctx, "5551234567", "")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, b.ManagesAudioRoute())

	b.PerformAnswer(token)
	ev := nextEvent(t, b.Events())
	assert.Equal(t, EventAnswer, ev.Type)
	assert.Equal(t, token, ev.Token)

	require.NoError(t, b.ReportConnected(ctx, token, false))
	assert.NotContains(t, p.names(), "answer", "звонок уже принят в CallKit")

	b.DidActivateAudio()
	b.DidActivateAudio()
	ev = nextEvent(t, b.Events())
	assert.Equal(t, EventAudioActivated, ev.Type)
	noEvent(t, b.Events())

	b.PerformEnd(token)
	ev = nextEvent(t, b.Events())
	assert.Equal(t, EventHangup, ev.Type, "при активном аудио end это hangup")
}

func TestCallKitEndBeforeAnswerIsDecline(t *testing.T) {
	p := newFakeCallKit()
	b := NewCallKitBridge(p, nil, nil)
	defer b.Close()

	token, err := b.ReportIncoming(context.Background(), "5551234567", "Bob")
	require.NoError(t, err)

	b.PerformEnd(token)
	assert.Equal(t, EventDecline, nextEvent(t, b.Events()).Type)

	b.PerformEnd(token)
	noEvent(t, b.Events())
}

func TestCallKitReportEndedSuppressesEcho(t *testing.T) {
	ctx := context.Background()
	p := newFakeCallKit()
	b := NewCallKitBridge(p, nil, nil)
	defer b.Close()

	token, err := b.ReportOutgoing(ctx, "5551234567")
	require.NoError(t, err)
	require.NoError(t, b.ReportConnecting(ctx, token))
	require.NoError(t, b.ReportConnected(ctx, token, true))
	require.NoError(t, b.ReportEnded(ctx, token))

	// провайдер отвечает end action на наш запрос
	b.PerformEnd(token)
	noEvent(t, b.Events())

	assert.Equal(t, []string{"start5551234567", "connecting", "connected", "end"}, p.names())
	assert.ErrorIs(t, b.ReportEnded(ctx, token), ErrUnknownCall)
}

func TestCallKitIncomingConnectedFromApp(t *testing.T) {
	ctx := context.Background()
	p := newFakeCallKit()
	b := NewCallKitBridge(p, nil, nil)
	defer b.Close()

	token, err := b.ReportIncoming(ctx, "5551234567", "")
	require.NoError(t, err)
	require.NoError(t, b.ReportConnected(ctx, token, false))
	require.NoError(t, b.ReportConnected(ctx, token, false))

	count := 0
	for _, c := range p.names() {
		if c == "answer" {
			count++
		}
	}
	assert.Equal(t, 1, count, "answer action запрашивается один раз")
}

func TestCallKitReset(t *testing.T) {
	p := newFakeCallKit()
	b := NewCallKitBridge(p, nil, nil)
	defer b.Close()

	token, err := b.ReportIncoming(context.Background(), "5551234567", "")
	require.NoError(t, err)
	b.DidReset()

	ev := nextEvent(t, b.Events())
	assert.Equal(t, EventProviderReset, ev.Type)
	assert.Equal(t, token, ev.Token)
	assert.True(t, ev.Terminal())
}

func TestCallKitUnavailableAndErrors(t *testing.T) {
	ctx := context.Background()
	b := NewCallKitBridge(nil, nil, nil)
	_, err := b.ReportIncoming(ctx, "5551234567", "")
	assert.ErrorIs(t, err, ErrNativeUnavailable)

	p := newFakeCallKit()
	p.fail["incoming"] = errors.New("denied")
	b = NewCallKitBridge(p, nil, nil)
	_, err = b.ReportIncoming(ctx, "5551234567", "")
	assert.Error(t, err)
	assert.ErrorIs(t, b.SetMuted(ctx, "x", true), ErrUnknownCall)
}

func TestNotificationBridge(t *testing.T) {
	ctx := context.Background()
	svc := &fakeNotifications{}
	b := NewNotificationBridge(svc, nil, nil)
	defer b.Close()

	assert.False(t, b.ManagesAudioRoute())
	assert.ErrorIs(t, b.HandleAction(ActionAnswer), ErrUnknownCall)

	token, err := b.ReportIncoming(ctx, "5551234567", "")
	require.NoError(t, err)

	require.NoError(t, b.HandleAction("answer"))
	assert.Equal(t, EventAnswer, nextEvent(t, b.Events()).Type)

	require.NoError(t, b.ReportConnecting(ctx, token))
	require.NoError(t, b.ReportConnected(ctx, token, false))
	require.NoError(t, b.SetMuted(ctx, token, true))

	require.NoError(t, b.HandleAction(ActionUnhold))
	ev := nextEvent(t, b.Events())
	assert.Equal(t, EventHold, ev.Type)
	assert.False(t, ev.Value)

	require.NoError(t, b.HandleAction(ActionMute))
	ev = nextEvent(t, b.Events())
	assert.Equal(t, EventMute, ev.Type)
	assert.True(t, ev.Value)

	assert.Error(t, b.HandleAction("FLY"))

	require.NoError(t, b.ReportEnded(ctx, token))
	assert.Equal(t, []string{"show", "cancel", "foreground:connected", "foreground:connected", "cancel", "stop"}, svc.calls)
	require.Len(t, svc.statuses, 2)
	assert.True(t, svc.statuses[1].Muted)
}

func TestUnavailable(t *testing.T) {
	u := NewUnavailable()
	_, err := u.ReportOutgoing(context.Background(), "5551234567")
	assert.ErrorIs(t, err, ErrNativeUnavailable)
	assert.ErrorIs(t, u.ReportEnded(context.Background(), "t"), ErrNativeUnavailable)
	noEvent(t, u.Events())
}

func TestDedupAccept(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	d := NewDedup(newEventSource(), 500*time.Millisecond, nil, m)
	defer d.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

	assert.True(t, d.Accept(Event{Type: EventMute, Token: "a", Value: true, At: at(0)}))
	assert.False(t, d.Accept(Event{Type: EventMute, Token: "a", Value: true, At: at(100)}), "дубль в окне")
	assert.True(t, d.Accept(Event{Type: EventMute, Token: "a", Value: false, At: at(200)}), "другое значение")
	assert.True(t, d.Accept(Event{Type: EventMute, Token: "a", Value: true, At: at(300)}), "сравнивается с последним")
	assert.True(t, d.Accept(Event{Type: EventMute, Token: "b", Value: true, At: at(300)}), "другой токен")
	assert.True(t, d.Accept(Event{Type: EventMute, Token: "a", Value: true, At: at(900)}), "окно прошло")

	assert.True(t, d.Accept(Event{Type: EventHangup, Token: "a", At: at(1000)}))
	assert.False(t, d.Accept(Event{Type: EventProviderReset, Token: "a", At: at(1100)}), "сброс после end отбрасывается")
	assert.False(t, d.Accept(Event{Type: EventAudioActivated, Token: "a", At: at(5000)}))
	assert.True(t, d.Accept(Event{Type: EventProviderReset, Token: "b", At: at(1100)}))

	dropped := counterValue(t, reg, "test_native_events_dropped_total", "after_terminal")
	t.Logf("отброшено после завершения: %v", dropped)
	assert.Equal(t, 2.0, dropped)
	assert.Equal(t, 1.0, counterValue(t, reg, "test_native_events_dropped_total", "duplicate"))
	assert.Equal(t, 5.0, counterValue(t, reg, "test_native_events_total", "mute"))
}

func TestDedupPump(t *testing.T) {
	src := newEventSource()
	d := NewDedup(src, time.Second, nil, nil)

	src.in <- Event{Type: EventAnswer, Token: "a"}
	src.in <- Event{Type: EventAnswer, Token: "a"}
	src.in <- Event{Type: EventDecline, Token: "a"}
	src.in <- Event{Type: EventHangup, Token: "a"}

	assert.Equal(t, EventAnswer, nextEvent(t, d.Events()).Type)
	assert.Equal(t, EventDecline, nextEvent(t, d.Events()).Type)
	noEvent(t, d.Events())

	d.Close()
	select {
	case _, ok := <-d.Events():
		assert.False(t, ok, "канал закрыт после Close")
	case <-time.After(time.Second):
		t.Fatal("канал не закрыт")
	}
}
