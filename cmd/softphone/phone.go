package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/callcore/pkg/audio"
	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/recording"
	"github.com/arzzra/callcore/pkg/sipua"
	"github.com/arzzra/callcore/pkg/storage"
)

// registerWait сколько команды ждут первой регистрации
const registerWait = 15 * time.Second

// console вывод в терминал из нескольких горутин
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// consoleNotifier показывает уведомления звонка в терминале
type consoleNotifier struct {
	con *console
}

func (n consoleNotifier) ShowIncoming(ctx context.Context, id native.Token, number, displayName string) error {
	who := phone.Format(number)
	if displayName != "" {
		who = displayName + " <" + who + ">"
	}
	n.con.printf("Входящий звонок: %s   [a] ответить  [d] отклонить\n", who)
	return nil
}

func (n consoleNotifier) CancelIncoming(ctx context.Context, id native.Token) error {
	return nil
}

func (n consoleNotifier) StartForeground(ctx context.Context, id native.Token, status native.ServiceStatus) error {
	line := fmt.Sprintf("[%s] %s", status.State, phone.Format(status.Number))
	if status.Muted {
		line += " микрофон выключен"
	}
	if status.OnHold {
		line += " на удержании"
	}
	n.con.printf("%s\n", line)
	return nil
}

func (n consoleNotifier) StopForeground(ctx context.Context, id native.Token) error {
	return nil
}

// runtime собранный софтфон: SIP агент, нативный слой, аудио, запись и контроллер
type runtime struct {
	a   *app
	st  *stores
	con *console
	log logger.Logger

	ua        *sipua.UA
	bridge    *native.NotificationBridge
	dedup     *native.Dedup
	ctrl      *call.Controller
	retention *recording.Retention
	metrics   *http.Server

	ended chan call.Ended
	wg    sync.WaitGroup
}

type runtimeOptions struct {
	// record включает запись независимо от настроек
	record bool
}

func (a *app) startRuntime(ctx context.Context, out io.Writer, opts runtimeOptions) (*runtime, error) {
	st, err := a.stores()
	if err != nil {
		return nil, err
	}
	settings, err := st.settings.Load(ctx)
	if err != nil {
		a.log.Warn(ctx, "настройки не загружены", logger.Err(err))
	}

	rt := &runtime{
		a:     a,
		st:    st,
		con:   &console{out: out},
		log:   a.log,
		ended: make(chan call.Ended, 1),
	}

	ac := a.cfg.AgentConfig(a.log)
	if ac.Username == "" && settings.Username != "" {
		ac.Username, ac.Password = settings.Username, settings.Password
	}
	if ac.DisplayName == "" {
		ac.DisplayName = settings.DisplayName
	}
	rt.ua, err = sipua.New(ac)
	if err != nil {
		return nil, err
	}

	var reg prometheus.Registerer
	var registry *prometheus.Registry
	if a.cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg = registry
	}
	ns := a.cfg.Metrics.Namespace

	coord := audio.New(audio.Config{Logger: a.log, Registerer: reg, Namespace: ns})
	capture := recording.NewMixingCapture(st.files, func() recording.TapSource {
		tp, _ := coord.Media().(recording.TapSource)
		return tp
	}, a.log)
	rec := recording.NewController(recording.Config{
		Backend: capture,
		Enabled: func() bool { return opts.record || st.settings.RecordingEnabled() },
		Index:   st.index,
		Files:   st.files,
		Logger:  a.log,

		Registerer: reg,
		Namespace:  ns,
	})

	nm := native.NewMetrics(reg, ns)
	rt.bridge = native.NewNotificationBridge(consoleNotifier{con: rt.con}, a.log, nm)
	rt.dedup = native.NewDedup(rt.bridge, 0, a.log, nm)

	cc := call.Config{
		Signaling: rt.ua,
		Native:    rt.dedup,
		Audio:     coord,
		Recorder:  rec,
		History:   st.history,
		Callbacks: call.Callbacks{
			OnPhase: rt.onPhase,
			OnEnded: rt.onEnded,
		},
		Logger: a.log,
	}
	a.cfg.ApplyCall(&cc)
	cc.Metrics.Registerer = reg
	rt.ctrl, err = call.New(cc)
	if err != nil {
		rt.ua.Close()
		return nil, err
	}

	if maxAge := a.cfg.Retention(); maxAge > 0 {
		rt.retention, err = recording.NewRetention(recording.RetentionConfig{
			MaxAge:  maxAge,
			Spec:    a.cfg.Recordings.Schedule,
			Index:   st.index,
			Files:   st.files,
			History: st.history,
			Logger:  a.log,
		})
		if err != nil {
			rt.ua.Close()
			return nil, err
		}
		rt.retention.Start()
	}

	if registry != nil && a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		rt.metrics = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		rt.goRun("metrics", func() error {
			if err := rt.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	rt.goRun("sip-listen", func() error { return rt.ua.Listen(ctx) })
	rt.goRun("sip-register", func() error { return rt.ua.RunRegistration(ctx) })
	rt.goRun("call-controller", func() error { return rt.ctrl.Run(ctx) })
	return rt, nil
}

// goRun запускает фоновую задачу, ошибки кроме отмены попадают в лог
func (rt *runtime) goRun(name string, fn func() error) {
	rt.wg.Add(1)
	logger.SafeGo(rt.log, name, func() {
		defer rt.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			rt.log.Error(context.Background(), "фоновая задача завершилась", logger.String("task", name), logger.Err(err))
		}
	})
}

func (rt *runtime) onPhase(s call.Snapshot) {
	if s.Phase == call.PhaseIdle || s.Phase == call.PhaseEnded {
		return
	}
	rt.con.printf("%s %s\n", s.Phase, phone.Format(s.PeerNumber))
}

func (rt *runtime) onEnded(e call.Ended) {
	select {
	case rt.ended <- e:
	default:
		rt.log.Warn(context.Background(), "итог звонка не прочитан", logger.String("call_id", e.Snapshot.CallID))
	}
}

// waitRegistered ждет успешной регистрации агента
func (rt *runtime) waitRegistered(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, registerWait)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !rt.ua.Registered() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("регистрация не выполнена за %s: %w", registerWait, call.ErrNotRegistered)
		case <-tick.C:
		}
	}
	return nil
}

func (rt *runtime) printEnded(e call.Ended) {
	msg := fmt.Sprintf("Звонок завершен: %s %s, %s", e.Entry.Outcome, phone.Format(e.Entry.Number), phone.FormatDuration(e.Entry.Duration))
	if e.Entry.Cause != "" {
		msg += ", " + e.Entry.Cause
	}
	if e.Entry.Recording != "" {
		msg += ", запись " + e.Entry.Recording
	}
	rt.con.printf("%s\n", msg)
}

// handleInput выполняет команду с клавиатуры во время звонка
func (rt *runtime) handleInput(ctx context.Context, line string) error {
	switch line {
	case "":
		return nil
	case "a", "answer":
		return rt.ctrl.Answer(ctx)
	case "d", "decline":
		return rt.ctrl.Decline(ctx)
	case "q", "hangup":
		return rt.ctrl.Hangup(ctx)
	case "m", "mute":
		return rt.ctrl.ToggleMute(ctx, nil)
	case "h", "hold":
		return rt.ctrl.ToggleHold(ctx, nil)
	case "s", "status":
		s := rt.ctrl.Snapshot()
		rt.con.printf("%s %s muted=%t hold=%t\n", s.Phase, phone.Format(s.PeerNumber), s.Muted, s.OnHold)
		return nil
	case "?", "help":
		rt.con.printf("a ответить, d отклонить, q положить трубку, m микрофон, h удержание, s состояние, цифры 0-9*# тоны\n")
		return nil
	}
	return rt.ctrl.SendDigits(ctx, line)
}

// close останавливает контроллер и агент. Активный звонок завершается.
func (rt *runtime) close() {
	rt.ctrl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), call.DefaultFinalizeTimeout)
	if err := rt.ctrl.Wait(ctx); err != nil {
		rt.log.Warn(ctx, "звонок не завершен до остановки агента", logger.Err(err))
	}
	cancel()
	if rt.retention != nil {
		rt.retention.Stop()
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.metrics.Shutdown(ctx)
		cancel()
	}
	if err := rt.ua.Close(); err != nil {
		rt.log.Warn(context.Background(), "закрытие SIP агента", logger.Err(err))
	}
	rt.dedup.Close()
	rt.bridge.Close()
}

// readLines читает ввод построчно до EOF
func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			ch <- strings.TrimSpace(sc.Text())
		}
	}()
	return ch
}

func callerIDFromSettings(s storage.Settings) call.CallerIDOptions {
	return call.CallerIDOptions{
		CallerID:     s.CallerID,
		DisplayName:  s.DisplayName,
		HideCallerID: s.HideCallerID,
	}
}
