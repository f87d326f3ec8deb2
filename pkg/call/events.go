package call

import (
	"context"
	"errors"
	"time"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/recording"
	"github.com/arzzra/callcore/pkg/sipua"
	"github.com/arzzra/callcore/pkg/storage"
)

// onIncoming новый входящий INVITE. Второй звонок получает 486, текущий не меняется.
func (c *Controller) onIncoming(ss sipua.Session) {
	if c.sess != nil || c.finalizing {
		c.log.Info(context.Background(), "входящий при активном звонке, отвечаем 486",
			logger.String("call_id", ss.ID()), logger.String("from", ss.RemoteNumber()))
		logger.SafeGo(c.log, "reject-busy", func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
			defer cancel()
			if err := ss.Reject(ctx, 486, "Busy Here"); err != nil {
				c.log.Warn(ctx, "отказ второму входящему", logger.Err(err))
			}
		})
		return
	}

	s := c.newSession(Incoming, phone.Sanitize(ss.RemoteNumber()), ss.RemoteDisplayName())
	s.id = ss.ID()
	s.sig = ss
	s.log = s.log.WithCall(s)
	c.fire(s, evRing)
	c.sess = s
	c.metrics.started()
	c.watch(s)

	gen := s.gen
	s.timeout = time.AfterFunc(c.cfg.IncomingTimeout, func() {
		c.post(func() { c.onIncomingTimeout(gen) })
	})
	s.log.Info(s.ctx, "входящий звонок", logger.String("display", s.peerDisplay))
	c.publish()

	number, display, ctx := s.peerNumber, s.peerDisplay, s.ctx
	logger.SafeGo(c.log, "native-incoming", func() {
		token, err := c.native.ReportIncoming(ctx, number, display)
		if err != nil {
			c.nativeFailed(ctx, "ReportIncoming", err)
			return
		}
		c.post(func() { c.setToken(gen, token) })
	})
}

// setToken связывает сессию с нативным звонком. Токен опоздавшей сессии убирается.
func (c *Controller) setToken(gen uint64, token native.Token) {
	s := c.current(gen)
	if s == nil {
		logger.SafeGo(c.log, "native-dismiss-stale", func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
			defer cancel()
			if err := c.native.Dismiss(ctx, token); err != nil {
				c.nativeFailed(ctx, "Dismiss", err)
			}
		})
		return
	}
	s.token = token
	c.publish()

	// ответ прошел до появления токена, нативный интерфейс еще звонит
	if s.answered || (s.direction == Incoming && c.answering) {
		outgoing := s.direction == Outgoing
		if !outgoing {
			c.echo.expect(echoAnswer, true)
		}
		ctx := s.ctx
		logger.SafeGo(c.log, "native-connected-late", func() {
			if err := c.native.ReportConnected(ctx, token, outgoing); err != nil {
				c.nativeFailed(ctx, "ReportConnected", err)
			}
		})
	}
}

// watch переносит события SIP сессии в цикл
func (c *Controller) watch(s *session) {
	ss, gen := s.sig, s.gen
	if ss == nil {
		return
	}
	logger.SafeGo(c.log, "sip-events", func() {
		for ev := range ss.Events() {
			c.post(func() { c.onSignal(gen, ev) })
		}
	})
}

// onSignal gen 0 означает текущую сессию
func (c *Controller) onSignal(gen uint64, ev sipua.Event) {
	s := c.sess
	if s == nil || c.finalizing || (gen != 0 && s.gen != gen) {
		c.log.Debug(context.Background(), "событие сигнализации без звонка", logger.String("event", ev.String()))
		return
	}
	s.log.Debug(s.ctx, "событие сигнализации", logger.String("event", ev.String()))

	switch ev.Type {
	case sipua.EventProgress:
		c.onProgress(s, ev)
	case sipua.EventAccepted:
		if s.direction == Outgoing {
			c.connect(s, true)
		}
	case sipua.EventBye:
		c.terminate(s, "remote bye")
	case sipua.EventRejected:
		s.failed = true
		s.busy = ev.Status == 486 || ev.Status == 600
		s.cause = ev.Reason
		if ev.Cause != "" {
			s.cause = ev.Cause
		}
		c.terminate(s, "remote reject")
	case sipua.EventFailed:
		s.failed = true
		s.cause = ev.Cause
		if s.cause == "" {
			s.cause = ev.Reason
		}
		c.terminate(s, "signaling failure")
	case sipua.EventTerminated:
		if s.direction == Outgoing && ev.Cause == sipua.CauseCancelled {
			s.cancelled = true
		}
		if s.cause == "" {
			s.cause = ev.Cause
		}
		c.terminate(s, "session terminated")
	}
}

func (c *Controller) onProgress(s *session, ev sipua.Event) {
	if s.direction != Outgoing {
		return
	}
	if ev.Status == 183 {
		c.audio.SetEarlyMedia(true)
	}
	if s.current() != PhaseInviting || !c.fire(s, evProgress) {
		return
	}
	c.ringback.Start()
	if token, ctx := s.token, s.ctx; token != "" {
		logger.SafeGo(c.log, "native-connecting", func() {
			if err := c.native.ReportConnecting(ctx, token); err != nil {
				c.nativeFailed(ctx, "ReportConnecting", err)
			}
		})
	}
	c.publish()
}

// connect переход в Connected. Повторный вызов ничего не меняет.
func (c *Controller) connect(s *session, reportNative bool) {
	if !c.fire(s, evConnect) {
		return
	}
	c.ringback.Stop()
	stopTimer(s.timeout)
	if s.connectedAt.IsZero() {
		s.connectedAt = c.cfg.Now()
	}
	s.answered = true
	c.audio.SetEarlyMedia(false)
	if s.sig != nil {
		if media := s.sig.Media(); media != nil {
			c.audio.Bind(media)
		}
	}

	token, ctx, outgoing := s.token, s.ctx, s.direction == Outgoing
	logger.SafeGo(c.log, "connected", func() {
		if reportNative && token != "" {
			if err := c.native.ReportConnected(ctx, token, outgoing); err != nil {
				c.nativeFailed(ctx, "ReportConnected", err)
			}
		}
		if err := c.audio.TryAttachAudio(ctx); err != nil {
			c.log.Warn(ctx, "подключение аудио", logger.Err(err))
		}
	})

	s.log.Info(s.ctx, "звонок соединен")
	c.scheduleRecording(s)
	c.publish()
}

func (c *Controller) scheduleRecording(s *session) {
	if c.rec == nil || !c.rec.Enabled() {
		return
	}
	gen := s.gen
	s.settle = time.AfterFunc(c.cfg.SettleDelay, func() {
		c.post(func() { c.startRecording(gen) })
	})
}

// startRecording запись стартует после подключения аудио
func (c *Controller) startRecording(gen uint64) {
	s := c.current(gen)
	if s == nil || !s.current().Established() || s.recording != nil {
		return
	}
	var attached <-chan struct{}
	if s.sig != nil && s.sig.Media() != nil {
		attached = c.audio.Attached()
	}
	ctx, number := s.ctx, s.peerNumber
	logger.SafeGo(c.log, "recording-start", func() {
		if attached != nil {
			select {
			case <-attached:
			case <-ctx.Done():
				return
			}
		}
		// имя файла и длительность считаются от фактического старта захвата
		h, err := c.rec.Start(ctx, number, c.cfg.Now())
		c.post(func() { c.onRecordingStarted(s, h, err) })
	})
}

func (c *Controller) onRecordingStarted(s *session, h *recording.Handle, err error) {
	if err != nil {
		if errors.Is(err, recording.ErrAlreadyRecording) {
			err = ErrAlreadyRecording.WithCause(err)
		}
		c.log.LogError(context.Background(), err, "запись не начата")
		return
	}
	if h == nil {
		return
	}
	if c.current(s.gen) != s {
		// звонок завершился во время старта, финализатор мог не увидеть запись
		c.finalizers.Add(1)
		logger.SafeGo(c.log, "recording-stop-stale", func() {
			defer c.finalizers.Done()
			c.stopStaleRecording(s, h)
		})
		return
	}
	s.recording = h
	c.publish()
}

// stopStaleRecording останавливает запись, начатую после финализатора,
// и привязывает файл к уже записанной истории звонка
func (c *Controller) stopStaleRecording(s *session, h *recording.Handle) {
	if c.rec.Active() != h {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
	defer cancel()
	res, err := c.rec.Stop(ctx)
	if err != nil {
		c.log.Warn(ctx, "остановка опоздавшей записи", logger.Err(err))
	}
	if res.Filename == "" || c.history == nil {
		return
	}
	select {
	case <-s.finalized:
	case <-ctx.Done():
		c.log.Warn(ctx, "история звонка не записана, запись не привязана", logger.String("file", res.Filename))
		return
	}
	linked, err := c.history.LinkRecording(ctx, res.Filename)
	if err != nil {
		c.log.LogError(ctx, err, "привязка опоздавшей записи", logger.String("file", res.Filename))
		return
	}
	if !linked {
		c.log.Warn(ctx, "последний звонок уже со своей записью", logger.String("file", res.Filename))
	}
}

// end завершает звонок подходящим сигнальным действием.
// asDecline помечает неотвеченный входящий как отклоненный пользователем.
func (c *Controller) end(s *session, reason string, asDecline bool) {
	switch {
	case s.answered:
		s.hangup = byeAction(s.sig)
	case s.direction == Outgoing:
		s.cancelled = !s.failed
		s.hangup = cancelAction(s.sig)
	default:
		s.declinedByUser = asDecline
		s.hangup = rejectAction(s.sig, 486, "Busy Here")
	}
	c.terminate(s, reason)
}

// decline отказ входящему. Флаг отказа ставится до отправки 486.
func (c *Controller) decline(s *session, fromNative bool) {
	s.declinedByUser = true
	stopTimer(s.timeout)
	if !fromNative && s.token != "" {
		c.echo.expect(echoDecline, true)
	}
	s.hangup = rejectAction(s.sig, 486, "Busy Here")
	c.terminate(s, "declined")
}

func (c *Controller) onIncomingTimeout(gen uint64) {
	s := c.current(gen)
	if s == nil || s.current() != PhaseRinging || c.answering {
		return
	}
	s.cause = "timeout"
	s.log.Info(s.ctx, "входящий не принят вовремя", logger.Duration("timeout", c.cfg.IncomingTimeout))
	c.end(s, "incoming timeout", false)
}

type finalizeJob struct {
	s             *session
	entry         storage.HistoryEntry
	hangup        func(context.Context) error
	token         native.Token
	endedByNative bool
	answered      bool
	direction     Direction
	talk          time.Duration
}

// terminate переводит звонок в Terminating и запускает финализатор. Выполняется один раз.
func (c *Controller) terminate(s *session, reason string) {
	if c.finalizing || c.sess != s {
		return
	}
	c.finalizing = true
	c.answering = false
	c.fire(s, evTerminate)
	c.ringback.Stop()
	stopTimer(s.timeout)
	stopTimer(s.settle)

	now := c.cfg.Now()
	job := finalizeJob{
		s:             s,
		entry:         s.classify(now),
		hangup:        s.hangup,
		token:         s.token,
		endedByNative: s.endedByNative,
		answered:      s.answered,
		direction:     s.direction,
	}
	if s.answered {
		job.talk = now.Sub(s.connectedAt)
	}
	s.log.Info(s.ctx, "завершение звонка", logger.String("reason", reason),
		logger.String("outcome", string(job.entry.Outcome)))
	c.publish()
	s.cancel()

	c.finalizers.Add(1)
	logger.SafeGo(c.log, "finalize", func() {
		defer c.finalizers.Done()
		c.finalize(job)
	})
}

// finalize шаги завершения. Ошибка или паника одного шага не отменяет остальные.
func (c *Controller) finalize(job finalizeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
	defer cancel()

	if job.hangup != nil {
		_ = logger.Guard(c.log, "signaling", func() error { return job.hangup(ctx) })
	}
	if c.rec != nil {
		_ = logger.Guard(c.log, "recording", func() error {
			res, err := c.rec.Stop(ctx)
			if res.Filename != "" {
				job.entry.Recording = res.Filename
			}
			return err
		})
	}
	if c.history != nil {
		_ = logger.Guard(c.log, "history", func() error { return c.history.Add(ctx, job.entry) })
	}
	close(job.s.finalized)
	if !job.endedByNative && job.token != "" {
		_ = logger.Guard(c.log, "native", func() error {
			if job.answered || job.direction == Outgoing {
				return c.native.ReportEnded(ctx, job.token)
			}
			return c.native.Dismiss(ctx, job.token)
		})
	}
	c.metrics.finished(job.direction, string(job.entry.Outcome), job.talk)
	c.post(func() { c.completeFinalize(job) })
}

// completeFinalize Ended и возврат в Idle
func (c *Controller) completeFinalize(job finalizeJob) {
	s := job.s
	if c.sess != s {
		return
	}
	c.fire(s, evEnd)
	snap := s.snapshot()
	snap.Recording = job.entry.Recording

	c.sess = nil
	_ = logger.Guard(c.log, "audio", func() error {
		c.audio.Reset()
		return nil
	})
	c.echo.reset()
	c.answering = false
	c.holding = false
	c.finalizing = false

	s.log.Info(context.Background(), "звонок завершен",
		logger.String("outcome", string(job.entry.Outcome)), logger.Int("duration", job.entry.Duration))
	c.setSnapshot(snap)
	if cb := c.cfg.Callbacks.OnEnded; cb != nil {
		cb(Ended{Snapshot: snap, Entry: job.entry})
	}
	c.publish()
}

// onNative событие нативного слоя
func (c *Controller) onNative(ev native.Event) {
	switch ev.Type {
	case native.EventAudioActivated:
		c.audio.OnNativeAudioActivated()
		return
	case native.EventAudioDeactivated:
		c.audio.OnNativeAudioDeactivated()
		return
	}

	s := c.sess
	if s == nil || c.finalizing {
		c.log.Debug(context.Background(), "нативное событие без звонка", logger.String("event", ev.String()))
		return
	}
	if ev.Token != "" && s.token != "" && ev.Token != s.token {
		s.log.Debug(s.ctx, "нативное событие другого звонка", logger.String("event", ev.String()))
		return
	}
	s.log.Debug(s.ctx, "нативное событие", logger.String("event", ev.String()))

	switch ev.Type {
	case native.EventAnswer:
		if c.echo.consume(echoAnswer, true) {
			return
		}
		job, err := c.beginAnswer(true)
		if err != nil || job.s == nil {
			return
		}
		logger.SafeGo(c.log, "native-answer", func() {
			if err := c.runAnswer(job); err != nil {
				c.log.Warn(context.Background(), "ответ из нативного интерфейса", logger.Err(err))
			}
		})
	case native.EventDecline:
		if c.echo.consume(echoDecline, true) {
			return
		}
		s.endedByNative = true
		if s.direction == Incoming && !s.answered {
			c.decline(s, true)
			return
		}
		c.end(s, "native decline", true)
	case native.EventHangup:
		s.endedByNative = true
		c.end(s, "native hangup", true)
	case native.EventProviderReset:
		s.endedByNative = true
		c.end(s, "provider reset", false)
	case native.EventMute:
		if c.echo.consume(echoMute, ev.Value) {
			return
		}
		v := ev.Value
		c.applyMute(&v, true)
	case native.EventHold:
		if c.echo.consume(echoHold, ev.Value) {
			return
		}
		v, ctx := ev.Value, s.ctx
		logger.SafeGo(c.log, "native-hold", func() {
			if err := c.setHold(ctx, &v, true); err != nil {
				c.log.Warn(ctx, "удержание из нативного интерфейса", logger.Err(err))
			}
		})
	case native.EventDTMF:
		digits, ctx := ev.Digits, s.ctx
		logger.SafeGo(c.log, "native-dtmf", func() {
			if err := c.SendDigits(ctx, digits); err != nil {
				c.log.Warn(ctx, "DTMF из нативного интерфейса", logger.Err(err))
			}
		})
	}
}
