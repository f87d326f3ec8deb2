package call

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/arzzra/callcore/pkg/dtmf"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/sipua"
)

// CallerIDOptions подмена номера звонящего для исходящего вызова
type CallerIDOptions struct {
	// CallerID 10-значный номер NANP, пустой означает логин аккаунта
	CallerID     string
	DisplayName  string
	HideCallerID bool
}

// PlaceOutgoingCall начинает исходящий звонок
func (c *Controller) PlaceOutgoingCall(ctx context.Context, number string, opts CallerIDOptions) error {
	digits := phone.Sanitize(number)
	if digits == "" {
		return ErrInvalidNumber.WithField("number", number)
	}
	if opts.CallerID != "" && !phone.ValidNANP(opts.CallerID) {
		return ErrInvalidNumber.WithField("caller_id", opts.CallerID)
	}
	if !c.sig.Registered() {
		return ErrNotRegistered
	}

	var s *session
	err := c.do(ctx, func() error {
		if c.sess != nil || c.finalizing {
			return ErrBusyLocal
		}
		s = c.newSession(Outgoing, digits, "")
		c.fire(s, evInvite)
		c.sess = s
		c.metrics.started()
		s.log.Info(ctx, "исходящий звонок")
		c.publish()
		return nil
	})
	if err != nil {
		return err
	}
	gen := s.gen

	token, err := c.native.ReportOutgoing(ctx, digits)
	if err != nil {
		c.nativeFailed(ctx, "ReportOutgoing", err)
	} else {
		c.post(func() { c.setToken(gen, token) })
	}

	ss, err := c.sig.Invite(ctx, digits, sipua.InviteOptions{
		CallerID:     phone.Sanitize(opts.CallerID),
		DisplayName:  opts.DisplayName,
		HideCallerID: opts.HideCallerID,
	})
	if err != nil {
		cause := err.Error()
		c.post(func() {
			if s := c.current(gen); s != nil {
				s.failed = true
				s.cause = cause
				c.end(s, "invite failed", false)
			}
		})
		switch {
		case errors.Is(err, sipua.ErrNotRegistered):
			return ErrNotRegistered.WithCause(err)
		case errors.Is(err, sipua.ErrMediaUnavailable):
			return ErrMediaUnavailable.WithCause(err)
		}
		return fmt.Errorf("исходящий INVITE: %w", err)
	}
	c.post(func() { c.attachOutgoing(gen, ss) })
	return nil
}

func (c *Controller) attachOutgoing(gen uint64, ss sipua.Session) {
	s := c.current(gen)
	if s == nil {
		c.log.Info(context.Background(), "звонок завершен до отправки INVITE, отменяем", logger.String("call_id", ss.ID()))
		logger.SafeGo(c.log, "cancel-detached", func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
			defer cancel()
			if err := cancelAction(ss)(ctx); err != nil {
				c.log.Warn(ctx, "отмена отсоединенного вызова", logger.Err(err))
			}
		})
		return
	}
	s.sig = ss
	s.id = ss.ID()
	s.log = s.log.WithCall(s)
	c.watch(s)
	c.publish()
}

// Answer принимает входящий звонок. Возвращается после отправки 200 OK.
func (c *Controller) Answer(ctx context.Context) error {
	var job answerJob
	err := c.do(ctx, func() error {
		var err error
		job, err = c.beginAnswer(false)
		return err
	})
	if err != nil || job.s == nil {
		return err
	}
	return c.runAnswer(job)
}

// Decline отклоняет входящий звонок ответом 486
func (c *Controller) Decline(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil || c.finalizing || s.direction != Incoming || s.answered {
			return ErrNoIncomingCall
		}
		c.decline(s, false)
		return nil
	})
}

// Hangup завершает текущий звонок. Без звонка ничего не делает.
func (c *Controller) Hangup(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil || c.finalizing {
			c.log.Info(ctx, "hangup без активного звонка")
			return nil
		}
		c.end(s, "local hangup", true)
		return nil
	})
}

// ToggleMute переключает микрофон. desired задает состояние явно.
func (c *Controller) ToggleMute(ctx context.Context, desired *bool) error {
	return c.do(ctx, func() error {
		c.applyMute(desired, false)
		return nil
	})
}

// ToggleHold ставит звонок на удержание или снимает с него через re-INVITE
func (c *Controller) ToggleHold(ctx context.Context, desired *bool) error {
	return c.setHold(ctx, desired, false)
}

// SendDigit отправляет одну DTMF цифру
func (c *Controller) SendDigit(ctx context.Context, d byte) error {
	if _, err := dtmf.Parse(d); err != nil {
		return err
	}
	var ss sipua.Session
	err := c.do(ctx, func() error {
		s := c.sess
		if s == nil || c.finalizing || !s.current().Established() || s.sig == nil {
			return ErrNotEstablished
		}
		ss = s.sig
		return nil
	})
	if err != nil {
		return err
	}
	return ss.DTMF(ctx, d, c.cfg.ToneDuration, c.cfg.ToneGap)
}

// SendDigits отправляет строку цифр с паузой тон плюс интервал между ними
func (c *Controller) SendDigits(ctx context.Context, digits string) error {
	lim := rate.NewLimiter(rate.Every(c.cfg.ToneDuration+c.cfg.ToneGap), 1)
	for i := 0; i < len(digits); i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := c.SendDigit(ctx, digits[i]); err != nil {
			return fmt.Errorf("цифра %q: %w", digits[i], err)
		}
	}
	return nil
}

type answerJob struct {
	s     *session
	ss    sipua.Session
	token native.Token
}

// beginAnswer первая фаза ответа, выполняется в цикле
func (c *Controller) beginAnswer(fromNative bool) (answerJob, error) {
	s := c.sess
	if s == nil || c.finalizing || s.direction != Incoming || s.current() != PhaseRinging || s.sig == nil {
		return answerJob{}, ErrNoIncomingCall
	}
	if c.answering {
		s.log.Debug(s.ctx, "ответ уже выполняется")
		return answerJob{}, nil
	}
	c.answering = true
	stopTimer(s.timeout)
	if !fromNative && s.token != "" {
		c.echo.expect(echoAnswer, true)
	}
	return answerJob{s: s, ss: s.sig, token: s.token}, nil
}

// runAnswer вторая фаза ответа вне цикла: нативный слой, ожидание аудио, 200 OK
func (c *Controller) runAnswer(job answerJob) error {
	ctx := job.s.ctx
	if job.token != "" {
		if err := c.native.ReportConnected(ctx, job.token, false); err != nil {
			c.nativeFailed(ctx, "ReportConnected", err)
		}
	}
	if c.native.ManagesAudioRoute() && !c.audio.WaitActivated(ctx, c.cfg.AudioWait) && ctx.Err() == nil {
		job.s.log.Warn(ctx, "аудио сессия не активирована, принимаем звонок без нее",
			logger.Duration("waited", c.cfg.AudioWait))
	}
	if ctx.Err() != nil {
		return ErrNoIncomingCall
	}

	err := job.ss.Accept(ctx)
	c.post(func() { c.onAnswerIssued(job, err) })
	if err != nil {
		if errors.Is(err, sipua.ErrMediaUnavailable) {
			return ErrMediaUnavailable.WithCause(err)
		}
		return fmt.Errorf("ответ на входящий: %w", err)
	}
	return nil
}

func (c *Controller) onAnswerIssued(job answerJob, err error) {
	s := c.sess
	if s != job.s {
		return
	}
	c.answering = false
	if c.finalizing {
		return
	}
	if err != nil {
		s.failed = true
		s.cause = err.Error()
		if errors.Is(err, sipua.ErrMediaUnavailable) {
			s.cause = sipua.CauseMediaFormat
		}
		c.end(s, "answer failed", false)
		return
	}
	c.connect(s, false)
}

// applyMute выполняется в цикле
func (c *Controller) applyMute(desired *bool, fromNative bool) {
	s := c.sess
	if s == nil || c.finalizing || !s.current().Established() {
		c.log.Debug(context.Background(), "mute без соединенного звонка")
		return
	}
	want := !s.muted
	if desired != nil {
		want = *desired
	}
	if want == s.muted {
		return
	}
	s.muted = want
	if err := c.audio.SetMicMuted(want); err != nil {
		s.log.Warn(s.ctx, "микрофон", logger.Bool("muted", want), logger.Err(err))
	}
	if !fromNative && s.token != "" {
		c.echo.expect(echoMute, want)
		token, ctx := s.token, s.ctx
		logger.SafeGo(c.log, "native-mute", func() {
			if err := c.native.SetMuted(ctx, token, want); err != nil {
				c.nativeFailed(ctx, "SetMuted", err)
			}
		})
	}
	c.publish()
}

type holdJob struct {
	s          *session
	ss         sipua.Session
	held       bool
	fromNative bool
}

func (c *Controller) setHold(ctx context.Context, desired *bool, fromNative bool) error {
	var job holdJob
	err := c.do(ctx, func() error {
		s := c.sess
		if s == nil || c.finalizing || !s.current().Established() || s.sig == nil || c.holding {
			return nil
		}
		want := !s.onHold
		if desired != nil {
			want = *desired
		}
		if want == s.onHold {
			return nil
		}
		c.holding = true
		job = holdJob{s: s, ss: s.sig, held: want, fromNative: fromNative}
		return nil
	})
	if err != nil || job.s == nil {
		return err
	}

	if job.held {
		err = job.ss.Hold(ctx)
	} else {
		err = job.ss.Unhold(ctx)
	}
	c.post(func() { c.onHoldDone(job, err) })
	return err
}

func (c *Controller) onHoldDone(job holdJob, err error) {
	s := c.sess
	if s != job.s {
		return
	}
	c.holding = false
	if c.finalizing {
		return
	}
	if err != nil {
		s.log.Warn(s.ctx, "удержание не изменено", logger.Bool("held", job.held), logger.Err(err))
		return
	}
	event := evUnhold
	if job.held {
		event = evHold
	}
	if !c.fire(s, event) {
		return
	}
	s.onHold = job.held
	if !job.fromNative && s.token != "" {
		c.echo.expect(echoHold, job.held)
		token, ctx, held := s.token, s.ctx, job.held
		logger.SafeGo(c.log, "native-hold", func() {
			if err := c.native.SetHeld(ctx, token, held); err != nil {
				c.nativeFailed(ctx, "SetHeld", err)
			}
		})
	}
	c.publish()
}

func (c *Controller) nativeFailed(ctx context.Context, op string, err error) {
	cerr := ErrNativeReportFailed
	if errors.Is(err, native.ErrNativeUnavailable) {
		cerr = ErrNativeUnavailable
	}
	c.log.LogError(ctx, cerr.WithCause(err).WithField("op", op), "ошибка нативного слоя")
}
