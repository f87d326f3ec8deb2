package sipua

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callcore/pkg/logger"
)

// Register регистрирует аккаунт и возвращает выданный сервером срок
func (u *UA) Register(ctx context.Context) (time.Duration, error) {
	return u.register(ctx, u.cfg.Expiry)
}

// Unregister снимает регистрацию (Expires: 0)
func (u *UA) Unregister(ctx context.Context) error {
	_, err := u.register(ctx, 0)
	u.registered.Store(false)
	return err
}

// RunRegistration держит регистрацию до отмены ctx: обновляет на 80% срока,
// после ошибки повторяет через RetryInterval. При выходе снимает регистрацию.
func (u *UA) RunRegistration(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if u.registered.Load() {
				uctx, cancel := context.WithTimeout(context.Background(), u.cfg.RequestTimeout)
				if err := u.Unregister(uctx); err != nil {
					u.log.Warn(uctx, "снятие регистрации", logger.Err(err))
				}
				cancel()
			}
			return ctx.Err()
		case <-timer.C:
		}

		next := u.cfg.RetryInterval
		granted, err := u.Register(ctx)
		if err != nil {
			if ctx.Err() == nil {
				u.log.Warn(ctx, "регистрация не удалась", logger.Err(err), logger.Duration("retry_in", next))
			}
		} else {
			next = time.Duration(float64(granted) * refreshRatio)
		}
		timer.Reset(next)
	}
}

func (u *UA) register(ctx context.Context, expiry time.Duration) (time.Duration, error) {
	req := u.newRegister(expiry)
	sent, res, err := u.do(ctx, req)
	if cseq := sent.CSeq(); cseq != nil {
		u.regMu.Lock()
		if cseq.SeqNo > u.regCSeq {
			u.regCSeq = cseq.SeqNo
		}
		u.regMu.Unlock()
	}
	if err != nil {
		u.registered.Store(false)
		return 0, fmt.Errorf("REGISTER: %w", err)
	}
	if !isSuccess(res) {
		u.registered.Store(false)
		return 0, fmt.Errorf("REGISTER отклонен: %d %s", int(res.StatusCode), res.Reason)
	}
	if expiry == 0 {
		u.log.Info(ctx, "регистрация снята")
		return 0, nil
	}

	granted := time.Duration(expiresOf(res, int(expiry/time.Second))) * time.Second
	if granted <= 0 {
		granted = expiry
	}
	u.registered.Store(true)
	u.log.Info(ctx, "зарегистрирован",
		logger.String("aor", "sip:"+u.cfg.Username+"@"+u.cfg.Domain),
		logger.Duration("expires", granted))
	return granted, nil
}

func (u *UA) newRegister(expiry time.Duration) *sip.Request {
	u.regMu.Lock()
	if u.regCallID == "" {
		u.regCallID = newCallID()
		u.regTag = newTag()
	}
	u.regCSeq++
	callIDValue, tag, seq := u.regCallID, u.regTag, u.regCSeq
	u.regMu.Unlock()

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: u.cfg.Domain})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: u.cfg.DisplayName,
		Address:     u.aor(),
		Params:      sip.NewParams().Add("tag", tag),
	})
	req.AppendHeader(&sip.ToHeader{Address: u.aor(), Params: sip.NewParams()})
	callID := sip.CallIDHeader(callIDValue)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(u.contactHeader())
	expires := sip.ExpiresHeader(int(expiry / time.Second))
	req.AppendHeader(&expires)
	req.AppendHeader(sip.NewHeader("User-Agent", u.cfg.UserAgent))
	u.route(req)
	return req
}
