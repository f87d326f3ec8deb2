package sipua

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// authorize повторяет запрос с digest ответом на 401/407.
// Via удаляется, его добавит клиент с новой веткой. CSeq увеличивается на 1.
func (u *UA) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("ответ %d без заголовка %s", int(res.StatusCode), challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("разбор digest challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: u.cfg.AuthUser,
		Password: u.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("вычисление digest: %w", err)
	}

	auth := req.Clone()
	// Clone не копирует тело
	auth.SetBody(req.Body())
	auth.RemoveHeader("Via")
	auth.RemoveHeader(authHeader)
	auth.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	if cseq := auth.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return auth, nil
}

func isChallenge(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

func isSuccess(res *sip.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
