package sipua

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/callcore/pkg/phone"
)

const (
	headerPAI     = "P-Asserted-Identity"
	headerPPI     = "P-Preferred-Identity"
	headerPrivacy = "Privacy"

	contentTypeSDP = "application/sdp"
)

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func newCallID() string {
	return uuid.NewString()
}

// identity значение P-Asserted-Identity: валидный caller ID в виде +1XXXXXXXXXX,
// иначе логин аккаунта
func identity(cfg *Config, opts InviteOptions) string {
	display := opts.DisplayName
	if display == "" {
		display = cfg.DisplayName
	}
	if display == "" {
		display = cfg.Username
	}
	user := cfg.Username
	if id := phone.Sanitize(opts.CallerID); id != "" && phone.ValidNANP(id) {
		user = "+1" + id
	}
	return fmt.Sprintf("%s <sip:%s@%s>", strconv.Quote(display), user, cfg.Domain)
}

// identityHeaders PAI, PPI и Privacy исходящего INVITE
func identityHeaders(cfg *Config, opts InviteOptions) []sip.Header {
	id := identity(cfg, opts)
	privacy := "none"
	if opts.HideCallerID {
		privacy = "id"
	}
	return []sip.Header{
		sip.NewHeader(headerPAI, id),
		sip.NewHeader(headerPPI, id),
		sip.NewHeader(headerPrivacy, privacy),
	}
}

// aor адрес аккаунта sip:user@domain
func (u *UA) aor() sip.Uri {
	return sip.Uri{Scheme: "sip", User: u.cfg.Username, Host: u.cfg.Domain}
}

func (u *UA) contactHeader() *sip.ContactHeader {
	addr := sip.Uri{
		Scheme:    "sip",
		User:      u.cfg.Username,
		Host:      u.cfg.ListenHost,
		Port:      u.cfg.ListenPort,
		UriParams: sip.NewParams(),
	}
	if u.cfg.Transport != "udp" {
		addr.UriParams = addr.UriParams.Add("transport", u.cfg.Transport)
	}
	return &sip.ContactHeader{Address: addr, Params: sip.NewParams()}
}

// route направляет запрос через outbound proxy
func (u *UA) route(req *sip.Request) {
	req.SetTransport(strings.ToUpper(u.cfg.Transport))
	req.SetDestination(u.cfg.Server)
}

func (u *UA) newInvite(number string, opts InviteOptions, body []byte) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: targetUser(number), Host: u.cfg.Domain}
	req := sip.NewRequest(sip.INVITE, recipient)

	display := opts.DisplayName
	if display == "" {
		display = u.cfg.DisplayName
	}
	req.AppendHeader(&sip.FromHeader{
		DisplayName: display,
		Address:     u.aor(),
		Params:      sip.NewParams().Add("tag", newTag()),
	})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader(newCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(u.contactHeader())
	req.AppendHeader(sip.NewHeader("User-Agent", u.cfg.UserAgent))
	for _, h := range identityHeaders(&u.cfg, opts) {
		req.AppendHeader(h)
	}
	contentType := sip.ContentTypeHeader(contentTypeSDP)
	req.AppendHeader(&contentType)
	req.SetBody(body)

	u.route(req)
	return req
}

// newCancel CANCEL для отправленного INVITE: тот же Via, From, To, Call-ID и номер CSeq
func newCancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	req.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, req)
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	req.SetTransport(invite.Transport())
	req.SetDestination(invite.Destination())
	return req
}

// routeSet адреса из Record-Route. Для UAC порядок обратный.
func routeSet(hdrs []sip.Header, reverse bool) []sip.Uri {
	var out []sip.Uri
	for _, h := range hdrs {
		for _, part := range strings.Split(h.Value(), ",") {
			v := strings.TrimSpace(part)
			if i := strings.IndexByte(v, '<'); i >= 0 {
				v = v[i+1:]
				if j := strings.IndexByte(v, '>'); j >= 0 {
					v = v[:j]
				}
			}
			if v == "" {
				continue
			}
			var uri sip.Uri
			if err := sip.ParseUri(v, &uri); err != nil {
				continue
			}
			out = append(out, uri)
		}
	}
	if reverse {
		slices.Reverse(out)
	}
	return out
}

// expiresOf срок из ответа на REGISTER: Expires заголовок или параметр Contact
func expiresOf(res *sip.Response, fallback int) int {
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return v
		}
	}
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return fallback
}
