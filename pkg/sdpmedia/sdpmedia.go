// Package sdpmedia строит и разбирает SDP аудио сессии софтфона:
// offer/answer G.711, направление для удержания и поддержку telephone-event.
package sdpmedia

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Direction направление медиа потока
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Reverse направление с точки зрения другой стороны
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	}
	return d
}

// Codec payload type и имя кодека
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   int
}

var (
	PCMU = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	PCMA = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
)

// Config параметры локальной стороны
type Config struct {
	Host        string
	Port        int
	SessionID   uint64
	SessionName string
	Codecs      []Codec
	// TelephoneEvent payload type, 0 отключает RFC 4733
	TelephoneEvent uint8
	Ptime          time.Duration
	Direction      Direction
}

func (c *Config) defaults() {
	if c.SessionID == 0 {
		c.SessionID = uint64(time.Now().Unix())
	}
	if c.SessionName == "" {
		c.SessionName = "callcore"
	}
	if len(c.Codecs) == 0 {
		c.Codecs = []Codec{PCMU, PCMA}
	}
	if c.Ptime == 0 {
		c.Ptime = 20 * time.Millisecond
	}
	if c.Direction == "" {
		c.Direction = SendRecv
	}
}

// Info результат разбора удаленного SDP
type Info struct {
	Host             string
	Port             int
	Codecs           []Codec
	Direction        Direction
	TelephoneEvent   bool
	TelephoneEventPT uint8
	Ptime            time.Duration
}

// Offer создает SDP offer с версией сессии version.
func Offer(cfg Config, version uint64) ([]byte, error) {
	cfg.defaults()
	return marshal(cfg, cfg.Codecs, version)
}

// Answer создает answer на разобранный offer: общие кодеки в порядке offer,
// telephone-event с payload type удаленной стороны, обратное направление.
func Answer(cfg Config, offer *Info, version uint64) ([]byte, error) {
	cfg.defaults()
	if offer == nil {
		return nil, fmt.Errorf("offer не задан")
	}
	var common []Codec
	for _, rc := range offer.Codecs {
		for _, lc := range cfg.Codecs {
			if strings.EqualFold(rc.Name, lc.Name) {
				common = append(common, Codec{PayloadType: rc.PayloadType, Name: lc.Name, ClockRate: lc.ClockRate})
			}
		}
	}
	if len(common) == 0 {
		return nil, ErrNoCommonCodec
	}
	if offer.TelephoneEvent && cfg.TelephoneEvent != 0 {
		cfg.TelephoneEvent = offer.TelephoneEventPT
	} else {
		cfg.TelephoneEvent = 0
	}
	if cfg.Direction == SendRecv {
		cfg.Direction = offer.Direction.Reverse()
	}
	return marshal(cfg, common, version)
}

// ErrNoCommonCodec нет общего кодека (SIP 488)
var ErrNoCommonCodec = fmt.Errorf("нет общего аудио кодека")

func marshal(cfg Config, codecs []Codec, version uint64) ([]byte, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("не задан адрес медиа")
	}
	addrType := "IP4"
	if strings.Contains(cfg.Host, ":") {
		addrType = "IP6"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      cfg.SessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: cfg.Host,
		},
		SessionName: sdp.SessionName(cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: cfg.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: cfg.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)))
	}
	if cfg.TelephoneEvent != 0 {
		pt := strconv.Itoa(int(cfg.TelephoneEvent))
		media.MediaName.Formats = append(media.MediaName.Formats, pt)
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", pt+" telephone-event/8000"),
			sdp.NewAttribute("fmtp", pt+" 0-15"))
	}
	media.Attributes = append(media.Attributes,
		sdp.NewAttribute("ptime", strconv.Itoa(int(cfg.Ptime.Milliseconds()))),
		sdp.NewPropertyAttribute(string(cfg.Direction)))

	desc.MediaDescriptions = []*sdp.MediaDescription{media}
	return desc.Marshal()
}

// Parse разбирает удаленный SDP и возвращает параметры первого аудио потока.
func Parse(body []byte) (*Info, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("в SDP нет аудио потока")
	}

	info := &Info{
		Port:      audio.MediaName.Port.Value,
		Direction: SendRecv,
		Ptime:     20 * time.Millisecond,
	}
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		info.Host = audio.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		info.Host = desc.ConnectionInformation.Address.Address
	}

	// Направление уровня сессии перекрывается направлением потока
	for _, attr := range desc.Attributes {
		if d, ok := parseDirection(attr.Key); ok {
			info.Direction = d
		}
	}

	rtpmaps := map[uint8]Codec{}
	for _, attr := range audio.Attributes {
		if d, ok := parseDirection(attr.Key); ok {
			info.Direction = d
			continue
		}
		switch attr.Key {
		case "rtpmap":
			pt, name, rate, err := parseRtpmap(attr.Value)
			if err != nil {
				continue
			}
			if strings.EqualFold(name, "telephone-event") {
				info.TelephoneEvent = true
				info.TelephoneEventPT = pt
				continue
			}
			rtpmaps[pt] = Codec{PayloadType: pt, Name: name, ClockRate: rate}
		case "ptime":
			if ms, err := strconv.Atoi(attr.Value); err == nil && ms > 0 {
				info.Ptime = time.Duration(ms) * time.Millisecond
			}
		}
	}

	for _, f := range audio.MediaName.Formats {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 127 {
			continue
		}
		pt := uint8(n)
		if c, ok := rtpmaps[pt]; ok {
			info.Codecs = append(info.Codecs, c)
			continue
		}
		// Статические payload type без rtpmap
		switch pt {
		case PCMU.PayloadType:
			info.Codecs = append(info.Codecs, PCMU)
		case PCMA.PayloadType:
			info.Codecs = append(info.Codecs, PCMA)
		}
	}
	return info, nil
}

// HasTelephoneEvent быстрая проверка поддержки RFC 4733 в SDP
func HasTelephoneEvent(body []byte) bool {
	info, err := Parse(body)
	return err == nil && info.TelephoneEvent
}

// IsHold true, если удаленная сторона поставила нас на удержание
func (i *Info) IsHold() bool {
	return i.Direction == SendOnly || i.Direction == Inactive || i.Host == "0.0.0.0"
}

func parseDirection(key string) (Direction, bool) {
	switch Direction(key) {
	case SendRecv, SendOnly, RecvOnly, Inactive:
		return Direction(key), true
	}
	return "", false
}

func parseRtpmap(v string) (uint8, string, int, error) {
	ptStr, rest, ok := strings.Cut(v, " ")
	if !ok {
		return 0, "", 0, fmt.Errorf("некорректный rtpmap: %s", v)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil || pt < 0 || pt > 127 {
		return 0, "", 0, fmt.Errorf("некорректный payload type: %s", ptStr)
	}
	parts := strings.Split(rest, "/")
	rate := 8000
	if len(parts) > 1 {
		if r, err := strconv.Atoi(parts[1]); err == nil {
			rate = r
		}
	}
	return uint8(pt), parts[0], rate, nil
}
