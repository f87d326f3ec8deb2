// Package dtmf кодирует DTMF тоны для отправки в установленном звонке:
// RFC 4733 события в RTP (pion/rtp) и тело SIP INFO application/dtmf-relay.
package dtmf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/rtp"
)

const (
	// ToneDuration длительность одного тона
	ToneDuration = 250 * time.Millisecond
	// InterToneGap пауза между тонами
	InterToneGap = 100 * time.Millisecond

	// ClockRate частота RTP для telephone-event
	ClockRate = 8000
	// DefaultPayloadType динамический payload type telephone-event по умолчанию
	DefaultPayloadType = 101

	// InfoContentType тип тела SIP INFO
	InfoContentType = "application/dtmf-relay"
)

// Digit DTMF событие 0–15 по RFC 4733
type Digit uint8

const (
	Digit0 Digit = iota
	Digit1
	Digit2
	Digit3
	Digit4
	Digit5
	Digit6
	Digit7
	Digit8
	Digit9
	DigitStar
	DigitPound
	DigitA
	DigitB
	DigitC
	DigitD
)

const symbols = "0123456789*#ABCD"

func (d Digit) String() string {
	if int(d) < len(symbols) {
		return symbols[d : d+1]
	}
	return "?"
}

// Parse разбирает символ клавиатуры
func Parse(c byte) (Digit, error) {
	if c >= 'a' && c <= 'd' {
		c -= 'a' - 'A'
	}
	if i := strings.IndexByte(symbols, c); i >= 0 {
		return Digit(i), nil
	}
	return 0, fmt.Errorf("недопустимый DTMF символ: %q", c)
}

// ParseString разбирает строку тонов. Пробелы и дефисы пропускаются.
func ParseString(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '-' {
			continue
		}
		d, err := Parse(s[i])
		if err != nil {
			return nil, err
		}
		digits = append(digits, d)
	}
	return digits, nil
}

// Payload RFC 4733 payload
type Payload struct {
	Event    Digit
	End      bool
	Volume   uint8 // 0–63, -dBm0
	Duration uint16
}

// Marshal кодирует payload в 4 байта
func (p Payload) Marshal() []byte {
	b := make([]byte, 4)
	b[0] = byte(p.Event)
	if p.End {
		b[1] |= 0x80
	}
	b[1] |= p.Volume & 0x3F
	b[2] = byte(p.Duration >> 8)
	b[3] = byte(p.Duration)
	return b
}

// UnmarshalPayload разбирает 4 байта payload
func UnmarshalPayload(b []byte) (Payload, error) {
	if len(b) < 4 {
		return Payload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(b))
	}
	return Payload{
		Event:    Digit(b[0]),
		End:      b[1]&0x80 != 0,
		Volume:   b[1] & 0x3F,
		Duration: uint16(b[2])<<8 | uint16(b[3]),
	}, nil
}

// Encoder строит RTP пакеты telephone-event для одного потока.
// Не потокобезопасен: вызывающий сериализует отправку.
type Encoder struct {
	PayloadType uint8
	SSRC        uint32
	Volume      uint8
	// Packetization шаг обновления события, обычно 50 мс
	Packetization time.Duration

	seq uint16
	ts  uint32
}

// NewEncoder создает encoder с начальными seq/timestamp потока
func NewEncoder(pt uint8, ssrc uint32, seq uint16, ts uint32) *Encoder {
	return &Encoder{
		PayloadType:   pt,
		SSRC:          ssrc,
		Volume:        10,
		Packetization: 50 * time.Millisecond,
		seq:           seq,
		ts:            ts,
	}
}

// Packets возвращает пакеты одного тона: промежуточные обновления длительности
// и три конечных пакета с флагом End. Все пакеты события имеют один timestamp.
func (e *Encoder) Packets(d Digit, tone time.Duration) ([]*rtp.Packet, error) {
	if tone <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}
	if d > DigitD {
		return nil, fmt.Errorf("недопустимая DTMF цифра: %d", d)
	}
	total := uint16(tone.Seconds() * ClockRate)
	step := uint16(e.Packetization.Seconds() * ClockRate)
	if step == 0 || step > total {
		step = total
	}

	var packets []*rtp.Packet
	first := true
	for dur := step; dur < total; dur += step {
		packets = append(packets, e.packet(Payload{Event: d, Volume: e.Volume, Duration: dur}, first))
		first = false
	}
	for i := 0; i < 3; i++ {
		packets = append(packets, e.packet(Payload{Event: d, End: true, Volume: e.Volume, Duration: total}, first && i == 0))
	}
	e.ts += uint32(total)
	return packets, nil
}

// Next seq и timestamp, с которых поток продолжает отправку после событий
func (e *Encoder) Next() (uint16, uint32) {
	return e.seq, e.ts
}

func (e *Encoder) packet(p Payload, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    e.PayloadType,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
			SSRC:           e.SSRC,
		},
		Payload: p.Marshal(),
	}
	e.seq++
	return pkt
}

// InfoBody тело SIP INFO для application/dtmf-relay
func InfoBody(d Digit, tone time.Duration) []byte {
	return []byte("Signal=" + d.String() + "\r\nDuration=" + strconv.Itoa(int(tone.Milliseconds())) + "\r\n")
}

// ParseInfoBody разбирает тело application/dtmf-relay
func ParseInfoBody(body []byte) (Digit, time.Duration, error) {
	var (
		digit Digit
		dur   time.Duration
		found bool
	)
	for _, line := range strings.Split(string(body), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "signal":
			v = strings.TrimSpace(v)
			if v == "" {
				return 0, 0, fmt.Errorf("пустой Signal")
			}
			d, err := Parse(v[0])
			if err != nil {
				return 0, 0, err
			}
			digit, found = d, true
		case "duration":
			ms, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, 0, fmt.Errorf("некорректный Duration: %w", err)
			}
			dur = time.Duration(ms) * time.Millisecond
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("в теле нет Signal")
	}
	return digit, dur, nil
}
