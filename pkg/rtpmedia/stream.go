// Package rtpmedia голосовой RTP поток звонка: G.711 по UDP, RFC 4733 DTMF
// и отводы PCM для записи.
package rtpmedia

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/callcore/pkg/dtmf"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/sdpmedia"
)

// ErrNoTelephoneEvent удаленная сторона не поддерживает RFC 4733
var ErrNoTelephoneEvent = errors.New("удаленная сторона не поддерживает telephone-event")

// Source локальный захват звука (микрофон)
type Source interface {
	// ReadPCM заполняет кадр отсчетами 8 кГц
	ReadPCM(frame []int16) error
}

// Sink вывод удаленного звука (динамик)
type Sink interface {
	WritePCM(frame []int16) error
}

// Restarter источник, который умеет пересоздать захват после смены устройства
type Restarter interface {
	Restart() error
}

// Tap получает копию каждого кадра. local true для исходящего звука.
type Tap func(local bool, pcm []int16)

// Config параметры потока
type Config struct {
	// LocalAddr адрес сокета, по умолчанию 0.0.0.0:0
	LocalAddr string
	Codec     sdpmedia.Codec
	Ptime     time.Duration
	Source    Source
	Sink      Sink
	Logger    logger.Logger
}

// Stream RTP поток одного звонка. Реализует audio.MediaEndpoint.
type Stream struct {
	tr      *Transport
	log     logger.Logger
	source  Source
	sink    Sink
	ptime   time.Duration
	samples int
	ssrc    uint32

	sendMu sync.Mutex
	seq    uint16
	ts     uint32
	marker bool

	mu        sync.Mutex
	codec     sdpmedia.Codec
	tePT      uint8
	attached  bool
	outMuted  bool
	inMuted   bool
	held      bool
	capturing bool
	taps      map[int]Tap
	nextTap   int

	remoteReady atomic.Bool
	sent        atomic.Uint64
	received    atomic.Uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStream открывает сокет. Отправка начинается после Start.
func NewStream(cfg Config) (*Stream, error) {
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = "0.0.0.0:0"
	}
	if cfg.Codec.Name == "" {
		cfg.Codec = sdpmedia.PCMU
	}
	if cfg.Ptime <= 0 {
		cfg.Ptime = 20 * time.Millisecond
	}
	tr, err := Listen(cfg.LocalAddr)
	if err != nil {
		return nil, err
	}
	return &Stream{
		tr:      tr,
		log:     logger.OrNoOp(cfg.Logger).WithComponent("rtp"),
		source:  cfg.Source,
		sink:    cfg.Sink,
		ptime:   cfg.Ptime,
		samples: int(cfg.Ptime.Seconds() * float64(cfg.Codec.ClockRate)),
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
		marker:  true,
		codec:   cfg.Codec,
		taps:    make(map[int]Tap),
	}, nil
}

// LocalPort порт для SDP
func (s *Stream) LocalPort() int {
	return s.tr.LocalAddr().Port
}

// Configure применяет удаленный SDP: адрес, кодек и telephone-event
func (s *Stream) Configure(info *sdpmedia.Info) error {
	if info == nil {
		return fmt.Errorf("нет удаленного SDP")
	}
	if info.Host != "" && info.Port > 0 {
		if err := s.tr.SetRemote(net.JoinHostPort(info.Host, strconv.Itoa(info.Port))); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range info.Codecs {
		if c.PayloadType == sdpmedia.PCMU.PayloadType || c.PayloadType == sdpmedia.PCMA.PayloadType {
			s.codec = c
			break
		}
	}
	s.tePT = 0
	if info.TelephoneEvent {
		s.tePT = info.TelephoneEventPT
	}
	return nil
}

// Codec согласованный кодек
func (s *Stream) Codec() sdpmedia.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// SupportsDTMF согласован ли telephone-event
func (s *Stream) SupportsDTMF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tePT != 0
}

// Start запускает циклы отправки и приема
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.sendLoop(ctx)
	go s.recvLoop(ctx)
}

// SetHeld приостанавливает отправку звука на время удержания
func (s *Stream) SetHeld(held bool) {
	s.mu.Lock()
	s.held = held
	s.mu.Unlock()
}

// AddTap подключает отвод кадров, возвращает функцию отключения
func (s *Stream) AddTap(t Tap) func() {
	s.mu.Lock()
	id := s.nextTap
	s.nextTap++
	s.taps[id] = t
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.taps, id)
		s.mu.Unlock()
	}
}

// Stats число отправленных и полученных пакетов
func (s *Stream) Stats() (sent, received uint64) {
	return s.sent.Load(), s.received.Load()
}

func (s *Stream) RemoteTracksReady() bool { return s.remoteReady.Load() }

func (s *Stream) AttachRemoteOutput() error {
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return nil
}

func (s *Stream) RefreshLocalCapture() error {
	s.mu.Lock()
	s.capturing = true
	src := s.source
	s.mu.Unlock()
	if r, ok := src.(Restarter); ok {
		return r.Restart()
	}
	return nil
}

func (s *Stream) StopLocalCapture() error {
	s.mu.Lock()
	s.capturing = false
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetOutputMuted(muted bool) {
	s.mu.Lock()
	s.outMuted = muted
	s.mu.Unlock()
}

func (s *Stream) SetInputMuted(muted bool) error {
	s.mu.Lock()
	s.inMuted = muted
	s.mu.Unlock()
	return nil
}

// Release останавливает циклы и закрывает сокет. Повторный вызов ничего не делает.
func (s *Stream) Release() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = s.tr.Close()
		s.wg.Wait()
	})
	return err
}

// SendDTMF отправляет одну цифру событиями RFC 4733.
// Звук на время тона не отправляется.
func (s *Stream) SendDTMF(ctx context.Context, d dtmf.Digit, tone time.Duration) error {
	s.mu.Lock()
	pt := s.tePT
	s.mu.Unlock()
	if pt == 0 {
		return ErrNoTelephoneEvent
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	enc := dtmf.NewEncoder(pt, s.ssrc, s.seq, s.ts)
	packets, err := enc.Packets(d, tone)
	if err != nil {
		return err
	}
	updates := len(packets) - 3
	for i, pkt := range packets {
		if err := s.tr.Send(pkt); err != nil {
			return fmt.Errorf("отправка DTMF %s: %w", d, err)
		}
		s.sent.Add(1)
		if i < updates {
			select {
			case <-time.After(enc.Packetization):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	s.seq, s.ts = enc.Next()
	s.marker = true
	return nil
}

func (s *Stream) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ptime)
	defer ticker.Stop()

	frame := make([]int16, s.samples)
	var payload []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		codec := s.codec
		read := s.capturing && !s.inMuted && s.source != nil
		held := s.held
		taps := s.tapsLocked()
		s.mu.Unlock()

		for i := range frame {
			frame[i] = 0
		}
		if read {
			if err := s.source.ReadPCM(frame); err != nil {
				s.log.Debug(ctx, "чтение микрофона", logger.Err(err))
			}
		}
		for _, t := range taps {
			t(true, frame)
		}

		s.sendMu.Lock()
		seq, ts, marker := s.seq, s.ts, s.marker
		s.seq++
		s.ts += uint32(s.samples)
		s.marker = false
		s.sendMu.Unlock()
		if held {
			continue
		}

		payload = Encode(codec, frame, payload)
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    codec.PayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		if err := s.tr.Send(pkt); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return
			}
			s.log.Trace(ctx, "отправка RTP", logger.Err(err))
			continue
		}
		s.sent.Add(1)
	}
}

func (s *Stream) recvLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)
	var pcm []int16
	for {
		pkt, err := s.tr.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			if !isTimeout(err) {
				s.log.Debug(ctx, "прием RTP", logger.Err(err))
			}
			continue
		}
		s.received.Add(1)

		s.mu.Lock()
		codec, tePT := s.codec, s.tePT
		play := s.attached && !s.outMuted && s.sink != nil
		taps := s.tapsLocked()
		s.mu.Unlock()

		switch {
		case pkt.PayloadType == codec.PayloadType:
			pcm = Decode(codec, pkt.Payload, pcm)
			s.remoteReady.Store(true)
			for _, t := range taps {
				t(false, pcm)
			}
			if play {
				if err := s.sink.WritePCM(pcm); err != nil {
					s.log.Debug(ctx, "вывод звука", logger.Err(err))
				}
			}
		case tePT != 0 && pkt.PayloadType == tePT:
			if p, err := dtmf.UnmarshalPayload(pkt.Payload); err == nil && p.End {
				s.log.Debug(ctx, "получен DTMF", logger.String("digit", p.Event.String()))
			}
		}
	}
}

func (s *Stream) tapsLocked() []Tap {
	if len(s.taps) == 0 {
		return nil
	}
	out := make([]Tap, 0, len(s.taps))
	for _, t := range s.taps {
		out = append(out, t)
	}
	return out
}
