package call

import (
	"context"
	"errors"
	"time"

	"github.com/arzzra/callcore/pkg/audio"
	"github.com/arzzra/callcore/pkg/dtmf"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/native"
	"github.com/arzzra/callcore/pkg/recording"
	"github.com/arzzra/callcore/pkg/sipua"
	"github.com/arzzra/callcore/pkg/storage"
)

const (
	// DefaultIncomingTimeout через сколько непринятый входящий считается пропущенным
	DefaultIncomingTimeout = 30 * time.Second
	// DefaultAudioWait сколько ответ ждет активации нативного аудио
	DefaultAudioWait = 2 * time.Second
	// DefaultFinalizeTimeout предел для шагов завершения звонка
	DefaultFinalizeTimeout = 10 * time.Second
)

// AudioCoordinator координатор аудио сессии, см. audio.Coordinator
type AudioCoordinator interface {
	Bind(media audio.MediaEndpoint)
	OnNativeAudioActivated()
	OnNativeAudioDeactivated()
	TryAttachAudio(ctx context.Context) error
	SetEarlyMedia(muted bool)
	SetMicMuted(muted bool) error
	WaitActivated(ctx context.Context, timeout time.Duration) bool
	Attached() <-chan struct{}
	Reset()
}

// Recorder запись разговора, см. recording.Controller
type Recorder interface {
	Enabled() bool
	Start(ctx context.Context, number string, startedAt time.Time) (*recording.Handle, error)
	Stop(ctx context.Context) (recording.Result, error)
	Active() *recording.Handle
}

// HistoryWriter история звонков
type HistoryWriter interface {
	Add(ctx context.Context, e storage.HistoryEntry) error
	// LinkRecording привязывает файл к последнему звонку без записи
	LinkRecording(ctx context.Context, filename string) (bool, error)
}

// Ringback сигнал вызова, который слышит звонящий до ответа
type Ringback interface {
	Start()
	Stop()
}

// Callbacks уведомления о ходе звонка. Вызываются из цикла контроллера и не должны блокировать.
type Callbacks struct {
	OnPhase func(Snapshot)
	OnEnded func(Ended)
}

// Config параметры контроллера
type Config struct {
	Signaling sipua.Signaling
	Native    native.Bridge
	Audio     AudioCoordinator
	Recorder  Recorder
	History   HistoryWriter
	Ringback  Ringback

	IncomingTimeout time.Duration
	SettleDelay     time.Duration
	ToneDuration    time.Duration
	ToneGap         time.Duration
	AudioWait       time.Duration
	FinalizeTimeout time.Duration

	Callbacks Callbacks
	Metrics   MetricsConfig
	Logger    logger.Logger
	Now       func() time.Time
}

// Validate проверяет обязательные зависимости и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if c.Signaling == nil {
		return errors.New("не задан сигнальный агент")
	}
	if c.Audio == nil {
		return errors.New("не задан координатор аудио")
	}
	if c.Native == nil {
		c.Native = native.NewUnavailable()
	}
	if c.Ringback == nil {
		c.Ringback = silentRingback{}
	}
	if c.IncomingTimeout <= 0 {
		c.IncomingTimeout = DefaultIncomingTimeout
	}
	if c.SettleDelay < recording.DefaultSettleDelay {
		c.SettleDelay = recording.DefaultSettleDelay
	}
	if c.ToneDuration <= 0 {
		c.ToneDuration = dtmf.ToneDuration
	}
	if c.ToneGap <= 0 {
		c.ToneGap = dtmf.InterToneGap
	}
	if c.AudioWait <= 0 {
		c.AudioWait = DefaultAudioWait
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

type silentRingback struct{}

func (silentRingback) Start() {}
func (silentRingback) Stop()  {}
