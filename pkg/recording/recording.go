// Package recording запись разговора: старт после установления медиа, идемпотентная остановка,
// индекс записей и очистка по сроку хранения.
package recording

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/storage"
)

// ErrAlreadyRecording запись уже идет
var ErrAlreadyRecording = errors.New("запись уже идет")

// DefaultSettleDelay минимальная пауза между соединением и стартом записи
const DefaultSettleDelay = 500 * time.Millisecond

// FileName имя файла записи: recording_<ISO время UTC, ':' и '.' заменены на '-'>_<номер|unknown>.<ext>
func FileName(ts time.Time, number, ext string) string {
	return baseName(ts, number) + "." + strings.TrimPrefix(ext, ".")
}

func baseName(ts time.Time, number string) string {
	iso := ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	iso = strings.NewReplacer(":", "-", ".", "-").Replace(iso)
	if number == "" {
		number = "unknown"
	}
	return "recording_" + iso + "_" + number
}

// Handle активная запись
type Handle struct {
	Filename  string
	Number    string
	StartedAt time.Time
	MimeType  string
}

// Result итог остановленной записи. Пустой Filename означает, что записи не было.
type Result struct {
	Filename string
	Duration time.Duration
	Size     int64
	MimeType string
}

// Backend способ захвата звука
type Backend interface {
	// Start начинает запись в файл с базовым именем base, возвращает итоговое имя и MIME тип
	Start(ctx context.Context, base string) (filename, mimeType string, err error)
	// Stop завершает запись и возвращает размер файла
	Stop(ctx context.Context) (size int64, err error)
}

// FileDeleter удаляет файлы вытесненных записей
type FileDeleter interface {
	Delete(name string) (bool, error)
}

// Config параметры контроллера
type Config struct {
	Backend Backend
	// Enabled проверяется при каждом старте, nil означает всегда включено
	Enabled func() bool
	Index   *storage.RecordingIndex
	Files   FileDeleter
	Logger  logger.Logger

	Registerer prometheus.Registerer
	Namespace  string
	Now        func() time.Time
}

// Controller контроллер записи. Одновременно идет не больше одной записи.
type Controller struct {
	backend Backend
	enabled func() bool
	index   *storage.RecordingIndex
	files   FileDeleter
	log     logger.Logger
	now     func() time.Time
	results *prometheus.CounterVec

	// op сериализует Start и Stop целиком
	op     sync.Mutex
	mu     sync.RWMutex
	handle *Handle
}

// NewController создает контроллер
func NewController(cfg Config) *Controller {
	c := &Controller{
		backend: cfg.Backend,
		enabled: cfg.Enabled,
		index:   cfg.Index,
		files:   cfg.Files,
		log:     logger.OrNoOp(cfg.Logger).WithComponent("recording"),
		now:     cfg.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Registerer != nil {
		c.results = promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "recording",
			Name:      "recordings_total",
			Help:      "Call recordings by result",
		}, []string{"result"})
	}
	return c
}

func (c *Controller) count(result string) {
	if c.results != nil {
		c.results.WithLabelValues(result).Inc()
	}
}

// Enabled включена ли запись в настройках
func (c *Controller) Enabled() bool {
	return c.backend != nil && (c.enabled == nil || c.enabled())
}

// Active текущая запись или nil
func (c *Controller) Active() *Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// Start начинает запись. Если запись выключена, возвращает nil, nil.
func (c *Controller) Start(ctx context.Context, number string, startedAt time.Time) (*Handle, error) {
	c.op.Lock()
	defer c.op.Unlock()

	if c.Active() != nil {
		return nil, ErrAlreadyRecording
	}
	if !c.Enabled() {
		c.log.Info(ctx, "запись звонков выключена")
		return nil, nil
	}
	if startedAt.IsZero() {
		startedAt = c.now()
	}

	filename, mimeType, err := c.backend.Start(ctx, baseName(startedAt, number))
	if err != nil {
		c.count("failed")
		return nil, fmt.Errorf("старт записи: %w", err)
	}
	h := &Handle{Filename: filename, Number: number, StartedAt: startedAt, MimeType: mimeType}
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()

	c.count("started")
	c.log.Info(ctx, "запись начата", logger.String("file", filename))
	return h, nil
}

// Stop останавливает запись. Без активной записи возвращает пустой результат.
// Handle снимается даже при ошибке backend.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return Result{}, nil
	}

	res := Result{Filename: h.Filename, MimeType: h.MimeType, Duration: c.now().Sub(h.StartedAt)}
	size, err := c.backend.Stop(ctx)
	if err != nil {
		c.count("failed")
		return res, fmt.Errorf("остановка записи %s: %w", h.Filename, err)
	}
	res.Size = size
	c.count("stopped")
	c.log.Info(ctx, "запись остановлена",
		logger.String("file", h.Filename), logger.Duration("duration", res.Duration), logger.Int64("size", size))

	if c.index != nil {
		evicted, err := c.index.Add(ctx, storage.RecordingMeta{
			Filename:  h.Filename,
			Number:    h.Number,
			StartedAt: h.StartedAt,
			Duration:  res.Duration.Seconds(),
			MimeType:  h.MimeType,
			Size:      size,
		})
		if err != nil {
			c.log.Warn(ctx, "индекс записей не обновлен", logger.Err(err))
		}
		c.deleteFiles(ctx, evicted)
	}
	return res, nil
}

func (c *Controller) deleteFiles(ctx context.Context, names []string) {
	if c.files == nil {
		return
	}
	for _, name := range names {
		if _, err := c.files.Delete(name); err != nil {
			c.log.Warn(ctx, "удаление вытесненной записи", logger.String("file", name), logger.Err(err))
		}
	}
}
