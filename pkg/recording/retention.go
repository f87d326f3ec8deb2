package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/storage"
)

// DefaultRetentionSpec ежедневно в 03:30
const DefaultRetentionSpec = "30 3 * * *"

// RetentionConfig параметры очистки старых записей
type RetentionConfig struct {
	MaxAge  time.Duration
	Spec    string
	Index   *storage.RecordingIndex
	Files   FileDeleter
	History *storage.HistoryStore
	Logger  logger.Logger
	Now     func() time.Time
}

// Retention периодически удаляет записи старше MaxAge
type Retention struct {
	cfg  RetentionConfig
	cron *cron.Cron
	log  logger.Logger
}

// NewRetention регистрирует задачу очистки. Запуск через Start.
func NewRetention(cfg RetentionConfig) (*Retention, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("срок хранения записей должен быть положительным")
	}
	if cfg.Index == nil || cfg.Files == nil {
		return nil, fmt.Errorf("для очистки нужны индекс и файловое хранилище")
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultRetentionSpec
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Retention{
		cfg:  cfg,
		cron: cron.New(),
		log:  logger.OrNoOp(cfg.Logger).WithComponent("retention"),
	}
	_, err := r.cron.AddFunc(cfg.Spec, func() {
		if _, err := r.Prune(context.Background()); err != nil {
			r.log.Error(context.Background(), "очистка записей", logger.Err(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("расписание очистки %q: %w", cfg.Spec, err)
	}
	return r, nil
}

// Start запускает планировщик
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop останавливает планировщик и ждет текущую очистку
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Prune удаляет записи старше MaxAge: файл, метаданные и ссылку в истории.
// Возвращает число удаленных записей.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	cutoff := r.cfg.Now().Add(-r.cfg.MaxAge)
	old, err := r.cfg.Index.OlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range old {
		if _, err := r.cfg.Files.Delete(m.Filename); err != nil {
			r.log.Warn(ctx, "удаление файла записи", logger.String("file", m.Filename), logger.Err(err))
			continue
		}
		if err := r.cfg.Index.Remove(ctx, m.Filename); err != nil {
			return removed, err
		}
		if r.cfg.History != nil {
			if err := r.cfg.History.UnlinkRecording(ctx, m.Filename); err != nil {
				r.log.Warn(ctx, "ссылка на запись в истории", logger.Err(err))
			}
		}
		removed++
	}
	if removed > 0 {
		r.log.Info(ctx, "старые записи удалены", logger.Int("count", removed), logger.Time("cutoff", cutoff))
	}
	return removed, nil
}
