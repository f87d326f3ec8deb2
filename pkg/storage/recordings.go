package storage

import (
	"context"
	"sync"
	"time"
)

// MaxRecordings предел метаданных записей
const MaxRecordings = 50

// RecordingMeta метаданные сохраненной записи звонка
type RecordingMeta struct {
	Filename  string    `json:"filename"`
	Number    string    `json:"number"`
	StartedAt time.Time `json:"startedAt"`
	Duration  float64   `json:"duration"` // секунды
	MimeType  string    `json:"mimeType,omitempty"`
	Size      int64     `json:"size,omitempty"`
}

// RecordingIndex индекс записей, новые первыми
type RecordingIndex struct {
	kv  KV
	max int
	mu  sync.Mutex
}

// NewRecordingIndex создает индекс поверх kv
func NewRecordingIndex(kv KV) *RecordingIndex {
	return &RecordingIndex{kv: kv, max: MaxRecordings}
}

// Add добавляет метаданные. Запись с тем же именем заменяется.
// Возвращает имена вытесненных записей, их файлы можно удалить.
func (r *RecordingIndex) Add(ctx context.Context, m RecordingMeta) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RecordingMeta, 0, len(list)+1)
	out = append(out, m)
	for _, e := range list {
		if e.Filename != m.Filename {
			out = append(out, e)
		}
	}
	var evicted []string
	if len(out) > r.max {
		for _, e := range out[r.max:] {
			evicted = append(evicted, e.Filename)
		}
		out = out[:r.max]
	}
	return evicted, setJSON(ctx, r.kv, KeyRecordings, out)
}

// List возвращает метаданные, новые первыми
func (r *RecordingIndex) List(ctx context.Context) ([]RecordingMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Get ищет метаданные по имени файла
func (r *RecordingIndex) Get(ctx context.Context, filename string) (RecordingMeta, error) {
	list, err := r.List(ctx)
	if err != nil {
		return RecordingMeta{}, err
	}
	for _, e := range list {
		if e.Filename == filename {
			return e, nil
		}
	}
	return RecordingMeta{}, ErrNotFound
}

// Remove удаляет метаданные. Отсутствие записи не ошибка.
func (r *RecordingIndex) Remove(ctx context.Context, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, e := range list {
		if e.Filename != filename {
			out = append(out, e)
		}
	}
	if len(out) == len(list) {
		return nil
	}
	return setJSON(ctx, r.kv, KeyRecordings, out)
}

// OlderThan возвращает записи, начатые раньше cutoff
func (r *RecordingIndex) OlderThan(ctx context.Context, cutoff time.Time) ([]RecordingMeta, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var old []RecordingMeta
	for _, e := range list {
		if e.StartedAt.Before(cutoff) {
			old = append(old, e)
		}
	}
	return old, nil
}

func (r *RecordingIndex) load(ctx context.Context) ([]RecordingMeta, error) {
	var list []RecordingMeta
	if _, err := getJSON(ctx, r.kv, KeyRecordings, &list); err != nil {
		return nil, err
	}
	return list, nil
}
