package storage

import (
	"context"
	"sync"
	"time"
)

// MaxHistory предел записей истории, старые вытесняются
const MaxHistory = 100

// CallType тип записи истории
type CallType string

const (
	CallIncoming CallType = "incoming"
	CallOutgoing CallType = "outgoing"
	CallMissed   CallType = "missed"
	CallDeclined CallType = "declined"
)

// Outcome чем закончился звонок
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeMissed    Outcome = "missed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeBusy      Outcome = "busy"
)

// HistoryEntry запись истории звонков
type HistoryEntry struct {
	Type      CallType  `json:"type"`
	Number    string    `json:"number"`
	Duration  int       `json:"duration"` // секунды
	Timestamp time.Time `json:"timestamp"`
	Recording string    `json:"recording,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Cause     string    `json:"cause,omitempty"`
}

// HistoryStore история звонков: новые записи первыми, не более MaxHistory
type HistoryStore struct {
	kv  KV
	max int
	mu  sync.Mutex
}

// NewHistoryStore создает историю поверх kv
func NewHistoryStore(kv KV) *HistoryStore {
	return &HistoryStore{kv: kv, max: MaxHistory}
}

// Add добавляет запись в начало истории
func (h *HistoryStore) Add(ctx context.Context, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	list, err := h.load(ctx)
	if err != nil {
		return err
	}
	list = append([]HistoryEntry{e}, list...)
	if len(list) > h.max {
		list = list[:h.max]
	}
	return setJSON(ctx, h.kv, KeyHistory, list)
}

// List возвращает историю, новые записи первыми
func (h *HistoryStore) List(ctx context.Context) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(ctx)
}

// LinkRecording привязывает запись к последнему звонку, если у него еще нет записи.
// Возвращает true, если привязка выполнена.
func (h *HistoryStore) LinkRecording(ctx context.Context, filename string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list, err := h.load(ctx)
	if err != nil {
		return false, err
	}
	if len(list) == 0 || list[0].Recording != "" {
		return false, nil
	}
	list[0].Recording = filename
	return true, setJSON(ctx, h.kv, KeyHistory, list)
}

// UnlinkRecording убирает ссылку на удаленную запись
func (h *HistoryStore) UnlinkRecording(ctx context.Context, filename string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list, err := h.load(ctx)
	if err != nil {
		return err
	}
	changed := false
	for i := range list {
		if list[i].Recording == filename {
			list[i].Recording = ""
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return setJSON(ctx, h.kv, KeyHistory, list)
}

// Clear удаляет всю историю
func (h *HistoryStore) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kv.Remove(ctx, KeyHistory)
}

func (h *HistoryStore) load(ctx context.Context) ([]HistoryEntry, error) {
	var list []HistoryEntry
	if _, err := getJSON(ctx, h.kv, KeyHistory, &list); err != nil {
		return nil, err
	}
	return list, nil
}
