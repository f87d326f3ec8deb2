package storage

import (
	"context"
	"sync"
)

// Settings пользовательские настройки софтфона
type Settings struct {
	Username            string `json:"username"`
	Password            string `json:"password,omitempty"`
	DisplayName         string `json:"displayName"`
	CallerID            string `json:"callerID"`
	HideCallerID        bool   `json:"hideCallerID"`
	RegisterOnStartup   bool   `json:"registerOnStartup"`
	HideEventLog        bool   `json:"hideEventLog"`
	EnableCallRecording bool   `json:"enableCallRecording"`
	SaveCredentials     bool   `json:"saveCredentials"`
}

// SettingsStore хранит настройки. Без SaveCredentials настройки не сохраняются,
// а ранее сохраненные удаляются.
type SettingsStore struct {
	kv KV

	mu     sync.RWMutex
	cached Settings
}

// NewSettingsStore создает хранилище настроек
func NewSettingsStore(kv KV) *SettingsStore {
	return &SettingsStore{kv: kv}
}

// Load читает настройки. Отсутствие сохраненных настроек дает нулевое значение.
func (s *SettingsStore) Load(ctx context.Context) (Settings, error) {
	var st Settings
	if _, err := getJSON(ctx, s.kv, KeySettings, &st); err != nil {
		return Settings{}, err
	}
	s.mu.Lock()
	s.cached = st
	s.mu.Unlock()
	return st, nil
}

// Save сохраняет настройки по правилу SaveCredentials
func (s *SettingsStore) Save(ctx context.Context, st Settings) error {
	s.mu.Lock()
	s.cached = st
	s.mu.Unlock()

	if !st.SaveCredentials {
		return s.kv.Remove(ctx, KeySettings)
	}
	return setJSON(ctx, s.kv, KeySettings, st)
}

// Clear удаляет настройки
func (s *SettingsStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cached = Settings{}
	s.mu.Unlock()
	return s.kv.Remove(ctx, KeySettings)
}

// Current последние загруженные или сохраненные настройки
func (s *SettingsStore) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

// RecordingEnabled включена ли запись звонков
func (s *SettingsStore) RecordingEnabled() bool {
	return s.Current().EnableCallRecording
}

// ShouldAutoRegister нужна ли регистрация при запуске
func (s *SettingsStore) ShouldAutoRegister() bool {
	st := s.Current()
	return st.RegisterOnStartup && st.Username != "" && st.Password != ""
}
