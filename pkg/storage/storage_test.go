package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/logger"
)

// kvBackends возвращает оба хранилища, тесты историй проходят на каждом
func kvBackends(t *testing.T) map[string]KV {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "callcore.db"), logger.NoOp{})
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": sq,
	}
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, "a/1", []byte("one")))
			require.NoError(t, kv.Set(ctx, "a/2", []byte("two")))
			require.NoError(t, kv.Set(ctx, "b/1", []byte("three")))
			require.NoError(t, kv.Set(ctx, "a/1", []byte("uno")))

			v, err := kv.Get(ctx, "a/1")
			require.NoError(t, err)
			assert.Equal(t, "uno", string(v))

			keys, err := kv.Keys(ctx, "a/")
			require.NoError(t, err)
			assert.Equal(t, []string{"a/1", "a/2"}, keys)

			require.NoError(t, kv.Remove(ctx, "a/1"))
			require.NoError(t, kv.Remove(ctx, "a/1"), "повторное удаление не ошибка")
			_, err = kv.Get(ctx, "a/1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "sub", "callcore.db")

	kv, err := OpenSQLite(file, nil)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	require.NoError(t, kv.Close())

	kv, err = OpenSQLite(file, nil)
	require.NoError(t, err, "повторные миграции не должны падать")
	defer kv.Close()
	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestHistoryStore(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			h := NewHistoryStore(kv)

			list, err := h.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < MaxHistory+5; i++ {
				require.NoError(t, h.Add(ctx, HistoryEntry{
					Type:      CallOutgoing,
					Number:    fmt.Sprintf("555000%04d", i),
					Timestamp: base.Add(time.Duration(i) * time.Second),
				}))
			}

			list, err = h.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, MaxHistory, "история ограничена")
			assert.Equal(t, "5550000104", list[0].Number, "новые первыми")
			assert.Equal(t, "5550000005", list[len(list)-1].Number, "старые вытеснены")
		})
	}
}

func TestHistoryLinkRecording(t *testing.T) {
	ctx := context.Background()
	h := NewHistoryStore(NewMemoryKV())

	ok, err := h.LinkRecording(ctx, "recording_x_1.wav")
	require.NoError(t, err)
	assert.False(t, ok, "пустая история")

	require.NoError(t, h.Add(ctx, HistoryEntry{Type: CallIncoming, Number: "5559876543"}))
	ok, err = h.LinkRecording(ctx, "recording_x_1.wav")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.LinkRecording(ctx, "recording_x_2.wav")
	require.NoError(t, err)
	assert.False(t, ok, "у последнего звонка уже есть запись")

	require.NoError(t, h.UnlinkRecording(ctx, "recording_x_1.wav"))
	list, err := h.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list[0].Recording)
	assert.False(t, list[0].Timestamp.IsZero(), "timestamp заполняется автоматически")

	require.NoError(t, h.Clear(ctx))
	list, err = h.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecordingIndex(t *testing.T) {
	ctx := context.Background()
	idx := NewRecordingIndex(NewMemoryKV())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var evicted []string
	for i := 0; i < MaxRecordings+2; i++ {
		ev, err := idx.Add(ctx, RecordingMeta{
			Filename:  fmt.Sprintf("rec_%02d.wav", i),
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		evicted = append(evicted, ev...)
	}
	assert.Equal(t, []string{"rec_00.wav", "rec_01.wav"}, evicted)

	list, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, MaxRecordings)
	assert.Equal(t, "rec_51.wav", list[0].Filename)

	_, err = idx.Add(ctx, RecordingMeta{Filename: "rec_10.wav", StartedAt: base.Add(10 * time.Hour), Duration: 42})
	require.NoError(t, err)
	m, err := idx.Get(ctx, "rec_10.wav")
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.Duration, "повторное добавление заменяет запись")

	old, err := idx.OlderThan(ctx, base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Len(t, old, 3) // rec_02..rec_04

	require.NoError(t, idx.Remove(ctx, "rec_10.wav"))
	_, err = idx.Get(ctx, "rec_10.wav")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsStore(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewSettingsStore(kv)

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{}, st)

	want := Settings{
		Username:            "5551234567",
		Password:            "secret",
		EnableCallRecording: true,
		RegisterOnStartup:   true,
		SaveCredentials:     true,
	}
	require.NoError(t, s.Save(ctx, want))
	assert.True(t, s.RecordingEnabled())
	assert.True(t, s.ShouldAutoRegister())

	fresh := NewSettingsStore(kv)
	got, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.SaveCredentials = false
	require.NoError(t, s.Save(ctx, want))
	_, err = kv.Get(ctx, KeySettings)
	assert.ErrorIs(t, err, ErrNotFound, "без SaveCredentials настройки удаляются")
	assert.True(t, s.RecordingEnabled(), "настройки остаются в памяти сессии")
}
