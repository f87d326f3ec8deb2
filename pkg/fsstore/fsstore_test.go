package fsstore

import (
	"context"
	"encoding/base64"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"":                       "webm",
		"audio/webm;codecs=opus": "webm",
		"audio/ogg;codecs=opus":  "ogg",
		"audio/mp4":              "m4a",
		"audio/aac":              "m4a",
		"audio/mpeg":             "mp3",
		"audio/wav":              "wav",
		"audio/x-unknown":        "webm",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtensionFor(in), in)
	}
}

func TestSaveReadDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	name, err := s.Save(ctx, "recording_2026-01-02T03-04-05-000Z_5551234567", []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "recording_2026-01-02T03-04-05-000Z_5551234567.wav", name, "расширение добавляется по MIME")

	url, err := s.ReadAsDataURL(name)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:audio/wav;base64,"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:audio/wav;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(raw))

	files, err := s.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(4), files[0].Size)

	ok, err := s.Delete(name)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(name)
	require.NoError(t, err)
	assert.False(t, ok, "повторное удаление возвращает false")
}

func TestInvalidNames(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, name := range []string{"../escape.wav", "a/b.wav", ""} {
		_, err := s.Save(ctx, name, []byte("x"), "audio/wav")
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, err := s.Delete("../x")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestMinFree(t *testing.T) {
	s := newStore(t)
	if _, err := s.Free(); err != nil {
		t.Skipf("проверка места недоступна: %v", err)
	}
	s.MinFree = math.MaxUint64 / 2

	_, err := s.Save(context.Background(), "big.wav", []byte("x"), "")
	assert.ErrorIs(t, err, ErrNoSpace)
}
